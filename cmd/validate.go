package cmd

import (
	"fmt"

	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	validateFlags   jobFlags
	validateCluster bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [flags] <job-file>",
	Short: "Check a job file's directives",
	Long: `Resolve a job file and report every directive problem at once.

With --cluster the request is also checked against the partition limits the
scheduler reports (partition exists, time limit, node count, tasks per node).`,
	Example: `  jobwrap validate sim.yaml
  jobwrap validate --cluster sim.yaml`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	registerJobFlags(validateCmd, &validateFlags)
	validateCmd.Flags().BoolVar(&validateCluster, "cluster", false, "Also check the partition limits of the scheduler")
}

func runValidate(cmd *cobra.Command, args []string) error {
	job, err := loadJob(args[0], cmd.Flags(), &validateFlags)
	if err != nil {
		return err
	}

	if validateCluster {
		sched := scheduler.Active()
		if sched == nil {
			return fmt.Errorf("--cluster: %w", scheduler.ErrSchedulerNotAvailable)
		}
		info, err := sched.GetClusterInfo()
		if err != nil {
			return err
		}
		if err := scheduler.ValidateAgainstLimits(job.ResourceSpec(), info); err != nil {
			return err
		}
	}

	utils.PrintSuccess("%s is valid: %s, %d node(s) x %d tasks, partition %s",
		utils.StyleName(job.Name), jobspec.FormatWalltime(job.Time), job.Nodes, job.TasksPerNode, job.Partition)
	return nil
}
