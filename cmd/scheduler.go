package cmd

import (
	"fmt"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:     "scheduler",
	Aliases: []string{"sched"},
	Short:   "Display scheduler information",
	Long: `Display information about the detected job scheduler.

Shows scheduler type (SLURM or PBS), binary path, version, availability status
and the limits of each partition / queue.`,
	Example: `  jobwrap scheduler           # Show scheduler information
  jobwrap sched               # Short alias`,
	Run: runScheduler,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

func runScheduler(cmd *cobra.Command, args []string) {
	sched, err := scheduler.DetectSchedulerWithBinary(config.Global.SchedulerBin)
	if err != nil {
		if scheduler.IsInsideJob() {
			utils.PrintMessage("Scheduler Status: %s", utils.StyleWarning("Unavailable (inside job)"))
			utils.PrintMessage("")
			utils.PrintMessage("You are currently inside a scheduled job; job submission is disabled to prevent nested submissions.")
			return
		}
		utils.PrintMessage("Scheduler Status: %s", utils.StyleError("Not Found"))
		utils.PrintMessage("")
		utils.PrintMessage("No job scheduler detected on this system. Jobs will run locally.")
		utils.PrintMessage("Supported schedulers: SLURM, PBS Pro / OpenPBS")
		return
	}

	info := sched.GetInfo()

	fmt.Println("Scheduler Information:")
	fmt.Printf("  Type:      %s\n", utils.StyleInfo(info.Type))
	fmt.Printf("  Binary:    %s\n", utils.StylePath(info.Binary))
	if info.Version != "" {
		if info.Supported {
			fmt.Printf("  Version:   %s\n", utils.StyleNumber(info.Version))
		} else {
			fmt.Printf("  Version:   %s %s\n", utils.StyleNumber(info.Version), utils.StyleWarning("(older than supported; array limits may be rejected)"))
		}
	}

	if info.InJob {
		fmt.Printf("  Status:    %s (inside job)\n", utils.StyleError("Unavailable"))
		fmt.Println()
		fmt.Println("You are currently inside a scheduled job (detected via environment).")
		fmt.Println("Job submission is disabled to prevent nested job submissions.")
		if res := sched.GetJobResources(); res != nil {
			fmt.Println()
			fmt.Println("Current Allocation:")
			fmt.Printf("  Job ID:     %s\n", res.JobID)
			if res.Partition != "" {
				fmt.Printf("  Partition:  %s\n", utils.StyleName(res.Partition))
			}
			if res.Nodes != nil {
				fmt.Printf("  Nodes:      %s\n", utils.StyleNumber(*res.Nodes))
			}
			if res.TasksPerNode != nil {
				fmt.Printf("  Tasks/Node: %s\n", utils.StyleNumber(*res.TasksPerNode))
			}
		}
		return
	} else if info.Available {
		fmt.Printf("  Status:    %s\n", utils.StyleSuccess("Available"))
		fmt.Println()
		fmt.Println("The scheduler is available and ready for job submission.")
	} else {
		fmt.Printf("  Status:    %s\n", utils.StyleError("Unavailable"))
		fmt.Println()
		fmt.Println("Scheduler detected but not available for job submission.")
	}

	clusterInfo, err := sched.GetClusterInfo()
	if err != nil {
		utils.PrintDebug("Cluster info unavailable: %v", err)
		return
	}
	if len(clusterInfo.Limits) == 0 {
		return
	}

	fmt.Println()
	fmt.Println("Resource Limits:")
	for _, limit := range clusterInfo.Limits {
		name := utils.StyleName(limit.Partition)
		if limit.Default {
			name += " " + utils.StyleSuccess("(default)")
		}
		fmt.Printf("  Partition: %s\n", name)
		if limit.MaxNodes > 0 {
			fmt.Printf("    Max Nodes:      %s\n", utils.StyleNumber(limit.MaxNodes))
		}
		if limit.MaxCpusPerNode > 0 {
			fmt.Printf("    Max Tasks/Node: %s\n", utils.StyleNumber(limit.MaxCpusPerNode))
		}
		if limit.MaxTime > 0 {
			fmt.Printf("    Max Time:       %s\n", utils.StyleNumber(jobspec.FormatWalltime(limit.MaxTime)))
		}
		if limit.DefaultTime > 0 {
			fmt.Printf("    Default Time:   %s\n", utils.StyleNumber(jobspec.FormatWalltime(limit.DefaultTime)))
		}
	}
}
