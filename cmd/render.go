package cmd

import (
	"os"
	"path/filepath"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	renderFlags    jobFlags
	renderOut      string
	renderType     string
	renderKeep     bool
	renderNoBanner bool
)

var renderCmd = &cobra.Command{
	Use:   "render [flags] <job-file>",
	Short: "Print the batch script for a job file without submitting it",
	Long: `Render the batch script for a job file.

The script goes to stdout, or to the file named by --script. A script written to a
file removes itself when the job ends unless --keep is set. The scheduler type
follows the configured scheduler; --type renders for another one.
Dependencies are not part of a rendered script: pass them to sbatch/qsub, or
use jobwrap submit --afterok.`,
	Example: `  jobwrap render sim.yaml                   # SLURM or PBS, whichever is configured
  jobwrap render --type pbs sim.yaml        # PBS script
  jobwrap render --script sim.sbatch sim.yaml && sbatch sim.sbatch`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	registerJobFlags(renderCmd, &renderFlags)
	renderCmd.Flags().StringVarP(&renderOut, "script", "s", "", "Write the script to this path instead of stdout")
	renderCmd.Flags().StringVar(&renderType, "type", "", "Scheduler to render for: slurm or pbs (default: configured)")
	renderCmd.Flags().BoolVarP(&renderKeep, "keep", "k", false, "Do not remove the script when the job ends")
	renderCmd.Flags().BoolVar(&renderNoBanner, "no-banner", false, "Do not echo job information before and after the program")

	renderCmd.RegisterFlagCompletionFunc("type", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"slurm", "pbs"}, cobra.ShellCompDirectiveNoFileComp
	})
}

func runRender(cmd *cobra.Command, args []string) error {
	job, err := loadJob(args[0], cmd.Flags(), &renderFlags)
	if err != nil {
		return err
	}

	schedType := renderType
	if schedType == "" {
		schedType = config.Global.SchedulerType
	}
	sched, err := scheduler.Renderer(scheduler.SchedulerType(schedType))
	if err != nil {
		return err
	}

	spec := job.JobSpec()
	spec.Banner = !renderNoBanner
	spec.Keep = renderKeep || config.Global.KeepScript

	if renderOut == "" {
		return sched.RenderScript(os.Stdout, spec, "")
	}

	path, err := filepath.Abs(renderOut)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, utils.PermExec)
	if err != nil {
		return scheduler.NewScriptCreationError(job.Name, path, err)
	}
	if err := sched.RenderScript(f, spec, path); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return scheduler.NewScriptCreationError(job.Name, path, err)
	}
	utils.PrintSuccess("Wrote %s script %s", scheduler.TypeOf(sched), utils.StylePath(path))
	return nil
}
