package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/runner"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	submitFlags    jobFlags
	submitAfterOK  string
	submitDryRun   bool
	submitKeep     bool
	submitNoBanner bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] <job-file>",
	Short: "Render a job file into a batch script and submit it",
	Long: `Resolve and validate a job file, render the batch script and submit it.

The job ID is printed on stdout so submissions can be chained with --afterok.
Without an available scheduler (or with --local) the job runs here instead:
modules are loaded, the program runs, and jobwrap exits with its exit code.
Array jobs run every index locally with at most array.limit at once.

Job file (YAML, TOML or JSON):
  name: sim
  time: 1-0:0:0
  nodes: 1
  ntasks_per_node: 24
  partition: shared
  mail_type: all
  mail_user: me@example.org
  modules: [gcc/12, openmpi]
  program: ./sim
  args: [--in, data.h5]`,
	Example: `  jobwrap submit sim.yaml                       # Submit
  jobwrap submit -t 2h -p debug sim.yaml        # Override time and partition
  jobwrap submit --dry-run sim.yaml             # Print the script, do not submit
  jobwrap submit --array 1-100%10 sweep.yaml    # Array job, 10 at a time

  # Dependency chaining
  JOB=$(jobwrap submit prepare.yaml)
  jobwrap submit --afterok "$JOB" analyse.yaml`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	registerJobFlags(submitCmd, &submitFlags)
	submitCmd.Flags().StringVar(&submitAfterOK, "afterok", "", "Start after these jobs succeed (colon-separated IDs, e.g. 123:456)")
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "Print the batch script without submitting")
	submitCmd.Flags().BoolVarP(&submitKeep, "keep", "k", false, "Keep the batch script after the job ends")
	submitCmd.Flags().BoolVar(&submitNoBanner, "no-banner", false, "Do not echo job information before and after the program")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var deps []string
	if cmd.Flags().Changed("afterok") {
		ids, err := parseAfterOK(submitAfterOK)
		if err != nil {
			return err
		}
		deps = ids
	}

	job, err := loadJob(args[0], cmd.Flags(), &submitFlags)
	if err != nil {
		return err
	}
	spec := buildJobSpec(job, deps)

	if submitDryRun {
		return printDryRun(job, spec)
	}

	sched := scheduler.Active()
	if sched == nil {
		if len(deps) > 0 {
			utils.PrintWarning("--afterok has no effect when running locally")
		}
		utils.PrintMessage("No scheduler available. Running %s locally.", utils.StyleName(job.Name))
		return runJobLocally(cmd.Context(), job)
	}
	return submitJob(sched, job, spec)
}

// buildJobSpec turns a resolved job into what the scheduler renders, with CLI-only settings applied.
func buildJobSpec(job *jobspec.Job, deps []string) *scheduler.JobSpec {
	spec := job.JobSpec()
	spec.DepJobIDs = deps
	spec.Banner = !submitNoBanner
	spec.Keep = submitKeep || config.Global.KeepScript
	spec.Metadata["Submission"] = uuid.NewString()
	if job.Source != "" {
		if abs, err := filepath.Abs(job.Source); err == nil {
			spec.Metadata["Job File"] = abs
		}
	}
	return spec
}

func submitJob(sched scheduler.Scheduler, job *jobspec.Job, spec *scheduler.JobSpec) error {
	info := sched.GetInfo()
	if !info.Supported {
		utils.PrintWarning("%s %s is older than the minimum jobwrap renders for; the script may be rejected", info.Type, info.Version)
	}

	// Partition limits are advisory here; the scheduler has the final word
	if clusterInfo, err := sched.GetClusterInfo(); err != nil {
		utils.PrintDebug("Skipping partition limit check: %v", err)
	} else if err := scheduler.ValidateAgainstLimits(job.ResourceSpec(), clusterInfo); err != nil {
		utils.PrintWarning("The request may be rejected: %v", err)
	}

	logsDir := config.Global.LogsDir
	if job.Output != "" {
		if abs, err := filepath.Abs(job.Output); err == nil {
			spec.Specs.Control.Stdout = abs
			if err := os.MkdirAll(filepath.Dir(abs), utils.PermDir); err != nil {
				return fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(abs), err)
			}
		}
	}
	if err := os.MkdirAll(logsDir, utils.PermDir); err != nil {
		return fmt.Errorf("failed to create logs directory %s: %w", logsDir, err)
	}

	scriptPath, err := sched.CreateScriptWithSpec(spec, logsDir)
	if err != nil {
		return err
	}
	utils.PrintDebug("Batch script written to %s", scriptPath)

	jobID, err := sched.Submit(scriptPath, spec.DepJobIDs)
	if err != nil {
		if !spec.Keep {
			os.Remove(scriptPath)
		}
		return err
	}

	fmt.Fprintln(os.Stdout, jobID)
	if utils.IsInteractiveShell() {
		if len(spec.DepJobIDs) > 0 {
			utils.PrintSuccess("Submitted %s job %s for %s (after: %s)", info.Type, utils.StyleNumber(jobID), utils.StyleName(job.Name), strings.Join(spec.DepJobIDs, ", "))
		} else {
			utils.PrintSuccess("Submitted %s job %s for %s", info.Type, utils.StyleNumber(jobID), utils.StyleName(job.Name))
		}
		utils.PrintMessage("Log => %s", utils.StylePath(spec.Specs.Control.Stdout))
	}
	return nil
}

// runJobLocally runs the job through the runner, every array index included.
func runJobLocally(ctx context.Context, job *jobspec.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := runner.Options{
		Modules: job.Modules,
		Program: job.Program,
		Args:    job.Args,
		EnvFile: job.EnvFile,
	}

	var code int
	var err error
	if indices := job.Indices(); indices != nil {
		utils.PrintMessage("Running %d array instances (limit %d)", len(indices), job.Array.Limit)
		code, err = runner.RunArray(ctx, opts, indices, job.Array.Limit)
	} else {
		code, err = runner.Run(ctx, opts)
	}
	if err != nil {
		return err
	}
	return exitWith(code)
}

// printDryRun prints the job summary to stderr and the script to stdout.
func printDryRun(job *jobspec.Job, spec *scheduler.JobSpec) error {
	sched, err := scheduler.Renderer(scheduler.SchedulerType(config.Global.SchedulerType))
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s %s (%s)\n", utils.StyleTitle("Dry run:"), utils.StyleName(job.Name), scheduler.TypeOf(sched))
	fmt.Fprintf(os.Stderr, "  Time:       %s\n", jobspec.FormatWalltime(job.Time))
	fmt.Fprintf(os.Stderr, "  Nodes:      %d x %d tasks\n", job.Nodes, job.TasksPerNode)
	fmt.Fprintf(os.Stderr, "  Partition:  %s\n", job.Partition)
	fmt.Fprintf(os.Stderr, "  Mail:       %s %s\n", job.MailType, job.MailUser)
	if len(job.Modules) > 0 {
		fmt.Fprintf(os.Stderr, "  Modules:    %s\n", strings.Join(job.Modules, " "))
	}
	if job.Array != nil {
		fmt.Fprintf(os.Stderr, "  Array:      %s (%d instances)\n", job.Array, job.Array.Count())
	}
	if len(spec.DepJobIDs) > 0 {
		fmt.Fprintf(os.Stderr, "  After OK:   %s\n", strings.Join(spec.DepJobIDs, ", "))
	}
	fmt.Fprintln(os.Stderr)

	return sched.RenderScript(os.Stdout, spec, "")
}
