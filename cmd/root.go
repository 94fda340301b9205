package cmd

import (
	"errors"
	"os"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/runner"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	debugMode bool
	localMode bool
	quietMode bool
)

var rootCmd = &cobra.Command{
	Use:   "jobwrap",
	Short: "jobwrap: render, submit and run HPC batch jobs from a job file.",
	Long: `jobwrap replaces hand-written #SBATCH / #PBS submission scripts.

A job file declares the directives (name, time, nodes, tasks per node, partition,
notification policy), the runtime modules and the program. jobwrap renders the
batch script, submits it, and inside the allocation loads the modules and runs
the program with its exit code passed through unchanged.`,
	Version:       config.VERSION,
	SilenceErrors: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Step 1: Built-in defaults
		config.LoadDefaults()

		// Step 2: Config files and JOBWRAP_* environment
		if err := config.InitViper(); err != nil {
			utils.PrintDebug("Error reading config file: %v", err)
		}

		// Step 3: Find the scheduler binary if the configured one is gone
		updated, err := config.AutoDetectAndSave()
		if err != nil {
			utils.PrintDebug("Failed to save config: %v", err)
		} else if updated {
			if configPath, err := config.GetUserConfigPath(); err == nil {
				utils.PrintDebug("Auto-detected scheduler saved to: %s", configPath)
			}
		}

		// Step 4: Viper into Global
		config.LoadFromViper()

		// Step 5: Command-line flags
		if quietMode {
			utils.QuietMode = true
		}
		if debugMode {
			utils.DebugMode = true
			config.Global.Debug = true
			utils.PrintDebug("jobwrap version: %s", utils.StyleInfo(config.VERSION))
			utils.PrintDebug("Logs directory: %s", config.Global.LogsDir)
			if config.Global.SchedulerBin != "" {
				utils.PrintDebug("Scheduler binary: %s", config.Global.SchedulerBin)
			}
		}
		if localMode {
			config.Global.SubmitJob = false
			utils.PrintDebug("Local mode enabled (job submission disabled)")
		}

		// Step 6: Scheduler used for submission
		if config.Global.SubmitJob && config.Global.SchedulerBin != "" {
			sched, err := scheduler.DetectSchedulerWithBinary(config.Global.SchedulerBin)
			switch {
			case err != nil:
				utils.PrintDebug("Scheduler not available: %v", err)
			case !sched.IsAvailable():
				utils.PrintDebug("Scheduler not available (already in a job)")
			default:
				scheduler.SetActive(sched)
				utils.PrintDebug("Scheduler %s initialized", scheduler.TypeOf(sched))
			}
		}
	},
}

// Execute runs the root command and exits with the resulting code.
// Commands that ran a program return an exitCodeError so jobwrap exits with the program's status.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var status *exitCodeError
	if !errors.As(err, &status) {
		printError(err)
	}
	os.Exit(runner.ExitCode(err))
}

func init() {
	// Subcommands are attached to rootCmd in their respective init() functions
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug mode with verbose output")
	rootCmd.PersistentFlags().BoolVar(&localMode, "local", false, "Disable job submission (run locally)")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Suppress informational messages")
}
