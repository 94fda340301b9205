package cmd

import (
	"fmt"

	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the state of a submitted job",
	Long: `Query the scheduler for a job and print its state:
PENDING, RUNNING, COMPLETED, FAILED, TIMEOUT, CANCELLED or UNKNOWN.

A job killed at its time limit is TIMEOUT, never FAILED.`,
	Example:      `  jobwrap status 123456`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	sched := scheduler.Active()
	if sched == nil {
		return scheduler.ErrSchedulerNotAvailable
	}
	status, err := sched.JobState(args[0])
	if err != nil {
		return err
	}

	fmt.Println(styleState(status.State))
	if utils.QuietMode {
		return nil
	}
	if status.Raw != "" && status.Raw != string(status.State) {
		fmt.Printf("  Scheduler state: %s\n", status.Raw)
	}
	if status.State.IsTerminal() && status.ExitCode >= 0 {
		fmt.Printf("  Exit code:       %s\n", utils.StyleNumber(status.ExitCode))
	}
	if status.Signal > 0 {
		fmt.Printf("  Signal:          %s\n", utils.StyleNumber(status.Signal))
	}
	return nil
}

func styleState(state scheduler.JobState) string {
	switch state {
	case scheduler.StateCompleted:
		return utils.StyleSuccess(string(state))
	case scheduler.StateFailed, scheduler.StateTimeout, scheduler.StateCancelled:
		return utils.StyleError(string(state))
	case scheduler.StateRunning, scheduler.StatePending:
		return utils.StyleInfo(string(state))
	}
	return utils.StyleWarning(string(state))
}
