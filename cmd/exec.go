package cmd

import (
	"context"
	"errors"

	"github.com/andrewstanton1/jobwrap/internal/runner"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	execModules  []string
	execEnvFile  string
	execEnv      []string
	execIndex    int
	execArrayEnv bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <program> [args...]",
	Short: "Load modules and run a program, exiting with its exit code",
	Long: `Run a program the way a batch job does inside its allocation.

Modules are loaded in order through the module shell. If any of them fails to
load the program is not started and jobwrap exits with the loader's status.
Otherwise the program runs with inherited stdin/stdout/stderr and jobwrap exits
with the program's exit code (128+N when it was killed by signal N).
SIGINT and SIGTERM are forwarded to the program.

In array mode the index is appended as the program's last argument: --index N
sets it explicitly, --array-env reads SLURM_ARRAY_TASK_ID / PBS_ARRAY_INDEX.`,
	Example: `  jobwrap exec -m gcc/12 -m openmpi -- ./sim --in data.h5
  jobwrap exec --env-file job.env -- python train.py
  jobwrap exec --array-env -m python -- python sweep.py   # inside an array task`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE:         runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringArrayVarP(&execModules, "module", "m", nil, "Module to load before the program (repeatable, loaded in order)")
	execCmd.Flags().StringVar(&execEnvFile, "env-file", "", "KEY=VALUE file exported to the program")
	execCmd.Flags().StringArrayVar(&execEnv, "env", nil, "Set environment variable KEY=VALUE (repeatable)")
	execCmd.Flags().IntVar(&execIndex, "index", 0, "Array index passed as the program's last argument")
	execCmd.Flags().BoolVar(&execArrayEnv, "array-env", false, "Take the array index from the scheduler environment")
	execCmd.MarkFlagsMutuallyExclusive("index", "array-env")
	// Everything after the program belongs to it
	execCmd.Flags().SetInterspersed(false)
}

func runExec(cmd *cobra.Command, args []string) error {
	opts := runner.Options{
		Modules: execModules,
		Program: args[0],
		Args:    args[1:],
		EnvFile: execEnvFile,
		Env:     execEnv,
	}

	switch {
	case cmd.Flags().Changed("index"):
		if execIndex < 0 {
			return errors.New("--index must not be negative")
		}
		index := execIndex
		opts.Index = &index
	case execArrayEnv:
		index, ok := scheduler.ArrayIndexFromEnv()
		if !ok {
			return errors.New("--array-env: no SLURM_ARRAY_TASK_ID or PBS_ARRAY_INDEX in the environment")
		}
		opts.Index = &index
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	code, err := runner.Run(ctx, opts)
	if err != nil {
		return err
	}
	utils.PrintDebug("%s exited with %d", opts.Program, code)
	return exitWith(code)
}
