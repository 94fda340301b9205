// Package runner runs a job's program inside the current allocation (or locally):
// load modules, fail fast if that fails, run the program and pass its exit code through.
package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/joho/godotenv"
)

// Options describes one program run.
type Options struct {
	Modules []string // Runtime modules, loaded in order
	Program string   // Program to run
	Args    []string // Fixed arguments
	Index   *int     // Array index appended as the last argument (nil = none)
	EnvFile string   // Optional KEY=VALUE file exported to the program
	Env     []string // Extra KEY=VALUE settings, applied last

	Loader Loader    // nil = ModuleLoader using config.Global.ModuleShell
	Stdin  io.Reader // nil = os.Stdin
	Stdout io.Writer // nil = os.Stdout
	Stderr io.Writer // nil = os.Stderr
}

func (o Options) loader() Loader {
	if o.Loader != nil {
		return o.Loader
	}
	return NewModuleLoader(config.Global.ModuleShell)
}

// Run prepares the environment and runs the program once.
//
// The returned exit code is the program's own (128+signo when it was killed by a signal).
// err is non-nil only when the program could not be run: an *EnvironmentError means it was
// never started because the environment failed, a *ProgramError means it could not be started.
func Run(ctx context.Context, opts Options) (int, error) {
	env, err := prepareEnv(ctx, opts)
	if err != nil {
		return ExitCode(err), err
	}
	return runProgram(ctx, opts, env, opts.Index)
}

// prepareEnv builds the program environment: inherited env, modules, env file, explicit settings.
func prepareEnv(ctx context.Context, opts Options) ([]string, error) {
	env := os.Environ()

	if len(opts.Modules) > 0 {
		loaded, err := opts.loader().Load(ctx, opts.Modules, env)
		if err != nil {
			return nil, err
		}
		env = loaded
	}

	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return nil, &EnvironmentError{Source: "env file " + opts.EnvFile, Err: err}
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			env = setEnv(env, key, values[key])
		}
	}

	for _, setting := range opts.Env {
		key, value, ok := strings.Cut(setting, "=")
		if !ok || key == "" {
			utils.PrintWarning("Invalid env setting %s. It should be in KEY=VALUE format. Skipping.", utils.StyleName(setting))
			continue
		}
		env = setEnv(env, key, value)
	}
	return env, nil
}

// runProgram starts the program with env and waits for it, forwarding SIGINT/SIGTERM.
// Cancelling ctx sends SIGTERM, the same signal a scheduler sends at the time limit.
func runProgram(ctx context.Context, opts Options, env []string, index *int) (int, error) {
	args := append([]string(nil), opts.Args...)
	if index != nil {
		args = append(args, strconv.Itoa(*index))
	}

	cmd := exec.Command(opts.Program, args...)
	cmd.Env = env
	cmd.Stdin = orReader(opts.Stdin, os.Stdin)
	cmd.Stdout = orWriter(opts.Stdout, os.Stdout)
	cmd.Stderr = orWriter(opts.Stderr, os.Stderr)

	utils.PrintDebug("Executing: %s %s", opts.Program, strings.Join(args, " "))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := cmd.Start(); err != nil {
		perr := &ProgramError{Program: opts.Program, Err: err}
		return perr.ExitCode(), perr
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	for waiting := true; waiting; {
		select {
		case waitErr = <-done:
			waiting = false
		case sig := <-sigChan:
			utils.PrintDebug("Forwarding %v to %s", sig, opts.Program)
			_ = cmd.Process.Signal(sig)
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			ctx = context.Background()
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return 1, &ProgramError{Program: opts.Program, Err: waitErr}
		}
	}
	return exitStatus(cmd.ProcessState), nil
}

// exitStatus maps a finished process to a shell-style exit code.
func exitStatus(state *os.ProcessState) int {
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func orReader(r, fallback io.Reader) io.Reader {
	if r != nil {
		return r
	}
	return fallback
}

func orWriter(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}
