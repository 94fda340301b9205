package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/utils"
)

// EnvironmentError is returned when the runtime environment could not be prepared
// (a module failed to load or the env file is unreadable). The program was not started.
type EnvironmentError struct {
	Source string // What failed, e.g. "module python/3.11" or "env file job.env"
	Code   int    // Loader exit status (0 if it did not exit normally)
	Output string // Loader stderr
	Err    error  // Underlying error
}

func (e *EnvironmentError) Error() string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "failed to load %s", e.Source)
	if e.Code > 0 {
		fmt.Fprintf(&msg, " (exit %d)", e.Code)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&msg, "\n\t%s: %s", utils.StyleHint("Output"), out)
	}
	if hint := e.hint(); hint != "" {
		fmt.Fprintf(&msg, "\n\t%s %s", utils.StyleHint("Hint:"), hint)
	}
	if e.Err != nil {
		fmt.Fprintf(&msg, "\n\t%s: %v", utils.StyleHint("Error"), e.Err)
	}
	return msg.String()
}

func (e *EnvironmentError) hint() string {
	out := strings.ToLower(e.Output)
	switch {
	case strings.Contains(out, "module: command not found"):
		return "environment modules are not initialised in this shell; set module_shell or source the modules init script in your profile"
	case strings.Contains(out, "unable to locate a modulefile"), strings.Contains(out, "these module(s) or extension(s) exist but cannot be loaded"):
		return "check the module name with " + utils.StyleAction("module avail")
	}
	return ""
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

// ExitCode is the loader's exit status, or 1 when it gave none.
func (e *EnvironmentError) ExitCode() int {
	if e.Code > 0 && e.Code < 256 {
		return e.Code
	}
	return 1
}

// ProgramError is returned when the program could not be started at all.
// A program that starts and exits non-zero is not an error.
type ProgramError struct {
	Program string
	Err     error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

func (e *ProgramError) Unwrap() error {
	return e.Err
}

// ExitCode follows the shell: 127 for a missing program, 126 when it cannot be executed.
func (e *ProgramError) ExitCode() int {
	if errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, fs.ErrNotExist) {
		return 127
	}
	return 126
}

// ExitCode returns the process exit code jobwrap should use for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

// IsEnvironmentError checks if an error is an EnvironmentError
func IsEnvironmentError(err error) bool {
	var ee *EnvironmentError
	return errors.As(err, &ee)
}
