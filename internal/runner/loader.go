package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/utils"
)

// Loader prepares the environment for the program by loading runtime modules.
type Loader interface {
	// Load loads modules in order on top of env and returns the resulting environment.
	// It stops at the first module that fails and returns an *EnvironmentError.
	Load(ctx context.Context, modules []string, env []string) ([]string, error)
}

// loadScript loads one module and prints the resulting environment NUL-separated.
// Module chatter goes to stderr so stdout carries only the environment.
const loadScript = `module load "$1" >&2 && env -0`

// ModuleLoader loads Environment Modules / Lmod modules through a login shell.
type ModuleLoader struct {
	Shell string // Shell with the module function available (default "bash")
}

// NewModuleLoader creates a ModuleLoader using shell ("" = bash).
func NewModuleLoader(shell string) *ModuleLoader {
	if shell == "" {
		shell = "bash"
	}
	return &ModuleLoader{Shell: shell}
}

// Load runs one login shell per module so a failure names the module that caused it.
func (l *ModuleLoader) Load(ctx context.Context, modules []string, env []string) ([]string, error) {
	for _, mod := range modules {
		utils.PrintDebug("Loading module %s", utils.StyleName(mod))

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, l.Shell, "-lc", loadScript, "jobwrap-load", mod)
		cmd.Env = env
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			envErr := &EnvironmentError{Source: "module " + mod, Output: stderr.String(), Err: err}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				envErr.Code = exitErr.ExitCode()
			}
			return nil, envErr
		}

		loaded := parseEnv0(stdout.Bytes())
		if len(loaded) == 0 {
			return nil, &EnvironmentError{Source: "module " + mod, Output: stderr.String(),
				Err: errors.New("loader printed no environment")}
		}
		env = loaded
	}
	return env, nil
}

// parseEnv0 splits `env -0` output into KEY=VALUE entries.
func parseEnv0(out []byte) []string {
	var env []string
	for _, entry := range strings.Split(string(out), "\x00") {
		if strings.Contains(entry, "=") {
			env = append(env, entry)
		}
	}
	return env
}

// setEnv sets key=value in env, replacing an existing entry.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
