package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLoader appends fixed entries to the environment, or fails.
type fakeLoader struct {
	add   []string
	err   error
	calls int
}

func (l *fakeLoader) Load(ctx context.Context, modules []string, env []string) ([]string, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return append(env, l.add...), nil
}

func TestRunExitCodePassthrough(t *testing.T) {
	for _, want := range []int{0, 1, 3, 42, 255} {
		t.Run(fmt.Sprint(want), func(t *testing.T) {
			code, err := Run(context.Background(), Options{
				Program: "sh",
				Args:    []string{"-c", fmt.Sprintf("exit %d", want)},
			})
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			if code != want {
				t.Errorf("exit code = %d; want %d", code, want)
			}
		})
	}
}

func TestRunSignalExitCode(t *testing.T) {
	code, err := Run(context.Background(), Options{Program: "sh", Args: []string{"-c", "kill -TERM $$"}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if code != 143 {
		t.Errorf("exit code = %d; want 143 (128+SIGTERM)", code)
	}
}

func TestRunCancelTerminatesProgram(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	code, err := Run(ctx, Options{Program: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if code != 143 {
		t.Errorf("exit code = %d; want 143", code)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("program was not terminated on cancel")
	}
}

func TestRunLoaderFailureSkipsProgram(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	loader := &fakeLoader{err: &EnvironmentError{Source: "module broken", Code: 3}}

	code, err := Run(context.Background(), Options{
		Modules: []string{"broken"},
		Program: "sh",
		Args:    []string{"-c", "touch " + marker},
		Loader:  loader,
	})
	if !IsEnvironmentError(err) {
		t.Fatalf("Run error = %v; want EnvironmentError", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d; want the loader's 3", code)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Error("program ran although the module failed to load")
	}
}

func TestRunEnvironmentAndIndex(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "job.env")
	if err := os.WriteFile(envFile, []byte("FROM_FILE=file\nOVERRIDDEN=file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	index := 7
	code, err := Run(context.Background(), Options{
		Modules: []string{"python"},
		Program: "sh",
		Args:    []string{"-c", `printf '%s|%s|%s|%s' "$1" "$FROM_LOADER" "$FROM_FILE" "$OVERRIDDEN"`, "sh"},
		Index:   &index,
		EnvFile: envFile,
		Env:     []string{"OVERRIDDEN=flag", "not-a-setting"},
		Loader:  &fakeLoader{add: []string{"FROM_LOADER=yes"}},
		Stdout:  &stdout,
	})
	if err != nil || code != 0 {
		t.Fatalf("Run = (%d, %v)", code, err)
	}
	if got, want := stdout.String(), "7|yes|file|flag"; got != want {
		t.Errorf("program saw %q; want %q", got, want)
	}
}

func TestRunMissingEnvFile(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	code, err := Run(context.Background(), Options{
		Program: "sh",
		Args:    []string{"-c", "touch " + marker},
		EnvFile: filepath.Join(t.TempDir(), "missing.env"),
	})
	if !IsEnvironmentError(err) || code != 1 {
		t.Errorf("Run = (%d, %v); want (1, EnvironmentError)", code, err)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Error("program ran although the env file is missing")
	}
}

func TestRunMissingProgram(t *testing.T) {
	code, err := Run(context.Background(), Options{Program: filepath.Join(t.TempDir(), "no-such-program")})
	var perr *ProgramError
	if !errors.As(err, &perr) {
		t.Fatalf("Run error = %v; want ProgramError", err)
	}
	if code != 127 {
		t.Errorf("exit code = %d; want 127", code)
	}
}

func TestModuleLoader(t *testing.T) {
	shell := filepath.Join(t.TempDir(), "fakesh")
	script := `#!/bin/sh
# called as: fakesh -lc SCRIPT jobwrap-load MODULE
if [ "$4" = "broken" ]; then
  echo "Lmod has detected the following error: Unable to locate a modulefile for 'broken'" >&2
  exit 3
fi
printf 'LOADED=%s\000PATH=/usr/bin\000' "$4"
`
	if err := os.WriteFile(shell, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	loader := NewModuleLoader(shell)

	env, err := loader.Load(context.Background(), []string{"gcc", "python"}, []string{"HOME=/home/me"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Contains(env, "LOADED=python") || !slices.Contains(env, "PATH=/usr/bin") {
		t.Errorf("environment after load = %q", env)
	}

	_, err = loader.Load(context.Background(), []string{"gcc", "broken", "python"}, nil)
	var envErr *EnvironmentError
	if !errors.As(err, &envErr) {
		t.Fatalf("Load error = %v; want EnvironmentError", err)
	}
	if envErr.Source != "module broken" || envErr.ExitCode() != 3 {
		t.Errorf("EnvironmentError = %+v", envErr)
	}
	if !strings.Contains(err.Error(), "module avail") {
		t.Errorf("error should hint at module avail: %v", err)
	}
}

func TestForEachIndexRespectsLimit(t *testing.T) {
	indices := make([]int, 20)
	for i := range indices {
		indices[i] = i + 1
	}

	var active, peak atomic.Int32
	var mu sync.Mutex
	seen := map[int]int{}

	codes, err := ForEachIndex(context.Background(), indices, 3, func(ctx context.Context, index int) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)

		mu.Lock()
		seen[index]++
		mu.Unlock()
		return index % 2, nil
	})
	if err != nil {
		t.Fatalf("ForEachIndex: %v", err)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d; want <= 3", p)
	}
	for _, idx := range indices {
		if seen[idx] != 1 {
			t.Errorf("index %d ran %d times; want once", idx, seen[idx])
		}
	}
	for i, idx := range indices {
		if codes[i] != idx%2 {
			t.Errorf("codes[%d] = %d; want %d", i, codes[i], idx%2)
		}
	}
}

func TestRunArray(t *testing.T) {
	dir := t.TempDir()
	code, err := RunArray(context.Background(), Options{
		Program: "sh",
		Args:    []string{"-c", `touch "$DIR/ran.$1"; [ $(($1 % 3)) -eq 0 ] && exit $1; exit 0`, "sh"},
		Env:     []string{"DIR=" + dir},
	}, []int{1, 2, 3, 4, 5, 6}, 2)
	if err != nil {
		t.Fatalf("RunArray: %v", err)
	}
	if code != 3 {
		t.Errorf("aggregate exit code = %d; want 3 (lowest failing index)", code)
	}
	for i := 1; i <= 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("ran.%d", i))); err != nil {
			t.Errorf("index %d did not run", i)
		}
	}
}

func TestRunArrayLoadsModulesOnce(t *testing.T) {
	loader := &fakeLoader{}
	code, err := RunArray(context.Background(), Options{
		Modules: []string{"python"},
		Program: "true",
		Loader:  loader,
	}, []int{0, 1, 2}, 0)
	if err != nil || code != 0 {
		t.Fatalf("RunArray = (%d, %v)", code, err)
	}
	if loader.calls != 1 {
		t.Errorf("loader called %d times; want 1", loader.calls)
	}
}

func TestAggregateExitCode(t *testing.T) {
	tests := []struct {
		indices []int
		codes   []int
		want    int
	}{
		{[]int{1, 2, 3}, []int{0, 0, 0}, 0},
		{[]int{1, 2, 3}, []int{0, 4, 9}, 4},
		{[]int{5, 2, 9}, []int{7, 8, 0}, 8},
	}
	for _, tt := range tests {
		if got := aggregateExitCode(tt.indices, tt.codes); got != tt.want {
			t.Errorf("aggregateExitCode(%v, %v) = %d; want %d", tt.indices, tt.codes, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"environment without status", &EnvironmentError{Source: "env file x"}, 1},
		{"environment with status", &EnvironmentError{Source: "module x", Code: 5}, 5},
		{"wrapped environment", fmt.Errorf("job: %w", &EnvironmentError{Code: 2}), 2},
		{"program not found", &ProgramError{Program: "x", Err: exec.ErrNotFound}, 127},
		{"program not executable", &ProgramError{Program: "x", Err: os.ErrPermission}, 126},
		{"other", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode = %d; want %d", tt.name, got, tt.want)
		}
	}
}
