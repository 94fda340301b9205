package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/runner"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/spf13/cobra"
)

// parseJobFlags registers the override flags on a fresh command and parses args.
func parseJobFlags(t *testing.T, args ...string) (*cobra.Command, *jobFlags) {
	t.Helper()
	var f jobFlags
	cmd := &cobra.Command{Use: "test"}
	registerJobFlags(cmd, &f)
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return cmd, &f
}

func TestJobFlagsApply(t *testing.T) {
	base := func() *jobspec.File {
		return &jobspec.File{
			Name:         "sim",
			Time:         "1-0:0:0",
			Nodes:        1,
			TasksPerNode: 24,
			Partition:    "shared",
			MailType:     "all",
			Array:        &jobspec.ArrayFile{Range: "1-10", Limit: 2},
		}
	}

	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, f *jobspec.File)
		wantErr bool
	}{
		{
			name: "unset flags keep the job file",
			args: nil,
			check: func(t *testing.T, f *jobspec.File) {
				if f.Partition != "shared" || f.Nodes != 1 || f.Time != "1-0:0:0" {
					t.Errorf("file changed: %+v", f)
				}
			},
		},
		{
			name: "overrides",
			args: []string{"-t", "2h", "-p", "debug", "--nodes=2", "--ntasks-per-node", "8", "--mail-type", "none"},
			check: func(t *testing.T, f *jobspec.File) {
				if f.Time != "2h" || f.Partition != "debug" || f.Nodes != 2 || f.TasksPerNode != 8 || f.MailType != "none" {
					t.Errorf("overrides not applied: %+v", f)
				}
				if f.Name != "sim" {
					t.Errorf("Name = %q; want sim", f.Name)
				}
			},
		},
		{
			name: "array keeps job file limit",
			args: []string{"--array", "1-100"},
			check: func(t *testing.T, f *jobspec.File) {
				if f.Array.Range != "1-100" || f.Array.Limit != 2 {
					t.Errorf("Array = %+v; want 1-100 limit 2", f.Array)
				}
			},
		},
		{
			name: "array with its own limit",
			args: []string{"--array", "1-100%5"},
			check: func(t *testing.T, f *jobspec.File) {
				if f.Array.Limit != 0 {
					t.Errorf("Array.Limit = %d; want 0 so %%5 applies", f.Array.Limit)
				}
			},
		},
		{
			name: "empty array drops array mode",
			args: []string{"--array="},
			check: func(t *testing.T, f *jobspec.File) {
				if f.Array != nil {
					t.Errorf("Array = %+v; want nil", f.Array)
				}
			},
		},
		{
			name: "array limit",
			args: []string{"--array-limit", "7"},
			check: func(t *testing.T, f *jobspec.File) {
				if f.Array.Limit != 7 {
					t.Errorf("Array.Limit = %d; want 7", f.Array.Limit)
				}
			},
		},
		{
			name:    "array limit without a range",
			args:    []string{"--array=", "--array-limit", "7"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, flags := parseJobFlags(t, tt.args...)
			file := base()
			err := flags.apply(cmd.Flags(), file)
			if (err != nil) != tt.wantErr {
				t.Fatalf("apply error = %v; wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, file)
			}
		})
	}
}

func writeJobFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJob(t *testing.T) {
	config.LoadDefaults()
	config.Global.Defaults.MailType = "none"
	path := writeJobFile(t, `time: 1-0:0:0
nodes: 1
ntasks_per_node: 24
partition: shared
program: ./sim
`)

	cmd, flags := parseJobFlags(t, "--partition", "debug", "--time", "30:00")
	job, err := loadJob(path, cmd.Flags(), flags)
	if err != nil {
		t.Fatalf("loadJob: %v", err)
	}
	if job.Name != "sim" || job.Partition != "debug" || job.Time != 30*time.Minute {
		t.Errorf("job = %+v", job)
	}

	cmd, flags = parseJobFlags(t, "--nodes", "0", "--time", "soon")
	_, err = loadJob(path, cmd.Flags(), flags)
	if !scheduler.IsValidationError(err) {
		t.Fatalf("loadJob error = %v; want validation error", err)
	}

	if _, err := loadJob(filepath.Join(t.TempDir(), "missing.yaml"), cmd.Flags(), nil); err == nil {
		t.Error("loadJob accepted a missing file")
	}
}

func TestParseAfterOK(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr bool
	}{
		{"123", []string{"123"}, false},
		{"123:456", []string{"123", "456"}, false},
		{" 12.pbs01 : 13[].pbs01 ", []string{"12.pbs01", "13[].pbs01"}, false},
		{"", nil, true},
		{"::", nil, true},
		{"123:abc", nil, true},
	}
	for _, tt := range tests {
		got, err := parseAfterOK(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAfterOK(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseAfterOK(%q) = %v; want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseAfterOK(%q) = %v; want %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestExitWith(t *testing.T) {
	if err := exitWith(0); err != nil {
		t.Errorf("exitWith(0) = %v; want nil", err)
	}
	err := exitWith(42)
	var status *exitCodeError
	if !errors.As(err, &status) {
		t.Fatalf("exitWith(42) = %v; want exitCodeError", err)
	}
	if got := runner.ExitCode(err); got != 42 {
		t.Errorf("runner.ExitCode = %d; want 42", got)
	}
}
