package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidateAgainstLimits(t *testing.T) {
	info := &ClusterInfo{Limits: []ResourceLimits{
		{Partition: "shared", Default: true, MaxTime: 48 * time.Hour, MaxNodes: 4, MaxCpusPerNode: 128},
		{Partition: "debug", MaxTime: 30 * time.Minute},
	}}

	tests := []struct {
		name        string
		rs          *ResourceSpec
		wantLimit   bool
		wantInvalid bool
	}{
		{"within limits", &ResourceSpec{Nodes: 1, TasksPerNode: 24, Time: 24 * time.Hour, Partition: "shared"}, false, false},
		{"too long", &ResourceSpec{Nodes: 1, TasksPerNode: 1, Time: time.Hour, Partition: "debug"}, true, false},
		{"too many nodes", &ResourceSpec{Nodes: 8, TasksPerNode: 1, Time: time.Hour, Partition: "shared"}, true, false},
		{"too many tasks", &ResourceSpec{Nodes: 1, TasksPerNode: 256, Time: time.Hour, Partition: "shared"}, true, false},
		{"unknown partition", &ResourceSpec{Nodes: 1, TasksPerNode: 1, Time: time.Hour, Partition: "gpu"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgainstLimits(tt.rs, info)
			if got := IsLimitError(err); got != tt.wantLimit {
				t.Errorf("IsLimitError(%v) = %v; want %v", err, got, tt.wantLimit)
			}
			if got := IsValidationError(err); got != tt.wantInvalid {
				t.Errorf("IsValidationError(%v) = %v; want %v", err, got, tt.wantInvalid)
			}
			if !tt.wantLimit && !tt.wantInvalid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}

	if err := ValidateAgainstLimits(&ResourceSpec{Partition: "any"}, nil); err != nil {
		t.Errorf("no cluster info should mean no validation, got %v", err)
	}
}

func TestValidateAgainstLimitsJoinsErrors(t *testing.T) {
	info := &ClusterInfo{Limits: []ResourceLimits{{Partition: "shared", MaxTime: time.Hour, MaxNodes: 1}}}
	err := ValidateAgainstLimits(&ResourceSpec{Nodes: 2, TasksPerNode: 1, Time: 2 * time.Hour, Partition: "shared"}, info)

	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 2 {
		t.Fatalf("expected two joined limit errors, got %v", err)
	}
}

func TestForType(t *testing.T) {
	if s, err := ForType(SchedulerSLURM); err != nil {
		t.Errorf("ForType(SLURM) error: %v", err)
	} else if _, ok := s.(*SlurmScheduler); !ok {
		t.Errorf("ForType(SLURM) = %T", s)
	}
	if s, err := ForType("pbs"); err != nil {
		t.Errorf("ForType(pbs) error: %v", err)
	} else if _, ok := s.(*PbsScheduler); !ok {
		t.Errorf("ForType(pbs) = %T", s)
	}
	if _, err := ForType("LSF"); !errors.Is(err, ErrUnsupportedScheduler) {
		t.Errorf("ForType(LSF) error = %v; want ErrUnsupportedScheduler", err)
	}
}

func TestArrayIndexFromEnv(t *testing.T) {
	t.Setenv("SLURM_ARRAY_TASK_ID", "")
	t.Setenv("PBS_ARRAYID", "")
	t.Setenv("PBS_ARRAY_INDEX", "0")
	if idx, ok := ArrayIndexFromEnv(); !ok || idx != 0 {
		t.Errorf("ArrayIndexFromEnv() = (%d, %v); want (0, true)", idx, ok)
	}

	t.Setenv("SLURM_ARRAY_TASK_ID", "17")
	if idx, ok := ArrayIndexFromEnv(); !ok || idx != 17 {
		t.Errorf("ArrayIndexFromEnv() = (%d, %v); want (17, true)", idx, ok)
	}
}

func TestParseScriptAny(t *testing.T) {
	dir := t.TempDir()
	pbsScript := filepath.Join(dir, "job.pbs")
	content := "#!/bin/bash\n#PBS -N pbsjob\n#PBS -l walltime=02:00:00\nmodule load R\nRscript fit.R\n"
	if err := os.WriteFile(pbsScript, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, st, err := ParseScriptAny(pbsScript)
	if err != nil {
		t.Fatalf("ParseScriptAny: %v", err)
	}
	if st != SchedulerPBS {
		t.Errorf("scheduler type = %q; want PBS", st)
	}
	if specs.Control.JobName != "pbsjob" || specs.Spec.Time != 2*time.Hour {
		t.Errorf("specs = %+v", specs)
	}

	plain := filepath.Join(dir, "plain.sh")
	if err := os.WriteFile(plain, []byte("#!/bin/bash\necho hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	specs, st, err = ParseScriptAny(plain)
	if err != nil || st != SchedulerUnknown || specs == nil || specs.HasDirectives {
		t.Errorf("plain script = (%+v, %q, %v)", specs, st, err)
	}

	if _, _, err := ParseScriptAny(filepath.Join(dir, "missing.sh")); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("missing script error = %v; want ErrScriptNotFound", err)
	}
}

func TestRenderer(t *testing.T) {
	SetActive(nil)
	t.Cleanup(func() { SetActive(nil) })

	pbs, err := Renderer("pbs")
	if err != nil {
		t.Fatalf("Renderer(pbs): %v", err)
	}
	if TypeOf(pbs) != SchedulerPBS {
		t.Errorf("Renderer(pbs) type = %q", TypeOf(pbs))
	}

	active := newSlurmParser()
	SetActive(active)
	if got, _ := Renderer(""); got != active {
		t.Error("Renderer(\"\") should return the active scheduler")
	}
	if got, _ := Renderer(SchedulerSLURM); got != active {
		t.Error("Renderer(SLURM) should return the matching active scheduler")
	}
	if got, _ := Renderer(SchedulerPBS); TypeOf(got) != SchedulerPBS {
		t.Error("Renderer(PBS) must not return an active SLURM scheduler")
	}
	if _, err := Renderer("lsf"); !errors.Is(err, ErrUnsupportedScheduler) {
		t.Errorf("Renderer(lsf) error = %v; want ErrUnsupportedScheduler", err)
	}
}
