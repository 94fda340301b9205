package cmd

import (
	"slices"
	"sort"
	"testing"

	"github.com/andrewstanton1/jobwrap/internal/config"
)

func TestConfigValueCompletion(t *testing.T) {
	opts := configValueCompletion("defaults.mail_type")
	for _, want := range []string{"none", "begin", "end", "fail", "all"} {
		if !slices.Contains(opts, want) {
			t.Errorf("expected completion option %q not present", want)
		}
	}
	if opts := configValueCompletion("logs_dir"); opts != nil {
		t.Errorf("logs_dir completions = %v; want none", opts)
	}
}

func TestGetConfigEnvVars(t *testing.T) {
	vars := getConfigEnvVars()
	if len(vars) != len(config.Keys) {
		t.Fatalf("got %d vars, expected %d", len(vars), len(config.Keys))
	}
	if !sort.StringsAreSorted(vars) {
		t.Errorf("env vars not sorted: %v", vars)
	}
	for _, want := range []string{"JOBWRAP_LOGS_DIR", "JOBWRAP_DEFAULTS_PARTITION", "JOBWRAP_SCHEDULER_BIN"} {
		if !slices.Contains(vars, want) {
			t.Errorf("%s missing from %v", want, vars)
		}
	}
}

func TestValidateConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"submit_job", "false", false},
		{"submit_job", "no", true},
		{"scheduler_type", "pbs", false},
		{"scheduler_type", "lsf", true},
		{"defaults.time", "1-0:0:0", false},
		{"defaults.time", "36h", false},
		{"defaults.time", "a day", true},
		{"defaults.mail_type", "begin,end", false},
		{"defaults.mail_type", "sometimes", true},
		{"defaults.partition", "anything", false},
	}
	for _, tt := range tests {
		err := validateConfigValue(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateConfigValue(%q, %q) error = %v; wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
	}
}
