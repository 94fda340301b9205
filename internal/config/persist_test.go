package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestEnvVarName(t *testing.T) {
	cases := map[string]string{
		"logs_dir":           "JOBWRAP_LOGS_DIR",
		"defaults.mail_user": "JOBWRAP_DEFAULTS_MAIL_USER",
		"submit_job":         "JOBWRAP_SUBMIT_JOB",
	}
	for key, want := range cases {
		if got := EnvVarName(key); got != want {
			t.Errorf("EnvVarName(%q) = %q; want %q", key, got, want)
		}
	}
}

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	LoadDefaults()
	setDefaults()
	viper.Set("logs_dir", "/scratch/me/logs")
	viper.Set("submit_job", false)
	viper.Set("defaults.partition", "shared")
	viper.Set("defaults.mail_type", "fail")
	viper.Set("defaults.time", "24:00:00")

	LoadFromViper()

	if Global.LogsDir != "/scratch/me/logs" {
		t.Errorf("LogsDir = %q; want /scratch/me/logs", Global.LogsDir)
	}
	if Global.SubmitJob {
		t.Error("SubmitJob = true; want false")
	}
	if Global.Defaults.Partition != "shared" {
		t.Errorf("Defaults.Partition = %q; want shared", Global.Defaults.Partition)
	}
	if Global.Defaults.MailType != "fail" {
		t.Errorf("Defaults.MailType = %q; want fail", Global.Defaults.MailType)
	}
	if Global.Defaults.Time != 24*time.Hour {
		t.Errorf("Defaults.Time = %v; want 24h", Global.Defaults.Time)
	}
	if Global.ModuleShell != "bash" {
		t.Errorf("ModuleShell = %q; want bash", Global.ModuleShell)
	}
}

func TestLoadFromViperDefaultTime(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"1-0:0:0", 24 * time.Hour},
		{"2-12", 60 * time.Hour},
		{"2:30", 2*time.Minute + 30*time.Second},
		{"30", 30 * time.Minute},
		{"36h", 36 * time.Hour},
		{"not-a-time", 0},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()

			LoadDefaults()
			setDefaults()
			viper.Set("defaults.time", tt.value)

			LoadFromViper()

			if Global.Defaults.Time != tt.want {
				t.Errorf("defaults.time %q -> %v; want %v", tt.value, Global.Defaults.Time, tt.want)
			}
		})
	}
}

func TestLoadFromViperEnvOverride(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("JOBWRAP_DEFAULTS_MAIL_USER", "me@example.edu")
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
	LoadDefaults()
	setDefaults()

	LoadFromViper()

	if Global.Defaults.MailUser != "me@example.edu" {
		t.Errorf("Defaults.MailUser = %q; want me@example.edu", Global.Defaults.MailUser)
	}
}

func TestValidateBinary(t *testing.T) {
	if ValidateBinary("") {
		t.Error("empty path should be invalid")
	}
	if ValidateBinary(t.TempDir()) {
		t.Error("directory should not validate as a binary")
	}
	if ValidateBinary("/definitely/not/here/sbatch") {
		t.Error("missing path should be invalid")
	}
}

func TestGetConfigSearchPaths(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	paths := GetConfigSearchPaths()
	if len(paths) == 0 || paths[len(paths)-1].Type != "system" {
		t.Fatalf("search paths = %+v; want system last", paths)
	}
	if paths[0].Type != "user" || filepath.Base(paths[0].Path) != "config.yaml" {
		t.Errorf("first search path = %+v; want user config.yaml", paths[0])
	}
	for _, sp := range paths {
		if sp.InUse {
			t.Errorf("%s marked in use although no config was read", sp.Path)
		}
	}
}

func TestDetectAndSaveTo(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	bin := t.TempDir()
	if err := os.WriteFile(filepath.Join(bin, "qsub"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", bin)

	path := filepath.Join(t.TempDir(), "jobwrap", "config.yaml")
	found, err := DetectAndSaveTo(path)
	if err != nil {
		t.Fatalf("DetectAndSaveTo: %v", err)
	}
	if !found {
		t.Error("qsub in PATH was not detected")
	}
	if got := viper.GetString("scheduler_type"); got != "PBS" {
		t.Errorf("scheduler_type = %q; want PBS", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), filepath.Join(bin, "qsub")) {
		t.Errorf("config does not record the scheduler binary:\n%s", data)
	}
}
