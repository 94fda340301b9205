package config

import (
	"os"
	"path/filepath"
	"time"
)

const VERSION = "0.1.0"

// JobDefaults are applied to job files that leave a directive unset.
type JobDefaults struct {
	Partition string
	MailUser  string
	MailType  string
	Time      time.Duration
}

// Config holds global application settings
type Config struct {
	Debug         bool
	SubmitJob     bool
	KeepScript    bool
	Version       string
	SchedulerBin  string
	SchedulerType string
	LogsDir       string
	ModuleShell   string

	Defaults JobDefaults
}

// Global holds the singleton configuration instance
var Global Config

// LoadDefaults resets Global to built-in values.
func LoadDefaults() {
	Global = Config{
		Debug:       false,
		SubmitJob:   true,
		KeepScript:  false,
		Version:     VERSION,
		LogsDir:     defaultLogsDir(),
		ModuleShell: "bash",
		Defaults: JobDefaults{
			MailType: "none",
		},
	}
}

// defaultLogsDir prefers $SCRATCH (common on HPC sites) over $HOME for job logs.
func defaultLogsDir() string {
	if scratch := os.Getenv("SCRATCH"); scratch != "" {
		return filepath.Join(scratch, "jobwrap", "logs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "logs")
	}
	return "logs"
}
