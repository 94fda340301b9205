// Package scheduler renders, submits and tracks batch jobs on HPC job schedulers
package scheduler

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SchedulerType represents the type of job scheduler
type SchedulerType string

const (
	SchedulerUnknown SchedulerType = ""
	SchedulerSLURM   SchedulerType = "SLURM"
	SchedulerPBS     SchedulerType = "PBS"
)

// SchedulerInfo holds information about the detected scheduler
type SchedulerInfo struct {
	Type      string // Scheduler type (e.g., "SLURM", "PBS")
	Binary    string // Path to submission binary (e.g., "/usr/bin/sbatch")
	Version   string // Scheduler version (if available)
	Supported bool   // Version is at or above the minimum this tool renders for
	InJob     bool   // Whether we're currently inside a scheduled job
	Available bool   // Whether scheduler is available for job submission
}

// ResourceLimits holds the limits of one partition/queue
type ResourceLimits struct {
	Partition      string        // Partition/queue name these limits apply to
	Default        bool          // Site default partition
	MaxTime        time.Duration // Maximum walltime (0 = unlimited)
	DefaultTime    time.Duration // Default walltime if not specified
	MaxNodes       int           // Maximum nodes per job (0 = unlimited)
	MaxCpusPerNode int           // Maximum task slots per node (0 = unknown)
}

// ClusterInfo holds cluster configuration information
type ClusterInfo struct {
	Limits []ResourceLimits // Resource limits per partition
}

// Partition returns the limits for the named partition, or nil.
func (c *ClusterInfo) Partition(name string) *ResourceLimits {
	if c == nil {
		return nil
	}
	for i := range c.Limits {
		if c.Limits[i].Partition == name {
			return &c.Limits[i]
		}
	}
	return nil
}

// ResourceSpec holds the compute geometry requested from the scheduler
type ResourceSpec struct {
	Nodes        int           // Number of nodes
	TasksPerNode int           // Task slots per node
	Time         time.Duration // Wall-clock limit
	Partition    string        // Partition/queue name
}

// RuntimeConfig holds job control settings (identity, I/O, notifications)
type RuntimeConfig struct {
	JobName  string     // Job name
	Stdout   string     // Standard output file path
	Stderr   string     // Standard error file path (empty = merged into Stdout)
	MailType MailEvents // Notification events
	MailUser string     // Contact address for notifications
}

// ScriptSpecs holds the specifications of a job script
type ScriptSpecs struct {
	ScriptPath     string        // Source script path (when parsed from a file)
	Spec           *ResourceSpec // nil = resource directives could not be parsed (passthrough mode)
	Control        RuntimeConfig // Job control settings
	Array          *ArraySpec    // Array range, nil for a single job
	HasDirectives  bool          // Whether any scheduler directive was found
	RawFlags       []string      // Every directive in the script, verbatim
	RemainingFlags []string      // Directives not understood; written back unchanged
	Modules        []string      // Modules loaded by the script body
	Command        []string      // Last command of the script body (program + args)
}

// JobSpec represents everything needed to render one batch script
type JobSpec struct {
	Name      string            // File base name for script and log
	Modules   []string          // Runtime modules loaded, in order, before the program
	Program   string            // External program to run
	Args      []string          // Fixed program arguments
	EnvFile   string            // Optional KEY=VALUE file exported before the program
	Specs     *ScriptSpecs      // Job specifications
	DepJobIDs []string          // Job IDs this job depends on (afterok)
	Banner    bool              // Echo job information before and after the program
	Keep      bool              // Keep the script after the job finishes
	Metadata  map[string]string // Extra header lines (Submission ID, source file, ...)
}

// JobResources holds the allocation of the currently running job.
// A nil pointer field means the scheduler did not expose that value.
type JobResources struct {
	JobID        string
	Partition    string
	Nodes        *int
	TasksPerNode *int
}

// Scheduler defines the interface for job schedulers
type Scheduler interface {
	// IsAvailable checks if the scheduler is available and we're not already in a job
	IsAvailable() bool

	// GetInfo returns information about the scheduler
	GetInfo() *SchedulerInfo

	// ReadScriptSpecs parses scheduler directives, module loads and the final command from a script
	ReadScriptSpecs(scriptPath string) (*ScriptSpecs, error)

	// RenderScript writes the batch script for job to w.
	// scriptPath is where the script will live; it is removed at job end unless job.Keep is set.
	RenderScript(w io.Writer, job *JobSpec, scriptPath string) error

	// CreateScriptWithSpec renders the batch script into outputDir and returns its path
	CreateScriptWithSpec(job *JobSpec, outputDir string) (string, error)

	// Submit submits a job script with optional dependency chain
	// Returns the job ID assigned by the scheduler
	Submit(scriptPath string, dependencyJobIDs []string) (string, error)

	// GetClusterInfo retrieves partition limits
	GetClusterInfo() (*ClusterInfo, error)

	// JobState queries the current state of a submitted job
	JobState(jobID string) (*JobStatus, error)

	// GetJobResources reads allocated resources from scheduler environment variables.
	// Returns nil if not running inside a job of this scheduler type.
	GetJobResources() *JobResources
}

// ValidateAgainstLimits checks a resource request against the cluster's partition limits.
// Returns nil when the cluster exposes no limits.
func ValidateAgainstLimits(rs *ResourceSpec, info *ClusterInfo) error {
	if rs == nil || info == nil || len(info.Limits) == 0 {
		return nil
	}

	limit := info.Partition(rs.Partition)
	if limit == nil {
		names := make([]string, 0, len(info.Limits))
		for _, l := range info.Limits {
			names = append(names, l.Partition)
		}
		sort.Strings(names)
		return NewValidationError("partition", rs.Partition,
			fmt.Sprintf("unknown partition (available: %s)", strings.Join(names, ", ")))
	}

	var errs []error
	if limit.MaxTime > 0 && rs.Time > limit.MaxTime {
		errs = append(errs, &LimitError{Field: "time", Requested: FormatWalltime(rs.Time),
			Limit: FormatWalltime(limit.MaxTime), Partition: limit.Partition})
	}
	if limit.MaxNodes > 0 && rs.Nodes > limit.MaxNodes {
		errs = append(errs, &LimitError{Field: "nodes", Requested: strconv.Itoa(rs.Nodes),
			Limit: strconv.Itoa(limit.MaxNodes), Partition: limit.Partition})
	}
	if limit.MaxCpusPerNode > 0 && rs.TasksPerNode > limit.MaxCpusPerNode {
		errs = append(errs, &LimitError{Field: "ntasks_per_node", Requested: strconv.Itoa(rs.TasksPerNode),
			Limit: strconv.Itoa(limit.MaxCpusPerNode), Partition: limit.Partition})
	}
	return joinErrors(errs)
}

// DetectScheduler attempts to detect and return an available scheduler.
// Returns the scheduler instance if available, otherwise ErrSchedulerNotAvailable or ErrSchedulerNotFound.
func DetectScheduler() (Scheduler, error) {
	sched, err := DetectSchedulerWithBinary("")
	if err != nil {
		return nil, err
	}
	if !sched.IsAvailable() {
		return nil, ErrSchedulerNotAvailable
	}
	return sched, nil
}

// DetectSchedulerWithBinary initializes a scheduler from a preferred binary path.
// If preferredBin is empty, sbatch then qsub are looked up in PATH.
// The scheduler is returned whenever its binary exists, even if it is not available.
func DetectSchedulerWithBinary(preferredBin string) (Scheduler, error) {
	if preferredBin != "" {
		switch filepath.Base(preferredBin) {
		case "qsub", "qstat", "qdel":
			return NewPbsSchedulerWithBinary(preferredBin)
		default:
			return NewSlurmSchedulerWithBinary(preferredBin)
		}
	}

	if slurm, err := NewSlurmScheduler(); err == nil {
		return slurm, nil
	}
	if pbs, err := NewPbsScheduler(); err == nil {
		return pbs, nil
	}
	return nil, ErrSchedulerNotFound
}

// ForType returns a scheduler usable for rendering and parsing without the binaries installed.
func ForType(t SchedulerType) (Scheduler, error) {
	switch SchedulerType(strings.ToUpper(string(t))) {
	case SchedulerSLURM, SchedulerUnknown:
		return newSlurmParser(), nil
	case SchedulerPBS:
		return newPbsParser(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheduler, t)
}

// DetectType returns the type of scheduler available on the system without initializing it.
func DetectType() SchedulerType {
	if _, err := exec.LookPath("sbatch"); err == nil {
		return SchedulerSLURM
	}
	if _, err := exec.LookPath("qsub"); err == nil {
		return SchedulerPBS
	}
	return SchedulerUnknown
}

// IsInsideJob checks if we're currently running inside a scheduler job.
// This is useful to avoid nested job submission.
func IsInsideJob() bool {
	if _, ok := os.LookupEnv("SLURM_JOB_ID"); ok {
		return true
	}
	if _, ok := os.LookupEnv("PBS_JOBID"); ok {
		return true
	}
	return false
}

// ArrayIndexFromEnv returns the array index of the current array task, if any.
func ArrayIndexFromEnv() (int, bool) {
	for _, key := range []string{"SLURM_ARRAY_TASK_ID", "PBS_ARRAY_INDEX", "PBS_ARRAYID"} {
		if v := getEnvInt(key); v != nil {
			return *v, true
		}
		// getEnvInt rejects 0, which is a valid array index
		if os.Getenv(key) == "0" {
			return 0, true
		}
	}
	return 0, false
}

// ParseScriptAny parses a script with the host scheduler's parser first, then the other one.
// A script without directives is not an error: its body (modules, command) is returned
// with HasDirectives false and SchedulerUnknown.
func ParseScriptAny(scriptPath string) (*ScriptSpecs, SchedulerType, error) {
	order := []SchedulerType{SchedulerSLURM, SchedulerPBS}
	if DetectType() == SchedulerPBS {
		order = []SchedulerType{SchedulerPBS, SchedulerSLURM}
	}

	var fallback *ScriptSpecs
	for _, st := range order {
		parser, _ := ForType(st)
		specs, err := parser.ReadScriptSpecs(scriptPath)
		if err != nil {
			return nil, SchedulerUnknown, err
		}
		if specs.HasDirectives {
			return specs, st, nil
		}
		fallback = specs
	}
	return fallback, SchedulerUnknown, nil
}

// getEnvInt reads an environment variable and parses it as a positive int.
// Returns nil if unset, empty, or not a valid positive integer.
func getEnvInt(key string) *int {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
