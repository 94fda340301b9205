package scheduler

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrSchedulerNotAvailable indicates the scheduler is not available
	ErrSchedulerNotAvailable = errors.New("scheduler is not available")

	// ErrSchedulerNotFound indicates the scheduler binary was not found
	ErrSchedulerNotFound = errors.New("scheduler binary not found in PATH")

	// ErrUnsupportedScheduler indicates a scheduler type this tool cannot render for
	ErrUnsupportedScheduler = errors.New("unsupported scheduler")

	// ErrScriptNotFound indicates the script file was not found
	ErrScriptNotFound = errors.New("script file not found")

	// ErrJobIDParseFailed indicates parsing job ID from output failed
	ErrJobIDParseFailed = errors.New("failed to parse job ID from scheduler output")

	// ErrJobNotFound indicates the scheduler has no record of the job
	ErrJobNotFound = errors.New("job not found")

	// ErrClusterInfoUnavailable indicates cluster information is not available
	ErrClusterInfoUnavailable = errors.New("cluster information unavailable")

	// ErrInvalidTimeFormat indicates time format is invalid
	ErrInvalidTimeFormat = errors.New("invalid time format")

	// ErrInvalidArraySpec indicates an array range is invalid
	ErrInvalidArraySpec = errors.New("invalid array range")

	// ErrInvalidMailType indicates a notification policy is invalid
	ErrInvalidMailType = errors.New("invalid mail type")
)

// ValidationError is a directive error: a required field is missing or malformed.
type ValidationError struct {
	Field  string // Job file key (e.g. "time", "partition")
	Value  string // Offending value (may be empty)
	Reason string // Why it was rejected
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %q %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// LimitError represents a request that exceeds a partition limit
type LimitError struct {
	Field     string // Field that failed validation
	Requested string // Requested value
	Limit     string // Maximum allowed value
	Partition string // Partition where limit applies
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: requested %s exceeds limit %s for partition %s",
		e.Field, e.Requested, e.Limit, e.Partition)
}

// SubmissionError represents an error during job submission
type SubmissionError struct {
	Scheduler string // Scheduler name
	JobName   string // Job (script) name
	Output    string // Scheduler output
	Err       error  // Underlying error
}

func (e *SubmissionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s submission failed for job %s: %v\nOutput: %s",
			e.Scheduler, e.JobName, e.Err, e.Output)
	}
	return fmt.Sprintf("%s submission failed for job %s: %v",
		e.Scheduler, e.JobName, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ClusterError represents an error querying the scheduler
type ClusterError struct {
	Scheduler string // Scheduler name
	Operation string // Operation that failed (e.g., "query partitions", "query job")
	Err       error  // Underlying error
}

func (e *ClusterError) Error() string {
	return fmt.Sprintf("%s cluster error during %s: %v",
		e.Scheduler, e.Operation, e.Err)
}

func (e *ClusterError) Unwrap() error {
	return e.Err
}

// ScriptCreationError represents an error creating a batch script
type ScriptCreationError struct {
	JobName string // Job name
	Path    string // Script path
	Err     error  // Underlying error
}

func (e *ScriptCreationError) Error() string {
	return fmt.Sprintf("failed to create script for job %s at %s: %v",
		e.JobName, e.Path, e.Err)
}

func (e *ScriptCreationError) Unwrap() error {
	return e.Err
}

// NewSubmissionError creates a new SubmissionError
func NewSubmissionError(scheduler string, jobName string, output string, err error) *SubmissionError {
	return &SubmissionError{
		Scheduler: scheduler,
		JobName:   jobName,
		Output:    output,
		Err:       err,
	}
}

// NewClusterError creates a new ClusterError
func NewClusterError(scheduler string, operation string, err error) *ClusterError {
	return &ClusterError{
		Scheduler: scheduler,
		Operation: operation,
		Err:       err,
	}
}

// NewScriptCreationError creates a new ScriptCreationError
func NewScriptCreationError(jobName string, path string, err error) *ScriptCreationError {
	return &ScriptCreationError{
		JobName: jobName,
		Path:    path,
		Err:     err,
	}
}

// IsValidationError checks if an error is (or joins) a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsLimitError checks if an error is (or joins) a LimitError
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// IsSubmissionError checks if an error is a SubmissionError
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// joinErrors is errors.Join that keeps a lone error unwrapped.
func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return errors.Join(errs...)
}
