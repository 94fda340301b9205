// Package jobspec reads job files and resolves them into validated job descriptions.
package jobspec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/spf13/viper"
)

// File is a job file as written by the user. Empty values mean "unset".
type File struct {
	Name         string     `mapstructure:"name" yaml:"name,omitempty"`
	Time         string     `mapstructure:"time" yaml:"time,omitempty"`
	Nodes        int        `mapstructure:"nodes" yaml:"nodes,omitempty"`
	TasksPerNode int        `mapstructure:"ntasks_per_node" yaml:"ntasks_per_node,omitempty"`
	Partition    string     `mapstructure:"partition" yaml:"partition,omitempty"`
	MailType     string     `mapstructure:"mail_type" yaml:"mail_type,omitempty"`
	MailUser     string     `mapstructure:"mail_user" yaml:"mail_user,omitempty"`
	Module       string     `mapstructure:"module" yaml:"module,omitempty"`
	Modules      []string   `mapstructure:"modules" yaml:"modules,omitempty"`
	Program      string     `mapstructure:"program" yaml:"program,omitempty"`
	Args         []string   `mapstructure:"args" yaml:"args,omitempty"`
	EnvFile      string     `mapstructure:"env_file" yaml:"env_file,omitempty"`
	Output       string     `mapstructure:"output" yaml:"output,omitempty"`
	Array        *ArrayFile `mapstructure:"array" yaml:"array,omitempty"`

	// Path the file was loaded from (empty for files built in memory)
	Path string `mapstructure:"-" yaml:"-"`
}

// ArrayFile is the optional array section of a job file.
type ArrayFile struct {
	Range string `mapstructure:"range" yaml:"range"`
	Limit int    `mapstructure:"limit" yaml:"limit,omitempty"`
}

// Job is a resolved job file: every value parsed, defaults applied.
type Job struct {
	Name         string
	Time         time.Duration
	Nodes        int
	TasksPerNode int
	Partition    string
	MailType     scheduler.MailEvents
	MailUser     string
	Modules      []string
	Program      string
	Args         []string
	EnvFile      string
	Output       string
	Array        *scheduler.ArraySpec
	Source       string
}

// Load reads a job file. The format follows the extension (yaml, toml, json); anything else is YAML.
// Unknown keys are ignored.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
	default:
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to decode job file %s: %w", path, err)
	}
	f.Path = path
	return &f, nil
}

// Resolve parses every field, fills unset directives from defaults and validates the result.
// The returned error joins every problem found; the Job is nil when it is non-nil.
func (f *File) Resolve(defaults config.JobDefaults) (*Job, error) {
	job := &Job{
		Name:         f.Name,
		Nodes:        f.Nodes,
		TasksPerNode: f.TasksPerNode,
		Partition:    firstNonEmpty(f.Partition, defaults.Partition),
		MailUser:     firstNonEmpty(f.MailUser, defaults.MailUser),
		Program:      f.Program,
		Args:         f.Args,
		EnvFile:      f.EnvFile,
		Output:       f.Output,
		Source:       f.Path,
	}
	if job.Name == "" && f.Path != "" {
		job.Name = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
	}

	var errs []error

	if f.Module != "" {
		job.Modules = append(job.Modules, f.Module)
	}
	job.Modules = append(job.Modules, f.Modules...)

	switch {
	case f.Time != "":
		d, err := ParseWalltime(f.Time)
		if err != nil {
			errs = append(errs, scheduler.NewValidationError("time", f.Time, "is not a valid time limit (use D-HH:MM:SS)"))
		}
		job.Time = d
	case defaults.Time > 0:
		job.Time = defaults.Time
	}

	if mt := firstNonEmpty(f.MailType, defaults.MailType); mt != "" {
		ev, err := ParseMailPolicy(mt)
		if err != nil {
			errs = append(errs, scheduler.NewValidationError("mail_type", mt, "must be none, begin, end, fail or all"))
		}
		job.MailType = ev
	} else {
		errs = append(errs, scheduler.NewValidationError("mail_type", "", "is required"))
	}

	if f.Array != nil {
		array, err := ParseArrayRange(f.Array.Range)
		if err != nil {
			errs = append(errs, scheduler.NewValidationError("array.range", f.Array.Range, err.Error()))
		} else {
			if f.Array.Limit < 0 {
				errs = append(errs, scheduler.NewValidationError("array.limit", fmt.Sprint(f.Array.Limit), "must not be negative"))
			} else if f.Array.Limit > 0 {
				array.Limit = f.Array.Limit
			}
			job.Array = array
		}
	}

	// Fields that failed to parse are already reported; skip their "is required" twin
	reported := make(map[string]bool, len(errs))
	for _, err := range errs {
		var ve *scheduler.ValidationError
		if errors.As(err, &ve) {
			reported[ve.Field] = true
		}
	}
	if err := job.Validate(); err != nil {
		for _, e := range unwrapJoined(err) {
			var ve *scheduler.ValidationError
			if errors.As(e, &ve) && reported[ve.Field] {
				continue
			}
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return job, nil
}

// Validate checks the directive set is complete and well formed.
// Every violation is reported; the result is nil or a join of *scheduler.ValidationError.
func (j *Job) Validate() error {
	var errs []error
	invalid := func(field, value, reason string) {
		errs = append(errs, scheduler.NewValidationError(field, value, reason))
	}

	switch {
	case j.Name == "":
		invalid("name", "", "is required")
	case strings.IndexFunc(j.Name, unicode.IsSpace) >= 0:
		invalid("name", j.Name, "must not contain whitespace")
	}

	switch {
	case j.Time <= 0:
		invalid("time", "", "is required")
	case j.Time < time.Second:
		// Both schedulers read a zero walltime as no limit at all
		invalid("time", j.Time.String(), "must be at least one second")
	}

	if j.Nodes == 0 {
		invalid("nodes", "", "is required")
	} else if j.Nodes < 0 {
		invalid("nodes", fmt.Sprint(j.Nodes), "must be at least 1")
	}

	if j.TasksPerNode == 0 {
		invalid("ntasks_per_node", "", "is required")
	} else if j.TasksPerNode < 0 {
		invalid("ntasks_per_node", fmt.Sprint(j.TasksPerNode), "must be at least 1")
	}

	switch {
	case j.Partition == "":
		invalid("partition", "", "is required")
	case strings.IndexFunc(j.Partition, unicode.IsSpace) >= 0:
		invalid("partition", j.Partition, "must not contain whitespace")
	}

	// The contact address only matters when something will be sent
	if j.MailType != scheduler.MailNone && j.MailUser == "" {
		invalid("mail_user", "", fmt.Sprintf("is required when mail_type is %s", j.MailType))
	}

	if j.Program == "" {
		invalid("program", "", "is required")
	}
	for i, m := range j.Modules {
		if strings.TrimSpace(m) == "" {
			invalid(fmt.Sprintf("modules[%d]", i), "", "must not be empty")
		}
	}

	if j.Array != nil {
		if err := j.Array.Validate(); err != nil {
			invalid("array.range", j.Array.String(), err.Error())
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Indices returns the array indices in ascending order, or nil for a single job.
func (j *Job) Indices() []int {
	if j.Array == nil {
		return nil
	}
	return j.Array.Indices()
}

// ResourceSpec returns the compute geometry of the job.
func (j *Job) ResourceSpec() *scheduler.ResourceSpec {
	return &scheduler.ResourceSpec{
		Nodes:        j.Nodes,
		TasksPerNode: j.TasksPerNode,
		Time:         j.Time,
		Partition:    j.Partition,
	}
}

// JobSpec converts the job into what a scheduler renders.
func (j *Job) JobSpec() *scheduler.JobSpec {
	return &scheduler.JobSpec{
		Name:    j.Name,
		Modules: j.Modules,
		Program: j.Program,
		Args:    j.Args,
		EnvFile: j.EnvFile,
		Banner:  true,
		Specs: &scheduler.ScriptSpecs{
			Spec: j.ResourceSpec(),
			Control: scheduler.RuntimeConfig{
				JobName:  j.Name,
				Stdout:   j.Output,
				MailType: j.MailType,
				MailUser: j.MailUser,
			},
			Array:         j.Array,
			HasDirectives: true,
		},
		Metadata: map[string]string{},
	}
}

// ParseWalltime parses a time limit ("1-0:0:0", "02:00:00", "36h").
func ParseWalltime(s string) (time.Duration, error) {
	return scheduler.ParseWalltime(s)
}

// FormatWalltime renders a time limit as "D-HH:MM:SS".
func FormatWalltime(d time.Duration) string {
	return scheduler.FormatWalltime(d)
}

// ParseArrayRange parses "START-END[:STEP][%LIMIT]".
func ParseArrayRange(s string) (*scheduler.ArraySpec, error) {
	return scheduler.ParseArraySpec(s)
}

// ParseMailPolicy parses none, begin, end, fail, all or a comma-separated combination.
func ParseMailPolicy(s string) (scheduler.MailEvents, error) {
	return scheduler.ParseMailEvents(s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// unwrapJoined flattens an errors.Join result so nested joins print one problem per line.
func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
