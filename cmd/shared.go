package cmd

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/config"
	"github.com/andrewstanton1/jobwrap/internal/jobspec"
	"github.com/andrewstanton1/jobwrap/internal/scheduler"
	"github.com/andrewstanton1/jobwrap/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// ExitCodeError is the exit code for tool errors (bad job file, submission failure, ...).
const ExitCodeError = 1

// ExitWithError prints an error and exits with ExitCodeError
func ExitWithError(format string, a ...interface{}) {
	utils.PrintError(format, a...)
	os.Exit(ExitCodeError)
}

// exitCodeError ends a command with a program's exit status. Nothing is printed for it.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitCodeError) ExitCode() int {
	return e.code
}

// exitWith returns nil for 0 and an exitCodeError otherwise.
func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return &exitCodeError{code: code}
}

// printError prints err one problem per line, with a hint for job file problems.
func printError(err error) {
	var problems []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		problems = joined.Unwrap()
	} else {
		problems = []error{err}
	}
	for _, p := range problems {
		utils.PrintError("%v", p)
	}
	if scheduler.IsValidationError(err) {
		utils.PrintHint("Fix the job file or override the field with a flag (see %s)", utils.StyleAction("jobwrap submit --help"))
	}
}

// jobFlags are the job file fields the command line can override.
type jobFlags struct {
	Name         string
	Time         string
	Nodes        int
	TasksPerNode int
	Partition    string
	MailType     string
	MailUser     string
	Output       string
	Array        string
	ArrayLimit   int
}

// registerJobFlags adds the override flags to cmd.
func registerJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVarP(&f.Name, "name", "n", "", "Override job name")
	cmd.Flags().StringVarP(&f.Time, "time", "t", "", "Override time limit (e.g. 1-0:0:0, 02:00:00, 36h)")
	cmd.Flags().IntVarP(&f.Nodes, "nodes", "N", 0, "Override node count")
	cmd.Flags().IntVar(&f.TasksPerNode, "ntasks-per-node", 0, "Override tasks per node")
	cmd.Flags().StringVarP(&f.Partition, "partition", "p", "", "Override partition / queue")
	cmd.Flags().StringVar(&f.MailType, "mail-type", "", "Override notification policy (none, begin, end, fail, all)")
	cmd.Flags().StringVar(&f.MailUser, "mail-user", "", "Override notification address")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "Override job log path")
	cmd.Flags().StringVar(&f.Array, "array", "", "Override array range START-END[:STEP][%LIMIT] (empty = single job)")
	cmd.Flags().IntVar(&f.ArrayLimit, "array-limit", 0, "Max concurrently running array instances (0 = unlimited)")

	cmd.RegisterFlagCompletionFunc("mail-type", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"none", "begin", "end", "fail", "all"}, cobra.ShellCompDirectiveNoFileComp
	})
}

// apply copies every flag the user set onto file. Unset flags leave the job file value alone.
func (f *jobFlags) apply(flags *pflag.FlagSet, file *jobspec.File) error {
	if flags.Changed("name") {
		file.Name = f.Name
	}
	if flags.Changed("time") {
		file.Time = f.Time
	}
	if flags.Changed("nodes") {
		file.Nodes = f.Nodes
	}
	if flags.Changed("ntasks-per-node") {
		file.TasksPerNode = f.TasksPerNode
	}
	if flags.Changed("partition") {
		file.Partition = f.Partition
	}
	if flags.Changed("mail-type") {
		file.MailType = f.MailType
	}
	if flags.Changed("mail-user") {
		file.MailUser = f.MailUser
	}
	if flags.Changed("output") {
		file.Output = f.Output
	}
	if flags.Changed("array") {
		if f.Array == "" {
			file.Array = nil
		} else {
			// A %LIMIT in the flag wins over the job file's array.limit
			limit := 0
			if file.Array != nil && !strings.Contains(f.Array, "%") {
				limit = file.Array.Limit
			}
			file.Array = &jobspec.ArrayFile{Range: f.Array, Limit: limit}
		}
	}
	if flags.Changed("array-limit") {
		if file.Array == nil {
			return errors.New("--array-limit needs an array range (--array or array.range in the job file)")
		}
		file.Array.Limit = f.ArrayLimit
	}
	return nil
}

// loadJob reads a job file, applies flag overrides and config defaults, and validates the result.
func loadJob(path string, flags *pflag.FlagSet, overrides *jobFlags) (*jobspec.Job, error) {
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("job file %s not found", utils.StylePath(path))
	}
	file, err := jobspec.Load(path)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if err := overrides.apply(flags, file); err != nil {
			return nil, err
		}
	}
	return file.Resolve(config.Global.Defaults)
}

// jobIDRe matches a single scheduler job ID: SLURM digits, PBS digits[.server], PBS arrays digits[].server.
var jobIDRe = regexp.MustCompile(`^\d+(\[\])?(\.\S+)?$`)

// parseAfterOK splits a colon-separated --afterok value into validated job IDs.
func parseAfterOK(value string) ([]string, error) {
	var ids []string
	for _, id := range strings.Split(value, ":") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !jobIDRe.MatchString(id) {
			return nil, fmt.Errorf("--afterok %q is not a valid job ID", id)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("--afterok is empty; the upstream job may have failed to submit or ran locally")
	}
	return ids, nil
}
