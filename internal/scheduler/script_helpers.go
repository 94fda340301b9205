package scheduler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andrewstanton1/jobwrap/internal/utils"
)

// exitVar holds the program's exit status inside rendered scripts.
const exitVar = "_JW_EXIT"

// readFileLines opens a file and returns all its lines.
// Shared helper used by all scheduler ReadScriptSpecs implementations.
func readFileLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, path)
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading script: %w", err)
	}
	return lines, nil
}

// parseScript is the shared pipeline called by each scheduler's ReadScriptSpecs.
//
// Stage 1 (critical): rcParser consumes job control directives; an error stops everything.
// Stage 2 (best-effort): rsParser consumes resource directives; nil means passthrough mode.
// Stage 3: the script body is scanned for module loads and the final command.
//
// RawFlags is the immutable audit log of ALL directives in the script.
func parseScript(
	scriptPath string,
	lines []string,
	extractor func([]string) []string,
	rcParser func([]string) (RuntimeConfig, *ArraySpec, []string, error),
	rsParser func([]string) (*ResourceSpec, []string),
) (*ScriptSpecs, error) {
	directives := extractor(lines)

	rc, array, unconsumed, err := rcParser(directives)
	if err != nil {
		return nil, err
	}

	rs, remaining := rsParser(unconsumed)
	if rs == nil && len(unconsumed) > 0 {
		utils.PrintWarning("Could not parse resource directives; using passthrough mode")
	}

	modules, command := scanBody(lines)
	return &ScriptSpecs{
		ScriptPath:     scriptPath,
		Spec:           rs,
		Control:        rc,
		Array:          array,
		HasDirectives:  len(directives) > 0,
		RawFlags:       directives,
		RemainingFlags: remaining,
		Modules:        modules,
		Command:        command,
	}, nil
}

// scaffoldWords are leading words of script lines that set up or report on the job rather than run it.
var scaffoldWords = []string{
	"exit", "trap", "echo", "set", "cd", "type", ".", "source", "export",
	"if", "then", "else", "fi", "{", "}",
}

// indexArgs are the array index expressions RenderScript appends to the program line.
var indexArgs = []string{"$SLURM_ARRAY_TASK_ID", "$PBS_ARRAY_INDEX", "$PBS_ARRAYID"}

// scanBody returns the modules loaded by the script and its last command line.
// A trailing array index argument is dropped from the command.
func scanBody(lines []string) ([]string, []string) {
	var modules []string
	var command []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if mods := utils.ParseModuleLoad(trimmed); mods != nil {
			modules = append(modules, mods...)
			continue
		}
		if strings.HasPrefix(trimmed, "module ") || strings.HasPrefix(trimmed, "ml ") || isScaffold(trimmed) {
			continue
		}
		command = utils.ShellSplit(utils.StripInlineComment(trimmed))
	}
	if n := len(command); n > 1 && slices.Contains(indexArgs, command[n-1]) {
		command = command[:n-1]
	}
	return modules, command
}

// isScaffold also matches "_VAR=..." and "_func() {...}" helper lines.
func isScaffold(line string) bool {
	first := strings.Fields(line)[0]
	return strings.HasPrefix(first, "_") || slices.Contains(scaffoldWords, first)
}

// flagValue extracts the value from a CLI flag, trying each prefix in order.
// Handles "prefix=value" and "prefix value" (space-separated) forms.
// Returns ("", false) if no prefix matches.
func flagValue(flag string, prefixes ...string) (string, bool) {
	for _, prefix := range prefixes {
		if v, ok := strings.CutPrefix(flag, prefix+"="); ok {
			return v, true
		}
		if v, ok := strings.CutPrefix(flag, prefix+" "); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// flagScan extracts a value from a CLI flag and writes it into *dest using the provided parser.
// Returns (false, nil) when no prefix matches; (true, err) on parse failure.
func flagScan[T any](flag string, dest *T, parser func(string) (T, error), prefixes ...string) (bool, error) {
	v, ok := flagValue(flag, prefixes...)
	if !ok {
		return false, nil
	}
	result, err := parser(v)
	if err == nil {
		*dest = result
	}
	return true, err
}

// flagScanInt is a convenience wrapper for flagScan using strconv.Atoi.
func flagScanInt(flag string, dest *int, prefixes ...string) (bool, error) {
	return flagScan(flag, dest, strconv.Atoi, prefixes...)
}

// safeJobName converts a job name to a filesystem-safe string by replacing "/" with "--".
func safeJobName(name string) string {
	return strings.ReplaceAll(name, "/", "--")
}

// scriptFileName returns "<name>.<ext>", or "job.<ext>" for an unnamed job.
func scriptFileName(job *JobSpec, ext string) string {
	if job.Name == "" {
		return "job." + ext
	}
	return safeJobName(job.Name) + "." + ext
}

// writeJobHeader writes the job info header echo block to w.
// jobIDVar is the shell expression for the job ID (e.g. "$SLURM_JOB_ID").
// formatTime formats the walltime for display; pass nil to skip the Time line.
func writeJobHeader(w io.Writer, jobIDVar string, job *JobSpec, formatTime func(time.Duration) string) {
	specs := job.Specs
	fmt.Fprintln(w, "# Print job information")
	fmt.Fprintln(w, "_START_TIME=$SECONDS")
	io.WriteString(w, "_format_time() { local s=$1; printf '%02d:%02d:%02d' $((s/3600)) $((s%3600/60)) $((s%60)); }\n")
	fmt.Fprintln(w, "echo \"========================================\"")
	fmt.Fprintf(w, "echo \"Job ID:    %s\"\n", jobIDVar)
	writeEchoValue(w, "Job Name:  ", specs.Control.JobName)

	if rs := specs.Spec; rs != nil {
		if rs.Partition != "" {
			writeEchoValue(w, "Partition: ", rs.Partition)
		}
		fmt.Fprintf(w, "echo \"Nodes:     %d\"\n", max(rs.Nodes, 1))
		fmt.Fprintf(w, "echo \"Tasks/Node: %d\"\n", max(rs.TasksPerNode, 1))
		if rs.Time > 0 && formatTime != nil {
			fmt.Fprintf(w, "echo \"Time:      %s\"\n", formatTime(rs.Time))
		}
	}
	if len(job.Modules) > 0 {
		writeEchoValue(w, "Modules:   ", strings.Join(job.Modules, " "))
	}
	fmt.Fprintln(w, "echo \"PWD:       $(pwd)\"")
	if len(job.Metadata) > 0 {
		keys := make([]string, 0, len(job.Metadata))
		maxLen := 0
		for key := range job.Metadata {
			keys = append(keys, key)
			maxLen = max(maxLen, len(key))
		}
		sort.Strings(keys)
		for _, key := range keys {
			if value := job.Metadata[key]; value != "" {
				padding := maxLen - len(key)
				writeEchoValue(w, key+":"+strings.Repeat(" ", padding+4), value)
			}
		}
	}
	fmt.Fprintf(w, "%s\n", "echo \"Started:   $(date '+%Y-%m-%d %T')\"")
	fmt.Fprintln(w, "echo \"========================================\"")
}

// writeEchoValue writes `echo "label"value` with value shell-quoted, so job-supplied
// text is printed literally.
func writeEchoValue(w io.Writer, label, value string) {
	fmt.Fprintf(w, "echo \"%s\"%s\n", label, utils.ShellQuote(value))
}

// writeJobBody writes module loads, the env file export and the program invocation.
//
// Each module load stops the script with the loader's status before the program runs.
// The program's status is stored in exitVar; the caller must end the script with `exit $exitVar`.
// indexVar is the array index variable passed as the last argument (empty for single jobs).
func writeJobBody(w io.Writer, job *JobSpec, indexVar string) {
	if len(job.Modules) > 0 {
		fmt.Fprintln(w, "# Load runtime modules; the program never starts if one fails")
		fmt.Fprintln(w, "type module >/dev/null 2>&1 || . /etc/profile >/dev/null 2>&1")
		for _, mod := range job.Modules {
			quoted := utils.ShellQuote(mod)
			fmt.Fprintf(w, "module load %s || { _JW_RC=$?; echo \"[JW][ERR] module load \"%s\" failed (exit $_JW_RC)\" >&2; exit $_JW_RC; }\n",
				quoted, quoted)
		}
		fmt.Fprintln(w, "")
	}

	if job.EnvFile != "" {
		fmt.Fprintln(w, "set -a")
		quoted := utils.ShellQuote(job.EnvFile)
		fmt.Fprintf(w, ". %s || { _JW_RC=$?; echo \"[JW][ERR] cannot read env file \"%s >&2; exit $_JW_RC; }\n",
			quoted, quoted)
		fmt.Fprintln(w, "set +a")
		fmt.Fprintln(w, "")
	}

	words := []string{utils.ShellQuote(job.Program)}
	for _, arg := range job.Args {
		words = append(words, utils.ShellQuote(arg))
	}
	if indexVar != "" {
		words = append(words, fmt.Sprintf("\"$%s\"", indexVar))
	}
	fmt.Fprintln(w, strings.Join(words, " "))
	fmt.Fprintf(w, "%s=$?\n", exitVar)
}

// writeJobFooter writes the job completion footer echo block to w.
// jobIDVar is the shell expression for the job ID (e.g. "$SLURM_JOB_ID").
func writeJobFooter(w io.Writer, jobIDVar string) {
	fmt.Fprintln(w, "echo \"========================================\"")
	fmt.Fprintf(w, "echo \"Job ID:    %s\"\n", jobIDVar)
	fmt.Fprintf(w, "echo \"Exit Code: $%s\"\n", exitVar)
	fmt.Fprintln(w, "echo \"Elapsed:   $(_format_time $(($SECONDS - $_START_TIME)))\"")
	fmt.Fprintf(w, "%s\n", "echo \"Completed: $(date '+%Y-%m-%d %T')\"")
	fmt.Fprintln(w, "echo \"========================================\"")
}

// writeScriptTail finishes a script: footer (optional) and the exit status passthrough.
func writeScriptTail(w io.Writer, job *JobSpec, jobIDVar string) {
	if job.Banner {
		fmt.Fprintln(w, "")
		writeJobFooter(w, jobIDVar)
	}
	fmt.Fprintf(w, "exit $%s\n", exitVar)
}

// writeSelfCleanup removes the script when the job exits, without touching the exit status.
func writeSelfCleanup(w io.Writer, job *JobSpec, scriptPath string) {
	if job.Keep || scriptPath == "" {
		return
	}
	fmt.Fprintf(w, "trap %s EXIT\n", utils.ShellQuote("rm -f "+utils.ShellQuote(scriptPath)))
}

// checkRenderable returns an error when job lacks what every script needs.
func checkRenderable(job *JobSpec) error {
	if job == nil || job.Specs == nil {
		return NewValidationError("job", "", "no specifications")
	}
	if job.Program == "" {
		return NewValidationError("program", "", "is required")
	}
	return nil
}

// createScriptFile renders job into outputDir/fileName via render and marks it executable.
func createScriptFile(job *JobSpec, outputDir, fileName string, render func(io.Writer, *JobSpec, string) error) (string, error) {
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, utils.PermDir); err != nil {
			return "", NewScriptCreationError(job.Name, outputDir, err)
		}
	}
	scriptPath := filepath.Join(outputDir, fileName)

	file, err := os.Create(scriptPath)
	if err != nil {
		return "", NewScriptCreationError(job.Name, scriptPath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := render(writer, job, scriptPath); err != nil {
		return "", err
	}
	if err := writer.Flush(); err != nil {
		return "", NewScriptCreationError(job.Name, scriptPath, err)
	}

	if err := os.Chmod(scriptPath, utils.PermExec); err != nil {
		return "", NewScriptCreationError(job.Name, scriptPath, err)
	}
	return scriptPath, nil
}
