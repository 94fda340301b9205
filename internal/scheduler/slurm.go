package scheduler

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/andrewstanton1/jobwrap/internal/utils"
	"golang.org/x/mod/semver"
)

// minSlurmVersion is the oldest SLURM release whose sbatch accepts every directive we render.
const minSlurmVersion = "v17.11.0"

// SlurmScheduler implements the Scheduler interface for SLURM
type SlurmScheduler struct {
	sbatchBin       string
	sinfoCommand    string
	scontrolCommand string
	squeueCommand   string
	sacctCommand    string
	directiveRe     *regexp.Regexp
	jobIDRe         *regexp.Regexp
}

// NewSlurmScheduler creates a new SLURM scheduler instance using sbatch from PATH
func NewSlurmScheduler() (*SlurmScheduler, error) {
	return newSlurmSchedulerWithBinary("")
}

// NewSlurmSchedulerWithBinary creates a SLURM scheduler using an explicit sbatch path
func NewSlurmSchedulerWithBinary(sbatchBin string) (*SlurmScheduler, error) {
	return newSlurmSchedulerWithBinary(sbatchBin)
}

func newSlurmSchedulerWithBinary(sbatchBin string) (*SlurmScheduler, error) {
	binPath := sbatchBin
	if binPath == "" {
		var err error
		binPath, err = exec.LookPath("sbatch")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchedulerNotFound, err)
		}
	} else {
		if absPath, err := filepath.Abs(binPath); err == nil {
			binPath = absPath
		}
		info, err := os.Stat(binPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSchedulerNotFound, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrSchedulerNotFound, binPath)
		}
	}

	// Companion tools usually live next to sbatch
	binDir := filepath.Dir(binPath)
	s := newSlurmParser()
	s.sbatchBin = binPath
	s.sinfoCommand = lookupCompanion(binDir, "sinfo")
	s.scontrolCommand = lookupCompanion(binDir, "scontrol")
	s.squeueCommand = lookupCompanion(binDir, "squeue")
	s.sacctCommand = lookupCompanion(binDir, "sacct")
	return s, nil
}

// newSlurmParser returns a scheduler that can render and parse but not submit.
func newSlurmParser() *SlurmScheduler {
	return &SlurmScheduler{
		directiveRe: regexp.MustCompile(`^\s*#SBATCH\s+(.+)$`),
		jobIDRe:     regexp.MustCompile(`Submitted batch job (\d+)`),
	}
}

// lookupCompanion finds name in dir first, then PATH. Returns "" when missing.
func lookupCompanion(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	path, _ := exec.LookPath(name)
	return path
}

// IsAvailable checks if SLURM is available and we're not inside a SLURM job
func (s *SlurmScheduler) IsAvailable() bool {
	if s.sbatchBin == "" {
		return false
	}
	_, inJob := os.LookupEnv("SLURM_JOB_ID")
	return !inJob
}

// GetInfo returns information about the SLURM scheduler
func (s *SlurmScheduler) GetInfo() *SchedulerInfo {
	_, inJob := os.LookupEnv("SLURM_JOB_ID")

	info := &SchedulerInfo{
		Type:      string(SchedulerSLURM),
		Binary:    s.sbatchBin,
		InJob:     inJob,
		Available: s.IsAvailable(),
		Supported: true,
	}

	if s.sbatchBin != "" {
		if version, err := s.getSlurmVersion(); err == nil {
			info.Version = version
			info.Supported = versionAtLeast(version, minSlurmVersion)
		}
	}

	return info
}

// getSlurmVersion runs `sbatch --version` ("slurm 23.02.6")
func (s *SlurmScheduler) getSlurmVersion() (string, error) {
	output, err := exec.Command(s.sbatchBin, "--version").Output()
	if err != nil {
		return "", err
	}

	versionStr := strings.TrimSpace(string(output))
	parts := strings.Fields(versionStr)
	if len(parts) >= 2 {
		return parts[1], nil
	}
	return versionStr, nil
}

// versionAtLeast compares a scheduler version ("23.02.6") against a semver floor.
// Unparseable versions are assumed recent enough.
func versionAtLeast(version, floor string) bool {
	v := normalizeVersion(version)
	if !semver.IsValid(v) {
		return true
	}
	return semver.Compare(v, floor) >= 0
}

// normalizeVersion turns "23.02.6" into "v23.2.6" (semver forbids leading zeros).
func normalizeVersion(version string) string {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	// Drop build suffixes such as "23.02.6-1" or "23.02.6_el8"
	if idx := strings.IndexAny(version, "-_+ "); idx >= 0 {
		version = version[:idx]
	}
	parts := strings.Split(version, ".")
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			parts[i] = strconv.Itoa(n)
		}
	}
	return "v" + strings.Join(parts, ".")
}

// ReadScriptSpecs parses #SBATCH directives from a script
func (s *SlurmScheduler) ReadScriptSpecs(scriptPath string) (*ScriptSpecs, error) {
	lines, err := readFileLines(scriptPath)
	if err != nil {
		return nil, err
	}
	return parseScript(scriptPath, lines, s.extractDirectives, s.parseRuntimeConfig, s.parseResourceSpec)
}

// extractDirectives extracts raw directive strings from script lines (strips the #SBATCH prefix).
func (s *SlurmScheduler) extractDirectives(lines []string) []string {
	var out []string
	for _, line := range lines {
		if m := s.directiveRe.FindStringSubmatch(line); m != nil {
			out = append(out, utils.StripInlineComment(m[1]))
		}
	}
	return out
}

// parseRuntimeConfig consumes job control directives (name, I/O, email, array).
// Returns the populated RuntimeConfig, the array range, unconsumed directives, and any critical error.
func (s *SlurmScheduler) parseRuntimeConfig(directives []string) (RuntimeConfig, *ArraySpec, []string, error) {
	var rc RuntimeConfig
	var array *ArraySpec
	var unconsumed []string

	for _, flag := range directives {
		if v, ok := flagValue(flag, "--job-name", "-J"); ok {
			rc.JobName = v
		} else if v, ok := flagValue(flag, "--output", "-o"); ok {
			rc.Stdout = v
		} else if v, ok := flagValue(flag, "--error", "-e"); ok {
			rc.Stderr = v
		} else if v, ok := flagValue(flag, "--mail-user"); ok {
			rc.MailUser = v
		} else if v, ok := flagValue(flag, "--mail-type"); ok {
			rc.MailType = parseSlurmMailType(v)
		} else if v, ok := flagValue(flag, "--array", "-a"); ok {
			parsed, err := ParseArraySpec(v)
			if err != nil {
				// Index lists ("1,3,5") are kept verbatim
				unconsumed = append(unconsumed, flag)
				continue
			}
			array = parsed
		} else {
			unconsumed = append(unconsumed, flag)
		}
	}
	return rc, array, unconsumed, nil
}

// parseSlurmMailType maps SLURM's --mail-type list onto MailEvents.
// Advanced types (TIME_LIMIT_80, ARRAY_TASKS, ...) are ignored.
func parseSlurmMailType(value string) MailEvents {
	var ev MailEvents
	for _, t := range strings.Split(strings.ToUpper(value), ",") {
		switch strings.TrimSpace(t) {
		case "NONE":
			return MailNone
		case "ALL":
			ev |= MailAll
		case "BEGIN":
			ev |= MailBegin
		case "END":
			ev |= MailEnd
		case "FAIL", "REQUEUE", "INVALID_DEPEND":
			ev |= MailFail
		}
	}
	return ev
}

// formatSlurmMailType renders MailEvents as a --mail-type value.
func formatSlurmMailType(ev MailEvents) string {
	switch ev {
	case MailNone:
		return "NONE"
	case MailAll:
		return "ALL"
	}
	var types []string
	if ev&MailBegin != 0 {
		types = append(types, "BEGIN")
	}
	if ev&MailEnd != 0 {
		types = append(types, "END")
	}
	if ev&MailFail != 0 {
		types = append(types, "FAIL")
	}
	return strings.Join(types, ",")
}

// parseResourceSpec consumes compute resource directives from the directive list.
// Returns nil ResourceSpec if a resource field fails to parse (passthrough mode).
func (s *SlurmScheduler) parseResourceSpec(directives []string) (*ResourceSpec, []string) {
	rs := &ResourceSpec{Nodes: 1, TasksPerNode: 1}

	var unconsumed []string
	var totalNtasks int
	var hasTasksPerNode, hasTotalNtasks bool

	for _, flag := range directives {
		var matched bool
		var parseErr error

		if matched, parseErr = flagScanInt(flag, &rs.Nodes, "--nodes", "-N"); matched {
		} else if matched, parseErr = flagScanInt(flag, &rs.TasksPerNode, "--ntasks-per-node"); matched {
			hasTasksPerNode = true
		} else if matched, parseErr = flagScanInt(flag, &totalNtasks, "--ntasks", "-n"); matched {
			hasTotalNtasks = true
		} else if matched, parseErr = flagScan(flag, &rs.Time, parseSlurmTimeSpec, "--time", "-t"); matched {
		} else if v, ok := flagValue(flag, "--partition", "-p"); ok {
			matched = true
			rs.Partition = v
		}

		if parseErr != nil {
			utils.PrintWarning("SLURM: failed to parse directive %q: %v", flag, parseErr)
			return nil, directives
		}
		if !matched {
			unconsumed = append(unconsumed, flag)
		}
	}

	// --ntasks-per-node wins; otherwise derive it from --ntasks / nodes
	if !hasTasksPerNode && hasTotalNtasks && rs.Nodes > 0 {
		rs.TasksPerNode = max(totalNtasks/rs.Nodes, 1)
	}

	return rs, unconsumed
}

// RenderScript writes a SLURM batch script for job to w
func (s *SlurmScheduler) RenderScript(w io.Writer, job *JobSpec, scriptPath string) error {
	if err := checkRenderable(job); err != nil {
		return err
	}
	specs := job.Specs

	fmt.Fprintln(w, "#!/bin/bash")

	// Passthrough flags (directives not understood by the parser)
	for _, flag := range specs.RemainingFlags {
		fmt.Fprintf(w, "#SBATCH %s\n", flag)
	}

	ctrl := specs.Control
	if ctrl.JobName != "" {
		fmt.Fprintf(w, "#SBATCH --job-name=%s\n", ctrl.JobName)
	}
	if rs := specs.Spec; rs != nil {
		if rs.Time > 0 {
			fmt.Fprintf(w, "#SBATCH --time=%s\n", formatSlurmTimeSpec(rs.Time))
		}
		fmt.Fprintf(w, "#SBATCH --nodes=%d\n", max(rs.Nodes, 1))
		fmt.Fprintf(w, "#SBATCH --ntasks-per-node=%d\n", max(rs.TasksPerNode, 1))
		if rs.Partition != "" {
			fmt.Fprintf(w, "#SBATCH --partition=%s\n", rs.Partition)
		}
	}
	fmt.Fprintf(w, "#SBATCH --mail-type=%s\n", formatSlurmMailType(ctrl.MailType))
	if ctrl.MailUser != "" {
		fmt.Fprintf(w, "#SBATCH --mail-user=%s\n", ctrl.MailUser)
	}
	if ctrl.Stdout != "" {
		fmt.Fprintf(w, "#SBATCH --output=%s\n", ctrl.Stdout)
	}
	if ctrl.Stderr != "" {
		fmt.Fprintf(w, "#SBATCH --error=%s\n", ctrl.Stderr)
	}
	if specs.Array != nil {
		fmt.Fprintf(w, "#SBATCH --array=%s\n", specs.Array.String())
	}
	fmt.Fprintln(w, "")

	writeSelfCleanup(w, job, scriptPath)

	jobIDVar := "$SLURM_JOB_ID"
	indexVar := ""
	if specs.Array != nil {
		jobIDVar = "${SLURM_ARRAY_JOB_ID}_${SLURM_ARRAY_TASK_ID}"
		indexVar = "SLURM_ARRAY_TASK_ID"
	}

	if job.Banner {
		writeJobHeader(w, jobIDVar, job, formatSlurmTimeSpec)
		fmt.Fprintln(w, "")
	}
	writeJobBody(w, job, indexVar)
	writeScriptTail(w, job, jobIDVar)
	return nil
}

// CreateScriptWithSpec generates a SLURM batch script in outputDir
func (s *SlurmScheduler) CreateScriptWithSpec(job *JobSpec, outputDir string) (string, error) {
	if err := checkRenderable(job); err != nil {
		return "", err
	}

	// Default log next to the script; %a keeps array tasks apart
	if job.Specs.Control.Stdout == "" {
		base := "job"
		if job.Name != "" {
			base = safeJobName(job.Name)
		}
		if job.Specs.Array != nil {
			base += "_%a"
		}
		job.Specs.Control.Stdout = filepath.Join(outputDir, base+".log")
	}

	return createScriptFile(job, outputDir, scriptFileName(job, "sbatch"), s.RenderScript)
}

// Submit submits a SLURM job with optional dependency chain
func (s *SlurmScheduler) Submit(scriptPath string, dependencyJobIDs []string) (string, error) {
	if s.sbatchBin == "" {
		return "", ErrSchedulerNotFound
	}
	args := []string{scriptPath}
	if len(dependencyJobIDs) > 0 {
		depArg := fmt.Sprintf("--dependency=afterok:%s", strings.Join(dependencyJobIDs, ":"))
		args = append([]string{depArg}, args...)
	}

	utils.PrintDebug("Executing: %s %s", s.sbatchBin, strings.Join(args, " "))
	output, err := exec.Command(s.sbatchBin, args...).CombinedOutput()
	if err != nil {
		return "", NewSubmissionError(string(SchedulerSLURM), filepath.Base(scriptPath), strings.TrimSpace(string(output)), err)
	}

	matches := s.jobIDRe.FindStringSubmatch(string(output))
	if len(matches) < 2 {
		return "", fmt.Errorf("%w: %s", ErrJobIDParseFailed, strings.TrimSpace(string(output)))
	}
	return matches[1], nil
}

// GetClusterInfo retrieves SLURM partition limits
func (s *SlurmScheduler) GetClusterInfo() (*ClusterInfo, error) {
	if s.scontrolCommand == "" {
		return nil, ErrClusterInfoUnavailable
	}

	output, err := exec.Command(s.scontrolCommand, "show", "partition", "-o").CombinedOutput()
	if err != nil {
		return nil, NewClusterError(string(SchedulerSLURM), "query partition limits", err)
	}

	info := &ClusterInfo{}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if limit := parsePartitionLine(line); limit != nil {
			info.Limits = append(info.Limits, *limit)
		}
	}

	// Fill CPUs per node from the nodes themselves when the partition sets no cap
	if s.sinfoCommand != "" {
		if cpus, err := s.getCpusByPartition(); err == nil {
			for i := range info.Limits {
				if info.Limits[i].MaxCpusPerNode == 0 {
					info.Limits[i].MaxCpusPerNode = cpus[info.Limits[i].Partition]
				}
			}
		}
	}

	if len(info.Limits) == 0 {
		return nil, ErrClusterInfoUnavailable
	}
	return info, nil
}

// getCpusByPartition queries the largest node CPU count per partition (%R = partition, %c = CPUs)
func (s *SlurmScheduler) getCpusByPartition() (map[string]int, error) {
	output, err := exec.Command(s.sinfoCommand, "-o", "%R|%c", "--noheader").CombinedOutput()
	if err != nil {
		return nil, NewClusterError(string(SchedulerSLURM), "query node resources", err)
	}
	return parseSinfoCpus(string(output)), nil
}

// parseSinfoCpus parses "partition|cpus" lines keeping the maximum per partition.
func parseSinfoCpus(output string) map[string]int {
	cpus := make(map[string]int)
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		partition, cpuStr, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		partition = strings.TrimSpace(strings.TrimSuffix(partition, "*"))
		n, err := strconv.Atoi(strings.TrimSpace(cpuStr))
		if err != nil {
			continue
		}
		cpus[partition] = max(cpus[partition], n)
	}
	return cpus
}

// parsePartitionLine parses a single partition line from `scontrol show partition -o`
func parsePartitionLine(line string) *ResourceLimits {
	limit := &ResourceLimits{}

	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		switch key {
		case "PartitionName":
			limit.Partition = value
		case "Default":
			limit.Default = value == "YES"
		case "MaxTime":
			if value != "UNLIMITED" {
				if dur, err := parseSlurmTimeSpec(value); err == nil {
					limit.MaxTime = dur
				}
			}
		case "DefaultTime":
			if value != "NONE" && value != "UNLIMITED" {
				if dur, err := parseSlurmTimeSpec(value); err == nil {
					limit.DefaultTime = dur
				}
			}
		case "MaxCPUsPerNode":
			if n, err := strconv.Atoi(value); err == nil {
				limit.MaxCpusPerNode = n
			}
		case "MaxNodes":
			if n, err := strconv.Atoi(value); err == nil {
				limit.MaxNodes = n
			}
		}
	}

	if limit.Partition == "" {
		return nil
	}
	return limit
}

// JobState queries squeue for live jobs and falls back to sacct for finished ones
func (s *SlurmScheduler) JobState(jobID string) (*JobStatus, error) {
	if s.squeueCommand != "" {
		output, err := exec.Command(s.squeueCommand, "-h", "-j", jobID, "-o", "%T").Output()
		if raw := strings.TrimSpace(string(output)); err == nil && raw != "" {
			// Array jobs print one line per task; the first is representative
			raw = strings.SplitN(raw, "\n", 2)[0]
			return &JobStatus{ID: jobID, State: slurmState(raw), Raw: raw, ExitCode: -1}, nil
		}
	}

	if s.sacctCommand == "" {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	output, err := exec.Command(s.sacctCommand, "-n", "-X", "-P", "-j", jobID, "-o", "State,ExitCode").CombinedOutput()
	if err != nil {
		return nil, NewClusterError(string(SchedulerSLURM), "query job "+jobID, err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if st, ok := parseSacctLine(line); ok {
			st.ID = jobID
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// GetJobResources reads allocated resources from SLURM environment variables.
func (s *SlurmScheduler) GetJobResources() *JobResources {
	jobID, ok := os.LookupEnv("SLURM_JOB_ID")
	if !ok {
		return nil
	}
	res := &JobResources{
		JobID:     jobID,
		Partition: os.Getenv("SLURM_JOB_PARTITION"),
		Nodes:     getEnvInt("SLURM_JOB_NUM_NODES"),
	}
	// SLURM_NTASKS_PER_NODE may be "24" or "24(x2)"; take the leading count
	if v := os.Getenv("SLURM_NTASKS_PER_NODE"); v != "" {
		if n, err := strconv.Atoi(strings.SplitN(v, "(", 2)[0]); err == nil {
			res.TasksPerNode = &n
		}
	}
	return res
}
