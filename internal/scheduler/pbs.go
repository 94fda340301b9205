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
)

// minPbsVersion is the first PBS Pro release accepting a "%" throttle in -J.
const minPbsVersion = "v19.1.0"

// PbsScheduler implements the Scheduler interface for PBS Pro / OpenPBS
type PbsScheduler struct {
	qsubBin     string
	qstatBin    string
	directiveRe *regexp.Regexp
	jobIDRe     *regexp.Regexp
}

// NewPbsScheduler creates a new PBS scheduler instance using qsub from PATH
func NewPbsScheduler() (*PbsScheduler, error) {
	return newPbsSchedulerWithBinary("")
}

// NewPbsSchedulerWithBinary creates a PBS scheduler using an explicit qsub path
func NewPbsSchedulerWithBinary(qsubBin string) (*PbsScheduler, error) {
	return newPbsSchedulerWithBinary(qsubBin)
}

func newPbsSchedulerWithBinary(qsubBin string) (*PbsScheduler, error) {
	binPath := qsubBin
	if binPath == "" {
		var err error
		binPath, err = exec.LookPath("qsub")
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

	p := newPbsParser()
	p.qsubBin = binPath
	p.qstatBin = lookupCompanion(filepath.Dir(binPath), "qstat")
	return p, nil
}

// newPbsParser returns a scheduler that can render and parse but not submit.
func newPbsParser() *PbsScheduler {
	return &PbsScheduler{
		directiveRe: regexp.MustCompile(`^\s*#PBS\s+(.+)$`),
		// "1234.server" or "1234[].server" for arrays
		jobIDRe: regexp.MustCompile(`^(\d+(\[\])?(\.\S+)?)$`),
	}
}

// IsAvailable checks if PBS is available and we're not inside a PBS job
func (p *PbsScheduler) IsAvailable() bool {
	if p.qsubBin == "" {
		return false
	}
	_, inJob := os.LookupEnv("PBS_JOBID")
	return !inJob
}

// GetInfo returns information about the PBS scheduler
func (p *PbsScheduler) GetInfo() *SchedulerInfo {
	_, inJob := os.LookupEnv("PBS_JOBID")

	info := &SchedulerInfo{
		Type:      string(SchedulerPBS),
		Binary:    p.qsubBin,
		InJob:     inJob,
		Available: p.IsAvailable(),
		Supported: true,
	}

	if p.qstatBin != "" {
		if version, err := p.getPbsVersion(); err == nil {
			info.Version = version
			info.Supported = versionAtLeast(version, minPbsVersion)
		}
	}

	return info
}

// getPbsVersion runs `qstat --version` ("pbs_version = 2022.1.1")
func (p *PbsScheduler) getPbsVersion() (string, error) {
	output, err := exec.Command(p.qstatBin, "--version").Output()
	if err != nil {
		return "", err
	}
	versionStr := strings.TrimSpace(string(output))
	if _, v, ok := strings.Cut(versionStr, "="); ok {
		return strings.TrimSpace(v), nil
	}
	return versionStr, nil
}

// ReadScriptSpecs parses #PBS directives from a script
func (p *PbsScheduler) ReadScriptSpecs(scriptPath string) (*ScriptSpecs, error) {
	lines, err := readFileLines(scriptPath)
	if err != nil {
		return nil, err
	}
	return parseScript(scriptPath, lines, p.extractDirectives, p.parseRuntimeConfig, p.parseResourceSpec)
}

// extractDirectives extracts raw directive strings from script lines (strips the #PBS prefix).
func (p *PbsScheduler) extractDirectives(lines []string) []string {
	var out []string
	for _, line := range lines {
		if m := p.directiveRe.FindStringSubmatch(line); m != nil {
			out = append(out, utils.StripInlineComment(m[1]))
		}
	}
	return out
}

// parseRuntimeConfig consumes job control directives (-N, -o, -e, -j, -m, -M, -J).
func (p *PbsScheduler) parseRuntimeConfig(directives []string) (RuntimeConfig, *ArraySpec, []string, error) {
	var rc RuntimeConfig
	var array *ArraySpec
	var unconsumed []string

	for _, flag := range directives {
		if v, ok := flagValue(flag, "-N"); ok {
			rc.JobName = v
		} else if v, ok := flagValue(flag, "-o"); ok {
			rc.Stdout = v
		} else if v, ok := flagValue(flag, "-e"); ok {
			rc.Stderr = v
		} else if _, ok := flagValue(flag, "-j"); ok {
			// Joined streams are the default rendering
		} else if v, ok := flagValue(flag, "-M"); ok {
			rc.MailUser = v
		} else if v, ok := flagValue(flag, "-m"); ok {
			rc.MailType = parsePbsMailOptions(v)
		} else if v, ok := flagValue(flag, "-J"); ok {
			parsed, err := ParseArraySpec(v)
			if err != nil {
				return rc, nil, nil, NewValidationError("array", v, err.Error())
			}
			array = parsed
		} else {
			unconsumed = append(unconsumed, flag)
		}
	}
	return rc, array, unconsumed, nil
}

// parsePbsMailOptions maps "-m abe" / "-m n" onto MailEvents.
func parsePbsMailOptions(opts string) MailEvents {
	var ev MailEvents
	for _, c := range opts {
		switch c {
		case 'n':
			return MailNone
		case 'a':
			ev |= MailFail
		case 'b':
			ev |= MailBegin
		case 'e':
			ev |= MailEnd
		}
	}
	return ev
}

// formatPbsMailOptions renders MailEvents as a -m value.
func formatPbsMailOptions(ev MailEvents) string {
	if ev == MailNone {
		return "n"
	}
	var b strings.Builder
	if ev&MailFail != 0 {
		b.WriteByte('a')
	}
	if ev&MailBegin != 0 {
		b.WriteByte('b')
	}
	if ev&MailEnd != 0 {
		b.WriteByte('e')
	}
	return b.String()
}

// parseResourceSpec consumes -q and the -l pieces it understands:
// select=N:ncpus=T[:mpiprocs=T], nodes=N:ppn=T (Torque) and walltime.
// Unknown -l pieces are passed through as their own directive.
func (p *PbsScheduler) parseResourceSpec(directives []string) (*ResourceSpec, []string) {
	rs := &ResourceSpec{Nodes: 1, TasksPerNode: 1}
	var unconsumed []string

	for _, flag := range directives {
		if v, ok := flagValue(flag, "-q"); ok {
			rs.Partition = v
			continue
		}
		list, ok := flagValue(flag, "-l")
		if !ok {
			unconsumed = append(unconsumed, flag)
			continue
		}

		var rest []string
		for _, res := range strings.Split(list, ",") {
			res = strings.TrimSpace(res)
			if res == "" {
				continue
			}
			known, err := parsePbsResource(res, rs)
			if err != nil {
				utils.PrintWarning("PBS: failed to parse directive %q: %v", flag, err)
				return nil, directives
			}
			if !known {
				rest = append(rest, res)
			}
		}
		if len(rest) > 0 {
			unconsumed = append(unconsumed, "-l "+strings.Join(rest, ","))
		}
	}
	return rs, unconsumed
}

// parsePbsResource applies one -l resource to rs. Returns false for resources it does not model.
func parsePbsResource(res string, rs *ResourceSpec) (bool, error) {
	key, value, ok := strings.Cut(res, "=")
	if !ok {
		return false, nil
	}

	switch key {
	case "walltime":
		d, err := parseHMSTime(value)
		if err != nil {
			return true, err
		}
		rs.Time = d
		return true, nil

	case "select", "nodes":
		// select=2:ncpus=24:mpiprocs=24 or nodes=2:ppn=24
		chunks := strings.Split(value, ":")
		n, err := strconv.Atoi(chunks[0])
		if err != nil {
			return false, nil
		}
		rs.Nodes = n
		var ncpus, mpiprocs int
		for _, chunk := range chunks[1:] {
			k, v, _ := strings.Cut(chunk, "=")
			count, err := strconv.Atoi(v)
			if err != nil {
				continue
			}
			switch k {
			case "ncpus", "ppn":
				ncpus = count
			case "mpiprocs":
				mpiprocs = count
			}
		}
		// mpiprocs is the task count; ncpus alone means one task per CPU
		if mpiprocs > 0 {
			rs.TasksPerNode = mpiprocs
		} else if ncpus > 0 {
			rs.TasksPerNode = ncpus
		}
		return true, nil
	}
	return false, nil
}

// RenderScript writes a PBS batch script for job to w
func (p *PbsScheduler) RenderScript(w io.Writer, job *JobSpec, scriptPath string) error {
	if err := checkRenderable(job); err != nil {
		return err
	}
	specs := job.Specs

	fmt.Fprintln(w, "#!/bin/bash")

	for _, flag := range specs.RemainingFlags {
		fmt.Fprintf(w, "#PBS %s\n", flag)
	}

	ctrl := specs.Control
	if ctrl.JobName != "" {
		fmt.Fprintf(w, "#PBS -N %s\n", ctrl.JobName)
	}
	if rs := specs.Spec; rs != nil {
		if rs.Partition != "" {
			fmt.Fprintf(w, "#PBS -q %s\n", rs.Partition)
		}
		tasks := max(rs.TasksPerNode, 1)
		fmt.Fprintf(w, "#PBS -l select=%d:ncpus=%d:mpiprocs=%d\n", max(rs.Nodes, 1), tasks, tasks)
		if rs.Time > 0 {
			fmt.Fprintf(w, "#PBS -l walltime=%s\n", formatHMSTime(rs.Time))
		}
	}
	fmt.Fprintf(w, "#PBS -m %s\n", formatPbsMailOptions(ctrl.MailType))
	if ctrl.MailUser != "" {
		fmt.Fprintf(w, "#PBS -M %s\n", ctrl.MailUser)
	}
	if ctrl.Stdout != "" {
		fmt.Fprintf(w, "#PBS -o %s\n", ctrl.Stdout)
	}
	if ctrl.Stderr != "" {
		fmt.Fprintf(w, "#PBS -e %s\n", ctrl.Stderr)
	} else {
		fmt.Fprintln(w, "#PBS -j oe")
	}
	// PBS Pro rejects a one-subjob array; that job runs as a plain job with the index fixed
	fixedIndex, single := pbsSingleIndex(specs.Array)
	if specs.Array != nil && !single {
		fmt.Fprintf(w, "#PBS -J %s\n", pbsArrayRange(specs.Array))
	}
	fmt.Fprintln(w, "")

	writeSelfCleanup(w, job, scriptPath)
	// PBS starts jobs in $HOME
	fmt.Fprintln(w, "cd \"${PBS_O_WORKDIR:-.}\" || exit 1")

	jobIDVar := "$PBS_JOBID"
	indexVar := ""
	if specs.Array != nil {
		indexVar = "PBS_ARRAY_INDEX"
	}
	if single {
		fmt.Fprintf(w, "export PBS_ARRAY_INDEX=%d\n", fixedIndex)
	}

	if job.Banner {
		writeJobHeader(w, jobIDVar, job, formatHMSTime)
		fmt.Fprintln(w, "")
	}
	writeJobBody(w, job, indexVar)
	writeScriptTail(w, job, jobIDVar)
	return nil
}

// pbsSingleIndex reports whether a covers exactly one index, and which.
func pbsSingleIndex(a *ArraySpec) (int, bool) {
	if a == nil || a.Count() != 1 {
		return 0, false
	}
	return a.Start, true
}

// pbsArrayRange renders an ArraySpec for -J, which always needs START-END.
func pbsArrayRange(a *ArraySpec) string {
	s := fmt.Sprintf("%d-%d", a.Start, a.End)
	if a.step() > 1 {
		s += fmt.Sprintf(":%d", a.step())
	}
	if a.Limit > 0 {
		s += fmt.Sprintf("%%%d", a.Limit)
	}
	return s
}

// CreateScriptWithSpec generates a PBS batch script in outputDir
func (p *PbsScheduler) CreateScriptWithSpec(job *JobSpec, outputDir string) (string, error) {
	if err := checkRenderable(job); err != nil {
		return "", err
	}

	if job.Specs.Control.Stdout == "" {
		base := "job"
		if job.Name != "" {
			base = safeJobName(job.Name)
		}
		if _, single := pbsSingleIndex(job.Specs.Array); job.Specs.Array != nil && !single {
			base += ".^array_index^"
		}
		job.Specs.Control.Stdout = filepath.Join(outputDir, base+".log")
	}

	return createScriptFile(job, outputDir, scriptFileName(job, "pbs"), p.RenderScript)
}

// Submit submits a PBS job with optional dependency chain
func (p *PbsScheduler) Submit(scriptPath string, dependencyJobIDs []string) (string, error) {
	if p.qsubBin == "" {
		return "", ErrSchedulerNotFound
	}
	args := []string{scriptPath}
	if len(dependencyJobIDs) > 0 {
		depArg := fmt.Sprintf("depend=afterok:%s", strings.Join(dependencyJobIDs, ":"))
		args = append([]string{"-W", depArg}, args...)
	}

	utils.PrintDebug("Executing: %s %s", p.qsubBin, strings.Join(args, " "))
	output, err := exec.Command(p.qsubBin, args...).CombinedOutput()
	if err != nil {
		return "", NewSubmissionError(string(SchedulerPBS), filepath.Base(scriptPath), strings.TrimSpace(string(output)), err)
	}

	jobID := strings.TrimSpace(string(output))
	if !p.jobIDRe.MatchString(jobID) {
		return "", fmt.Errorf("%w: %s", ErrJobIDParseFailed, jobID)
	}
	return jobID, nil
}

// GetClusterInfo reads per-queue limits from `qstat -Qf`
func (p *PbsScheduler) GetClusterInfo() (*ClusterInfo, error) {
	if p.qstatBin == "" {
		return nil, ErrClusterInfoUnavailable
	}
	output, err := exec.Command(p.qstatBin, "-Qf").CombinedOutput()
	if err != nil {
		return nil, NewClusterError(string(SchedulerPBS), "query queue limits", err)
	}

	info := &ClusterInfo{Limits: parseQstatQueues(string(output))}
	if len(info.Limits) == 0 {
		return nil, ErrClusterInfoUnavailable
	}

	// The server's default_queue marks the default partition
	if out, err := exec.Command(p.qstatBin, "-Bf").CombinedOutput(); err == nil {
		if def := parseDefaultQueue(string(out)); def != "" {
			if l := info.Partition(def); l != nil {
				l.Default = true
			}
		}
	}
	return info, nil
}

// parseQstatQueues parses `qstat -Qf` blocks ("Queue: name" followed by "key = value" lines).
func parseQstatQueues(output string) []ResourceLimits {
	var limits []ResourceLimits
	var cur *ResourceLimits

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(trimmed, "Queue:"); ok {
			limits = append(limits, ResourceLimits{Partition: strings.TrimSpace(name)})
			cur = &limits[len(limits)-1]
			continue
		}
		if cur == nil {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "resources_max.walltime":
			if d, err := parseHMSTime(value); err == nil {
				cur.MaxTime = d
			}
		case "resources_default.walltime":
			if d, err := parseHMSTime(value); err == nil {
				cur.DefaultTime = d
			}
		case "resources_max.nodect", "resources_max.nodes":
			if n, err := strconv.Atoi(value); err == nil {
				cur.MaxNodes = n
			}
		case "resources_max.ncpus":
			if n, err := strconv.Atoi(value); err == nil {
				cur.MaxCpusPerNode = n
			}
		}
	}
	return limits
}

// parseDefaultQueue extracts default_queue from `qstat -Bf`.
func parseDefaultQueue(output string) string {
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && strings.TrimSpace(key) == "default_queue" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// JobState queries `qstat -f -x`, which includes finished jobs
func (p *PbsScheduler) JobState(jobID string) (*JobStatus, error) {
	if p.qstatBin == "" {
		return nil, ErrClusterInfoUnavailable
	}
	output, err := exec.Command(p.qstatBin, "-f", "-x", jobID).CombinedOutput()
	if err != nil {
		if strings.Contains(string(output), "Unknown Job") {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, NewClusterError(string(SchedulerPBS), "query job "+jobID, err)
	}
	st, ok := parseQstatFull(string(output))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	st.ID = jobID
	return st, nil
}

// GetJobResources reads allocated resources from PBS environment variables.
func (p *PbsScheduler) GetJobResources() *JobResources {
	jobID, ok := os.LookupEnv("PBS_JOBID")
	if !ok {
		return nil
	}
	res := &JobResources{
		JobID:     jobID,
		Partition: os.Getenv("PBS_QUEUE"),
		Nodes:     getEnvInt("PBS_NUM_NODES"),
	}
	// NCPUS is PBS Pro, PBS_NUM_PPN is Torque
	res.TasksPerNode = getEnvInt("NCPUS")
	if res.TasksPerNode == nil {
		res.TasksPerNode = getEnvInt("PBS_NUM_PPN")
	}
	return res
}
