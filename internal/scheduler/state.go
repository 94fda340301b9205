package scheduler

import (
	"strconv"
	"strings"
)

// JobState is the lifecycle state of a submitted job.
// Submitted -> Pending -> Running -> one of the terminal states; the scheduler drives every transition.
type JobState string

const (
	StateUnknown   JobState = "UNKNOWN"
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateCompleted JobState = "COMPLETED"
	StateFailed    JobState = "FAILED"
	StateTimeout   JobState = "TIMEOUT"
	StateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether the job has finished.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// JobStatus is the scheduler's view of one job.
type JobStatus struct {
	ID       string
	State    JobState
	ExitCode int    // Program exit code once terminal (-1 = unknown)
	Signal   int    // Terminating signal, 0 if none
	Raw      string // Scheduler's own state string
}

// slurmState maps squeue/sacct state names and compact codes.
func slurmState(raw string) JobState {
	s := strings.ToUpper(strings.TrimSpace(raw))
	// sacct appends details: "CANCELLED by 1234"
	if f := strings.Fields(s); len(f) > 0 {
		s = f[0]
	}
	s = strings.TrimSuffix(s, "+")

	switch s {
	case "PD", "PENDING", "CF", "CONFIGURING", "RQ", "REQUEUED", "RH", "REQUEUE_HOLD", "RS", "RESIZING", "S", "SUSPENDED":
		return StatePending
	case "R", "RUNNING", "CG", "COMPLETING", "SO", "STAGE_OUT", "SI", "SIGNALING":
		return StateRunning
	case "CD", "COMPLETED":
		return StateCompleted
	case "TO", "TIMEOUT", "DL", "DEADLINE":
		return StateTimeout
	case "CA", "CANCELLED", "PR", "PREEMPTED", "RV", "REVOKED":
		return StateCancelled
	case "F", "FAILED", "NF", "NODE_FAIL", "OOM", "OUT_OF_MEMORY", "BF", "BOOT_FAIL":
		return StateFailed
	}
	return StateUnknown
}

// parseSacctLine parses one "State|ExitCode" line from `sacct -n -X -P -o State,ExitCode`.
// ExitCode is "code:signal".
func parseSacctLine(line string) (*JobStatus, bool) {
	fields := strings.Split(strings.TrimSpace(line), "|")
	if len(fields) < 2 || fields[0] == "" {
		return nil, false
	}
	st := &JobStatus{State: slurmState(fields[0]), Raw: fields[0], ExitCode: -1}
	codeStr, sigStr, _ := strings.Cut(fields[1], ":")
	if code, err := strconv.Atoi(codeStr); err == nil {
		st.ExitCode = code
	}
	if sig, err := strconv.Atoi(sigStr); err == nil {
		st.Signal = sig
	}
	return st, true
}

// pbsWalltimeExit is the Exit_status PBS Pro records when a job exceeds its walltime.
const pbsWalltimeExit = -29

// parseQstatFull extracts a JobStatus from `qstat -f -x` output.
func parseQstatFull(output string) (*JobStatus, bool) {
	attrs := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		attrs[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	code, ok := attrs["job_state"]
	if !ok {
		return nil, false
	}

	st := &JobStatus{Raw: code, ExitCode: -1, State: StateUnknown}
	exitStatus, hasExit := attrs["Exit_status"]
	if hasExit {
		if n, err := strconv.Atoi(exitStatus); err == nil {
			st.ExitCode = n
		}
	}

	switch code {
	case "Q", "H", "W", "T", "S":
		st.State = StatePending
	case "R", "E", "B":
		st.State = StateRunning
	case "F", "C", "X":
		switch {
		case st.ExitCode == pbsWalltimeExit || strings.Contains(strings.ToLower(attrs["comment"]), "walltime"):
			st.State = StateTimeout
		case st.ExitCode == 0:
			st.State = StateCompleted
		case st.ExitCode > 256:
			// Killed by signal: PBS reports 256 + signo
			st.Signal = st.ExitCode - 256
			st.State = StateCancelled
		case !hasExit:
			st.State = StateCancelled
		default:
			st.State = StateFailed
		}
	}
	return st, true
}
