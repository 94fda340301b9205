package scheduler

import (
	"strings"
	"sync"
)

var (
	active   Scheduler
	activeMu sync.RWMutex
)

// SetActive records the scheduler used for submission. nil means submission is unavailable.
func SetActive(s Scheduler) {
	activeMu.Lock()
	defer activeMu.Unlock()
	active = s
}

// Active returns the scheduler used for submission (may be nil).
func Active() Scheduler {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// TypeOf reports which scheduler family s belongs to.
func TypeOf(s Scheduler) SchedulerType {
	switch s.(type) {
	case *SlurmScheduler:
		return SchedulerSLURM
	case *PbsScheduler:
		return SchedulerPBS
	}
	return SchedulerUnknown
}

// Renderer returns a scheduler able to render and parse scripts of type t.
// The active scheduler is preferred when it matches; an empty t means "the active one, else the host's".
// Rendering never needs the scheduler binaries, so this works on a login node without sbatch.
func Renderer(t SchedulerType) (Scheduler, error) {
	t = SchedulerType(strings.ToUpper(string(t)))
	if s := Active(); s != nil && (t == SchedulerUnknown || TypeOf(s) == t) {
		return s, nil
	}
	if t == SchedulerUnknown {
		t = DetectType()
	}
	return ForType(t)
}
