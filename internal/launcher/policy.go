package launcher

import (
	"time"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
)

// ExitResult describes how a launched service instance ended.
type ExitResult struct {
	// Err is the in-process runtime error, or the spawn error when the
	// launch itself failed.
	Err error
	// Code is the subprocess exit code; -1 when not applicable.
	Code int
	// Signaled is set when a subprocess was terminated by a signal.
	Signaled bool
}

// Clean reports a normal, successful exit.
func (e ExitResult) Clean() bool {
	return e.Err == nil && !e.Signaled && e.Code <= 0
}

// Abnormal reports termination by signal or an exit code above 128. For
// in-process services an unexpected error counts as abnormal.
func (e ExitResult) Abnormal() bool {
	if e.Signaled || e.Code > 128 {
		return true
	}
	return e.Code < 0 && e.Err != nil
}

// ShouldRestart applies the per-descriptor restart policy to an exit.
func ShouldRestart(policy string, exit ExitResult) bool {
	switch policy {
	case config.RestartAlways:
		return true
	case config.RestartOnFailure:
		return !exit.Clean()
	case config.RestartOnAbnormal:
		return exit.Abnormal()
	}
	return false
}

// restartBudget is the bounded deque of restart timestamps within the
// configured window. max == 0 means unbounded.
type restartBudget struct {
	window time.Duration
	max    int
	times  []time.Time
}

func newRestartBudget(window time.Duration, max int) *restartBudget {
	return &restartBudget{window: window, max: max}
}

// Allow prunes timestamps older than the window and reports whether another
// restart fits the budget.
func (b *restartBudget) Allow(now time.Time) bool {
	cutoff := now.Add(-b.window)
	kept := b.times[:0]
	for _, t := range b.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.times = kept
	return b.max == 0 || len(b.times) < b.max
}

// Record notes a restart at the given time.
func (b *restartBudget) Record(now time.Time) {
	b.times = append(b.times, now)
}

// Count returns the number of restarts remembered inside the window.
func (b *restartBudget) Count(now time.Time) int {
	cutoff := now.Add(-b.window)
	n := 0
	for _, t := range b.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
