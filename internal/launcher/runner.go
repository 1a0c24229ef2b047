package launcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
)

// RunnerState is the per-descriptor supervision state.
type RunnerState string

const (
	RunnerStarting   RunnerState = "STARTING"
	RunnerRunning    RunnerState = "RUNNING"
	RunnerExited     RunnerState = "EXITED"
	RunnerCrashed    RunnerState = "CRASHED"
	RunnerRestarting RunnerState = "RESTARTING"
	RunnerGivenUp    RunnerState = "GIVEN_UP"
	RunnerStopped    RunnerState = "STOPPED"
)

// Handle is a launched service instance under supervision.
type Handle interface {
	// Exited delivers the exit result once when the instance ends on its
	// own. The channel never fires for an instance stopped through Stop.
	Exited() <-chan ExitResult

	// Stop shuts the instance down gracefully, escalating when the
	// context deadline passes.
	Stop(ctx context.Context) error

	// PID returns the OS process id, or 0 for in-process instances.
	PID() int
}

// Strategy launches instances of one service descriptor. The launcher picks
// the in-process or subprocess strategy per its execution mode.
type Strategy interface {
	Launch(ctx context.Context, attempt int) (Handle, error)
}

// Transition records one runner state change for observers (notifiers,
// metrics, the launcher's own monitor).
type Transition struct {
	ServiceID string
	From      RunnerState
	To        RunnerState
	Reason    string
	Attempt   int
}

// Runner supervises one service descriptor: launch, watch, apply the
// restart policy with window accounting, re-launch or give up.
type Runner struct {
	logger   zerolog.Logger
	entry    config.ServiceEntry
	strategy Strategy
	budget   *restartBudget

	publish      func(ctx context.Context, ev protocol.RegistryEvent)
	onTransition func(Transition)
	sleep        func(ctx context.Context, d time.Duration) bool
	now          func() time.Time
	stopGrace    time.Duration

	mu      sync.Mutex
	state   RunnerState
	attempt int
	handle  Handle
}

// RunnerOption customizes runner behavior.
type RunnerOption func(*Runner)

// WithTransitionHook registers a callback fired on every state change.
func WithTransitionHook(fn func(Transition)) RunnerOption {
	return func(r *Runner) { r.onTransition = fn }
}

// WithSleep overrides the cancellable back-off sleep (for tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) bool) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// WithClock overrides the wall clock used for restart accounting.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithStopGrace overrides the per-service stop grace window.
func WithStopGrace(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.stopGrace = d
		}
	}
}

// NewRunner constructs a runner for a service entry. publish emits
// supervisor-originated registry events on the service's subject and may be
// nil.
func NewRunner(entry config.ServiceEntry, strategy Strategy, logger zerolog.Logger,
	publish func(ctx context.Context, ev protocol.RegistryEvent), opts ...RunnerOption) *Runner {

	window := time.Duration(entry.RestartWindow * float64(time.Second))
	r := &Runner{
		logger:    logger.With().Str("runner", entry.ServiceID()).Logger(),
		entry:     entry,
		strategy:  strategy,
		budget:    newRestartBudget(window, entry.RestartMax),
		publish:   publish,
		sleep:     defaultSleep,
		now:       time.Now,
		stopGrace: DefaultStopGrace,
		state:     RunnerStarting,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.publish == nil {
		r.publish = func(context.Context, protocol.RegistryEvent) {}
	}
	return r
}

// DefaultStopGrace bounds graceful instance shutdown before escalation.
const DefaultStopGrace = 10 * time.Second

// ServiceID returns the supervised service id.
func (r *Runner) ServiceID() string { return r.entry.ServiceID() }

// State returns the current supervision state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempt returns the current restart attempt counter.
func (r *Runner) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// PID returns the pid of the current instance, if any.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return 0
	}
	return r.handle.PID()
}

func (r *Runner) setState(to RunnerState, reason string, attempt int) {
	r.mu.Lock()
	from := r.state
	r.state = to
	hook := r.onTransition
	r.mu.Unlock()

	if from == to {
		return
	}
	r.logger.Info().Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).Int("attempt", attempt).Msg("runner state change")
	if hook != nil {
		hook(Transition{
			ServiceID: r.entry.ServiceID(),
			From:      from,
			To:        to,
			Reason:    reason,
			Attempt:   attempt,
		})
	}
}

// Run supervises the descriptor until the context is cancelled or the
// restart budget is exhausted. Instances that exit without qualifying for a
// restart end the run.
func (r *Runner) Run(ctx context.Context) error {
	for {
		r.setState(RunnerStarting, "", r.Attempt())

		handle, err := r.strategy.Launch(ctx, r.Attempt())
		var exit ExitResult
		if err != nil {
			// A failed spawn counts as an attempt.
			r.logger.Error().Err(err).Msg("launch failed")
			exit = ExitResult{Err: err, Code: -1}
		} else {
			r.mu.Lock()
			r.handle = handle
			r.mu.Unlock()
			r.setState(RunnerRunning, "", r.Attempt())

			select {
			case exit = <-handle.Exited():
			case <-ctx.Done():
				r.stopInstance(handle)
				r.setState(RunnerStopped, "shutdown", r.Attempt())
				return nil
			}
		}

		r.mu.Lock()
		r.handle = nil
		r.mu.Unlock()

		if exit.Clean() {
			r.setState(RunnerExited, "clean exit", r.Attempt())
		} else {
			reason := exitReason(exit)
			r.setState(RunnerCrashed, reason, r.Attempt())
			r.publish(ctx, protocol.RegistryEvent{
				Event:   protocol.EventCrashed,
				Message: reason,
			})
		}

		if !ShouldRestart(r.entry.Restart, exit) {
			r.setState(RunnerStopped, "policy "+r.entry.Restart, r.Attempt())
			return exit.Err
		}

		now := r.now()
		if !r.budget.Allow(now) {
			r.setState(RunnerGivenUp, protocol.ReasonRestartLimit, r.Attempt())
			r.publish(ctx, protocol.RegistryEvent{
				Event:  protocol.EventFailed,
				Reason: protocol.ReasonRestartLimit,
				Message: fmt.Sprintf("restart limit reached: %d restarts within %s",
					r.budget.max, r.budget.window),
			})
			return fmt.Errorf("%s: restart limit reached", r.entry.ServiceID())
		}
		r.budget.Record(now)

		backoff := time.Duration(r.entry.RestartSec * float64(time.Second))
		if !r.sleep(ctx, backoff) {
			r.setState(RunnerStopped, "shutdown", r.Attempt())
			return nil
		}

		r.mu.Lock()
		r.attempt++
		attempt := r.attempt
		r.mu.Unlock()

		r.setState(RunnerRestarting, "", attempt)
		r.publish(ctx, protocol.RegistryEvent{
			Event:   protocol.EventRestarting,
			Attempt: attempt,
		})
	}
}

func (r *Runner) stopInstance(handle Handle) {
	stopCtx, cancel := context.WithTimeout(context.Background(), r.stopGrace)
	defer cancel()
	if err := handle.Stop(stopCtx); err != nil {
		r.logger.Error().Err(err).Msg("instance stop failed")
	}
}

func exitReason(exit ExitResult) string {
	switch {
	case exit.Err != nil:
		return exit.Err.Error()
	case exit.Signaled:
		return "terminated by signal"
	default:
		return fmt.Sprintf("exit code %d", exit.Code)
	}
}

func defaultSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
