package launcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
)

type fakeHandle struct {
	exited  chan ExitResult
	stopped chan struct{}
	pid     int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{exited: make(chan ExitResult, 1), stopped: make(chan struct{})}
}

func (h *fakeHandle) Exited() <-chan ExitResult { return h.exited }
func (h *fakeHandle) PID() int                  { return h.pid }
func (h *fakeHandle) Stop(ctx context.Context) error {
	close(h.stopped)
	return nil
}

// scriptedStrategy launches a sequence of predetermined outcomes.
type scriptedStrategy struct {
	mu       sync.Mutex
	launches int
	script   []ExitResult
	spawnErr map[int]error
}

func (s *scriptedStrategy) Launch(ctx context.Context, attempt int) (Handle, error) {
	s.mu.Lock()
	n := s.launches
	s.launches++
	s.mu.Unlock()

	if err, ok := s.spawnErr[n]; ok {
		return nil, err
	}

	h := newFakeHandle()
	if n < len(s.script) {
		h.exited <- s.script[n]
	}
	return h, nil
}

func (s *scriptedStrategy) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

func instantSleep(ctx context.Context, d time.Duration) bool {
	return ctx.Err() == nil
}

func crashEntry(policy string, max int) config.ServiceEntry {
	return config.ServiceEntry{
		Type:          "echo",
		Variant:       "t1",
		Restart:       policy,
		RestartSec:    1,
		RestartMax:    max,
		RestartWindow: 60,
		Enabled:       true,
		Fields:        map[string]any{},
	}
}

func collectEvents(events *[]protocol.RegistryEvent, mu *sync.Mutex) func(context.Context, protocol.RegistryEvent) {
	return func(_ context.Context, ev protocol.RegistryEvent) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestShouldRestart(t *testing.T) {
	crash := ExitResult{Code: 1}
	clean := ExitResult{Code: 0}
	signaled := ExitResult{Code: 137, Signaled: true}
	raised := ExitResult{Err: errors.New("boom"), Code: -1}

	tests := []struct {
		policy string
		exit   ExitResult
		want   bool
	}{
		{config.RestartNo, crash, false},
		{config.RestartNo, clean, false},
		{config.RestartOnFailure, crash, true},
		{config.RestartOnFailure, clean, false},
		{config.RestartOnFailure, raised, true},
		{config.RestartOnAbnormal, crash, false},
		{config.RestartOnAbnormal, signaled, true},
		{config.RestartOnAbnormal, ExitResult{Code: 139}, true},
		{config.RestartOnAbnormal, raised, true},
		{config.RestartAlways, clean, true},
		{config.RestartAlways, crash, true},
	}
	for _, tc := range tests {
		if got := ShouldRestart(tc.policy, tc.exit); got != tc.want {
			t.Errorf("ShouldRestart(%s, %+v) = %v, want %v", tc.policy, tc.exit, got, tc.want)
		}
	}
}

func TestRestartBudget_Window(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	budget := newRestartBudget(60*time.Second, 2)

	if !budget.Allow(base) {
		t.Fatal("empty budget should allow")
	}
	budget.Record(base)
	if !budget.Allow(base.Add(time.Second)) {
		t.Fatal("one restart of two should allow")
	}
	budget.Record(base.Add(time.Second))
	if budget.Allow(base.Add(2 * time.Second)) {
		t.Fatal("two restarts of two should deny")
	}

	// Outside the window, old timestamps are dropped.
	if !budget.Allow(base.Add(2 * time.Minute)) {
		t.Fatal("aged-out restarts should allow again")
	}
}

func TestRestartBudget_Unbounded(t *testing.T) {
	budget := newRestartBudget(60*time.Second, 0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !budget.Allow(now) {
			t.Fatal("unbounded budget should always allow")
		}
		budget.Record(now)
	}
}

// The crash-and-restart scenario: three crashes with restart_max 2 yield
// three launches, two restarting events (attempts 1 and 2), then exactly one
// failed event with reason restart_limit.
func TestRunner_CrashRestartGiveUp(t *testing.T) {
	strategy := &scriptedStrategy{
		script: []ExitResult{{Code: 1}, {Code: 1}, {Code: 1}},
	}

	var mu sync.Mutex
	var events []protocol.RegistryEvent
	var transitions []Transition

	runner := NewRunner(crashEntry(config.RestartOnFailure, 2), strategy, zerolog.Nop(),
		collectEvents(&events, &mu),
		WithSleep(instantSleep),
		WithTransitionHook(func(tr Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}),
	)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected restart-limit error")
	}
	if runner.State() != RunnerGivenUp {
		t.Fatalf("state = %s, want GIVEN_UP", runner.State())
	}
	if strategy.Launches() != 3 {
		t.Fatalf("launches = %d, want 3", strategy.Launches())
	}

	var restarting, failed int
	var attempts []int
	for _, ev := range events {
		switch ev.Event {
		case protocol.EventRestarting:
			restarting++
			attempts = append(attempts, ev.Attempt)
		case protocol.EventFailed:
			failed++
			if ev.Reason != protocol.ReasonRestartLimit {
				t.Fatalf("failed reason = %q, want restart_limit", ev.Reason)
			}
		}
	}
	if restarting != 2 {
		t.Fatalf("restarting events = %d, want 2", restarting)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v, want [1 2]", attempts)
	}
	if failed != 1 {
		t.Fatalf("failed events = %d, want exactly 1", failed)
	}
}

func TestRunner_CleanExitNoRestart(t *testing.T) {
	strategy := &scriptedStrategy{script: []ExitResult{{Code: 0}}}
	var mu sync.Mutex
	var events []protocol.RegistryEvent

	runner := NewRunner(crashEntry(config.RestartOnFailure, 0), strategy, zerolog.Nop(),
		collectEvents(&events, &mu), WithSleep(instantSleep))

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.State() != RunnerStopped {
		t.Fatalf("state = %s, want STOPPED", runner.State())
	}
	if strategy.Launches() != 1 {
		t.Fatalf("launches = %d, want 1", strategy.Launches())
	}
	for _, ev := range events {
		if ev.Event == protocol.EventCrashed || ev.Event == protocol.EventRestarting {
			t.Fatalf("unexpected supervisor event %s", ev.Event)
		}
	}
}

func TestRunner_AlwaysRestartsCleanExit(t *testing.T) {
	strategy := &scriptedStrategy{
		script: []ExitResult{{Code: 0}, {Code: 0}, {Code: 0}},
	}
	runner := NewRunner(crashEntry(config.RestartAlways, 2), strategy, zerolog.Nop(),
		nil, WithSleep(instantSleep))

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected restart-limit error")
	}
	// always restarts clean exits too, until the budget runs out.
	if strategy.Launches() != 3 {
		t.Fatalf("launches = %d, want 3", strategy.Launches())
	}
}

func TestRunner_SpawnFailureCountsAsAttempt(t *testing.T) {
	strategy := &scriptedStrategy{
		spawnErr: map[int]error{0: errors.New("executable missing"), 1: errors.New("executable missing"), 2: errors.New("executable missing")},
	}
	var mu sync.Mutex
	var events []protocol.RegistryEvent

	runner := NewRunner(crashEntry(config.RestartOnFailure, 2), strategy, zerolog.Nop(),
		collectEvents(&events, &mu), WithSleep(instantSleep))

	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected restart-limit error")
	}
	if strategy.Launches() != 3 {
		t.Fatalf("launches = %d, want 3", strategy.Launches())
	}
	if runner.State() != RunnerGivenUp {
		t.Fatalf("state = %s, want GIVEN_UP", runner.State())
	}
}

func TestRunner_ShutdownStopsInstance(t *testing.T) {
	handle := newFakeHandle()
	launched := make(chan struct{})
	strategy := launchFunc(func(ctx context.Context, attempt int) (Handle, error) {
		close(launched)
		return handle, nil
	})

	runner := NewRunner(crashEntry(config.RestartAlways, 0), strategy, zerolog.Nop(),
		nil, WithSleep(instantSleep))

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error, 1)
	go func() { doneCh <- runner.Run(ctx) }()

	<-launched
	cancel()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("run after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}

	select {
	case <-handle.stopped:
	default:
		t.Fatal("instance was not stopped on shutdown")
	}
	if runner.State() != RunnerStopped {
		t.Fatalf("state = %s, want STOPPED", runner.State())
	}
}

func TestRunner_SlidingWindowAllowsSpacedRestarts(t *testing.T) {
	strategy := &scriptedStrategy{
		script: []ExitResult{{Code: 1}, {Code: 1}, {Code: 1}, {Code: 1}, {Code: 0}},
	}

	// Clock jumps beyond the window between crashes, so the budget never
	// fills and the runner keeps restarting until the clean exit.
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(2 * time.Minute)
		return now
	}

	runner := NewRunner(crashEntry(config.RestartOnFailure, 2), strategy, zerolog.Nop(),
		nil, WithSleep(instantSleep), WithClock(clock))

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if strategy.Launches() != 5 {
		t.Fatalf("launches = %d, want 5", strategy.Launches())
	}
	if runner.State() != RunnerStopped {
		t.Fatalf("state = %s, want STOPPED", runner.State())
	}
}

type launchFunc func(ctx context.Context, attempt int) (Handle, error)

func (f launchFunc) Launch(ctx context.Context, attempt int) (Handle, error) {
	return f(ctx, attempt)
}
