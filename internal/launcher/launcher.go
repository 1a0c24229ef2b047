// Package launcher implements the outer supervisor: one Runner per declared
// service, restart policies with window accounting, and the launcher's own
// monitor aggregating runner health.
package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/controller"
	"github.com/araucaria-project/ocabox-tcs/internal/healthcheck"
	"github.com/araucaria-project/ocabox-tcs/internal/metrics"
	"github.com/araucaria-project/ocabox-tcs/internal/monitor"
	"github.com/araucaria-project/ocabox-tcs/internal/notify"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
	"github.com/araucaria-project/ocabox-tcs/internal/state"
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// Mode selects how runners execute their services.
type Mode string

const (
	// ModeInProcess hosts all controllers cooperatively in the launcher
	// process.
	ModeInProcess Mode = "in-process"
	// ModeSubprocess spawns one child process per instance.
	ModeSubprocess Mode = "subprocess"
)

// Options configures a Launcher.
type Options struct {
	Mode Mode
	// LauncherID identifies this launcher in registry events. Generated
	// when empty.
	LauncherID string
	// Variant is the launcher's own monitor variant (default "main").
	Variant string
	// ServiceBinary is the executable spawned for internal service types
	// in subprocess mode. Defaults to "tcs-service" next to the launcher
	// binary.
	ServiceBinary string
	// StatePath persists the supervision table when set.
	StatePath string
	// StopGrace bounds per-service shutdown before escalation.
	StopGrace time.Duration

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Tracker  *healthcheck.Tracker

	MonitorOpts []monitor.BusOption
	RunnerOpts  []RunnerOption
}

type runnerSlot struct {
	entry  config.ServiceEntry
	runner *Runner
	child  *monitor.Monitor
	cancel context.CancelFunc
	active bool
}

// Launcher supervises the declared services of one configuration.
type Launcher struct {
	logger zerolog.Logger
	pctx   *runtime.Context
	opts   Options

	mon   *monitor.BusMonitor
	store state.Store

	mu      sync.Mutex
	slots   map[string]*runnerSlot
	entries []config.ServiceEntry
	runCtx  context.Context
	wg      sync.WaitGroup
}

// New constructs a launcher over an initialized process context.
func New(pctx *runtime.Context, logger zerolog.Logger, opts Options) *Launcher {
	if opts.Mode == "" {
		opts.Mode = ModeSubprocess
	}
	if opts.LauncherID == "" {
		opts.LauncherID = "launcher-" + uuid.NewString()[:8]
	}
	if opts.Variant == "" {
		opts.Variant = "main"
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNoop(logger, "")
	}
	return &Launcher{
		logger: logger.With().Str("launcher", opts.LauncherID).Logger(),
		pctx:   pctx,
		opts:   opts,
		slots:  make(map[string]*runnerSlot),
	}
}

// LauncherID returns the identifier used in registry events.
func (l *Launcher) LauncherID() string { return l.opts.LauncherID }

// Monitor returns the launcher's own bus monitor (nil before Initialize).
func (l *Launcher) Monitor() *monitor.BusMonitor { return l.mon }

// Initialize reads the declared services and prepares runners. No events
// are published yet.
func (l *Launcher) Initialize(ctx context.Context) error {
	entries, err := l.pctx.Resolver().Services()
	if err != nil {
		return err
	}
	l.entries = entries

	identity := monitor.Identity{
		ServiceType: "launcher",
		Variant:     l.opts.Variant,
		LauncherID:  l.opts.LauncherID,
		Host:        l.pctx.Host(),
		PID:         os.Getpid(),
	}
	l.mon = monitor.NewBus(l.pctx.Bus(), identity, l.logger, l.opts.MonitorOpts...)
	l.mon.RegisterCommand("list", l.rpcList)
	l.mon.RegisterCommand("start", l.rpcStart)
	l.mon.RegisterCommand("stop", l.rpcStop)

	if l.opts.StatePath != "" {
		l.store = state.NewFileStore(l.opts.StatePath, l.logger)
	}

	for _, entry := range entries {
		if !entry.Enabled {
			l.logger.Info().Str("service", entry.ServiceID()).Msg("service disabled, declared only")
			continue
		}
		if _, dup := l.slots[entry.ServiceID()]; dup {
			return fmt.Errorf("%w: duplicate service %s", config.ErrConfig, entry.ServiceID())
		}
		slot := &runnerSlot{entry: entry}
		slot.child = monitor.New(entry.ServiceID(), l.logger)
		slot.child.SetStatus(status.StatusStartup, "declared")
		if err := l.mon.AddChild(slot.child); err != nil {
			return err
		}
		l.slots[entry.ServiceID()] = slot
	}

	l.logger.Info().Int("services", len(entries)).Int("runners", len(l.slots)).
		Str("mode", string(l.opts.Mode)).Msg("launcher initialized")
	return nil
}

func (l *Launcher) strategyFor(entry config.ServiceEntry, runnerID string) Strategy {
	if l.opts.Mode == ModeInProcess {
		return NewInProcessStrategy(l.pctx, entry, l.logger, controller.Options{
			RunnerID:   runnerID,
			LauncherID: l.opts.LauncherID,
			ParentName: l.mon.Name(),
			StopGrace:  l.opts.StopGrace,
		})
	}
	binary := entry.Module
	if entry.IsInternal() {
		binary = l.serviceBinary()
	}
	return NewSubprocessStrategy(entry, binary, l.pctx.Resolver().Source(), runnerID, l.mon.Name(), l.logger)
}

func (l *Launcher) serviceBinary() string {
	if l.opts.ServiceBinary != "" {
		return l.opts.ServiceBinary
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "tcs-service")
	}
	return "tcs-service"
}

// Run publishes the declared events, starts all runners in parallel and
// blocks until the context is cancelled. Shutdown stops runners
// concurrently within the grace window.
func (l *Launcher) Run(ctx context.Context) error {
	l.mon.SetStatus(status.StatusStartup, "starting runners")
	l.mon.Start(ctx)
	l.mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventStart})

	// Declared events populate the discovery stream for every configured
	// instance, including disabled ones, before anything starts.
	for _, entry := range l.entries {
		l.publishFor(ctx, entry, protocol.RegistryEvent{Event: protocol.EventDeclared})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.mu.Lock()
	l.runCtx = runCtx
	slots := make([]*runnerSlot, 0, len(l.slots))
	for _, slot := range l.slots {
		slots = append(slots, slot)
	}
	l.mu.Unlock()

	for _, slot := range slots {
		l.startSlot(runCtx, slot)
	}

	l.opts.Tracker.Started(len(slots))
	l.mon.SetStatus(status.StatusOK, fmt.Sprintf("supervising %d services", len(slots)))
	l.mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventReady})

	<-ctx.Done()
	l.logger.Info().Msg("shutdown requested")

	l.mon.PublishRegistry(context.Background(), protocol.RegistryEvent{Event: protocol.EventStopping})
	l.mon.SetStatus(status.StatusShutdown, "stopping runners")
	cancel()

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(l.opts.StopGrace + 5*time.Second):
		l.logger.Warn().Msg("runners did not stop within grace, abandoning")
	}

	l.mon.PublishRegistry(context.Background(), protocol.RegistryEvent{
		Event: protocol.EventStop,
		Exit:  protocol.ExitClean,
	})
	l.mon.Stop()
	return nil
}

// startSlot launches the supervision loop for one slot. The caller holds no
// locks.
func (l *Launcher) startSlot(runCtx context.Context, slot *runnerSlot) {
	runnerID := fmt.Sprintf("%s.%s", l.opts.LauncherID, slot.entry.ServiceID())
	slotCtx, slotCancel := context.WithCancel(runCtx)

	runner := NewRunner(slot.entry, l.strategyFor(slot.entry, runnerID), l.logger,
		l.publisherFor(slot.entry),
		append([]RunnerOption{
			WithStopGrace(l.opts.StopGrace),
			WithTransitionHook(l.transitionHook(slot)),
		}, l.opts.RunnerOpts...)...)

	l.mu.Lock()
	slot.runner = runner
	slot.cancel = slotCancel
	slot.active = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := runner.Run(slotCtx); err != nil {
			l.logger.Error().Err(err).Str("service", slot.entry.ServiceID()).Msg("runner finished with error")
		}
		l.mu.Lock()
		slot.active = false
		l.mu.Unlock()
	}()
}

// publisherFor emits supervisor-originated events on the service's registry
// subject with launcher identity attached.
func (l *Launcher) publisherFor(entry config.ServiceEntry) func(ctx context.Context, ev protocol.RegistryEvent) {
	return func(ctx context.Context, ev protocol.RegistryEvent) {
		l.publishFor(ctx, entry, ev)
	}
}

func (l *Launcher) publishFor(ctx context.Context, entry config.ServiceEntry, ev protocol.RegistryEvent) {
	ev.ServiceID = entry.ServiceID()
	ev.ServiceType = entry.Type
	ev.Variant = entry.Variant
	ev.LauncherID = l.opts.LauncherID
	ev.Host = l.pctx.Host()
	ev.PID = os.Getpid()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = status.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error().Err(err).Msg("registry event encode failed")
		return
	}
	subject := bus.RegistrySubject(ev.Event, ev.ServiceID)
	if err := l.pctx.Bus().Publish(ctx, subject, data); err != nil {
		l.logger.Warn().Err(err).Str("subject", subject).Msg("registry publish failed")
	}
	l.opts.Metrics.IncRegistryEvent(ev.Event)
}

func (l *Launcher) transitionHook(slot *runnerSlot) func(Transition) {
	return func(t Transition) {
		slot.child.SetStatus(runnerStatus(t.To), transitionMessage(t))

		l.opts.Metrics.SetLastTransitionTimestamp(time.Now().UTC())
		if t.To == RunnerRestarting {
			l.opts.Metrics.IncRestarts(t.ServiceID)
		}
		l.recountStates()

		switch t.To {
		case RunnerCrashed, RunnerRestarting, RunnerGivenUp:
			event := notify.Event{
				ServiceID: t.ServiceID,
				From:      string(t.From),
				To:        string(t.To),
				Reason:    t.Reason,
				Attempt:   t.Attempt,
			}
			if err := l.opts.Notifier.Notify(context.Background(), l.opts.LauncherID, []notify.Event{event}); err != nil {
				l.logger.Warn().Err(err).Msg("notification failed")
			}
		}

		l.persistSnapshot()
	}
}

func runnerStatus(s RunnerState) status.Status {
	switch s {
	case RunnerStarting, RunnerRestarting:
		return status.StatusStartup
	case RunnerRunning:
		return status.StatusOK
	case RunnerExited, RunnerStopped:
		return status.StatusIdle
	case RunnerCrashed:
		return status.StatusError
	case RunnerGivenUp:
		return status.StatusFailed
	}
	return status.StatusUnknown
}

func transitionMessage(t Transition) string {
	if t.Reason != "" {
		return t.Reason
	}
	if t.To == RunnerRestarting {
		return fmt.Sprintf("restart attempt %d", t.Attempt)
	}
	return strings.ToLower(string(t.To))
}

func (l *Launcher) recountStates() {
	counts := map[RunnerState]int{}
	l.mu.Lock()
	for _, slot := range l.slots {
		if slot.runner != nil {
			counts[slot.runner.State()]++
		}
	}
	l.mu.Unlock()

	for _, s := range []RunnerState{RunnerStarting, RunnerRunning, RunnerExited,
		RunnerCrashed, RunnerRestarting, RunnerGivenUp, RunnerStopped} {
		l.opts.Metrics.SetRunnersTotal(string(s), counts[s])
	}
	l.opts.Tracker.RecordCounts(counts[RunnerRunning], counts[RunnerGivenUp])
}

func (l *Launcher) persistSnapshot() {
	if l.store == nil {
		return
	}
	snapshot := state.Snapshot{
		LauncherID: l.opts.LauncherID,
		Services:   map[string]state.ServiceRecord{},
		SavedAt:    time.Now().UTC(),
	}
	l.mu.Lock()
	for id, slot := range l.slots {
		if slot.runner == nil {
			continue
		}
		snapshot.Services[id] = state.ServiceRecord{
			ServiceID: id,
			State:     string(slot.runner.State()),
			Attempt:   slot.runner.Attempt(),
			PID:       slot.runner.PID(),
			UpdatedAt: time.Now().UTC(),
		}
	}
	l.mu.Unlock()

	if err := l.store.Save(context.Background(), snapshot); err != nil {
		l.logger.Warn().Err(err).Msg("state snapshot save failed")
	}
}

// rpcList answers the launcher's list command with the supervision table.
func (l *Launcher) rpcList(subject string, data []byte) ([]byte, error) {
	type row struct {
		ServiceID string `json:"service_id"`
		State     string `json:"state"`
		Attempt   int    `json:"attempt"`
		PID       int    `json:"pid,omitempty"`
		Enabled   bool   `json:"enabled"`
	}

	var rows []row
	l.mu.Lock()
	for _, entry := range l.entries {
		r := row{ServiceID: entry.ServiceID(), Enabled: entry.Enabled, State: "DECLARED"}
		if slot, ok := l.slots[entry.ServiceID()]; ok && slot.runner != nil {
			r.State = string(slot.runner.State())
			r.Attempt = slot.runner.Attempt()
			r.PID = slot.runner.PID()
		}
		rows = append(rows, r)
	}
	l.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ServiceID < rows[j].ServiceID })
	return json.Marshal(rows)
}

// rpcStart handles "start.<service_id>".
func (l *Launcher) rpcStart(subject string, data []byte) ([]byte, error) {
	id, err := commandTarget(subject, "start.")
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	slot, ok := l.slots[id]
	runCtx := l.runCtx
	active := ok && slot.active
	l.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown service %s", id)
	}
	if active {
		return json.Marshal(map[string]string{"result": "already running"})
	}
	if runCtx == nil || runCtx.Err() != nil {
		return nil, fmt.Errorf("launcher is shutting down")
	}
	l.startSlot(runCtx, slot)
	return json.Marshal(map[string]string{"result": "started"})
}

// rpcStop handles "stop.<service_id>".
func (l *Launcher) rpcStop(subject string, data []byte) ([]byte, error) {
	id, err := commandTarget(subject, "stop.")
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	slot, ok := l.slots[id]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %s", id)
	}
	if slot.cancel == nil {
		return json.Marshal(map[string]string{"result": "not running"})
	}
	slot.cancel()
	return json.Marshal(map[string]string{"result": "stopping"})
}

// commandTarget extracts the service id from a compound RPC command.
func commandTarget(subject, prefix string) (string, error) {
	marker := ".v1."
	idx := strings.Index(subject, marker)
	if idx < 0 {
		return "", fmt.Errorf("malformed command subject %s", subject)
	}
	command := subject[idx+len(marker):]
	if !strings.HasPrefix(command, prefix) {
		return "", fmt.Errorf("malformed command %s", command)
	}
	id := strings.TrimPrefix(command, prefix)
	if id == "" {
		return "", fmt.Errorf("missing service id in %s", command)
	}
	return id, nil
}
