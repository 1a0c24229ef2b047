package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// Default periods for the periodic loops.
const (
	DefaultHeartbeatPeriod   = 30 * time.Second
	DefaultHealthcheckPeriod = 30 * time.Second
)

// Ticker is the minimal interface needed for driving the periodic loops.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

// Identity is the descriptor context a bus monitor publishes with every
// event.
type Identity struct {
	ServiceType string
	Variant     string
	LauncherID  string
	RunnerID    string
	ParentName  string
	Host        string
	PID         int
}

// ServiceID returns "{service_type}.{variant}".
func (i Identity) ServiceID() string {
	return i.ServiceType + "." + i.Variant
}

// BusMonitor is a Monitor bound to a Bus. It publishes registry events,
// status changes and periodic heartbeats, and serves the versioned RPC
// commands. All publishing is best-effort: a publish error is logged and the
// caller continues. With a nil bus every publish succeeds silently.
type BusMonitor struct {
	*Monitor

	logger zerolog.Logger
	id     Identity

	heartbeatPeriod   time.Duration
	healthcheckPeriod time.Duration
	tickerFactory     func(time.Duration) Ticker

	mu        sync.Mutex
	bus       bus.Bus
	seq       uint64
	startTime time.Time
	commands  map[string]bus.RequestHandler
	rpcSub    bus.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// BusOption customizes BusMonitor behavior.
type BusOption func(*BusMonitor)

// WithHeartbeatPeriod overrides the heartbeat interval.
func WithHeartbeatPeriod(d time.Duration) BusOption {
	return func(b *BusMonitor) {
		if d > 0 {
			b.heartbeatPeriod = d
		}
	}
}

// WithHealthcheckPeriod overrides the healthcheck interval.
func WithHealthcheckPeriod(d time.Duration) BusOption {
	return func(b *BusMonitor) {
		if d > 0 {
			b.healthcheckPeriod = d
		}
	}
}

// WithTickerFactory overrides how the loop tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) BusOption {
	return func(b *BusMonitor) {
		b.tickerFactory = factory
	}
}

// NewBus constructs a bus-attached monitor named after the service id. A nil
// transport degrades to local monitoring only.
func NewBus(transport bus.Bus, id Identity, logger zerolog.Logger, opts ...BusOption) *BusMonitor {
	if transport == nil {
		transport = bus.Noop{}
	}
	b := &BusMonitor{
		Monitor:           New(id.ServiceID(), logger),
		logger:            logger.With().Str("monitor", id.ServiceID()).Logger(),
		id:                id,
		bus:               transport,
		heartbeatPeriod:   DefaultHeartbeatPeriod,
		healthcheckPeriod: DefaultHealthcheckPeriod,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		commands: make(map[string]bus.RequestHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	if id.ParentName != "" {
		b.SetParentName(id.ParentName)
	}
	b.OnChange(b.publishStatus)
	return b
}

// Identity returns the descriptor context of the monitor.
func (b *BusMonitor) Identity() Identity { return b.id }

// HeartbeatPeriod returns the configured heartbeat interval.
func (b *BusMonitor) HeartbeatPeriod() time.Duration { return b.heartbeatPeriod }

// Start begins the heartbeat and healthcheck loops and registers the RPC
// endpoint. Start is idempotent.
func (b *BusMonitor) Start(ctx context.Context) {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.startTime = time.Now().UTC()
	b.seq = 0
	b.mu.Unlock()

	sub, err := b.bus.Serve(bus.RPCWildcard(b.id.ServiceID()), b.dispatchRPC)
	if err != nil {
		b.logger.Warn().Err(err).Msg("rpc endpoint unavailable")
	} else {
		b.mu.Lock()
		b.rpcSub = sub
		b.mu.Unlock()
	}

	b.wg.Add(2)
	go b.heartbeatLoop(loopCtx)
	go b.healthcheckLoop(loopCtx)

	b.logger.Info().
		Dur("heartbeat", b.heartbeatPeriod).
		Dur("healthcheck", b.healthcheckPeriod).
		Msg("monitoring started")
}

// Stop terminates the loops and the RPC endpoint.
func (b *BusMonitor) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	sub := b.rpcSub
	b.cancel = nil
	b.rpcSub = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	b.logger.Info().Msg("monitoring stopped")
}

// Uptime returns the time since Start.
func (b *BusMonitor) Uptime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startTime.IsZero() {
		return 0
	}
	return time.Since(b.startTime)
}

func (b *BusMonitor) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	b.PublishHeartbeat(ctx)
	ticker := b.tickerFactory(b.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.PublishHeartbeat(ctx)
		}
	}
}

func (b *BusMonitor) healthcheckLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := b.tickerFactory(b.healthcheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			b.Healthcheck()
		}
	}
}

// PublishRegistry publishes a lifecycle event on the registry subject,
// filling in identity, host, pid and timestamp.
func (b *BusMonitor) PublishRegistry(ctx context.Context, ev protocol.RegistryEvent) {
	ev.ServiceID = b.id.ServiceID()
	ev.ServiceType = b.id.ServiceType
	ev.Variant = b.id.Variant
	ev.Host = b.id.Host
	ev.PID = b.id.PID
	ev.LauncherID = b.id.LauncherID
	ev.RunnerID = b.id.RunnerID
	ev.ParentName = b.id.ParentName
	if ev.Timestamp.IsZero() {
		ev.Timestamp = status.Now()
	}
	if ev.Event == protocol.EventStop && ev.UptimeSec == 0 {
		ev.UptimeSec = b.Uptime().Seconds()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error().Err(err).Str("event", ev.Event).Msg("registry event encode failed")
		return
	}
	subject := bus.RegistrySubject(ev.Event, ev.ServiceID)
	if err := b.bus.Publish(ctx, subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("registry publish failed")
	}
}

func (b *BusMonitor) publishStatus() {
	report := b.Snapshot()
	msg := protocol.StatusMessage{
		ServiceID: b.id.ServiceID(),
		Name:      report.Name,
		Status:    report.Status,
		OwnStatus: report.OwnStatus,
		Message:   report.Message,
		Timestamp: report.Timestamp,
		Children:  report.Children,
		Metrics:   report.Metrics,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Msg("status encode failed")
		return
	}
	subject := bus.StatusSubject(b.id.ServiceID())
	if err := b.bus.Publish(context.Background(), subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("status publish failed")
	}
}

// PublishHeartbeat emits one heartbeat with the next monotonic sequence
// number.
func (b *BusMonitor) PublishHeartbeat(ctx context.Context) {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	var uptime time.Duration
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	period := b.heartbeatPeriod
	b.mu.Unlock()

	now := time.Now().UTC()
	hb := protocol.Heartbeat{
		ServiceID:             b.id.ServiceID(),
		Sequence:              seq,
		Timestamp:             status.At(now),
		UptimeSec:             uptime.Seconds(),
		Status:                b.EffectiveStatus(),
		NextHeartbeatExpected: status.At(now.Add(period)),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		b.logger.Error().Err(err).Msg("heartbeat encode failed")
		return
	}
	subject := bus.HeartbeatSubject(b.id.ServiceID())
	if err := b.bus.Publish(ctx, subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("heartbeat publish failed")
	}
}

// HeartbeatSequence returns the last published sequence number.
func (b *BusMonitor) HeartbeatSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// RegisterCommand adds an RPC command beyond the mandatory health and stats.
// The name is the subject segment after "v1." and may itself contain dots.
func (b *BusMonitor) RegisterCommand(name string, h bus.RequestHandler) {
	b.mu.Lock()
	b.commands[name] = h
	b.mu.Unlock()
}

func (b *BusMonitor) dispatchRPC(subject string, data []byte) ([]byte, error) {
	marker := ".v1."
	idx := strings.Index(subject, marker)
	if idx < 0 {
		return nil, bus.ErrNotConnected
	}
	command := subject[idx+len(marker):]

	switch command {
	case "health":
		return json.Marshal(b.healthReply())
	case "stats":
		return json.Marshal(b.statsReply())
	}

	b.mu.Lock()
	handler := b.commands[command]
	if handler == nil {
		for name, h := range b.commands {
			if strings.HasPrefix(command, name+".") {
				handler = h
				break
			}
		}
	}
	b.mu.Unlock()

	if handler == nil {
		return nil, &UnknownCommandError{Command: command}
	}
	return handler(subject, data)
}

func (b *BusMonitor) healthReply() protocol.HealthReply {
	report := b.Snapshot()
	checks := []protocol.HealthCheck{{
		Name:    "own",
		Status:  report.OwnStatus,
		Message: report.Message,
	}}
	for _, child := range report.Children {
		checks = append(checks, protocol.HealthCheck{
			Name:    child.Name,
			Status:  child.Status,
			Message: child.Message,
		})
	}
	return protocol.HealthReply{
		ServiceID: b.id.ServiceID(),
		Status:    report.Status,
		Checks:    checks,
	}
}

func (b *BusMonitor) statsReply() protocol.StatsReply {
	report := b.Snapshot()
	return protocol.StatsReply{
		ServiceID:         b.id.ServiceID(),
		UptimeSec:         b.Uptime().Seconds(),
		HeartbeatSequence: b.HeartbeatSequence(),
		Metrics:           report.Metrics,
	}
}

// UnknownCommandError is returned for RPC commands with no handler.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return "unknown command: " + e.Command
}
