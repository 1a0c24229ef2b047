// Package discovery implements the read side of the supervision protocol:
// a projection of the registry, status and heartbeat streams into a current
// service table, without any central registry.
package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// ServiceState is the projected lifecycle state of a service instance.
type ServiceState string

const (
	StateDeclared   ServiceState = "DECLARED"
	StateRunning    ServiceState = "RUNNING"
	StateStopping   ServiceState = "STOPPING"
	StateStopped    ServiceState = "STOPPED"
	StateFailed     ServiceState = "FAILED"
	StateCrashed    ServiceState = "CRASHED"
	StateRestarting ServiceState = "RESTARTING"
)

// Heartbeat freshness classes for display.
const (
	HeartbeatAlive = "alive"
	HeartbeatStale = "stale"
	HeartbeatDead  = "dead"
	HeartbeatNone  = "none"
)

// ServiceView is one row of the projected service table.
type ServiceView struct {
	ServiceID string
	State     ServiceState

	Status   status.Status
	Message  string
	Children []status.ChildSummary

	StartTime time.Time
	StopTime  time.Time

	LastHeartbeat         time.Time
	HeartbeatSequence     uint64
	NextHeartbeatExpected time.Time
	// HeartbeatDead marks a RUNNING service whose heartbeat lapsed past
	// next_heartbeat_expected plus the zombie grace. Display-only; the
	// projected state stays RUNNING.
	HeartbeatDead bool

	Host       string
	PID        int
	LauncherID string
	RunnerID   string
	Attempt    int
	Reason     string
}

// Uptime returns the running time of the instance at now.
func (v ServiceView) Uptime(now time.Time) time.Duration {
	if v.StartTime.IsZero() || !v.StopTime.IsZero() {
		return 0
	}
	return now.Sub(v.StartTime)
}

// HeartbeatClass classifies heartbeat freshness for display.
func (v ServiceView) HeartbeatClass(now time.Time) string {
	if v.LastHeartbeat.IsZero() {
		if v.State == StateRunning {
			return HeartbeatDead
		}
		return HeartbeatNone
	}
	age := now.Sub(v.LastHeartbeat)
	switch {
	case age < 90*time.Second:
		return HeartbeatAlive
	case age < 3*time.Minute:
		return HeartbeatStale
	default:
		return HeartbeatDead
	}
}

// Default replay horizons for the warm start: all registry history, one day
// of status, ten minutes of heartbeats. Status and heartbeat horizons are
// shorter than the streams' retention.
const (
	statusReplayWindow    = 24 * time.Hour
	heartbeatReplayWindow = 10 * time.Minute
)

// Client maintains the projected service table.
type Client struct {
	logger zerolog.Logger
	bus    bus.Bus

	now           func() time.Time
	checkInterval time.Duration
	zombieGrace   time.Duration

	mu       sync.Mutex
	views    map[string]*ServiceView
	subs     []bus.Subscription
	onUpdate func(ServiceView)
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option customizes the client.
type Option func(*Client)

// WithClock overrides the wall clock (for zombie detection tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithCheckInterval overrides how often the zombie detector runs.
func WithCheckInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.checkInterval = d
		}
	}
}

// WithZombieGrace overrides the slack past next_heartbeat_expected before a
// running service counts as a zombie.
func WithZombieGrace(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.zombieGrace = d
		}
	}
}

// NewClient constructs a discovery client over a bus.
func NewClient(transport bus.Bus, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		logger:        logger.With().Str("component", "discovery").Logger(),
		bus:           transport,
		now:           time.Now,
		checkInterval: time.Second,
		zombieGrace:   time.Second,
		views:         make(map[string]*ServiceView),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start replays the persistent history for a warm start, then subscribes to
// the live streams and runs the zombie detector.
func (c *Client) Start(ctx context.Context) error {
	// Registry first, so status and heartbeat replay find their entries.
	if _, err := c.bus.Replay(ctx, bus.StreamRegistry, bus.RegistryWildcard, time.Time{}, c.handleRegistry); err != nil {
		c.logger.Warn().Err(err).Msg("registry replay failed")
	}
	now := c.now()
	if _, err := c.bus.Replay(ctx, bus.StreamStatus, bus.StatusWildcard, now.Add(-statusReplayWindow), c.handleStatus); err != nil {
		c.logger.Warn().Err(err).Msg("status replay failed")
	}
	if _, err := c.bus.Replay(ctx, bus.StreamHeartbeat, bus.HeartbeatWildcard, now.Add(-heartbeatReplayWindow), c.handleHeartbeat); err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat replay failed")
	}

	for _, sub := range []struct {
		subject string
		handler bus.Handler
	}{
		{bus.RegistryWildcard, c.handleRegistry},
		{bus.StatusWildcard, c.handleStatus},
		{bus.HeartbeatWildcard, c.handleHeartbeat},
	} {
		s, err := c.bus.Subscribe(sub.subject, sub.handler)
		if err != nil {
			c.Stop()
			return err
		}
		c.mu.Lock()
		c.subs = append(c.subs, s)
		c.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go c.zombieLoop(loopCtx)

	c.logger.Info().Int("services", len(c.Snapshot())).Msg("discovery client started")
	return nil
}

// Stop tears down subscriptions and the zombie detector.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	subs := c.subs
	c.cancel = nil
	c.subs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Follow registers a callback fired with a copy of the view after every
// update.
func (c *Client) Follow(onUpdate func(ServiceView)) {
	c.mu.Lock()
	c.onUpdate = onUpdate
	c.mu.Unlock()
}

// Snapshot returns the current table, sorted by service id.
func (c *Client) Snapshot() []ServiceView {
	c.mu.Lock()
	views := make([]ServiceView, 0, len(c.views))
	for _, view := range c.views {
		views = append(views, *view)
	}
	c.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ServiceID < views[j].ServiceID })
	return views
}

// Get returns the view for one service id.
func (c *Client) Get(serviceID string) (ServiceView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view, ok := c.views[serviceID]
	if !ok {
		return ServiceView{}, false
	}
	return *view, true
}

func (c *Client) ensure(serviceID string) *ServiceView {
	view, ok := c.views[serviceID]
	if !ok {
		view = &ServiceView{
			ServiceID: serviceID,
			State:     StateDeclared,
			Status:    status.StatusUnknown,
		}
		c.views[serviceID] = view
	}
	return view
}

func (c *Client) notify(view ServiceView) {
	c.mu.Lock()
	onUpdate := c.onUpdate
	c.mu.Unlock()
	if onUpdate != nil {
		onUpdate(view)
	}
}

func (c *Client) handleRegistry(subject string, data []byte) {
	var ev protocol.RegistryEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ServiceID == "" {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("bad registry event")
		return
	}

	c.mu.Lock()
	view := c.ensure(ev.ServiceID)
	if ev.Host != "" {
		view.Host = ev.Host
	}
	if ev.PID != 0 {
		view.PID = ev.PID
	}
	if ev.LauncherID != "" {
		view.LauncherID = ev.LauncherID
	}
	if ev.RunnerID != "" {
		view.RunnerID = ev.RunnerID
	}

	switch ev.Event {
	case protocol.EventDeclared:
		// Introduces the entry; state DECLARED only when nothing newer
		// is known.
		if view.StartTime.IsZero() {
			view.State = StateDeclared
		}
	case protocol.EventStart:
		view.State = StateRunning
		view.StartTime = ev.Timestamp.Time()
		view.StopTime = time.Time{}
		view.HeartbeatSequence = 0
		view.HeartbeatDead = false
		view.NextHeartbeatExpected = time.Time{}
	case protocol.EventReady:
		view.State = StateRunning
	case protocol.EventStopping:
		view.State = StateStopping
	case protocol.EventStop:
		view.StopTime = ev.Timestamp.Time()
		if ev.Exit == protocol.ExitClean {
			view.State = StateStopped
		} else {
			view.State = StateFailed
		}
	case protocol.EventCrashed:
		view.State = StateCrashed
	case protocol.EventRestarting:
		view.State = StateRestarting
		view.Attempt = ev.Attempt
	case protocol.EventFailed:
		view.State = StateFailed
		view.Reason = ev.Reason
		if view.Reason == "" {
			view.Reason = ev.Message
		}
	}
	snapshot := *view
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *Client) handleStatus(subject string, data []byte) {
	var msg protocol.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ServiceID == "" {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("bad status message")
		return
	}

	c.mu.Lock()
	view := c.ensure(msg.ServiceID)
	view.Status = msg.Status
	view.Message = msg.Message
	view.Children = msg.Children
	snapshot := *view
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *Client) handleHeartbeat(subject string, data []byte) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil || hb.ServiceID == "" {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("bad heartbeat")
		return
	}

	c.mu.Lock()
	view := c.ensure(hb.ServiceID)
	at := hb.Timestamp.Time()
	if at.Before(view.LastHeartbeat) {
		c.mu.Unlock()
		return
	}
	view.LastHeartbeat = at
	view.HeartbeatSequence = hb.Sequence
	view.NextHeartbeatExpected = hb.NextHeartbeatExpected.Time()
	view.HeartbeatDead = false
	snapshot := *view
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *Client) zombieLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckZombies()
		}
	}
}

// CheckZombies marks RUNNING services whose heartbeat lapsed past
// next_heartbeat_expected plus the zombie grace (default 1 s, see
// WithZombieGrace). Exported so snapshots taken
// without the background loop stay accurate.
func (c *Client) CheckZombies() {
	now := c.now()

	var updates []ServiceView
	c.mu.Lock()
	for _, view := range c.views {
		if view.State != StateRunning || view.HeartbeatDead {
			continue
		}
		if view.NextHeartbeatExpected.IsZero() {
			continue
		}
		if now.After(view.NextHeartbeatExpected.Add(c.zombieGrace)) {
			view.HeartbeatDead = true
			updates = append(updates, *view)
		}
	}
	c.mu.Unlock()

	for _, view := range updates {
		c.notify(view)
	}
}
