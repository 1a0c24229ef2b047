// Package monitor implements the hierarchical monitored object: a tree of
// named nodes, each with its own status component, whose effective status is
// the worst-wins aggregate of the node and all descendants.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// idleDelay is how long a monitor stays BUSY after its last tracked task
// finishes before dropping to IDLE. Variable so tests can shorten it.
var idleDelay = time.Second

// HealthcheckFunc is invoked periodically by the healthcheck loop. Returning
// the zero Status ("") means "no opinion" and never downgrades the monitor.
type HealthcheckFunc func() status.Status

// MetricFunc collects metrics at publish time.
type MetricFunc func() map[string]any

// Monitor is one node of the monitored hierarchy. All methods are safe for
// concurrent use. Children are owned exclusively by their parent; external
// code must go through the Monitor's methods rather than reach into the tree.
type Monitor struct {
	name       string
	parentName string
	logger     zerolog.Logger

	mu           sync.Mutex
	own          status.Status
	message      string
	children     map[string]*Monitor
	healthchecks []HealthcheckFunc
	metricCBs    []MetricFunc
	listeners    []func()

	activeTasks  int
	taskTracking bool
	idleTimer    *time.Timer
}

// New creates a detached monitor with status unknown.
func New(name string, logger zerolog.Logger) *Monitor {
	return &Monitor{
		name:     name,
		logger:   logger.With().Str("monitor", name).Logger(),
		own:      status.StatusUnknown,
		children: make(map[string]*Monitor),
	}
}

// Name returns the monitor's dot-namespaced name.
func (m *Monitor) Name() string { return m.name }

// ParentName returns the display-only parent hint.
func (m *Monitor) ParentName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parentName
}

// SetParentName sets the display-only parent hint. It has no effect on
// aggregation.
func (m *Monitor) SetParentName(name string) {
	m.mu.Lock()
	m.parentName = name
	m.mu.Unlock()
}

// SetStatus replaces the monitor's own status component. Children are not
// touched.
func (m *Monitor) SetStatus(s status.Status, message string) {
	m.mu.Lock()
	changed := m.own != s || m.message != message
	m.own = s
	m.message = message
	m.mu.Unlock()

	m.logger.Debug().Str("status", string(s)).Str("message", message).Msg("status set")
	if changed {
		m.notifyChange()
	}
}

// CancelErrorStatus reverts an error-like own status (error, degraded,
// failed) to OK, or to IDLE/BUSY when task tracking is active. It is a no-op
// for any other status. Used for manual recovery without a restart.
func (m *Monitor) CancelErrorStatus() {
	m.mu.Lock()
	if !m.own.IsErrorLike() {
		m.mu.Unlock()
		return
	}
	next := status.StatusOK
	if m.taskTracking {
		if m.activeTasks > 0 {
			next = status.StatusBusy
		} else {
			next = status.StatusIdle
		}
	}
	m.own = next
	m.message = "Error resolved"
	m.mu.Unlock()

	m.logger.Info().Str("status", string(next)).Msg("error status cancelled")
	m.notifyChange()
}

// OwnStatus returns the monitor's own status component and message.
func (m *Monitor) OwnStatus() (status.Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.own, m.message
}

// AddChild attaches a child monitor. Child names must be unique within the
// parent; attaching a duplicate name is an error. Changes in the child's
// status propagate change notifications up through the parent.
func (m *Monitor) AddChild(child *Monitor) error {
	if child == m {
		return fmt.Errorf("monitor %s cannot be its own child", m.name)
	}
	m.mu.Lock()
	if _, exists := m.children[child.name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("child %s already attached to %s", child.name, m.name)
	}
	m.children[child.name] = child
	m.mu.Unlock()

	child.addListener(m.notifyChange)
	m.logger.Debug().Str("child", child.name).Msg("child attached")
	m.notifyChange()
	return nil
}

// RemoveChild detaches a child by name. Unknown names are ignored.
func (m *Monitor) RemoveChild(name string) {
	m.mu.Lock()
	child, ok := m.children[name]
	if ok {
		delete(m.children, name)
	}
	m.mu.Unlock()

	if ok {
		child.removeListener()
		m.logger.Debug().Str("child", name).Msg("child detached")
		m.notifyChange()
	}
}

// Child returns the named child monitor, or nil.
func (m *Monitor) Child(name string) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.children[name]
}

// AddHealthcheckCB registers a periodic healthcheck callback.
func (m *Monitor) AddHealthcheckCB(cb HealthcheckFunc) {
	m.mu.Lock()
	m.healthchecks = append(m.healthchecks, cb)
	m.mu.Unlock()
}

// AddMetricCB registers a metric callback invoked at publish time.
func (m *Monitor) AddMetricCB(cb MetricFunc) {
	m.mu.Lock()
	m.metricCBs = append(m.metricCBs, cb)
	m.mu.Unlock()
}

// OnChange registers a listener fired after every own or aggregated status
// change. Used by the bus-attached monitor to publish status updates.
func (m *Monitor) OnChange(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) addListener(fn func()) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// removeListener drops the most recently added parent listener. A child has
// at most one parent, attached via AddChild.
func (m *Monitor) removeListener() {
	m.mu.Lock()
	if n := len(m.listeners); n > 0 {
		m.listeners = m.listeners[:n-1]
	}
	m.mu.Unlock()
}

func (m *Monitor) notifyChange() {
	m.mu.Lock()
	listeners := append([]func(){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// EffectiveStatus returns the worst-wins aggregate of the monitor's own
// status and the effective status of every child.
func (m *Monitor) EffectiveStatus() status.Status {
	m.mu.Lock()
	statuses := []status.Status{m.own}
	children := make([]*Monitor, 0, len(m.children))
	for _, child := range m.children {
		children = append(children, child)
	}
	m.mu.Unlock()

	for _, child := range children {
		statuses = append(statuses, child.EffectiveStatus())
	}
	return status.Aggregate(statuses)
}

// Snapshot returns the current effective report: aggregated status, own
// status, one summary line per child (sorted by name) and merged metrics
// from all metric callbacks.
func (m *Monitor) Snapshot() status.Report {
	m.mu.Lock()
	own := m.own
	message := m.message
	children := make([]*Monitor, 0, len(m.children))
	for _, child := range m.children {
		children = append(children, child)
	}
	metricCBs := append([]MetricFunc{}, m.metricCBs...)
	m.mu.Unlock()

	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	statuses := []status.Status{own}
	var summaries []status.ChildSummary
	for _, child := range children {
		eff := child.EffectiveStatus()
		_, msg := child.OwnStatus()
		statuses = append(statuses, eff)
		summaries = append(summaries, status.ChildSummary{
			Name:    child.name,
			Status:  eff,
			Message: msg,
		})
	}

	var metrics map[string]any
	for _, cb := range metricCBs {
		collected := m.collectMetrics(cb)
		if len(collected) == 0 {
			continue
		}
		if metrics == nil {
			metrics = make(map[string]any)
		}
		for k, v := range collected {
			metrics[k] = v
		}
	}

	return status.Report{
		Name:      m.name,
		Status:    status.Aggregate(statuses),
		OwnStatus: own,
		Message:   message,
		Timestamp: status.Now(),
		Children:  summaries,
		Metrics:   metrics,
	}
}

func (m *Monitor) collectMetrics(cb MetricFunc) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().Interface("panic", r).Msg("metric callback panicked")
			out = nil
		}
	}()
	return cb()
}

// Healthcheck runs every registered callback once and folds non-empty
// results into the own status worst-wins. A callback that panics counts as
// an error opinion. Returns the resulting own status.
func (m *Monitor) Healthcheck() status.Status {
	m.mu.Lock()
	callbacks := append([]HealthcheckFunc{}, m.healthchecks...)
	own := m.own
	m.mu.Unlock()

	next := own
	for _, cb := range callbacks {
		opinion := m.runHealthcheck(cb)
		if opinion == "" {
			continue
		}
		if opinion.Worse(next) {
			next = opinion
		}
	}

	if next != own {
		m.SetStatus(next, "Updated from healthcheck")
	}
	return next
}

func (m *Monitor) runHealthcheck(cb HealthcheckFunc) (result status.Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().Interface("panic", r).Msg("healthcheck callback panicked")
			result = status.StatusError
		}
	}()
	return cb()
}

// TrackTask marks the start of a tracked task: the monitor switches to BUSY
// immediately (unless its own status is error-like) and task tracking
// becomes active. The returned release
// function must be called exactly once (typically deferred); after the last
// active task releases, the monitor drops to IDLE once idleDelay passes
// without a new task. Calls nest; nested entries never expose IDLE.
func (m *Monitor) TrackTask() (release func()) {
	m.mu.Lock()
	m.activeTasks++
	m.taskTracking = true
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	active := m.activeTasks
	busy := m.own == status.StatusBusy
	errorLike := m.own.IsErrorLike()
	m.mu.Unlock()

	if !busy && !errorLike {
		m.SetStatus(status.StatusBusy, fmt.Sprintf("processing tasks (%d active)", active))
	}

	var once sync.Once
	return func() {
		once.Do(m.taskFinished)
	}
}

func (m *Monitor) taskFinished() {
	m.mu.Lock()
	m.activeTasks--
	if m.activeTasks < 0 {
		m.logger.Warn().Msg("task counter went negative, resetting")
		m.activeTasks = 0
	}
	remaining := m.activeTasks
	if remaining == 0 {
		if m.idleTimer != nil {
			m.idleTimer.Stop()
		}
		m.idleTimer = time.AfterFunc(idleDelay, m.idleTransition)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.SetStatus(status.StatusBusy, fmt.Sprintf("processing tasks (%d active)", remaining))
}

func (m *Monitor) idleTransition() {
	m.mu.Lock()
	transition := m.activeTasks == 0 && m.own == status.StatusBusy
	m.mu.Unlock()

	if transition {
		m.SetStatus(status.StatusIdle, "no active tasks")
	}
}
