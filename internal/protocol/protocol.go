// Package protocol defines the wire payloads of the service supervision
// protocol: registry lifecycle events, status reports, heartbeats and RPC
// replies. All timestamps are UTC 7-tuples.
package protocol

import (
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// Registry event types, in lifecycle order. The supervisor additionally
// emits crashed, restarting and failed while handling restart decisions.
const (
	EventDeclared   = "declared"
	EventStart      = "start"
	EventReady      = "ready"
	EventStopping   = "stopping"
	EventStop       = "stop"
	EventCrashed    = "crashed"
	EventRestarting = "restarting"
	EventFailed     = "failed"
)

// Exit classifications carried by stop events.
const (
	ExitClean   = "clean"
	ExitFailed  = "failed"
	ExitCrashed = "crashed"
)

// ReasonRestartLimit marks a failed event emitted when the restart budget
// is exhausted.
const ReasonRestartLimit = "restart_limit"

// RegistryEvent is published on svc.registry.<event>.<service_id>.
type RegistryEvent struct {
	Event       string           `json:"event"`
	ServiceID   string           `json:"service_id"`
	ServiceType string           `json:"service_type,omitempty"`
	Variant     string           `json:"variant,omitempty"`
	Timestamp   status.Timestamp `json:"timestamp"`
	Host        string           `json:"host,omitempty"`
	PID         int              `json:"pid,omitempty"`
	LauncherID  string           `json:"launcher_id,omitempty"`
	RunnerID    string           `json:"runner_id,omitempty"`
	ParentName  string           `json:"parent_name,omitempty"`
	Message     string           `json:"message,omitempty"`

	// Stop events only.
	UptimeSec float64 `json:"uptime_sec,omitempty"`
	Exit      string  `json:"exit,omitempty"`

	// Supervisor events only.
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// StatusMessage is published on svc.status.<service_id> whenever the own or
// aggregated status of a monitor changes.
type StatusMessage struct {
	ServiceID string                `json:"service_id"`
	Name      string                `json:"name"`
	Status    status.Status         `json:"status"`
	OwnStatus status.Status         `json:"own_status"`
	Message   string                `json:"message,omitempty"`
	Timestamp status.Timestamp      `json:"timestamp"`
	Children  []status.ChildSummary `json:"children,omitempty"`
	Metrics   map[string]any        `json:"metrics,omitempty"`
}

// Heartbeat is published on svc.heartbeat.<service_id>.
type Heartbeat struct {
	ServiceID             string           `json:"service_id"`
	Sequence              uint64           `json:"sequence"`
	Timestamp             status.Timestamp `json:"timestamp"`
	UptimeSec             float64          `json:"uptime_sec"`
	Status                status.Status    `json:"status"`
	NextHeartbeatExpected status.Timestamp `json:"next_heartbeat_expected"`
	Metrics               map[string]any   `json:"metrics,omitempty"`
}

// HealthCheck is one entry of a health RPC reply.
type HealthCheck struct {
	Name    string        `json:"name"`
	Status  status.Status `json:"status"`
	Message string        `json:"message,omitempty"`
}

// HealthReply answers the health RPC command.
type HealthReply struct {
	ServiceID string        `json:"service_id"`
	Status    status.Status `json:"status"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// StatsReply answers the stats RPC command with extended metrics.
type StatsReply struct {
	ServiceID         string         `json:"service_id"`
	UptimeSec         float64        `json:"uptime_sec"`
	HeartbeatSequence uint64         `json:"heartbeat_sequence"`
	Metrics           map[string]any `json:"metrics,omitempty"`
}
