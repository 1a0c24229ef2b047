package state

import (
	"context"
	"time"
)

// ServiceRecord is the persisted supervision state of one service.
type ServiceRecord struct {
	ServiceID string    `json:"service_id"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	PID       int       `json:"pid,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot captures the launcher's supervision table. It is written on
// every runner transition so operators can inspect the last known state
// even when the bus is down.
type Snapshot struct {
	LauncherID string                   `json:"launcher_id"`
	Services   map[string]ServiceRecord `json:"services"`
	SavedAt    time.Time                `json:"saved_at"`
}

// Store defines the interface for persisting supervision snapshots.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}
