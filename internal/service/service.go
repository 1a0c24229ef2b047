// Package service defines the execution shapes a service can take and the
// explicit registry mapping service types to constructors.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/monitor"
)

// ErrDiscovery marks a service type with no registered constructor.
var ErrDiscovery = errors.New("service type not registered")

// Runtime is what a service instance receives from its controller: typed
// configuration, a scoped logger and the monitor it reports through.
type Runtime struct {
	ServiceType string
	Variant     string
	Config      map[string]any
	Logger      zerolog.Logger
	Monitor     *monitor.BusMonitor
}

// ServiceID returns "{service_type}.{variant}".
func (rt Runtime) ServiceID() string {
	return rt.ServiceType + "." + rt.Variant
}

// Service is the capability set the controller drives. Permanent services
// implement it directly and own their concurrency.
type Service interface {
	// Start brings the service up. It must return promptly; long-running
	// work belongs in tasks the service spawns itself.
	Start(ctx context.Context) error

	// Stop shuts the service down within the caller's deadline.
	Stop(ctx context.Context) error
}

// Completer is implemented by services whose main work can finish on its
// own. The controller watches Done to detect service exit: a nil error is a
// clean exit, anything else a runtime failure handed to the supervisor.
type Completer interface {
	Done() <-chan error
}

// Blocking is the shape of a service with a blocking main loop. The
// framework owns the driver task: OnStart, then Run until completion or
// cancellation, then OnStop. Blocking services must not implement Start or
// Stop themselves; the registry rejects types that do.
type Blocking interface {
	// Run is the main loop. It must honor ctx cancellation and unwind
	// cleanly when cancelled.
	Run(ctx context.Context) error
}

// OnStarter is the optional pre-loop hook of a blocking service.
type OnStarter interface {
	OnStart(ctx context.Context) error
}

// OnStopper is the optional post-loop hook of a blocking service.
type OnStopper interface {
	OnStop(ctx context.Context) error
}

// SingleShot is the shape of a run-once service. The framework drives
// Execute exactly once and always transitions to a terminal state: a stop
// event with clean classification on return, failed on error.
type SingleShot interface {
	Execute(ctx context.Context) error
}
