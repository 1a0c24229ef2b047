// Package controller drives the lifecycle of a single service instance in
// the same process as the service: discover the type, resolve configuration,
// attach monitoring, start, watch, stop.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/monitor"
	"github.com/araucaria-project/ocabox-tcs/internal/protocol"
	"github.com/araucaria-project/ocabox-tcs/internal/runtime"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
	"github.com/araucaria-project/ocabox-tcs/internal/status"
)

// State is the controller lifecycle state.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitialized   State = "INITIALIZED"
	StateStarting      State = "STARTING"
	StateRunning       State = "RUNNING"
	StateStopping      State = "STOPPING"
	StateStopped       State = "STOPPED"
	StateFailed        State = "FAILED"
)

// DefaultStopGrace bounds how long a service's stop hook may take before
// the controller gives up on it.
const DefaultStopGrace = 10 * time.Second

// Error kinds mapped at the lifecycle boundary.
var (
	ErrStartup  = errors.New("service startup failed")
	ErrShutdown = errors.New("service shutdown failed")
)

// Options tunes a controller beyond the service entry.
type Options struct {
	RunnerID   string
	LauncherID string
	ParentName string
	StopGrace  time.Duration
	// Monitor options forwarded to the bus monitor (test hooks, periods).
	MonitorOpts []monitor.BusOption
}

// Controller owns one service instance. It registers itself with the
// process context on creation and stays addressable even when
// initialization fails, so observers see the FAILED instance.
type Controller struct {
	logger zerolog.Logger
	pctx   *runtime.Context
	entry  config.ServiceEntry
	opts   Options

	mu       sync.Mutex
	state    State
	mon      *monitor.BusMonitor
	def      service.Definition
	svc      service.Service
	done     chan error
	doneOnce sync.Once
}

// New creates a controller for a declared service entry and registers it
// with the process context.
func New(pctx *runtime.Context, entry config.ServiceEntry, logger zerolog.Logger, opts Options) (*Controller, error) {
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	c := &Controller{
		logger: logger.With().Str("controller", entry.ServiceID()).Logger(),
		pctx:   pctx,
		entry:  entry,
		opts:   opts,
		state:  StateUninitialized,
		done:   make(chan error, 1),
	}
	if err := pctx.RegisterController(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ServiceID implements runtime.Controller.
func (c *Controller) ServiceID() string { return c.entry.ServiceID() }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Monitor returns the controller's bus monitor (nil before Initialize).
func (c *Controller) Monitor() *monitor.BusMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mon
}

// Done delivers the service's exit error once when the service finishes on
// its own: nil for a clean exit, the runtime error otherwise. The
// supervisor applies its restart policy to this signal.
func (c *Controller) Done() <-chan error { return c.done }

// Initialize discovers the service type, resolves configuration, attaches
// monitoring to the bus and emits the start registry event. A failed
// initialization leaves the controller addressable with a FAILED status.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("initialize from %s", c.state)
	}
	c.mu.Unlock()

	identity := monitor.Identity{
		ServiceType: c.entry.Type,
		Variant:     c.entry.Variant,
		LauncherID:  c.opts.LauncherID,
		RunnerID:    c.opts.RunnerID,
		ParentName:  c.opts.ParentName,
		Host:        c.pctx.Host(),
		PID:         os.Getpid(),
	}
	mon := monitor.NewBus(c.pctx.Bus(), identity, c.logger, c.opts.MonitorOpts...)
	mon.SetStatus(status.StatusStartup, "initializing controller")
	mon.Start(ctx)
	mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventStart})

	c.mu.Lock()
	c.mon = mon
	c.mu.Unlock()

	def, err := c.pctx.Registry().Lookup(c.entry.Type)
	if err != nil {
		return c.failInit(ctx, err)
	}

	resolved := c.pctx.Resolver().ResolveInstance(c.entry.Type, c.entry.Variant)
	for k, v := range c.entry.Fields {
		if _, present := resolved[k]; !present {
			resolved[k] = v
		}
	}
	typed, err := def.Schema.Apply(resolved)
	if err != nil {
		return c.failInit(ctx, err)
	}

	svc, err := c.pctx.Registry().Instantiate(def, service.Runtime{
		ServiceType: c.entry.Type,
		Variant:     c.entry.Variant,
		Config:      typed,
		Logger:      c.logger.With().Str("service", c.entry.ServiceID()).Logger(),
		Monitor:     mon,
	})
	if err != nil {
		return c.failInit(ctx, err)
	}

	c.mu.Lock()
	c.def = def
	c.svc = svc
	c.state = StateInitialized
	c.mu.Unlock()

	c.logger.Info().Str("kind", string(def.Kind)).Msg("controller initialized")
	return nil
}

func (c *Controller) failInit(ctx context.Context, err error) error {
	c.mu.Lock()
	c.state = StateFailed
	mon := c.mon
	c.mu.Unlock()

	msg := fmt.Sprintf("initialization failed: %v", err)
	c.logger.Error().Err(err).Msg("initialization failed")
	mon.SetStatus(status.StatusFailed, msg)
	mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventFailed, Message: msg})
	return err
}

// Start invokes the service's start hook. Success publishes ready; any
// error maps to FAILED with a failed registry event.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInitialized {
		c.mu.Unlock()
		return fmt.Errorf("start from %s", c.state)
	}
	c.state = StateStarting
	mon := c.mon
	svc := c.svc
	c.mu.Unlock()

	mon.SetStatus(status.StatusStartup, "starting service")

	if err := svc.Start(ctx); err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrStartup, err)
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		msg := fmt.Sprintf("start failed: %v", err)
		c.logger.Error().Err(err).Msg("service start failed")
		mon.SetStatus(status.StatusFailed, msg)
		mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventFailed, Message: msg})
		return wrapped
	}

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	mon.SetStatus(status.StatusOK, "service running")
	mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventReady})
	c.logger.Info().Msg("service started")

	if completer, ok := svc.(service.Completer); ok {
		go c.watchExit(completer)
	}
	return nil
}

// watchExit handles a service finishing on its own while RUNNING. A clean
// exit transitions to STOPPED with a clean stop event (the single-shot
// path); a runtime error sets ERROR and re-raises to the supervisor via
// Done.
func (c *Controller) watchExit(completer service.Completer) {
	ch := completer.Done()
	if ch == nil {
		return
	}
	err, ok := <-ch
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state != StateRunning {
		// Stop owns the transition; nothing to do.
		c.mu.Unlock()
		return
	}
	mon := c.mon
	kind := c.def.Kind
	if err != nil {
		c.state = StateFailed
	} else {
		c.state = StateStopped
	}
	c.mu.Unlock()

	ctx := context.Background()
	if err != nil {
		// A failed single-shot execution is a failed stop; only a
		// long-running service dying counts as a crash.
		exit := protocol.ExitCrashed
		if kind == service.KindSingleShot {
			exit = protocol.ExitFailed
		}
		msg := fmt.Sprintf("service exited: %v", err)
		c.logger.Error().Err(err).Msg("service exited with error")
		mon.SetStatus(status.StatusError, msg)
		mon.PublishRegistry(ctx, protocol.RegistryEvent{
			Event:   protocol.EventStop,
			Exit:    exit,
			Message: msg,
		})
	} else {
		c.logger.Info().Msg("service completed")
		mon.PublishRegistry(ctx, protocol.RegistryEvent{
			Event: protocol.EventStop,
			Exit:  protocol.ExitClean,
		})
	}
	c.doneOnce.Do(func() {
		c.done <- err
		close(c.done)
	})
}

// Stop shuts the running service down: stopping event, SHUTDOWN status,
// stop hook bounded by the grace window, stop event with exit
// classification. A stop-hook error still publishes the stop event, with
// failed classification.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		if state == StateStopped || state == StateStopping {
			return nil
		}
		return fmt.Errorf("stop from %s", state)
	}
	c.state = StateStopping
	mon := c.mon
	svc := c.svc
	c.mu.Unlock()

	mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventStopping})
	mon.SetStatus(status.StatusShutdown, "stopping service")

	stopCtx, cancel := context.WithTimeout(ctx, c.opts.StopGrace)
	defer cancel()
	err := svc.Stop(stopCtx)

	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()
		msg := fmt.Sprintf("stop failed: %v", err)
		c.logger.Error().Err(err).Msg("service stop failed")
		mon.SetStatus(status.StatusError, msg)
		mon.PublishRegistry(ctx, protocol.RegistryEvent{
			Event:   protocol.EventStop,
			Exit:    protocol.ExitFailed,
			Message: msg,
		})
		return fmt.Errorf("%w: %v", ErrShutdown, err)
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	mon.SetStatus(status.StatusOK, "service stopped")
	mon.PublishRegistry(ctx, protocol.RegistryEvent{Event: protocol.EventStop, Exit: protocol.ExitClean})
	c.logger.Info().Msg("service stopped")
	return nil
}

// Shutdown implements runtime.Controller: stop the service if running, tear
// down monitoring, unregister.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.Stop(ctx)
	if err != nil && !errors.Is(err, ErrShutdown) {
		// Stop rejects non-running states; that is fine here.
		err = nil
	}

	c.mu.Lock()
	mon := c.mon
	c.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
	c.pctx.UnregisterController(c.ServiceID())
	c.doneOnce.Do(func() { close(c.done) })
	return err
}
