// Package runtime holds the per-process context: the single bus connection,
// the configuration resolver and the registry of controllers living in this
// process. The singleton guarantee is a program-structure contract: main
// constructs one Context and passes it to every component.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/araucaria-project/ocabox-tcs/internal/bus"
	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
)

// ConfigRequestSubject is polled once during phase two of the bootstrap; a
// responder (if any is deployed) returns a JSON object stacked as the
// dynamic bus-sourced configuration layer.
const ConfigRequestSubject = "svc.config.v1.get"

const configRequestTimeout = 2 * time.Second

// Controller is the narrow view of a service controller the context tracks.
type Controller interface {
	ServiceID() string
	Shutdown(ctx context.Context) error
}

// Options configures Context initialization.
type Options struct {
	ConfigFile string
	Args       map[string]any
	// ConnectTimeout bounds the initial bus connect. When the bus stays
	// unreachable the context degrades to a no-op bus instead of failing;
	// only configuration errors are fatal at startup.
	ConnectTimeout time.Duration
	// ClientName identifies the bus connection.
	ClientName string
	Registry   *service.Registry
}

// Context is the per-process shared state.
type Context struct {
	logger   zerolog.Logger
	resolver *config.Resolver
	registry *service.Registry

	mu          sync.Mutex
	bus         bus.Bus
	controllers map[string]Controller
	initialized bool
	host        string
}

// New returns an uninitialized context.
func New(logger zerolog.Logger) *Context {
	host, _ := os.Hostname()
	return &Context{
		logger:      logger.With().Str("component", "ctx").Logger(),
		bus:         bus.Noop{},
		controllers: make(map[string]Controller),
		host:        host,
	}
}

// Init performs the two-phase bootstrap: resolve the bus address from file,
// args and environment, connect, then stack the bus-sourced configuration
// layer. Init is idempotent.
func (c *Context) Init(ctx context.Context, opts Options) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	resolver, err := config.Bootstrap(opts.ConfigFile, opts.Args, c.logger)
	if err != nil {
		return err
	}

	host, port := resolver.BusOptions()
	streams := streamConfig(resolver)
	transport, err := bus.Connect(ctx, c.logger, bus.ConnectOptions{
		Host:           host,
		Port:           port,
		Name:           opts.ClientName,
		ConnectTimeout: opts.ConnectTimeout,
		Streams:        streams,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("host", host).Int("port", port).
			Msg("bus unavailable, continuing with local monitoring only")
	}

	c.mu.Lock()
	c.resolver = resolver
	c.registry = opts.Registry
	if c.registry == nil {
		c.registry = service.NewRegistry()
	}
	if transport != nil {
		c.bus = transport
	}
	c.initialized = true
	c.mu.Unlock()

	if transport != nil {
		c.addBusConfigLayer(ctx)
	}
	return nil
}

// InitWithBus wires a pre-built bus and resolver, used by in-process
// launchers and tests. Idempotent like Init.
func (c *Context) InitWithBus(transport bus.Bus, resolver *config.Resolver, registry *service.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}
	if transport != nil {
		c.bus = transport
	}
	c.resolver = resolver
	c.registry = registry
	if c.registry == nil {
		c.registry = service.NewRegistry()
	}
	c.initialized = true
}

func streamConfig(resolver *config.Resolver) bus.StreamSet {
	streams := bus.DefaultStreams()
	raw := resolver.Raw()
	section, ok := raw["bus"].(map[string]any)
	if !ok {
		return streams
	}
	limits, ok := section["streams"].(map[string]any)
	if !ok {
		return streams
	}
	data, err := json.Marshal(limits)
	if err != nil {
		return streams
	}
	_ = json.Unmarshal(data, &streams)
	return streams
}

func (c *Context) addBusConfigLayer(ctx context.Context) {
	reply, err := c.Bus().Request(ctx, ConfigRequestSubject, nil, configRequestTimeout)
	if err != nil {
		c.logger.Debug().Err(err).Msg("no dynamic config responder")
		return
	}
	var layer map[string]any
	if err := json.Unmarshal(reply, &layer); err != nil {
		c.logger.Warn().Err(err).Msg("dynamic config reply not a JSON object")
		return
	}
	c.resolver.AddBusLayer(layer)
	c.logger.Info().Int("keys", len(layer)).Msg("bus config layer added")
}

// Bus returns the shared bus handle (a no-op bus when disconnected).
func (c *Context) Bus() bus.Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

// Resolver returns the configuration resolver.
func (c *Context) Resolver() *config.Resolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver
}

// Registry returns the service-type registry.
func (c *Context) Registry() *service.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// Host returns the hostname published in monitor identities.
func (c *Context) Host() string { return c.host }

// RegisterController tracks a controller for shutdown. Registering the same
// service id twice is an error.
func (c *Context) RegisterController(ctrl Controller) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ctrl.ServiceID()
	if _, exists := c.controllers[id]; exists {
		return fmt.Errorf("controller %s already registered", id)
	}
	c.controllers[id] = ctrl
	c.logger.Debug().Str("service", id).Msg("controller registered")
	return nil
}

// UnregisterController removes a controller from the registry.
func (c *Context) UnregisterController(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.controllers, id)
}

// GetController returns the registered controller for a service id, or nil.
func (c *Context) GetController(id string) Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controllers[id]
}

// ControllerIDs lists registered service ids, sorted.
func (c *Context) ControllerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.controllers))
	for id := range c.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every registered controller and closes the bus. Publishes
// in flight are flushed by the bus drain.
func (c *Context) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	controllers := make([]Controller, 0, len(c.controllers))
	for _, ctrl := range c.controllers {
		controllers = append(controllers, ctrl)
	}
	transport := c.bus
	c.mu.Unlock()

	for _, ctrl := range controllers {
		if err := ctrl.Shutdown(ctx); err != nil {
			c.logger.Error().Err(err).Str("service", ctrl.ServiceID()).Msg("controller shutdown failed")
		}
	}

	if err := transport.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("bus close failed")
		return err
	}
	c.logger.Info().Msg("process context shut down")
	return nil
}
