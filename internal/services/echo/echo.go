// Package echo is the built-in demonstration service: a blocking loop that
// logs a message on a fixed interval. It exists so subprocess-mode setups
// have a service the bundled entry can host out of the box.
package echo

import (
	"context"
	"time"

	"github.com/araucaria-project/ocabox-tcs/internal/config"
	"github.com/araucaria-project/ocabox-tcs/internal/service"
)

// Definition returns the registry entry for the echo service type.
func Definition() service.Definition {
	return service.Definition{
		Type: "echo",
		Kind: service.KindBlocking,
		Schema: config.Schema{
			{Name: "message", Type: config.FieldString, Default: "echo"},
			{Name: "interval", Type: config.FieldDuration, Default: "5s"},
		},
		New: func(rt service.Runtime) (any, error) {
			return &Echo{rt: rt}, nil
		},
	}
}

// Echo logs its configured message periodically until stopped.
type Echo struct {
	rt service.Runtime
}

// Run implements service.Blocking.
func (e *Echo) Run(ctx context.Context) error {
	message, _ := e.rt.Config["message"].(string)
	interval, _ := e.rt.Config["interval"].(time.Duration)
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			release := e.rt.Monitor.TrackTask()
			e.rt.Logger.Info().Str("message", message).Msg("echo")
			release()
		}
	}
}
