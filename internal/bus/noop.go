package bus

import (
	"context"
	"time"
)

// Noop is a Bus that silently accepts publishes and never delivers anything.
// Monitors fall back to it when the bus is unavailable at startup, so
// services keep running with local monitoring only.
type Noop struct{}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func (Noop) Publish(context.Context, string, []byte) error     { return nil }
func (Noop) PublishCore(context.Context, string, []byte) error { return nil }

func (Noop) Subscribe(string, Handler) (Subscription, error) {
	return noopSub{}, nil
}

func (Noop) Replay(context.Context, string, string, time.Time, Handler) (int, error) {
	return 0, nil
}

func (Noop) Request(context.Context, string, []byte, time.Duration) ([]byte, error) {
	return nil, ErrNotConnected
}

func (Noop) Serve(string, RequestHandler) (Subscription, error) {
	return noopSub{}, nil
}

func (Noop) Connected() bool             { return false }
func (Noop) Close(context.Context) error { return nil }
