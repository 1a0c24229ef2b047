package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by implementations that require a live
// connection when none is available.
var ErrNotConnected = errors.New("bus: not connected")

// Handler receives a message delivered to a subscription.
type Handler func(subject string, data []byte)

// RequestHandler serves a request/reply command. The returned bytes are sent
// back to the requester; an error produces an error reply.
type RequestHandler func(subject string, data []byte) ([]byte, error)

// Subscription is a live subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the messaging capability consumed by the framework. Implementations
// provide persistent publish (captured by a retention stream), core
// fire-and-forget publish, live subscriptions, historical replay, and
// request/reply. All methods must be safe for concurrent use.
type Bus interface {
	// Publish sends a message on a subject covered by a persistent stream.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishCore sends a non-persistent message.
	PublishCore(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers live messages matching the subject (wildcards
	// allowed) to the handler until unsubscribed.
	Subscribe(subject string, h Handler) (Subscription, error)

	// Replay re-delivers the retained history of the named stream filtered
	// by subject, starting at since (zero time means everything), and
	// returns the number of messages delivered. Replay returns once the
	// retained history is exhausted; it does not follow new messages.
	Replay(ctx context.Context, stream, subject string, since time.Time, h Handler) (int, error)

	// Request performs a request/reply round trip.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Serve answers requests on the subject until unsubscribed.
	Serve(subject string, h RequestHandler) (Subscription, error)

	// Connected reports whether the bus has a live transport.
	Connected() bool

	// Close flushes pending publishes and tears the connection down.
	Close(ctx context.Context) error
}
