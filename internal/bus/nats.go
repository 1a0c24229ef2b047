package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSBus is the production Bus backed by a NATS connection with JetStream
// streams for the persistent tiers.
type NATSBus struct {
	logger zerolog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream
}

// ConnectOptions controls the NATS connection bootstrap.
type ConnectOptions struct {
	Host string
	Port int
	// Name identifies the connection on the server (defaults to "tcs").
	Name string
	// ConnectTimeout bounds the initial connect with retries. Zero means
	// a single attempt.
	ConnectTimeout time.Duration
	// Streams to provision. Zero value provisions DefaultStreams.
	Streams StreamSet
}

// URL renders the connection URL.
func (o ConnectOptions) URL() string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}

// Connect establishes the NATS connection and provisions the three streams.
// The initial connect is retried with exponential backoff up to
// ConnectTimeout; once connected, reconnection is handled by the client
// indefinitely.
func Connect(ctx context.Context, logger zerolog.Logger, opts ConnectOptions) (*NATSBus, error) {
	name := opts.Name
	if name == "" {
		name = "tcs"
	}

	var conn *nats.Conn
	connect := func() error {
		var err error
		conn, err = nats.Connect(opts.URL(),
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		return err
	}

	if opts.ConnectTimeout > 0 {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 250 * time.Millisecond
		policy.MaxInterval = 5 * time.Second
		policy.MaxElapsedTime = opts.ConnectTimeout
		if err := backoff.Retry(connect, backoff.WithContext(policy, ctx)); err != nil {
			return nil, fmt.Errorf("connect to %s: %w", opts.URL(), err)
		}
	} else if err := connect(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.URL(), err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &NATSBus{logger: logger, conn: conn, js: js}

	streams := opts.Streams
	if len(streams.Registry.Subjects) == 0 && streams.Registry.MaxMsgsPerSubj == 0 {
		streams = DefaultStreams()
	}
	if err := b.ensureStreams(ctx, streams); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info().Str("url", opts.URL()).Msg("bus connected")
	return b, nil
}

func (b *NATSBus) ensureStreams(ctx context.Context, set StreamSet) error {
	for _, limits := range set.All() {
		cfg := jetstream.StreamConfig{
			Name:              limits.Name,
			Subjects:          limits.Subjects,
			Retention:         jetstream.LimitsPolicy,
			Discard:           jetstream.DiscardOld,
			Storage:           jetstream.FileStorage,
			MaxAge:            limits.MaxAge,
			MaxMsgsPerSubject: limits.MaxMsgsPerSubj,
		}
		if _, err := b.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", limits.Name, err)
		}
		b.logger.Debug().Str("stream", limits.Name).
			Dur("max_age", limits.MaxAge).
			Int64("max_msgs_per_subject", limits.MaxMsgsPerSubj).
			Msg("stream ensured")
	}
	return nil
}

// Publish implements Bus using a JetStream publish so the message lands in
// whichever stream covers the subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	_, err := b.js.Publish(ctx, subject, data)
	return err
}

// PublishCore implements Bus with a plain NATS publish.
func (b *NATSBus) PublishCore(ctx context.Context, subject string, data []byte) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return b.conn.Publish(subject, data)
}

// Subscribe implements Bus. Live messages on persistent subjects are also
// visible to core subscribers, so one mechanism serves both tiers.
func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	if b.conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		h(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Replay implements Bus by draining an ephemeral pull consumer over the
// stream's retained history.
func (b *NATSBus) Replay(ctx context.Context, stream, subject string, since time.Time, h Handler) (int, error) {
	if !b.Connected() {
		return 0, ErrNotConnected
	}

	cfg := jetstream.ConsumerConfig{
		FilterSubjects:    []string{subject},
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if !since.IsZero() {
		start := since.UTC()
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &start
	}

	cons, err := b.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return 0, fmt.Errorf("replay consumer on %s: %w", stream, err)
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		batch, err := cons.FetchNoWait(256)
		if err != nil {
			return count, fmt.Errorf("replay fetch on %s: %w", stream, err)
		}
		received := 0
		for msg := range batch.Messages() {
			h(msg.Subject(), msg.Data())
			received++
		}
		if err := batch.Error(); err != nil {
			return count + received, fmt.Errorf("replay batch on %s: %w", stream, err)
		}
		count += received
		if received == 0 {
			return count, nil
		}
	}
}

// Request implements Bus.
func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if !b.Connected() {
		return nil, ErrNotConnected
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// rpcError is the reply body sent when a RequestHandler fails.
type rpcError struct {
	Error string `json:"error"`
}

// Serve implements Bus.
func (b *NATSBus) Serve(subject string, h RequestHandler) (Subscription, error) {
	if b.conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := h(msg.Subject, msg.Data)
		if err != nil {
			reply, _ = json.Marshal(rpcError{Error: err.Error()})
		}
		if err := msg.Respond(reply); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("rpc respond failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Connected implements Bus.
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close implements Bus. Drain delivers queued messages before closing.
func (b *NATSBus) Close(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	done := make(chan struct{})
	b.conn.SetClosedHandler(func(*nats.Conn) { close(done) })
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	}
	return nil
}
