package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Bus used by tests and by in-process launcher runs
// without a NATS server. Persistent publishes are retained per stream so
// Replay works; delivery to subscribers is synchronous.
type Memory struct {
	mu       sync.Mutex
	streams  map[string][]memoryMsg
	set      StreamSet
	subs     []*memorySub
	services map[string]RequestHandler
	closed   bool
}

type memoryMsg struct {
	subject string
	data    []byte
	at      time.Time
}

type memorySub struct {
	bus     *Memory
	pattern string
	handler Handler
}

// NewMemory returns an empty in-process bus with default stream routing.
func NewMemory() *Memory {
	return &Memory{
		streams:  make(map[string][]memoryMsg),
		set:      DefaultStreams(),
		services: make(map[string]RequestHandler),
	}
}

func (m *Memory) streamFor(subject string) string {
	for _, limits := range m.set.All() {
		for _, pattern := range limits.Subjects {
			if SubjectMatches(pattern, subject) {
				return limits.Name
			}
		}
	}
	return ""
}

// Publish implements Bus, retaining the message in the covering stream.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	stream := m.streamFor(subject)
	if stream != "" {
		m.streams[stream] = append(m.streams[stream], memoryMsg{
			subject: subject,
			data:    append([]byte(nil), data...),
			at:      time.Now().UTC(),
		})
	}
	subs := m.matchingSubs(subject)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.handler(subject, data)
	}
	return nil
}

// PublishCore implements Bus without retention.
func (m *Memory) PublishCore(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}
	subs := m.matchingSubs(subject)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.handler(subject, data)
	}
	return nil
}

func (m *Memory) matchingSubs(subject string) []*memorySub {
	var matched []*memorySub
	for _, sub := range m.subs {
		if SubjectMatches(sub.pattern, subject) {
			matched = append(matched, sub)
		}
	}
	return matched
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNotConnected
	}
	sub := &memorySub{bus: m, pattern: subject, handler: h}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Replay implements Bus over the retained per-stream history.
func (m *Memory) Replay(ctx context.Context, stream, subject string, since time.Time, h Handler) (int, error) {
	m.mu.Lock()
	msgs := append([]memoryMsg(nil), m.streams[stream]...)
	m.mu.Unlock()

	count := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if !since.IsZero() && msg.at.Before(since) {
			continue
		}
		if !SubjectMatches(subject, msg.subject) {
			continue
		}
		h(msg.subject, msg.data)
		count++
	}
	return count, nil
}

// Request implements Bus against handlers registered via Serve. Service
// patterns are matched with NATS wildcard semantics ("*" and ">").
func (m *Memory) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	var handler RequestHandler
	for pattern, h := range m.services {
		if SubjectMatches(pattern, subject) {
			handler = h
			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("no responder on %s", subject)
	}
	return handler(subject, data)
}

type memoryService struct {
	bus     *Memory
	pattern string
}

func (s *memoryService) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.services, s.pattern)
	return nil
}

// Serve implements Bus.
func (m *Memory) Serve(subject string, h RequestHandler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrNotConnected
	}
	m.services[subject] = h
	return &memoryService{bus: m, pattern: subject}, nil
}

// Connected implements Bus.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Close implements Bus.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = nil
	m.services = make(map[string]RequestHandler)
	return nil
}

// Messages returns a copy of the retained history of a stream, oldest first.
// Test helper.
func (m *Memory) Messages(stream string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, msg := range m.streams[stream] {
		out = append(out, append([]byte(nil), msg.data...))
	}
	return out
}

// Subjects returns the retained subjects of a stream in publish order.
// Test helper.
func (m *Memory) Subjects(stream string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.streams[stream] {
		out = append(out, msg.subject)
	}
	return out
}
