// Package broker fans out service events to watch streams. Memory serves a
// single process; Redis lets several service processes share one database
// and still see each other's document and presence events.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker closed")

// DefaultBuffer is the capacity of each subscription channel.
const DefaultBuffer = 32

// Broker publishes payloads to topics. A subscription channel is closed
// when its context is done or the broker is closed.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
	Close() error
}

// Memory is an in-process Broker: a hub of per-topic subscriber sets.
// Payloads to a full subscriber are dropped.
type Memory struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	topics map[string]map[chan []byte]struct{}
	closed bool
}

// NewMemory returns an empty hub. A nil logger uses slog.Default().
func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		logger: logger.With(slog.String("component", "broker")),
		buffer: DefaultBuffer,
		topics: make(map[string]map[chan []byte]struct{}),
	}
}

// Publish delivers payload to every current subscriber of topic.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for ch := range m.topics[topic] {
		select {
		case ch <- payload:
		default:
			m.logger.Warn("subscriber full, dropping payload", slog.String("topic", topic))
		}
	}
	return nil
}

// Subscribe registers a subscriber on topic until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	ch := make(chan []byte, m.buffer)
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[chan []byte]struct{})
		m.topics[topic] = subs
	}
	subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		m.unsubscribe(topic, ch)
	}()
	return ch, nil
}

func (m *Memory) unsubscribe(topic string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}

// Subscribers returns the number of subscribers on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Close closes every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.topics {
		for ch := range subs {
			close(ch)
		}
		delete(m.topics, topic)
	}
	return nil
}
