// Package presence implements a replicated counter of the actors present
// under a key. The service owns the authoritative count and stamps every
// value with a per-key sequence; a Counter accepts a value only when its
// sequence is newer than the last one seen, so heartbeat replies, watch
// pushes and manual syncs can arrive in any order without regressing.
//
// A Counter in realtime mode follows the service's watch stream. In manual
// mode the count moves only on Sync. In both modes a heartbeat keeps the
// server-side TTL alive while attached.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/daviddao/docsync/pkg/clock"
)

var (
	// ErrAlreadyAttached is returned by Attach on an attached counter.
	ErrAlreadyAttached = errors.New("presence counter already attached")

	// ErrNotAttached is returned by Sync and Detach on a detached counter.
	ErrNotAttached = errors.New("presence counter not attached")
)

// DefaultHeartbeatInterval is how often an attached counter refreshes its
// server-side TTL.
const DefaultHeartbeatInterval = 10 * time.Second

// Status is the attachment state of a Counter.
type Status int

const (
	StatusDetached Status = iota
	StatusAttached
)

func (s Status) String() string {
	if s == StatusAttached {
		return "attached"
	}
	return "detached"
}

// Mode selects how a Counter learns about peers.
type Mode int

const (
	ModeRealtime Mode = iota
	ModeManual
)

func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "realtime"
}

// Event is published when a Counter accepts a value: InitializedEvent for
// the first value it observes, ChangedEvent after that.
type Event interface {
	isEvent()
	EventCount() int64
}

type InitializedEvent struct{ Count int64 }
type ChangedEvent struct{ Count int64 }

func (InitializedEvent) isEvent() {}
func (ChangedEvent) isEvent()     {}

func (e InitializedEvent) EventCount() int64 { return e.Count }
func (e ChangedEvent) EventCount() int64 { return e.Count }

// Counter is one client's view of the presence count under a key. A Counter
// is safe for concurrent use; one mutex serializes its heartbeat, watch and
// sync updates.
type Counter struct {
	key               string
	mode              Mode
	heartbeatInterval time.Duration
	eventBuffer       int
	logger            *slog.Logger

	mu          sync.Mutex
	status      Status
	svc         Service
	actor       clock.ActorID
	presenceID  string
	count       int64
	seq         int64
	initialized bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewCounter creates a detached counter for key.
func NewCounter(key string, opts ...Option) *Counter {
	o := options{
		mode:              ModeRealtime,
		heartbeatInterval: DefaultHeartbeatInterval,
		eventBuffer:       16,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Counter{
		key:               key,
		mode:              o.mode,
		heartbeatInterval: o.heartbeatInterval,
		eventBuffer:       o.eventBuffer,
		logger:            o.logger.With(slog.String("component", "presence"), slog.String("key", key)),
		subs:              make(map[int]chan Event),
	}
}

// Attach registers the counter with svc as actor and starts its heartbeat,
// plus the watch stream in realtime mode.
func (c *Counter) Attach(ctx context.Context, svc Service, actor clock.ActorID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusAttached {
		return ErrAlreadyAttached
	}

	att, err := svc.AttachPresence(ctx, c.key, actor)
	if err != nil {
		return fmt.Errorf("attach presence %q: %w", c.key, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	var updates <-chan Update
	if c.mode == ModeRealtime {
		updates, err = svc.WatchPresence(loopCtx, c.key)
		if err != nil {
			cancel()
			if _, derr := svc.DetachPresence(ctx, c.key, att.PresenceID); derr != nil {
				c.logger.Warn("detach after failed watch", slog.String("err", derr.Error()))
			}
			return fmt.Errorf("watch presence %q: %w", c.key, err)
		}
	}

	c.status = StatusAttached
	c.svc = svc
	c.actor = actor
	c.presenceID = att.PresenceID
	c.cancel = cancel
	c.updateCount(att.Count, att.Seq)

	c.wg.Add(1)
	go c.heartbeatLoop(loopCtx)
	if updates != nil {
		c.wg.Add(1)
		go c.watchLoop(loopCtx, updates, att.Update)
	}

	c.logger.Debug("presence attached",
		slog.String("actor", actor.String()),
		slog.String("mode", c.mode.String()),
		slog.Int64("count", c.count),
	)
	return nil
}

// Sync fetches the current count and refreshes the TTL.
func (c *Counter) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusAttached {
		return ErrNotAttached
	}
	u, err := c.svc.RefreshPresence(ctx, c.key, c.presenceID)
	if err != nil {
		return fmt.Errorf("sync presence %q: %w", c.key, err)
	}
	c.updateCount(u.Count, u.Seq)
	return nil
}

// Detach stops the heartbeat and watch stream and removes the presence from
// the service. The last count is kept.
func (c *Counter) Detach(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusAttached {
		c.mu.Unlock()
		return ErrNotAttached
	}
	cancel, svc, id := c.cancel, c.svc, c.presenceID
	c.status = StatusDetached
	c.cancel = nil
	c.presenceID = ""
	c.mu.Unlock()

	cancel()
	c.wg.Wait()

	if _, err := svc.DetachPresence(ctx, c.key, id); err != nil {
		return fmt.Errorf("detach presence %q: %w", c.key, err)
	}
	c.logger.Debug("presence detached")
	return nil
}

// UpdateCount applies a value observed at seq. It is accepted when seq is 0
// (a reinitialization) or newer than the current sequence. It reports
// whether the value was accepted.
func (c *Counter) UpdateCount(count, seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateCount(count, seq)
}

func (c *Counter) updateCount(count, seq int64) bool {
	if seq != 0 && seq <= c.seq {
		return false
	}

	c.count = count
	c.seq = seq
	if !c.initialized {
		c.initialized = true
		c.publish(InitializedEvent{Count: count})
	} else {
		c.publish(ChangedEvent{Count: count})
	}
	return true
}

func (c *Counter) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeat(ctx)
		}
	}
}

func (c *Counter) heartbeat(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusAttached {
		return
	}
	if err := c.svc.HeartbeatPresence(ctx, c.key, c.presenceID); err != nil && ctx.Err() == nil {
		c.logger.Warn("presence heartbeat failed", slog.String("err", err.Error()))
	}
}

// watchLoop applies the watch stream. The stream opens with the service's
// current value; when that is the value Attach already took it is dropped,
// since a seq 0 value would otherwise be applied twice.
func (c *Counter) watchLoop(ctx context.Context, updates <-chan Update, attached Update) {
	defer c.wg.Done()
	opening := true
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("presence watch stream closed")
				}
				return
			}
			if opening {
				opening = false
				if u == attached {
					continue
				}
			}
			c.UpdateCount(u.Count, u.Seq)
		}
	}
}

func (c *Counter) Key() string { return c.key }
func (c *Counter) Mode() Mode { return c.mode }

// Count returns the last accepted count.
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Seq returns the sequence of the last accepted count.
func (c *Counter) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Status returns the attachment state.
func (c *Counter) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// PresenceID returns the id the service assigned, empty when detached.
func (c *Counter) PresenceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceID
}

// Subscribe returns a channel of accepted values and a function that ends
// the subscription. Events for a full channel are dropped.
func (c *Counter) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	ch := make(chan Event, c.eventBuffer)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if s, ok := c.subs[id]; ok {
			close(s)
			delete(c.subs, id)
		}
	}
}

func (c *Counter) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("presence subscriber full, dropping event")
		}
	}
}
