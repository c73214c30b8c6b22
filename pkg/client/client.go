// Package client connects local replicas to the sync service. A Client is
// activated once to receive its actor id; it then attaches documents,
// exchanges change packs with the service and attaches presence counters.
//
// In realtime mode an attached document syncs by itself: a local edit or a
// change announced by the service triggers a push-pull. Failures of those
// background syncs are logged and the next trigger tries again; explicit
// calls return their errors and are never retried.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/document"
	"github.com/daviddao/docsync/pkg/presence"
)

var (
	// ErrNotActivated is returned by calls that need an activated client.
	ErrNotActivated = errors.New("client not activated")

	// ErrNotAttached is returned for a document or counter the client has
	// not attached.
	ErrNotAttached = errors.New("not attached to client")

	// ErrAlreadyAttached is returned when attaching an attached document.
	ErrAlreadyAttached = errors.New("document already attached")
)

// Status is the activation state of a Client.
type Status int

const (
	StatusDeactivated Status = iota
	StatusActivated
)

func (s Status) String() string {
	if s == StatusActivated {
		return "activated"
	}
	return "deactivated"
}

// SyncMode selects how an attached document is synced.
type SyncMode int

const (
	// SyncManual syncs only on Sync.
	SyncManual SyncMode = iota
	// SyncRealtime also syncs on local edits and service announcements.
	SyncRealtime
)

type attachment struct {
	doc  *document.Document
	mode SyncMode

	// syncMu keeps push-pulls of one document sequential, so a pulled
	// batch is never applied twice.
	syncMu sync.Mutex

	// stopMu guards cancel, which Detach and Deactivate may race to clear.
	stopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is safe for concurrent use.
type Client struct {
	key       string
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	id       clock.ActorID
	status   Status
	docs     map[string]*attachment
	counters map[string]*presence.Counter
}

// New creates a deactivated client identified by key.
func New(key string, transport Transport, opts ...Option) *Client {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{
		key:       key,
		transport: transport,
		logger:    o.logger.With(slog.String("component", "client"), slog.String("client", key)),
		docs:      make(map[string]*attachment),
		counters:  make(map[string]*presence.Counter),
	}
}

// Key returns the key the client was created with.
func (c *Client) Key() string { return c.key }

// ID returns the actor id, empty before activation.
func (c *Client) ID() clock.ActorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Status returns the activation state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsActive reports whether the client is activated.
func (c *Client) IsActive() bool { return c.Status() == StatusActivated }

// Activate registers the client with the service. Activating an active
// client is a no-op.
func (c *Client) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusActivated {
		return nil
	}
	id, err := c.transport.ActivateClient(ctx, c.key)
	if err != nil {
		return fmt.Errorf("activate %q: %w", c.key, err)
	}
	c.id = id
	c.status = StatusActivated
	c.logger.Info("client activated", slog.String("actor", id.String()))
	return nil
}

// Deactivate stops realtime syncs, detaches presence counters and
// deactivates the client on the service. Attached documents become
// detached locally.
func (c *Client) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusActivated {
		c.mu.Unlock()
		return nil
	}
	docs, counters := c.docs, c.counters
	c.docs = make(map[string]*attachment)
	c.counters = make(map[string]*presence.Counter)
	id := c.id
	c.mu.Unlock()

	for _, att := range docs {
		att.stop()
	}
	for key, counter := range counters {
		if err := counter.Detach(ctx); err != nil {
			c.logger.Warn("detach presence on deactivate", slog.String("key", key), slog.String("err", err.Error()))
		}
	}

	if err := c.transport.DeactivateClient(ctx, id); err != nil {
		return fmt.Errorf("deactivate %q: %w", c.key, err)
	}
	for _, att := range docs {
		if err := att.doc.SetStatus(ctx, document.StatusDetached); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.status = StatusDeactivated
	c.mu.Unlock()
	c.logger.Info("client deactivated")
	return nil
}

func (c *Client) activeID() (clock.ActorID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActivated {
		return "", ErrNotActivated
	}
	return c.id, nil
}

func (c *Client) attachment(key string) (*attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActivated {
		return nil, ErrNotActivated
	}
	att, ok := c.docs[key]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", key, ErrNotAttached)
	}
	return att, nil
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

// Attach attaches doc: its actor becomes the client's, pending local changes
// are pushed and the service's state is pulled.
func (c *Client) Attach(ctx context.Context, doc *document.Document, opts ...AttachOption) error {
	id, err := c.activeID()
	if err != nil {
		return err
	}
	if doc.Status() != document.StatusDetached {
		return fmt.Errorf("document %q: %w", doc.Key(), ErrAlreadyAttached)
	}
	c.mu.Lock()
	_, dup := c.docs[doc.Key()]
	c.mu.Unlock()
	if dup {
		return fmt.Errorf("document %q: %w", doc.Key(), ErrAlreadyAttached)
	}

	ao := attachOptions{mode: SyncManual}
	for _, opt := range opts {
		opt(&ao)
	}

	if err := doc.SetActor(ctx, id); err != nil {
		return err
	}
	pack, err := doc.CreateChangePack(ctx)
	if err != nil {
		return err
	}
	resp, err := c.transport.AttachDocument(ctx, id, pack)
	if err != nil {
		return fmt.Errorf("attach %q: %w", doc.Key(), err)
	}
	if err := doc.ApplyChangePack(ctx, resp); err != nil {
		return err
	}
	if err := doc.SetStatus(ctx, document.StatusAttached); err != nil {
		return err
	}

	att := &attachment{doc: doc, mode: ao.mode}
	if ao.mode == SyncRealtime {
		if err := c.startRealtime(id, att); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.docs[doc.Key()] = att
	c.mu.Unlock()

	c.logger.Debug("document attached",
		slog.String("doc", doc.Key()),
		slog.Int64("server_seq", doc.Checkpoint().ServerSeq()),
	)
	return nil
}

// Detach pushes pending changes and detaches doc.
func (c *Client) Detach(ctx context.Context, doc *document.Document) error {
	return c.finish(ctx, doc, "detach", c.transport.DetachDocument, document.StatusDetached)
}

// Remove pushes pending changes and removes doc from the service for every
// client. The document becomes read-only.
func (c *Client) Remove(ctx context.Context, doc *document.Document) error {
	return c.finish(ctx, doc, "remove", c.transport.RemoveDocument, document.StatusRemoved)
}

type packCall func(context.Context, clock.ActorID, *change.Pack) (*change.Pack, error)

func (c *Client) finish(ctx context.Context, doc *document.Document, verb string, call packCall, status document.Status) error {
	id, err := c.activeID()
	if err != nil {
		return err
	}
	att, err := c.attachment(doc.Key())
	if err != nil {
		return err
	}
	att.stop()

	att.syncMu.Lock()
	defer att.syncMu.Unlock()

	pack, err := doc.CreateChangePack(ctx)
	if err != nil {
		return err
	}
	resp, err := call(ctx, id, pack)
	if err != nil {
		return fmt.Errorf("%s %q: %w", verb, doc.Key(), err)
	}
	if err := doc.ApplyChangePack(ctx, resp); err != nil {
		return err
	}
	if resp.IsRemoved {
		status = document.StatusRemoved
	}
	if err := doc.SetStatus(ctx, status); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.docs, doc.Key())
	c.mu.Unlock()
	c.logger.Debug("document "+status.String(), slog.String("doc", doc.Key()))
	return nil
}

// Sync push-pulls the given documents, or every attached document when
// none is given.
func (c *Client) Sync(ctx context.Context, docs ...*document.Document) error {
	if _, err := c.activeID(); err != nil {
		return err
	}

	var atts []*attachment
	if len(docs) == 0 {
		c.mu.Lock()
		for _, att := range c.docs {
			atts = append(atts, att)
		}
		c.mu.Unlock()
	}
	for _, doc := range docs {
		att, err := c.attachment(doc.Key())
		if err != nil {
			return err
		}
		atts = append(atts, att)
	}

	for _, att := range atts {
		if err := c.pushPull(ctx, att); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) pushPull(ctx context.Context, att *attachment) error {
	id, err := c.activeID()
	if err != nil {
		return err
	}

	att.syncMu.Lock()
	defer att.syncMu.Unlock()

	doc := att.doc
	if doc.Status() != document.StatusAttached {
		return fmt.Errorf("document %q: %w", doc.Key(), ErrNotAttached)
	}
	pack, err := doc.CreateChangePack(ctx)
	if err != nil {
		return err
	}
	resp, err := c.transport.PushPull(ctx, id, pack)
	if err != nil {
		return fmt.Errorf("sync %q: %w", doc.Key(), err)
	}
	if err := doc.ApplyChangePack(ctx, resp); err != nil {
		return err
	}

	if resp.IsRemoved {
		c.mu.Lock()
		delete(c.docs, doc.Key())
		c.mu.Unlock()
	}
	c.logger.Debug("document synced",
		slog.String("doc", doc.Key()),
		slog.Int("pushed", pack.ChangesLen()),
		slog.Int("pulled", resp.ChangesLen()),
		slog.Bool("snapshot", resp.HasSnapshot()),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Realtime sync
// ---------------------------------------------------------------------------

func (c *Client) startRealtime(id clock.ActorID, att *attachment) error {
	ctx, cancel := context.WithCancel(context.Background())
	watch, err := c.transport.WatchDocument(ctx, id, att.doc.Key())
	if err != nil {
		cancel()
		return fmt.Errorf("watch %q: %w", att.doc.Key(), err)
	}
	att.cancel = cancel
	att.done = make(chan struct{})
	go c.syncLoop(ctx, id, att, watch)
	return nil
}

func (c *Client) syncLoop(ctx context.Context, id clock.ActorID, att *attachment, watch <-chan WatchEvent) {
	defer close(att.done)
	events, unsubscribe := att.doc.Subscribe()
	defer unsubscribe()

	logger := c.logger.With(slog.String("doc", att.doc.Key()))
	pushPull := func() {
		if err := c.pushPull(ctx, att); err != nil && ctx.Err() == nil {
			logger.Warn("realtime sync failed", slog.String("err", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watch:
			if !ok {
				return
			}
			if ev.Publisher == id || ev.ServerSeq <= att.doc.Checkpoint().ServerSeq() {
				continue
			}
			pushPull()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, local := ev.(document.LocalChangeEvent); local {
				pushPull()
			}
		}
	}
}

// stop ends the realtime loop, if any, and waits for it.
func (a *attachment) stop() {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

// AttachPresence attaches a presence counter for key. Options configure the
// counter; its logger defaults to the client's.
func (c *Client) AttachPresence(ctx context.Context, key string, opts ...presence.Option) (*presence.Counter, error) {
	id, err := c.activeID()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	_, dup := c.counters[key]
	c.mu.Unlock()
	if dup {
		return nil, presence.ErrAlreadyAttached
	}

	opts = append([]presence.Option{presence.WithLogger(c.logger)}, opts...)
	counter := presence.NewCounter(key, opts...)
	if err := counter.Attach(ctx, c.transport, id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.counters[key] = counter
	c.mu.Unlock()
	return counter, nil
}

// DetachPresence detaches a counter attached by AttachPresence.
func (c *Client) DetachPresence(ctx context.Context, counter *presence.Counter) error {
	if _, err := c.activeID(); err != nil {
		return err
	}
	c.mu.Lock()
	cur, ok := c.counters[counter.Key()]
	if ok && cur == counter {
		delete(c.counters, counter.Key())
	}
	c.mu.Unlock()
	if !ok || cur != counter {
		return fmt.Errorf("presence %q: %w", counter.Key(), ErrNotAttached)
	}
	return counter.Detach(ctx)
}

// SyncPresence refreshes a counter's count from the service.
func (c *Client) SyncPresence(ctx context.Context, counter *presence.Counter) error {
	if _, err := c.activeID(); err != nil {
		return err
	}
	c.mu.Lock()
	cur, ok := c.counters[counter.Key()]
	c.mu.Unlock()
	if !ok || cur != counter {
		return fmt.Errorf("presence %q: %w", counter.Key(), ErrNotAttached)
	}
	return counter.Sync(ctx)
}
