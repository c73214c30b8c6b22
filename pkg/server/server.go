// Package server is the reference sync service. It numbers the changes
// clients push with a per-document server sequence, answers pulls with the
// changes a client has not seen (or a snapshot once it has fallen far
// behind), tracks how far every attached client has synced so replicas know
// which tombstones they may collect, and keeps TTL-bound presence counts.
//
// A Server implements client.Transport in-process; pkg/rpc exposes it over
// a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/broker"
	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/frontier"
	"github.com/daviddao/docsync/pkg/model"
	"github.com/daviddao/docsync/pkg/store"
)

var (
	// ErrClientNotActive is returned for calls by an unknown or deactivated
	// client.
	ErrClientNotActive = errors.New("client not active")

	// ErrDocumentNotAttached is returned when a client syncs a document it
	// has not attached.
	ErrDocumentNotAttached = errors.New("document not attached")

	// ErrDocumentRemoved is returned when attaching a removed document.
	ErrDocumentRemoved = errors.New("document removed")

	// ErrInvalidPack is returned for a pack with no key or with changes of
	// another actor.
	ErrInvalidPack = errors.New("invalid change pack")
)

// Server is safe for concurrent use.
type Server struct {
	store    store.StoreInterface
	broker   broker.Broker
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics

	snapshotThreshold int64
	presenceTTL       time.Duration
	now               func() time.Time

	docLocks sync.Map // doc ID -> *sync.Mutex

	ownsBroker bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var _ client.Transport = (*Server)(nil)

// New creates a server over st and starts its presence sweeper.
func New(st store.StoreInterface, opts ...Option) *Server {
	o := options{
		logger:            slog.Default(),
		snapshotThreshold: DefaultSnapshotThreshold,
		presenceTTL:       DefaultPresenceTTL,
		sweepInterval:     DefaultSweepInterval,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		store:             st,
		broker:            o.broker,
		logger:            o.logger.With(slog.String("component", "server")),
		registry:          o.registry,
		snapshotThreshold: o.snapshotThreshold,
		presenceTTL:       o.presenceTTL,
		now:               o.now,
	}
	if s.broker == nil {
		s.broker = broker.NewMemory(o.logger)
		s.ownsBroker = true
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if o.sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx, o.sweepInterval)
	}
	return s
}

// lockDocument serializes push-pulls of one document and returns the unlock.
func (s *Server) lockDocument(docID string) func() {
	mu, _ := s.docLocks.LoadOrStore(docID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Registry returns the registry the server's metrics live on.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Close stops the sweeper and closes a broker the server created. The store
// is left open.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.ownsBroker {
			err = s.broker.Close()
		}
	})
	return err
}

// ---------------------------------------------------------------------------
// Clients
// ---------------------------------------------------------------------------

// ActivateClient registers key and returns its actor id.
func (s *Server) ActivateClient(_ context.Context, key string) (clock.ActorID, error) {
	if key == "" {
		return "", fmt.Errorf("activate: empty client key")
	}
	c, err := s.store.ActivateClient(key)
	if err != nil {
		return "", fmt.Errorf("activate %q: %w", key, err)
	}
	s.metrics.activations.Inc()
	s.logger.Info("client activated", slog.String("client", key), slog.String("actor", c.ID.String()))
	return c.ID, nil
}

// DeactivateClient deactivates the actor and detaches its documents.
func (s *Server) DeactivateClient(_ context.Context, actor clock.ActorID) error {
	c, err := s.store.DeactivateClient(actor)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", actor, err)
	}
	s.logger.Info("client deactivated", slog.String("client", c.Key), slog.String("actor", actor.String()))
	return nil
}

func (s *Server) activeClient(actor clock.ActorID) (*model.Client, error) {
	c, err := s.store.GetClient(actor)
	if errors.Is(err, store.ErrClientNotFound) {
		return nil, fmt.Errorf("%s: %w", actor, ErrClientNotActive)
	}
	if err != nil {
		return nil, err
	}
	if !c.IsActive() {
		return nil, fmt.Errorf("%s: %w", actor, ErrClientNotActive)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Watch streams
// ---------------------------------------------------------------------------

// WatchDocument streams an event for every push to key until ctx is done.
func (s *Server) WatchDocument(ctx context.Context, actor clock.ActorID, key string) (<-chan client.WatchEvent, error) {
	if _, err := s.activeClient(actor); err != nil {
		return nil, err
	}
	sub, err := s.broker.Subscribe(ctx, docTopic(key))
	if err != nil {
		return nil, fmt.Errorf("watch %q: %w", key, err)
	}

	out := make(chan client.WatchEvent, broker.DefaultBuffer)
	go func() {
		defer close(out)
		for payload := range sub {
			var w docEventWire
			if err := msgpack.Unmarshal(payload, &w); err != nil {
				s.logger.Warn("bad document event", slog.String("doc", key), slog.String("err", err.Error()))
				continue
			}
			ev := client.WatchEvent{Key: key, Publisher: clock.ActorID(w.Publisher), ServerSeq: w.ServerSeq}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// DocumentStatus is a document with its garbage collection frontier.
type DocumentStatus struct {
	Document model.DocInfo     `json:"document"`
	Frontier frontier.Status   `json:"frontier"`
	Attached []model.SyncedSeq `json:"attached"`
}

// DocumentStatus reports a document and how far its attached clients have
// synced.
func (s *Server) DocumentStatus(_ context.Context, key string) (*DocumentStatus, error) {
	doc, err := s.store.GetDocument(key)
	if err != nil {
		return nil, fmt.Errorf("status %q: %w", key, err)
	}
	seqs, err := s.store.ListSyncedSeqs(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("status %q: %w", key, err)
	}
	return &DocumentStatus{
		Document: *doc,
		Frontier: frontier.ComputeStatus(seqs),
		Attached: seqs,
	}, nil
}
