package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/broker"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
	"github.com/daviddao/docsync/pkg/presence"
)

func toUpdate(c *model.PresenceCount) presence.Update {
	return presence.Update{Count: c.Count, Seq: c.Seq}
}

// AttachPresence registers actor under key for one TTL.
func (s *Server) AttachPresence(ctx context.Context, key string, actor clock.ActorID) (presence.Attachment, error) {
	if _, err := s.activeClient(actor); err != nil {
		return presence.Attachment{}, err
	}
	p, count, err := s.store.AttachPresence(key, actor, s.presenceTTL)
	if err != nil {
		return presence.Attachment{}, fmt.Errorf("attach presence %q: %w", key, err)
	}
	s.publishPresence(ctx, *count)
	return presence.Attachment{PresenceID: p.ID, Update: toUpdate(count)}, nil
}

// DetachPresence removes the presence. Detaching an expired presence
// returns the current count.
func (s *Server) DetachPresence(ctx context.Context, key, presenceID string) (presence.Update, error) {
	count, err := s.store.DetachPresence(key, presenceID)
	if err != nil {
		return presence.Update{}, fmt.Errorf("detach presence %q: %w", key, err)
	}
	s.publishPresence(ctx, *count)
	return toUpdate(count), nil
}

// RefreshPresence extends the presence's TTL and returns the current count.
func (s *Server) RefreshPresence(_ context.Context, key, presenceID string) (presence.Update, error) {
	count, err := s.store.RefreshPresence(key, presenceID, s.presenceTTL)
	if err != nil {
		return presence.Update{}, fmt.Errorf("refresh presence %q: %w", key, err)
	}
	return toUpdate(count), nil
}

// HeartbeatPresence extends the presence's TTL.
func (s *Server) HeartbeatPresence(ctx context.Context, key, presenceID string) error {
	_, err := s.RefreshPresence(ctx, key, presenceID)
	return err
}

// WatchPresence streams the count under key, starting with its current
// value, until ctx is done.
func (s *Server) WatchPresence(ctx context.Context, key string) (<-chan presence.Update, error) {
	// Subscribe first so no count published after the read below is lost.
	sub, err := s.broker.Subscribe(ctx, presenceTopic(key))
	if err != nil {
		return nil, fmt.Errorf("watch presence %q: %w", key, err)
	}
	current, err := s.store.PresenceCount(key)
	if err != nil {
		return nil, fmt.Errorf("watch presence %q: %w", key, err)
	}

	out := make(chan presence.Update, broker.DefaultBuffer)
	out <- toUpdate(current)
	go func() {
		defer close(out)
		for payload := range sub {
			var w presenceEventWire
			if err := msgpack.Unmarshal(payload, &w); err != nil {
				s.logger.Warn("bad presence event", slog.String("key", key), slog.String("err", err.Error()))
				continue
			}
			select {
			case out <- presence.Update{Count: w.Count, Seq: w.Seq}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SweepPresences removes expired presences and publishes the new counts.
func (s *Server) SweepPresences(ctx context.Context) ([]model.PresenceCount, error) {
	counts, err := s.store.ExpirePresences(s.now())
	if err != nil {
		return nil, fmt.Errorf("expire presences: %w", err)
	}
	for _, c := range counts {
		s.publishPresence(ctx, c)
	}
	if len(counts) > 0 {
		s.metrics.presenceExpired.Add(float64(len(counts)))
		s.logger.Debug("presences expired", slog.Int("keys", len(counts)))
	}
	return counts, nil
}

func (s *Server) sweepLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepPresences(ctx); err != nil {
				s.logger.Warn("presence sweep failed", slog.String("err", err.Error()))
			}
		}
	}
}
