package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/converter"
	"github.com/daviddao/docsync/pkg/frontier"
	"github.com/daviddao/docsync/pkg/model"
	"github.com/daviddao/docsync/pkg/store"
)

// AttachDocument attaches actor to the pack's document, creating it on
// first attach, and push-pulls the pack.
func (s *Server) AttachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	if _, err := s.activeClient(actor); err != nil {
		return nil, err
	}
	if pack.DocumentKey == "" {
		return nil, fmt.Errorf("attach: %w: empty document key", ErrInvalidPack)
	}
	doc, err := s.store.FindOrCreateDocument(pack.DocumentKey, actor)
	if err != nil {
		return nil, fmt.Errorf("attach %q: %w", pack.DocumentKey, err)
	}
	if doc.IsRemoved() {
		return nil, fmt.Errorf("attach %q: %w", doc.Key, ErrDocumentRemoved)
	}
	if _, err := s.store.AttachDocument(actor, doc.ID); err != nil {
		return nil, fmt.Errorf("attach %q: %w", doc.Key, err)
	}

	resp, err := s.pushPull(ctx, "attach", actor, doc, pack)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("document attached",
		slog.String("doc", doc.Key),
		slog.String("actor", actor.String()),
		slog.Int64("server_seq", resp.CheckPoint.ServerSeq()),
	)
	return resp, nil
}

// DetachDocument push-pulls the pack and detaches actor from the document.
func (s *Server) DetachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	doc, err := s.attachedDocument(actor, pack)
	if err != nil {
		return nil, err
	}
	resp, err := s.pushPull(ctx, "detach", actor, doc, pack)
	if err != nil {
		return nil, err
	}
	if err := s.store.DetachDocument(actor, doc.ID); err != nil {
		return nil, fmt.Errorf("detach %q: %w", doc.Key, err)
	}
	s.logger.Debug("document detached", slog.String("doc", doc.Key), slog.String("actor", actor.String()))
	return resp, nil
}

// PushPull stores the pack's changes and returns what actor has not seen.
func (s *Server) PushPull(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	doc, err := s.attachedDocument(actor, pack)
	if err != nil {
		return nil, err
	}
	return s.pushPull(ctx, "pushpull", actor, doc, pack)
}

// RemoveDocument push-pulls the pack, then removes the document for every
// client. The key cannot be attached again.
func (s *Server) RemoveDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	doc, err := s.attachedDocument(actor, pack)
	if err != nil {
		return nil, err
	}
	resp, err := s.pushPull(ctx, "remove", actor, doc, pack)
	if err != nil {
		return nil, err
	}
	if !doc.IsRemoved() {
		if err := s.store.RemoveDocument(doc.ID); err != nil {
			return nil, fmt.Errorf("remove %q: %w", doc.Key, err)
		}
		// Watchers sync and learn of the removal.
		s.publishDocEvent(ctx, doc.Key, actor, resp.CheckPoint.ServerSeq())
	}
	if err := s.store.DetachDocument(actor, doc.ID); err != nil {
		return nil, fmt.Errorf("remove %q: %w", doc.Key, err)
	}
	resp.IsRemoved = true
	s.logger.Info("document removed", slog.String("doc", doc.Key), slog.String("actor", actor.String()))
	return resp, nil
}

func (s *Server) attachedDocument(actor clock.ActorID, pack *change.Pack) (*model.DocInfo, error) {
	if _, err := s.activeClient(actor); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(pack.DocumentKey)
	if errors.Is(err, store.ErrDocumentNotFound) {
		// A document nobody attached yet has no attachments either.
		return nil, fmt.Errorf("document %q: %w", pack.DocumentKey, ErrDocumentNotAttached)
	}
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", pack.DocumentKey, err)
	}
	att, err := s.store.GetAttachment(actor, doc.ID)
	if errors.Is(err, store.ErrAttachmentNotFound) {
		return nil, fmt.Errorf("document %q: %w", doc.Key, ErrDocumentNotAttached)
	}
	if err != nil {
		return nil, err
	}
	if !att.IsAttached() {
		return nil, fmt.Errorf("document %q: %w", doc.Key, ErrDocumentNotAttached)
	}
	return doc, nil
}

// pushPull stores the pushed changes, then answers with the changes of the
// document after the pack's checkpoint that actor did not push from this
// attachment, or with a snapshot when the client is more than the threshold
// behind. The response carries the forwarded checkpoint and the GC frontier.
func (s *Server) pushPull(ctx context.Context, op string, actor clock.ActorID, doc *model.DocInfo, pack *change.Pack) (*change.Pack, error) {
	timer := prometheus.NewTimer(s.metrics.pushPullDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	// Push-pulls of one document run one at a time, so the frontier below
	// never covers a change the pulled range missed.
	unlock := s.lockDocument(doc.ID)
	defer unlock()

	if doc.IsRemoved() {
		resp := change.NewPack(doc.Key, pack.CheckPoint, nil, nil, nil)
		resp.IsRemoved = true
		return resp, nil
	}

	// The gap counts what the client lacks, so its own push is left out.
	behind := doc.ServerSeq - pack.CheckPoint.ServerSeq()

	// Push.
	infos := make([]model.ChangeInfo, 0, len(pack.Changes))
	for _, c := range pack.Changes {
		if c.ID().Actor() != actor {
			return nil, fmt.Errorf("push %q: %w: change %s is not by %s", doc.Key, ErrInvalidPack, c.ID(), actor)
		}
		payload, err := converter.MarshalChange(c)
		if err != nil {
			return nil, fmt.Errorf("push %q: %w", doc.Key, err)
		}
		infos = append(infos, model.ChangeInfo{
			DocID:     doc.ID,
			ActorID:   actor,
			ClientSeq: c.ClientSeq(),
			Lamport:   c.ID().Lamport(),
			Message:   c.Message(),
			Payload:   payload,
		})
	}
	doc, att, err := s.store.StoreChanges(doc.ID, actor, infos)
	if err != nil {
		return nil, fmt.Errorf("push %q: %w", pack.DocumentKey, err)
	}
	s.metrics.changesPushed.Add(float64(len(infos)))

	// Pull.
	cp := change.NewCheckPoint(doc.ServerSeq, att.ClientSeq)
	resp := change.NewPack(doc.Key, cp, nil, nil, nil)
	from := pack.CheckPoint.ServerSeq()
	if behind > s.snapshotThreshold {
		snapshot, vector, err := s.snapshot(doc)
		if err != nil {
			return nil, fmt.Errorf("pull %q: %w", doc.Key, err)
		}
		resp.Snapshot = snapshot
		resp.VersionVector = vector
		s.metrics.snapshotsSent.Inc()
	} else {
		changes, err := s.changesSince(doc, actor, att, from)
		if err != nil {
			return nil, fmt.Errorf("pull %q: %w", doc.Key, err)
		}
		resp.Changes = changes
		s.metrics.changesPulled.Add(float64(len(changes)))
	}

	// The pushed vector is what the client is known to hold. The response
	// is not counted until the client reports it on its next push.
	if err := s.store.UpdateSyncedSeq(doc.ID, actor, cp.ServerSeq(), pack.VersionVector); err != nil {
		return nil, fmt.Errorf("sync %q: %w", doc.Key, err)
	}
	seqs, err := s.store.ListSyncedSeqs(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("sync %q: %w", doc.Key, err)
	}
	resp.MinSyncedVersionVector = frontier.MinSyncedVersionVector(seqs)

	if len(infos) > 0 {
		s.publishDocEvent(ctx, doc.Key, actor, doc.ServerSeq)
	}

	s.logger.Debug("push-pull",
		slog.String("op", op),
		slog.String("doc", doc.Key),
		slog.String("actor", actor.String()),
		slog.Int("pushed", len(infos)),
		slog.Int("pulled", resp.ChangesLen()),
		slog.Bool("snapshot", resp.HasSnapshot()),
		slog.String("checkpoint", cp.String()),
	)
	return resp, nil
}

// changesSince returns the stored changes after from, up to the document's
// sequence at push time. Changes actor pushed since it attached are skipped:
// the replica already holds them.
func (s *Server) changesSince(doc *model.DocInfo, actor clock.ActorID, att *model.Attachment, from int64) ([]*change.Change, error) {
	rows, err := s.store.ListChangesSince(doc.ID, from, 0)
	if err != nil {
		return nil, err
	}
	var changes []*change.Change
	for _, row := range rows {
		if row.ServerSeq > doc.ServerSeq {
			break
		}
		if row.ActorID == actor && row.ServerSeq > att.AttachedSeq {
			continue
		}
		c, err := converter.UnmarshalChange(row.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode change %d: %w", row.ServerSeq, err)
		}
		c.SetServerSeq(row.ServerSeq)
		changes = append(changes, c)
	}
	return changes, nil
}

// snapshot materializes the document at its current sequence from the latest
// stored snapshot and the changes after it. The result is stored, so the
// next snapshot starts from here.
func (s *Server) snapshot(doc *model.DocInfo) ([]byte, clock.VersionVector, error) {
	base, err := s.store.GetLatestSnapshot(doc.ID)
	if err != nil {
		return nil, nil, err
	}
	root, presences, err := converter.BytesToSnapshot(base.Data)
	if err != nil {
		return nil, nil, err
	}
	vector, err := converter.UnmarshalVersionVector(base.Vector)
	if err != nil {
		return nil, nil, err
	}
	if base.ServerSeq >= doc.ServerSeq {
		return base.Data, vector, nil
	}

	rows, err := s.store.ListChangesSince(doc.ID, base.ServerSeq, 0)
	if err != nil {
		return nil, nil, err
	}
	serverSeq := base.ServerSeq
	for _, row := range rows {
		if row.ServerSeq > doc.ServerSeq {
			break
		}
		c, err := converter.UnmarshalChange(row.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("decode change %d: %w", row.ServerSeq, err)
		}
		if _, err := c.Execute(root); err != nil {
			return nil, nil, fmt.Errorf("replay change %d: %w", row.ServerSeq, err)
		}
		if pc := c.PresenceChange(); pc != nil && pc.Type == change.PresencePut {
			presences[c.ID().Actor()] = maps.Clone(pc.Presence)
		} else if pc != nil {
			delete(presences, c.ID().Actor())
		}
		vector = vector.Max(c.ID().VersionVector())
		serverSeq = row.ServerSeq
	}

	data, err := converter.SnapshotToBytes(root, presences)
	if err != nil {
		return nil, nil, err
	}
	vb, err := converter.MarshalVersionVector(vector)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.StoreSnapshot(&model.Snapshot{
		DocID:     doc.ID,
		ServerSeq: serverSeq,
		Data:      data,
		Vector:    vb,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("store snapshot", slog.String("doc", doc.Key), slog.String("err", err.Error()))
	}
	return data, vector, nil
}
