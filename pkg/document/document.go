// Package document is the orchestrator of a local replica. A Document owns
// the authoritative CRDT root, the changes committed locally but not yet
// acknowledged by the service, and the ChangeID cursor and CheckPoint that
// locate the replica in the shared history.
//
// # Editing
//
// Update runs the caller's updater against proxies over a scratch clone of
// the root. Operations the updater issues are applied to the clone as they
// are made; only when the updater returns cleanly is the resulting Change
// executed against the authoritative root. A failing updater (error or
// panic) discards the clone, so the next edit starts from a fresh copy, and
// commits nothing. The clone is kept across successful edits.
//
// # Remote changes
//
// ApplyChangePack applies a batch from the service. A batch is executed on
// the clone first; only if every change applies there is it executed on the
// root, so a malformed batch leaves the root untouched.
//
// # Concurrency
//
// Every access to document state runs on one worker goroutine per Document,
// so local edits and remote batches never interleave mid-change. Events are
// delivered to subscribers without blocking the worker.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/converter"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
	"github.com/daviddao/docsync/pkg/proxy"
)

var (
	// ErrUpdaterFailed wraps the error or panic of an updater. Nothing was
	// committed.
	ErrUpdaterFailed = errors.New("document updater failed")

	// ErrClosed is returned by operations on a closed Document.
	ErrClosed = errors.New("document closed")

	// ErrDocumentRemoved is returned when editing a removed document.
	ErrDocumentRemoved = errors.New("document removed")

	// ErrInvalidPack is returned when a pack does not belong to the document.
	ErrInvalidPack = errors.New("invalid change pack")

	// ErrActorAssigned is returned when handing a document with unpushed
	// changes to another actor.
	ErrActorAssigned = errors.New("document owned by another actor")
)

// Status is the attachment state of a Document.
type Status int

const (
	StatusDetached Status = iota
	StatusAttached
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusDetached:
		return "detached"
	case StatusAttached:
		return "attached"
	case StatusRemoved:
		return "removed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Updater edits a document. root is the document's top-level object and
// presence the editing actor's presence.
type Updater func(root *proxy.Object, presence *proxy.Presence) error

// Document is a local replica of a shared document. It is safe for
// concurrent use.
type Document struct {
	key    string
	logger *slog.Logger

	reqCh   chan func()
	closeCh chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	// Owned by the worker goroutine.
	root         *crdt.Root
	clone        *crdt.Root
	localChanges []*change.Change
	changeID     change.ID
	checkpoint   change.CheckPoint
	presences    map[clock.ActorID]map[string]string
	status       Status

	subMu       sync.Mutex
	subs        map[int]chan Event
	nextSub     int
	eventBuffer int
}

// New creates a detached, empty Document and starts its worker.
func New(key string, opts ...Option) *Document {
	o := options{logger: slog.Default(), eventBuffer: DefaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Document{
		key:         key,
		logger:      o.logger.With(slog.String("component", "document"), slog.String("doc", key)),
		reqCh:       make(chan func()),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		root:        crdt.NewEmptyRoot(),
		changeID:    change.InitialID,
		checkpoint:  change.InitialCheckPoint,
		presences:   make(map[clock.ActorID]map[string]string),
		status:      StatusDetached,
		subs:        make(map[int]chan Event),
		eventBuffer: o.eventBuffer,
	}
	go d.run()
	return d
}

func (d *Document) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.closeCh:
			return
		case req := <-d.reqCh:
			req()
		}
	}
}

// do runs fn on the worker. Once fn has been handed to the worker it runs to
// completion even if ctx is cancelled.
func (d *Document) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	req := func() { errCh <- fn() }

	select {
	case d.reqCh <- req:
	case <-d.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// read runs fn on the worker for an accessor; a closed document leaves the
// result at its zero value.
func (d *Document) read(fn func()) {
	_ = d.do(context.Background(), func() error {
		fn()
		return nil
	})
}

// Close stops the worker and closes every subscription.
func (d *Document) Close() {
	d.once.Do(func() {
		close(d.closeCh)
		<-d.doneCh

		d.subMu.Lock()
		for id, ch := range d.subs {
			close(ch)
			delete(d.subs, id)
		}
		d.subMu.Unlock()
	})
}

// Key returns the document key.
func (d *Document) Key() string { return d.key }

// ---------------------------------------------------------------------------
// Local edits
// ---------------------------------------------------------------------------

// Update runs updater and commits the operations it issued as one Change.
// An edit that issues nothing commits nothing.
func (d *Document) Update(ctx context.Context, updater Updater, message ...string) error {
	msg := ""
	if len(message) > 0 {
		msg = message[0]
	}
	return d.do(ctx, func() error {
		return d.update(updater, msg)
	})
}

func (d *Document) update(updater Updater, message string) error {
	if d.status == StatusRemoved {
		return ErrDocumentRemoved
	}
	if d.clone == nil {
		d.clone = d.root.DeepCopy()
	}

	cctx := change.NewContext(d.changeID, message, d.clone)
	if err := runUpdater(updater, cctx, d.presences[d.changeID.Actor()]); err != nil {
		d.clone = nil
		d.logger.Warn("updater failed, edit discarded", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %v", ErrUpdaterFailed, err)
	}
	if !cctx.HasChange() {
		return nil
	}

	c, err := cctx.ToChange()
	if err != nil {
		d.clone = nil
		return err
	}
	infos, err := c.Execute(d.root)
	if err != nil {
		d.clone = nil
		return fmt.Errorf("commit %s: %w", c.ID(), err)
	}
	d.applyPresenceChange(c.ID().Actor(), c.PresenceChange())
	d.localChanges = append(d.localChanges, c)
	d.changeID = c.ID()

	d.publish(LocalChangeEvent{Change: changeInfo(c, infos)})
	return nil
}

func runUpdater(updater Updater, cctx *change.Context, presence map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return updater(proxy.NewObject(cctx, cctx.Root().Object()), proxy.NewPresence(cctx, presence))
}

func (d *Document) applyPresenceChange(actor clock.ActorID, pc *change.PresenceChange) {
	if pc == nil {
		return
	}
	switch pc.Type {
	case change.PresencePut:
		d.presences[actor] = maps.Clone(pc.Presence)
	case change.PresenceClear:
		delete(d.presences, actor)
	}
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// CreateChangePack returns a pack with every unacknowledged local change.
func (d *Document) CreateChangePack(ctx context.Context) (*change.Pack, error) {
	var pack *change.Pack
	err := d.do(ctx, func() error {
		changes := append([]*change.Change(nil), d.localChanges...)
		cp := d.checkpoint
		if n := len(changes); n > 0 {
			cp = cp.SyncClientSeq(changes[n-1].ClientSeq())
		}
		pack = change.NewPack(d.key, cp, changes, d.changeID.VersionVector(), nil)
		return nil
	})
	return pack, err
}

// ApplyChangePack applies a pack returned by the service: its snapshot or
// remote changes, the acknowledgement of pushed local changes, the forwarded
// checkpoint and the garbage collection frontier.
func (d *Document) ApplyChangePack(ctx context.Context, pack *change.Pack) error {
	if pack.DocumentKey != "" && pack.DocumentKey != d.key {
		return fmt.Errorf("%w: key %q, want %q", ErrInvalidPack, pack.DocumentKey, d.key)
	}
	return d.do(ctx, func() error {
		return d.applyChangePack(pack)
	})
}

func (d *Document) applyChangePack(pack *change.Pack) error {
	// Acknowledged local changes leave only once the batch has applied. A
	// snapshot already contains them, so only the rest is replayed on it.
	pending := d.unackedChanges(pack.CheckPoint.ClientSeq())

	if pack.HasSnapshot() {
		if err := d.applySnapshot(pack.Snapshot, pack.VersionVector, pending, pack.CheckPoint.ServerSeq()); err != nil {
			return err
		}
	} else if pack.HasChanges() {
		if err := d.applyChanges(pack.Changes); err != nil {
			return err
		}
	}

	d.localChanges = pending
	d.checkpoint = d.checkpoint.Forward(pack.CheckPoint)

	if pack.MinSyncedVersionVector != nil {
		if _, err := d.garbageCollect(pack.MinSyncedVersionVector); err != nil {
			return err
		}
	}
	if pack.IsRemoved {
		d.setStatus(StatusRemoved)
	}
	return nil
}

// unackedChanges returns the local changes after clientSeq.
func (d *Document) unackedChanges(clientSeq uint32) []*change.Change {
	i := 0
	for i < len(d.localChanges) && d.localChanges[i].ClientSeq() <= clientSeq {
		i++
	}
	return d.localChanges[i:]
}

// applyChanges executes a remote batch on the clone, then on the root.
func (d *Document) applyChanges(changes []*change.Change) error {
	if d.clone == nil {
		d.clone = d.root.DeepCopy()
	}
	for _, c := range changes {
		if _, err := c.Execute(d.clone); err != nil {
			d.clone = nil
			d.logger.Error("remote batch rejected", slog.String("err", err.Error()))
			return fmt.Errorf("apply remote changes: %w", err)
		}
	}

	infos := make([]ChangeInfo, 0, len(changes))
	for _, c := range changes {
		opInfos, err := c.Execute(d.root)
		if err != nil {
			// The same batch applied to an identical clone; reaching this
			// means the root and clone diverged.
			d.clone = nil
			return fmt.Errorf("apply remote changes: %w", err)
		}
		d.applyPresenceChange(c.ID().Actor(), c.PresenceChange())
		d.changeID = d.changeID.SyncClocks(c.ID())
		infos = append(infos, changeInfo(c, opInfos))
	}
	d.publish(RemoteChangeEvent{Changes: infos})
	return nil
}

func (d *Document) applySnapshot(snapshot []byte, vector clock.VersionVector, pending []*change.Change, serverSeq int64) error {
	root, presences, err := converter.BytesToSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	for _, c := range pending {
		if _, err := c.Execute(root); err != nil {
			return fmt.Errorf("replay %s on snapshot: %w", c.ID(), err)
		}
		if pc := c.PresenceChange(); pc != nil && pc.Type == change.PresencePut {
			presences[c.ID().Actor()] = maps.Clone(pc.Presence)
		} else if pc != nil {
			delete(presences, c.ID().Actor())
		}
	}

	d.root = root
	d.clone = nil
	d.presences = presences
	d.changeID = d.changeID.SetClocks(vector.MaxLamport(), vector)

	d.publish(SnapshotEvent{ServerSeq: serverSeq})
	return nil
}

// SetActor assigns the actor the service issued on activation. Everything
// edited before an actor was assigned is restamped: the pending changes and
// every ticket they left in the root.
func (d *Document) SetActor(ctx context.Context, actor clock.ActorID) error {
	return d.do(ctx, func() error {
		prev := d.changeID.Actor()
		if prev == actor {
			return nil
		}
		if !prev.IsInitial() && len(d.localChanges) > 0 {
			return fmt.Errorf("%w: %d changes of %s not pushed", ErrActorAssigned, len(d.localChanges), prev)
		}
		for _, c := range d.localChanges {
			c.SetActor(actor)
		}
		if prev.IsInitial() {
			d.root = crdt.NewRoot(crdt.Restamp(d.root.Object(), actor).(*crdt.Object))
			d.clone = nil
		}
		d.changeID = d.changeID.SetActor(actor)
		if p, ok := d.presences[prev]; ok {
			d.presences[actor] = p
			delete(d.presences, prev)
		}
		return nil
	})
}

// GarbageCollect purges tombstones whose removal vector has observed and
// returns the number of nodes freed.
func (d *Document) GarbageCollect(ctx context.Context, vector clock.VersionVector) (int, error) {
	var n int
	err := d.do(ctx, func() error {
		var err error
		n, err = d.garbageCollect(vector)
		return err
	})
	return n, err
}

func (d *Document) garbageCollect(vector clock.VersionVector) (int, error) {
	if d.clone != nil {
		if _, err := d.clone.GarbageCollect(vector); err != nil {
			d.clone = nil
		}
	}
	n, err := d.root.GarbageCollect(vector)
	if err != nil {
		return n, fmt.Errorf("garbage collect: %w", err)
	}
	if n > 0 {
		d.logger.Debug("garbage collected", slog.Int("nodes", n), slog.Int("actors", vector.Len()))
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Status and accessors
// ---------------------------------------------------------------------------

// SetStatus changes the attachment status and notifies subscribers.
func (d *Document) SetStatus(ctx context.Context, status Status) error {
	return d.do(ctx, func() error {
		d.setStatus(status)
		return nil
	})
}

func (d *Document) setStatus(status Status) {
	if d.status == status {
		return
	}
	d.status = status
	d.publish(StatusChangedEvent{Status: status})
}

// Status returns the attachment status.
func (d *Document) Status() Status {
	var s Status
	d.read(func() { s = d.status })
	return s
}

// ChangeID returns the cursor of the last committed or observed change.
func (d *Document) ChangeID() change.ID {
	var id change.ID
	d.read(func() { id = d.changeID })
	return id
}

// Actor returns the actor the document edits as.
func (d *Document) Actor() clock.ActorID {
	return d.ChangeID().Actor()
}

// Checkpoint returns the exchange cursor with the service.
func (d *Document) Checkpoint() change.CheckPoint {
	var cp change.CheckPoint
	d.read(func() { cp = d.checkpoint })
	return cp
}

// HasLocalChanges reports whether there are unacknowledged local changes.
func (d *Document) HasLocalChanges() bool {
	var ok bool
	d.read(func() { ok = len(d.localChanges) > 0 })
	return ok
}

// Marshal returns the JSON encoding of the document content.
func (d *Document) Marshal() string {
	var s string
	d.read(func() { s = d.root.Marshal() })
	return s
}

// GarbageLen returns the number of nodes awaiting collection.
func (d *Document) GarbageLen() int {
	var n int
	d.read(func() { n = d.root.GarbageLen() })
	return n
}

// Presences returns a copy of every actor's presence.
func (d *Document) Presences() map[clock.ActorID]map[string]string {
	out := make(map[clock.ActorID]map[string]string)
	d.read(func() {
		for actor, p := range d.presences {
			out[actor] = maps.Clone(p)
		}
	})
	return out
}

// Snapshot encodes the root and presences in the converter's snapshot form.
func (d *Document) Snapshot() ([]byte, error) {
	var (
		b   []byte
		err error
	)
	d.read(func() { b, err = converter.SnapshotToBytes(d.root, d.presences) })
	return b, err
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed on unsubscribe or Close.
func (d *Document) Subscribe() (<-chan Event, func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	ch := make(chan Event, d.eventBuffer)
	select {
	case <-d.closeCh:
		close(ch)
		return ch, func() {}
	default:
	}

	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch

	return ch, func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if c, ok := d.subs[id]; ok {
			close(c)
			delete(d.subs, id)
		}
	}
}

func (d *Document) publish(ev Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("subscriber channel full, dropping event", slog.String("event", fmt.Sprintf("%T", ev)))
		}
	}
}

// OpPaths returns the distinct container paths touched by infos, in order.
func OpPaths(infos []operations.OpInfo) []string {
	seen := make(map[string]struct{}, len(infos))
	var paths []string
	for _, info := range infos {
		if _, ok := seen[info.Path]; ok {
			continue
		}
		seen[info.Path] = struct{}{}
		paths = append(paths, info.Path)
	}
	return paths
}
