package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/document"
	"github.com/daviddao/docsync/pkg/presence"
	"github.com/daviddao/docsync/pkg/proxy"
	"github.com/daviddao/docsync/pkg/store"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	opts = append([]Option{WithLogger(quiet), WithSweepInterval(0)}, opts...)
	s := New(st, opts...)
	t.Cleanup(func() {
		s.Close()
		st.Close()
	})
	return s
}

func newClient(t *testing.T, s *Server, key string) *client.Client {
	t.Helper()
	c := client.New(key, s, client.WithLogger(quiet))
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate %s: %v", key, err)
	}
	t.Cleanup(func() { c.Deactivate(context.Background()) })
	return c
}

func attach(t *testing.T, c *client.Client, key string, opts ...client.AttachOption) *document.Document {
	t.Helper()
	d := document.New(key, document.WithLogger(quiet))
	t.Cleanup(d.Close)
	if err := c.Attach(context.Background(), d, opts...); err != nil {
		t.Fatalf("Attach %s: %v", key, err)
	}
	return d
}

func update(t *testing.T, d *document.Document, fn func(root *proxy.Object)) {
	t.Helper()
	err := d.Update(context.Background(), func(root *proxy.Object, _ *proxy.Presence) error {
		fn(root)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func syncAll(t *testing.T, clients ...*client.Client) {
	t.Helper()
	for _, c := range clients {
		if err := c.Sync(context.Background()); err != nil {
			t.Fatalf("Sync %s: %v", c.Key(), err)
		}
	}
}

func counterValue(t *testing.T, s *Server, name string) float64 {
	t.Helper()
	families, err := s.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestTwoClientsConverge(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	update(t, d1, func(root *proxy.Object) {
		root.SetString("title", "hello")
		root.SetNewArray("list").AddString("a")
	})
	syncAll(t, c1)

	d2 := attach(t, c2, "doc")
	if got, want := d2.Marshal(), d1.Marshal(); got != want {
		t.Fatalf("after attach: got %s, want %s", got, want)
	}

	// Concurrent edits on both replicas.
	update(t, d1, func(root *proxy.Object) {
		root.SetString("title", "from c1")
		root.GetArray("list").AddString("b")
	})
	update(t, d2, func(root *proxy.Object) {
		root.SetString("title", "from c2")
		root.GetArray("list").AddString("c")
	})
	syncAll(t, c1, c2, c1)

	if d1.Marshal() != d2.Marshal() {
		t.Fatalf("replicas diverged:\n d1=%s\n d2=%s", d1.Marshal(), d2.Marshal())
	}
	if d1.HasLocalChanges() || d2.HasLocalChanges() {
		t.Fatal("local changes left after sync")
	}
	if got := d1.Checkpoint().ServerSeq(); got != 3 {
		t.Fatalf("d1 server seq: got %d, want 3", got)
	}
}

func TestOwnChangesAreNotPulledBack(t *testing.T) {
	s := newTestServer(t)
	c1 := newClient(t, s, "c1")

	d1 := attach(t, c1, "doc")
	update(t, d1, func(root *proxy.Object) { root.SetNewArray("list").AddString("x") })
	syncAll(t, c1, c1)
	update(t, d1, func(root *proxy.Object) { root.GetArray("list").AddString("y") })
	syncAll(t, c1)

	if got, want := d1.Marshal(), `{"list":["x","y"]}`; got != want {
		t.Fatalf("Marshal: got %s, want %s", got, want)
	}

	// A fresh replica of the same client gets the client's earlier changes.
	if err := c1.Detach(context.Background(), d1); err != nil {
		t.Fatal(err)
	}
	fresh := attach(t, c1, "doc")
	if got, want := fresh.Marshal(), `{"list":["x","y"]}`; got != want {
		t.Fatalf("fresh replica: got %s, want %s", got, want)
	}
}

func TestSnapshotForLaggingClient(t *testing.T) {
	s := newTestServer(t, WithSnapshotThreshold(3))
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		update(t, d1, func(root *proxy.Object) { root.SetString(k, k) })
	}
	syncAll(t, c1)

	d2 := attach(t, c2, "doc")
	if got := counterValue(t, s, "docsync_snapshots_sent_total"); got != 1 {
		t.Fatalf("snapshots sent: got %v, want 1", got)
	}
	if got, want := d2.Marshal(), d1.Marshal(); got != want {
		t.Fatalf("snapshot: got %s, want %s", got, want)
	}
	if got := d2.Checkpoint().ServerSeq(); got != 5 {
		t.Fatalf("server seq after snapshot: got %d, want 5", got)
	}

	// Edits after the snapshot flow both ways as changes.
	update(t, d2, func(root *proxy.Object) { root.Delete("a") })
	update(t, d1, func(root *proxy.Object) { root.SetString("f", "f") })
	syncAll(t, c2, c1, c2)
	if got, want := d1.Marshal(), `{"b":"b","c":"c","d":"d","e":"e","f":"f"}`; got != want {
		t.Fatalf("d1: got %s, want %s", got, want)
	}
	if d1.Marshal() != d2.Marshal() {
		t.Fatalf("replicas diverged:\n d1=%s\n d2=%s", d1.Marshal(), d2.Marshal())
	}
}

func TestSnapshotIncludesPresence(t *testing.T) {
	s := newTestServer(t, WithSnapshotThreshold(1))
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	for i := 0; i < 2; i++ {
		err := d1.Update(context.Background(), func(root *proxy.Object, p *proxy.Presence) error {
			root.SetLong("n", int64(i))
			p.Set("cursor", "1")
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	syncAll(t, c1)

	d2 := attach(t, c2, "doc")
	p, ok := d2.Presences()[c1.ID()]
	if !ok || p["cursor"] != "1" {
		t.Fatalf("presence of c1: got %v, want cursor=1", d2.Presences())
	}
}

func TestGarbageCollectedOnceEveryoneSynced(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	update(t, d1, func(root *proxy.Object) { root.SetString("k", "v") })
	syncAll(t, c1)
	d2 := attach(t, c2, "doc")

	update(t, d1, func(root *proxy.Object) { root.Delete("k") })
	syncAll(t, c1)
	if got := d1.GarbageLen(); got != 1 {
		t.Fatalf("d1 GarbageLen while c2 lags: got %d, want 1", got)
	}

	// c2 pulls the removal but has not yet reported holding it.
	syncAll(t, c2)
	if got := d2.GarbageLen(); got != 1 {
		t.Fatalf("d2 GarbageLen after first pull: got %d, want 1", got)
	}
	syncAll(t, c1)
	if got := d1.GarbageLen(); got != 1 {
		t.Fatalf("d1 GarbageLen before c2 reported: got %d, want 1", got)
	}

	syncAll(t, c2)
	if got := d2.GarbageLen(); got != 0 {
		t.Fatalf("d2 GarbageLen: got %d, want 0", got)
	}
	syncAll(t, c1)
	if got := d1.GarbageLen(); got != 0 {
		t.Fatalf("d1 GarbageLen after c2 synced: got %d, want 0", got)
	}

	status, err := s.DocumentStatus(context.Background(), "doc")
	if err != nil {
		t.Fatal(err)
	}
	if status.Frontier.MinSyncedSeq != 2 {
		t.Fatalf("MinSyncedSeq: got %d, want 2", status.Frontier.MinSyncedSeq)
	}
	if len(status.Attached) != 2 {
		t.Fatalf("attached: got %d, want 2", len(status.Attached))
	}
}

// A replica with a low clock removes an element that a busier peer
// concurrently inserts after. The tombstone must outlive the insert.
func TestLowClockRemovalIsNotCollectedEarly(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	update(t, d1, func(root *proxy.Object) { root.SetNewArray("list").AddString("x") })
	syncAll(t, c1)
	d2 := attach(t, c2, "doc")

	for i := 0; i < 20; i++ {
		update(t, d2, func(root *proxy.Object) { root.SetLong("n", int64(i)) })
	}
	syncAll(t, c2)

	update(t, d1, func(root *proxy.Object) { root.GetArray("list").Delete(0) })
	update(t, d2, func(root *proxy.Object) { root.GetArray("list").AddString("y") })
	syncAll(t, c1, c2, c1)

	if got, want := d1.Marshal(), `{"list":["y"],"n":19}`; got != want {
		t.Fatalf("d1: got %s, want %s", got, want)
	}
	if d1.Marshal() != d2.Marshal() {
		t.Fatalf("replicas diverged:\n d1=%s\n d2=%s", d1.Marshal(), d2.Marshal())
	}

	// Once both have reported the removal it is collected everywhere.
	syncAll(t, c2, c1, c2)
	if g1, g2 := d1.GarbageLen(), d2.GarbageLen(); g1 != 0 || g2 != 0 {
		t.Fatalf("GarbageLen: d1=%d d2=%d, want 0", g1, g2)
	}
}

// Two replicas edit before either has an actor; their elements must not
// collide once they are attached.
func TestEditsBeforeAttachStayDistinct(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := document.New("doc", document.WithLogger(quiet))
	t.Cleanup(d1.Close)
	d2 := document.New("doc", document.WithLogger(quiet))
	t.Cleanup(d2.Close)
	update(t, d1, func(root *proxy.Object) { root.SetString("a", "1") })
	update(t, d2, func(root *proxy.Object) { root.SetString("b", "2") })

	if err := c1.Attach(ctx, d1); err != nil {
		t.Fatal(err)
	}
	if err := c2.Attach(ctx, d2); err != nil {
		t.Fatal(err)
	}
	syncAll(t, c1, c2)
	for _, d := range []*document.Document{d1, d2} {
		if got, want := d.Marshal(), `{"a":"1","b":"2"}`; got != want {
			t.Fatalf("after attach: got %s, want %s", got, want)
		}
	}

	update(t, d2, func(root *proxy.Object) { root.Delete("b") })
	syncAll(t, c2, c1)
	for _, d := range []*document.Document{d1, d2} {
		if got, want := d.Marshal(), `{"a":"1"}`; got != want {
			t.Fatalf("after delete: got %s, want %s", got, want)
		}
	}
}

func TestDetachReleasesFrontier(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc")
	update(t, d1, func(root *proxy.Object) { root.SetString("k", "v") })
	syncAll(t, c1)
	d2 := attach(t, c2, "doc")
	if err := c2.Detach(context.Background(), d2); err != nil {
		t.Fatal(err)
	}
	if d2.Status() != document.StatusDetached {
		t.Fatalf("d2 status: got %v, want detached", d2.Status())
	}

	update(t, d1, func(root *proxy.Object) { root.Delete("k") })
	syncAll(t, c1)
	if got := d1.GarbageLen(); got != 0 {
		t.Fatalf("GarbageLen with no lagging clients: got %d, want 0", got)
	}
}

func TestRemoveDocument(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")
	ctx := context.Background()

	d1 := attach(t, c1, "doc")
	d2 := attach(t, c2, "doc")
	update(t, d1, func(root *proxy.Object) { root.SetString("k", "v") })

	if err := c1.Remove(ctx, d1); err != nil {
		t.Fatal(err)
	}
	if d1.Status() != document.StatusRemoved {
		t.Fatalf("d1 status: got %v, want removed", d1.Status())
	}

	syncAll(t, c2)
	if d2.Status() != document.StatusRemoved {
		t.Fatalf("d2 status after sync: got %v, want removed", d2.Status())
	}

	again := document.New("doc", document.WithLogger(quiet))
	defer again.Close()
	if err := c1.Attach(ctx, again); !errors.Is(err, ErrDocumentRemoved) {
		t.Fatalf("attach removed: got %v, want ErrDocumentRemoved", err)
	}
}

func TestPushPullErrors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	c1 := newClient(t, s, "c1")
	d1 := attach(t, c1, "doc")

	pack, err := d1.CreateChangePack(ctx)
	if err != nil {
		t.Fatal(err)
	}

	other, err := s.ActivateClient(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PushPull(ctx, other, pack); !errors.Is(err, ErrDocumentNotAttached) {
		t.Fatalf("unattached: got %v, want ErrDocumentNotAttached", err)
	}
	unknown := change.NewPack("never-created", change.InitialCheckPoint, nil, nil, nil)
	for name, call := range map[string]func(context.Context, clock.ActorID, *change.Pack) (*change.Pack, error){
		"PushPull":       s.PushPull,
		"DetachDocument": s.DetachDocument,
		"RemoveDocument": s.RemoveDocument,
	} {
		if _, err := call(ctx, other, unknown); !errors.Is(err, ErrDocumentNotAttached) {
			t.Fatalf("%s on unknown key: got %v, want ErrDocumentNotAttached", name, err)
		}
	}
	if err := s.DeactivateClient(ctx, other); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PushPull(ctx, other, pack); !errors.Is(err, ErrClientNotActive) {
		t.Fatalf("deactivated: got %v, want ErrClientNotActive", err)
	}

	// A pack holding another actor's changes is rejected.
	update(t, d1, func(root *proxy.Object) { root.SetString("k", "v") })
	pack, err = d1.CreateChangePack(ctx)
	if err != nil {
		t.Fatal(err)
	}
	intruder, err := s.ActivateClient(ctx, "intruder")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AttachDocument(ctx, intruder, pack); !errors.Is(err, ErrInvalidPack) {
		t.Fatalf("foreign changes: got %v, want ErrInvalidPack", err)
	}
}

func TestActivateKeepsActor(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	a, err := s.ActivateClient(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeactivateClient(ctx, a); err != nil {
		t.Fatal(err)
	}
	b, err := s.ActivateClient(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("reactivated actor: got %s, want %s", b, a)
	}
	if _, err := s.ActivateClient(ctx, ""); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestPresenceCountsAndExpiry(t *testing.T) {
	later := time.Now().Add(time.Hour)
	s := newTestServer(t, WithPresenceTTL(time.Minute), WithClock(func() time.Time { return later }))
	ctx := context.Background()
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := s.WatchPresence(watchCtx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if u := <-updates; u.Count != 0 {
		t.Fatalf("initial watch value: got %d, want 0", u.Count)
	}

	p1, err := c1.AttachPresence(ctx, "room", presence.WithMode(presence.ModeManual))
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c2.AttachPresence(ctx, "room", presence.WithMode(presence.ModeManual))
	if err != nil {
		t.Fatal(err)
	}
	if err := c1.SyncPresence(ctx, p1); err != nil {
		t.Fatal(err)
	}
	if p1.Count() != 2 || p2.Count() != 2 {
		t.Fatalf("counts: got %d and %d, want 2 and 2", p1.Count(), p2.Count())
	}

	counts, err := s.SweepPresences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Key != "room" || counts[0].Count != 0 {
		t.Fatalf("sweep: got %+v, want room at 0", counts)
	}

	// The watch stream saw both attaches and the expiry, in sequence order.
	var last presence.Update
	deadline := time.After(2 * time.Second)
	for last.Count != 0 || last.Seq < counts[0].Seq {
		select {
		case u := <-updates:
			if u.Seq <= last.Seq && last.Seq != 0 {
				t.Fatalf("watch went back: %+v after %+v", u, last)
			}
			last = u
		case <-deadline:
			t.Fatalf("no expiry update; last %+v", last)
		}
	}

	if err := c1.SyncPresence(ctx, p1); !errors.Is(err, store.ErrPresenceNotFound) {
		t.Fatalf("sync expired presence: got %v, want ErrPresenceNotFound", err)
	}
	if got := counterValue(t, s, "docsync_presence_expired_keys_total"); got != 1 {
		t.Fatalf("expired metric: got %v, want 1", got)
	}
}

func TestRealtimeSync(t *testing.T) {
	s := newTestServer(t)
	c1, c2 := newClient(t, s, "c1"), newClient(t, s, "c2")

	d1 := attach(t, c1, "doc", client.WithSyncMode(client.SyncRealtime))
	d2 := attach(t, c2, "doc", client.WithSyncMode(client.SyncRealtime))

	update(t, d1, func(root *proxy.Object) { root.SetString("k", "from c1") })
	waitFor(t, func() bool { return d2.Marshal() == `{"k":"from c1"}` })

	update(t, d2, func(root *proxy.Object) { root.SetString("j", "from c2") })
	waitFor(t, func() bool { return d1.Marshal() == `{"j":"from c2","k":"from c1"}` })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
