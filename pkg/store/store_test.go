package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// attachedDoc activates a client and attaches it to a fresh document.
func attachedDoc(t *testing.T, s *Store, clientKey, docKey string) (*model.Client, *model.DocInfo) {
	t.Helper()
	c, err := s.ActivateClient(clientKey)
	if err != nil {
		t.Fatalf("ActivateClient: %v", err)
	}
	d, err := s.FindOrCreateDocument(docKey, c.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDocument: %v", err)
	}
	if _, err := s.AttachDocument(c.ID, d.ID); err != nil {
		t.Fatalf("AttachDocument: %v", err)
	}
	return c, d
}

func changeInfos(actor clock.ActorID, from, to uint32) []model.ChangeInfo {
	var cs []model.ChangeInfo
	for seq := from; seq <= to; seq++ {
		cs = append(cs, model.ChangeInfo{
			ActorID:   actor,
			ClientSeq: seq,
			Lamport:   int64(seq) * 10,
			Message:   fmt.Sprintf("change %d", seq),
			Payload:   []byte{byte(seq)},
		})
	}
	return cs
}

// --- Client tests ---

func TestActivateClient(t *testing.T) {
	s := newTestStore(t)
	c, err := s.ActivateClient("alice")
	if err != nil {
		t.Fatalf("ActivateClient: %v", err)
	}
	if c.Key != "alice" || !c.IsActive() {
		t.Fatalf("got %+v, want active alice", c)
	}
	if _, err := clock.ParseActorID(c.ID.String()); err != nil {
		t.Fatalf("client id %q is not an actor id: %v", c.ID, err)
	}
}

func TestActivateClient_KeepsActorID(t *testing.T) {
	s := newTestStore(t)
	c1, err := s.ActivateClient("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeactivateClient(c1.ID); err != nil {
		t.Fatal(err)
	}
	c2, err := s.ActivateClient("alice")
	if err != nil {
		t.Fatal(err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("reactivation changed actor: %s -> %s", c1.ID, c2.ID)
	}
	if !c2.IsActive() {
		t.Fatal("reactivated client should be active")
	}
}

func TestDeactivateClient_DetachesDocuments(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")
	if err := s.UpdateSyncedSeq(d.ID, c.ID, 0, nil); err != nil {
		t.Fatal(err)
	}

	got, err := s.DeactivateClient(c.ID)
	if err != nil {
		t.Fatalf("DeactivateClient: %v", err)
	}
	if got.Status != model.ClientDeactivated {
		t.Fatalf("status = %s, want deactivated", got.Status)
	}
	att, err := s.GetAttachment(c.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Status != model.DocDetached {
		t.Fatalf("attachment status = %s, want detached", att.Status)
	}
	seqs, err := s.ListSyncedSeqs(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 0 {
		t.Fatalf("synced seqs after deactivate: got %d, want 0", len(seqs))
	}
}

func TestGetClient_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetClient(clock.NewActorID())
	if !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("got %v, want ErrClientNotFound", err)
	}
	if _, err := s.DeactivateClient(clock.NewActorID()); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("DeactivateClient: got %v, want ErrClientNotFound", err)
	}
}

func TestListClients_Ordered(t *testing.T) {
	s := newTestStore(t)
	s.ActivateClient("carol")
	s.ActivateClient("alice")
	s.ActivateClient("bob")

	clients, err := s.ListClients()
	if err != nil {
		t.Fatal(err)
	}
	if len(clients) != 3 {
		t.Fatalf("got %d clients, want 3", len(clients))
	}
	if clients[0].Key != "alice" || clients[1].Key != "bob" || clients[2].Key != "carol" {
		t.Fatalf("clients not ordered: %v", []string{clients[0].Key, clients[1].Key, clients[2].Key})
	}
}

// --- Document tests ---

func TestFindOrCreateDocument_Idempotent(t *testing.T) {
	s := newTestStore(t)
	owner := clock.NewActorID()
	d1, err := s.FindOrCreateDocument("doc", owner)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.FindOrCreateDocument("doc", clock.NewActorID())
	if err != nil {
		t.Fatal(err)
	}
	if d1.ID != d2.ID || d2.Owner != owner {
		t.Fatalf("second lookup: got %+v, want %+v", d2, d1)
	}
	if d1.ServerSeq != 0 || d1.IsRemoved() {
		t.Fatalf("fresh document: %+v", d1)
	}
}

func TestRemoveDocument(t *testing.T) {
	s := newTestStore(t)
	d, err := s.FindOrCreateDocument("doc", clock.NewActorID())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDocument(d.ID); err != nil {
		t.Fatalf("RemoveDocument: %v", err)
	}
	got, err := s.GetDocument("doc")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsRemoved() {
		t.Fatal("document should be removed")
	}
	if err := s.RemoveDocument(d.ID); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("second remove: got %v, want ErrDocumentNotFound", err)
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	owner := clock.NewActorID()
	s.FindOrCreateDocument("b", owner)
	s.FindOrCreateDocument("a", owner)

	docs, err := s.ListDocuments()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].Key != "a" || docs[1].Key != "b" {
		t.Fatalf("ListDocuments: %+v", docs)
	}
	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("GetDocument missing: got %v", err)
	}
}

// --- Change tests ---

func TestStoreChanges_AssignsServerSeqs(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")

	doc, att, err := s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 3))
	if err != nil {
		t.Fatalf("StoreChanges: %v", err)
	}
	if doc.ServerSeq != 3 {
		t.Fatalf("doc server seq = %d, want 3", doc.ServerSeq)
	}
	if att.ClientSeq != 3 {
		t.Fatalf("attachment client seq = %d, want 3", att.ClientSeq)
	}

	changes, err := s.ListChangesSince(d.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	for i, ch := range changes {
		if ch.ServerSeq != int64(i+1) || ch.ClientSeq != uint32(i+1) {
			t.Fatalf("change %d: server seq %d client seq %d", i, ch.ServerSeq, ch.ClientSeq)
		}
		if ch.ActorID != c.ID || ch.Payload[0] != byte(i+1) {
			t.Fatalf("change %d: %+v", i, ch)
		}
	}
}

func TestStoreChanges_SkipsRepushed(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")

	if _, _, err := s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 2)); err != nil {
		t.Fatal(err)
	}
	// The ack was lost; the client pushes 1..3 again.
	doc, att, err := s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 3))
	if err != nil {
		t.Fatal(err)
	}
	if doc.ServerSeq != 3 || att.ClientSeq != 3 {
		t.Fatalf("after re-push: server seq %d client seq %d, want 3 and 3", doc.ServerSeq, att.ClientSeq)
	}
}

func TestStoreChanges_InterleavesClients(t *testing.T) {
	s := newTestStore(t)
	a, d := attachedDoc(t, s, "alice", "doc")
	b, err := s.ActivateClient("bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AttachDocument(b.ID, d.ID); err != nil {
		t.Fatal(err)
	}

	s.StoreChanges(d.ID, a.ID, changeInfos(a.ID, 1, 1))
	s.StoreChanges(d.ID, b.ID, changeInfos(b.ID, 1, 2))
	s.StoreChanges(d.ID, a.ID, changeInfos(a.ID, 2, 2))

	changes, err := s.ListChangesSince(d.ID, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []clock.ActorID{b.ID, b.ID, a.ID}
	if len(changes) != len(want) {
		t.Fatalf("got %d changes, want %d", len(changes), len(want))
	}
	for i, ch := range changes {
		if ch.ActorID != want[i] || ch.ServerSeq != int64(i+2) {
			t.Fatalf("change %d: actor %s seq %d", i, ch.ActorID, ch.ServerSeq)
		}
	}

	limited, err := s.ListChangesSince(d.ID, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit 2: got %d changes", len(limited))
	}
}

func TestStoreChanges_RequiresAttachment(t *testing.T) {
	s := newTestStore(t)
	c, err := s.ActivateClient("alice")
	if err != nil {
		t.Fatal(err)
	}
	d, err := s.FindOrCreateDocument("doc", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 1))
	if !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("got %v, want ErrAttachmentNotFound", err)
	}
}

func TestAttachDocument_ResetsPosition(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")
	s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 2))
	if err := s.DetachDocument(c.ID, d.ID); err != nil {
		t.Fatal(err)
	}

	att, err := s.AttachDocument(c.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if att.Status != model.DocAttached || att.ClientSeq != 0 || att.ServerSeq != 0 {
		t.Fatalf("re-attach: %+v", att)
	}
	// A fresh replica starts its client seqs from 1 again.
	doc, _, err := s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if doc.ServerSeq != 3 {
		t.Fatalf("server seq = %d, want 3", doc.ServerSeq)
	}
}

// --- Synced seq tests ---

func TestUpdateSyncedSeq(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")
	s.StoreChanges(d.ID, c.ID, changeInfos(c.ID, 1, 2))

	peer := clock.NewActorID()
	vector := clock.VersionVector{c.ID: 20, peer: 7}
	if err := s.UpdateSyncedSeq(d.ID, c.ID, 2, vector); err != nil {
		t.Fatalf("UpdateSyncedSeq: %v", err)
	}
	seqs, err := s.ListSyncedSeqs(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(seqs) != 1 {
		t.Fatalf("got %d synced seqs, want 1", len(seqs))
	}
	got := seqs[0]
	if got.ServerSeq != 2 || got.ClientID != c.ID || !got.VersionVector.Equal(vector) {
		t.Fatalf("synced seq: got %+v, want seq 2 with %v", got, vector)
	}
	att, _ := s.GetAttachment(c.ID, d.ID)
	if att.ServerSeq != 2 {
		t.Fatalf("attachment server seq = %d, want 2", att.ServerSeq)
	}

	// A later push replaces the vector.
	if err := s.UpdateSyncedSeq(d.ID, c.ID, 2, clock.VersionVector{c.ID: 30}); err != nil {
		t.Fatal(err)
	}
	seqs, _ = s.ListSyncedSeqs(d.ID)
	if got := seqs[0].VersionVector; got.Len() != 1 || got[c.ID] != 30 {
		t.Fatalf("replaced vector: got %v", got)
	}

	if err := s.RemoveSyncedSeq(d.ID, c.ID); err != nil {
		t.Fatal(err)
	}
	seqs, _ = s.ListSyncedSeqs(d.ID)
	if len(seqs) != 0 {
		t.Fatalf("after remove: got %d synced seqs", len(seqs))
	}
}

func TestUpdateSyncedSeq_NilVector(t *testing.T) {
	s := newTestStore(t)
	c, d := attachedDoc(t, s, "alice", "doc")
	if err := s.UpdateSyncedSeq(d.ID, c.ID, 0, nil); err != nil {
		t.Fatal(err)
	}
	seqs, _ := s.ListSyncedSeqs(d.ID)
	if len(seqs) != 1 || seqs[0].VersionVector == nil || seqs[0].VersionVector.Len() != 0 {
		t.Fatalf("synced seq at 0: got %+v, want an empty vector", seqs)
	}
}

// --- Snapshot tests ---

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)
	_, d := attachedDoc(t, s, "alice", "doc")

	empty, err := s.GetLatestSnapshot(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if empty.ServerSeq != 0 || empty.Data != nil {
		t.Fatalf("no snapshot: %+v", empty)
	}

	for _, seq := range []int64{5, 12} {
		if err := s.StoreSnapshot(&model.Snapshot{
			DocID: d.ID, ServerSeq: seq, Data: []byte{byte(seq)}, Vector: []byte{1},
		}); err != nil {
			t.Fatalf("StoreSnapshot(%d): %v", seq, err)
		}
	}
	latest, err := s.GetLatestSnapshot(d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ServerSeq != 12 || latest.Data[0] != 12 {
		t.Fatalf("latest snapshot: %+v", latest)
	}
}

// --- Presence tests ---

func TestPresenceSequence(t *testing.T) {
	s := newTestStore(t)
	a, b := clock.NewActorID(), clock.NewActorID()

	pa, pc, err := s.AttachPresence("room", a, time.Minute)
	if err != nil {
		t.Fatalf("AttachPresence: %v", err)
	}
	if pc.Count != 1 || pc.Seq != 0 {
		t.Fatalf("first attach: count %d seq %d, want 1 and 0", pc.Count, pc.Seq)
	}
	_, pc, err = s.AttachPresence("room", b, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Count != 2 || pc.Seq != 1 {
		t.Fatalf("second attach: count %d seq %d, want 2 and 1", pc.Count, pc.Seq)
	}

	cur, err := s.PresenceCount("room")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Count != 2 || cur.Seq != 1 {
		t.Fatalf("PresenceCount: %+v", cur)
	}

	pc, err = s.DetachPresence("room", pa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Count != 1 || pc.Seq != 2 {
		t.Fatalf("detach: count %d seq %d, want 1 and 2", pc.Count, pc.Seq)
	}
	// Detaching again does not move the sequence.
	pc, err = s.DetachPresence("room", pa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pc.Count != 1 || pc.Seq != 2 {
		t.Fatalf("repeated detach: %+v", pc)
	}
}

func TestPresenceCount_UnknownKey(t *testing.T) {
	s := newTestStore(t)
	pc, err := s.PresenceCount("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if pc.Count != 0 || pc.Seq != 0 {
		t.Fatalf("unknown key: %+v", pc)
	}
}

func TestRefreshAndExpirePresences(t *testing.T) {
	s := newTestStore(t)
	short, _, err := s.AttachPresence("room", clock.NewActorID(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	long, _, err := s.AttachPresence("room", clock.NewActorID(), time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	s.AttachPresence("lobby", clock.NewActorID(), time.Hour)

	pc, err := s.RefreshPresence("room", long.ID, time.Hour)
	if err != nil {
		t.Fatalf("RefreshPresence: %v", err)
	}
	if pc.Count != 2 || pc.Seq != 1 {
		t.Fatalf("refresh should not move the sequence: %+v", pc)
	}

	counts, err := s.ExpirePresences(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ExpirePresences: %v", err)
	}
	if len(counts) != 1 || counts[0].Key != "room" || counts[0].Count != 1 || counts[0].Seq != 2 {
		t.Fatalf("expired counts: %+v", counts)
	}

	if _, err := s.RefreshPresence("room", short.ID, time.Hour); !errors.Is(err, ErrPresenceNotFound) {
		t.Fatalf("refresh expired: got %v, want ErrPresenceNotFound", err)
	}
	ps, err := s.ListPresences("room")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 || ps[0].ID != long.ID {
		t.Fatalf("remaining presences: %+v", ps)
	}
}

// --- Retry tests ---

func TestRetryOnContention_SuccessAfterRetry(t *testing.T) {
	calls := 0
	err := retryOnContention(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("SQLITE_BUSY: database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnContention_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnContention(func() error {
		calls++
		return fmt.Errorf("SQLITE_BUSY: database is locked")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 { // 1 initial + 3 retries
		t.Fatalf("expected 4 calls (1 + 3 retries), got %d", calls)
	}
}

func TestWithTx_RollsBack(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO presence_keys (key, next_seq) VALUES ('k', 7)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	pc, err := s.PresenceCount("k")
	if err != nil {
		t.Fatal(err)
	}
	if pc.Seq != 0 {
		t.Fatalf("rolled back key still visible: %+v", pc)
	}
}

func TestAttachDocument_RecordsAttachedSeq(t *testing.T) {
	s := newTestStore(t)
	a, d := attachedDoc(t, s, "alice", "doc")
	s.StoreChanges(d.ID, a.ID, changeInfos(a.ID, 1, 4))

	b, err := s.ActivateClient("bob")
	if err != nil {
		t.Fatal(err)
	}
	att, err := s.AttachDocument(b.ID, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if att.AttachedSeq != 4 || !att.IsAttached() {
		t.Fatalf("attachment: %+v, want attached at seq 4", att)
	}
}
