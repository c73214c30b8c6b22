package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
)

// TestStoreImplementsInterface verifies at runtime that *Store satisfies
// StoreInterface by calling every method on a real store.
func TestStoreImplementsInterface(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var iface StoreInterface = s

	// Clients
	c, err := iface.ActivateClient("test-client")
	if err != nil {
		t.Fatalf("ActivateClient: %v", err)
	}
	if c2, err := iface.GetClient(c.ID); err != nil || c2.Key != "test-client" {
		t.Fatalf("GetClient: %+v, %v", c2, err)
	}
	if clients, err := iface.ListClients(); err != nil || len(clients) != 1 {
		t.Fatalf("ListClients: %d, %v", len(clients), err)
	}

	// Documents
	d, err := iface.FindOrCreateDocument("test-doc", c.ID)
	if err != nil {
		t.Fatalf("FindOrCreateDocument: %v", err)
	}
	if d2, err := iface.GetDocument("test-doc"); err != nil || d2.ID != d.ID {
		t.Fatalf("GetDocument: %+v, %v", d2, err)
	}
	if docs, err := iface.ListDocuments(); err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments: %d, %v", len(docs), err)
	}

	// Attachments and changes
	if _, err := iface.AttachDocument(c.ID, d.ID); err != nil {
		t.Fatalf("AttachDocument: %v", err)
	}
	if att, err := iface.GetAttachment(c.ID, d.ID); err != nil || att.Status != model.DocAttached {
		t.Fatalf("GetAttachment: %+v, %v", att, err)
	}
	doc, _, err := iface.StoreChanges(d.ID, c.ID, []model.ChangeInfo{
		{ActorID: c.ID, ClientSeq: 1, Lamport: 1, Payload: []byte{1}},
	})
	if err != nil {
		t.Fatalf("StoreChanges: %v", err)
	}
	if doc.ServerSeq != 1 {
		t.Errorf("expected server seq 1, got %d", doc.ServerSeq)
	}
	if changes, err := iface.ListChangesSince(d.ID, 0, 10); err != nil || len(changes) != 1 {
		t.Fatalf("ListChangesSince: %d, %v", len(changes), err)
	}

	// Synced seqs
	if err := iface.UpdateSyncedSeq(d.ID, c.ID, 1, clock.VersionVector{c.ID: 1}); err != nil {
		t.Fatalf("UpdateSyncedSeq: %v", err)
	}
	if seqs, err := iface.ListSyncedSeqs(d.ID); err != nil || len(seqs) != 1 {
		t.Fatalf("ListSyncedSeqs: %d, %v", len(seqs), err)
	}
	if err := iface.RemoveSyncedSeq(d.ID, c.ID); err != nil {
		t.Fatalf("RemoveSyncedSeq: %v", err)
	}

	// Snapshots
	if err := iface.StoreSnapshot(&model.Snapshot{DocID: d.ID, ServerSeq: 1, Data: []byte{1}, Vector: []byte{2}}); err != nil {
		t.Fatalf("StoreSnapshot: %v", err)
	}
	if snap, err := iface.GetLatestSnapshot(d.ID); err != nil || snap.ServerSeq != 1 {
		t.Fatalf("GetLatestSnapshot: %+v, %v", snap, err)
	}

	// Presences
	p, pc, err := iface.AttachPresence("room", c.ID, time.Minute)
	if err != nil {
		t.Fatalf("AttachPresence: %v", err)
	}
	if pc.Count != 1 {
		t.Errorf("expected count 1, got %d", pc.Count)
	}
	if _, err := iface.RefreshPresence("room", p.ID, time.Minute); err != nil {
		t.Fatalf("RefreshPresence: %v", err)
	}
	if cur, err := iface.PresenceCount("room"); err != nil || cur.Count != 1 {
		t.Fatalf("PresenceCount: %+v, %v", cur, err)
	}
	if ps, err := iface.ListPresences("room"); err != nil || len(ps) != 1 {
		t.Fatalf("ListPresences: %d, %v", len(ps), err)
	}
	if expired, err := iface.ExpirePresences(time.Now()); err != nil || len(expired) != 0 {
		t.Fatalf("ExpirePresences: %+v, %v", expired, err)
	}
	if _, err := iface.DetachPresence("room", p.ID); err != nil {
		t.Fatalf("DetachPresence: %v", err)
	}

	// Teardown
	if err := iface.DetachDocument(c.ID, d.ID); err != nil {
		t.Fatalf("DetachDocument: %v", err)
	}
	if err := iface.RemoveDocument(d.ID); err != nil {
		t.Fatalf("RemoveDocument: %v", err)
	}
	if _, err := iface.DeactivateClient(c.ID); err != nil {
		t.Fatalf("DeactivateClient: %v", err)
	}
}
