// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The sync service
// accepts StoreInterface instead of *Store, so tests can inject failures.
package store

import (
	"time"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// --- Clients ---

	// ActivateClient activates (or creates) the client under key.
	ActivateClient(key string) (*model.Client, error)

	// DeactivateClient deactivates a client and detaches its documents.
	DeactivateClient(id clock.ActorID) (*model.Client, error)

	// GetClient retrieves a client by actor id.
	GetClient(id clock.ActorID) (*model.Client, error)

	// ListClients returns all clients ordered by key.
	ListClients() ([]model.Client, error)

	// --- Documents ---

	// FindOrCreateDocument returns the document under key, creating it.
	FindOrCreateDocument(key string, owner clock.ActorID) (*model.DocInfo, error)

	// GetDocument retrieves a document by key.
	GetDocument(key string) (*model.DocInfo, error)

	// ListDocuments returns all documents ordered by key.
	ListDocuments() ([]model.DocInfo, error)

	// RemoveDocument marks a document removed.
	RemoveDocument(docID string) error

	// --- Attachments ---

	// AttachDocument attaches a document to a client.
	AttachDocument(clientID clock.ActorID, docID string) (*model.Attachment, error)

	// DetachDocument detaches a document from a client.
	DetachDocument(clientID clock.ActorID, docID string) error

	// GetAttachment retrieves a client's attachment to a document.
	GetAttachment(clientID clock.ActorID, docID string) (*model.Attachment, error)

	// --- Changes ---

	// StoreChanges numbers and stores changes pushed by a client.
	StoreChanges(docID string, clientID clock.ActorID, changes []model.ChangeInfo) (*model.DocInfo, *model.Attachment, error)

	// ListChangesSince returns changes with server_seq > sinceSeq.
	ListChangesSince(docID string, sinceSeq int64, limit int) ([]model.ChangeInfo, error)

	// --- Synced seqs ---

	// UpdateSyncedSeq records how far a client has synced a document.
	UpdateSyncedSeq(docID string, clientID clock.ActorID, serverSeq int64, vector clock.VersionVector) error

	// ListSyncedSeqs returns the synced positions for a document.
	ListSyncedSeqs(docID string) ([]model.SyncedSeq, error)

	// RemoveSyncedSeq drops a client's synced position.
	RemoveSyncedSeq(docID string, clientID clock.ActorID) error

	// --- Snapshots ---

	// StoreSnapshot saves an encoded document state.
	StoreSnapshot(snap *model.Snapshot) error

	// GetLatestSnapshot returns the newest snapshot of a document.
	GetLatestSnapshot(docID string) (*model.Snapshot, error)

	// --- Presences ---

	// AttachPresence adds a TTL-bound presence under key.
	AttachPresence(key string, actor clock.ActorID, ttl time.Duration) (*model.Presence, *model.PresenceCount, error)

	// DetachPresence removes a presence.
	DetachPresence(key, id string) (*model.PresenceCount, error)

	// RefreshPresence extends a presence's TTL.
	RefreshPresence(key, id string, ttl time.Duration) (*model.PresenceCount, error)

	// PresenceCount returns the current count under key.
	PresenceCount(key string) (*model.PresenceCount, error)

	// ExpirePresences deletes expired presences.
	ExpirePresences(now time.Time) ([]model.PresenceCount, error)

	// ListPresences returns the presences under key.
	ListPresences(key string) ([]model.Presence, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
