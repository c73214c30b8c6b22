// Package model defines the records the reference sync service persists.
//
// A client activates once and receives an actor id. It attaches documents,
// pushes changes that the service numbers with a per-document server
// sequence, and reports how far it has synced. The lowest synced position
// across attached clients is the point below which tombstones can be
// collected. Presence rows are TTL-bound memberships under a key whose count
// changes are numbered with a per-key sequence.
package model

import (
	"time"

	"github.com/daviddao/docsync/pkg/clock"
)

// ClientStatus is the activation state of a client.
type ClientStatus string

const (
	ClientActivated   ClientStatus = "activated"
	ClientDeactivated ClientStatus = "deactivated"
)

// Client is an activated (or formerly activated) client.
type Client struct {
	ID        clock.ActorID `json:"id"`
	Key       string        `json:"key"`
	Status    ClientStatus  `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IsActive reports whether the client may attach documents and push changes.
func (c *Client) IsActive() bool { return c.Status == ClientActivated }

// DocInfo is a document known to the service.
type DocInfo struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	ServerSeq int64         `json:"server_seq"`
	Owner     clock.ActorID `json:"owner"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	RemovedAt time.Time     `json:"removed_at,omitempty"`
}

// IsRemoved reports whether the document has been removed.
func (d *DocInfo) IsRemoved() bool { return !d.RemovedAt.IsZero() }

// AttachStatus is the state of a client's attachment to a document.
type AttachStatus string

const (
	DocAttached AttachStatus = "attached"
	DocDetached AttachStatus = "detached"
)

// Attachment tracks a client's position in one document. ClientSeq is the
// highest client sequence the service has stored for the client, so a
// re-pushed change is never stored twice. AttachedSeq is the document's
// server sequence when the attachment was made: the client's own changes
// after it came from the attached replica itself.
type Attachment struct {
	ClientID    clock.ActorID `json:"client_id"`
	DocID       string        `json:"doc_id"`
	Status      AttachStatus  `json:"status"`
	ClientSeq   uint32        `json:"client_seq"`
	ServerSeq   int64         `json:"server_seq"`
	AttachedSeq int64         `json:"attached_seq"`
}

// IsAttached reports whether the attachment is live.
func (a *Attachment) IsAttached() bool { return a.Status == DocAttached }

// ChangeInfo is a stored change. Payload holds the encoded change exactly as
// the client pushed it.
type ChangeInfo struct {
	DocID     string        `json:"doc_id"`
	ServerSeq int64         `json:"server_seq"`
	ActorID   clock.ActorID `json:"actor_id"`
	ClientSeq uint32        `json:"client_seq"`
	Lamport   int64         `json:"lamport"`
	Message   string        `json:"message,omitempty"`
	Payload   []byte        `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}

// SyncedSeq is how far a client has synced a document: the server sequence
// it has pulled up to, and the version vector it reported with its last
// push. The vector is what the client is known to hold.
type SyncedSeq struct {
	DocID         string              `json:"doc_id"`
	ClientID      clock.ActorID       `json:"client_id"`
	ServerSeq     int64               `json:"server_seq"`
	VersionVector clock.VersionVector `json:"version_vector,omitempty"`
}

// Covers reports whether the client is known to hold the change that
// issued ticket.
func (s SyncedSeq) Covers(t clock.Ticket) bool {
	return s.VersionVector.AfterOrEqual(t)
}

// Snapshot is an encoded document state at a server sequence. Vector is
// the encoded version vector of the state.
type Snapshot struct {
	DocID     string    `json:"doc_id"`
	ServerSeq int64     `json:"server_seq"`
	Data      []byte    `json:"-"`
	Vector    []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Presence is one attached presence under a key.
type Presence struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	ActorID   clock.ActorID `json:"actor_id"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// PresenceCount is the count under a key at a per-key sequence.
type PresenceCount struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
	Seq   int64  `json:"seq"`
}
