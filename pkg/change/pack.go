package change

import "github.com/daviddao/docsync/pkg/clock"

// Pack is the batch exchanged with the sync service. Pushed by a client it
// carries unacknowledged local changes; returned by the service it carries
// remote changes or a snapshot, the forwarded checkpoint, and the vector
// every attached client has observed, which bounds garbage collection.
type Pack struct {
	DocumentKey string
	CheckPoint  CheckPoint
	Changes     []*Change

	// Snapshot is the encoded root and presences, sent instead of changes
	// when a client has fallen far behind.
	Snapshot []byte

	// MinSyncedVersionVector is the componentwise minimum of the vectors
	// of every attached client. A tombstone it has observed may be purged.
	// It is nil when the service has no frontier to report.
	MinSyncedVersionVector clock.VersionVector

	// VersionVector is the sender's vector: the client's on push, the
	// snapshot's on pull.
	VersionVector clock.VersionVector

	// IsRemoved marks the response to a detach that removed the document.
	IsRemoved bool
}

// NewPack creates a Pack.
func NewPack(key string, cp CheckPoint, changes []*Change, vector clock.VersionVector, snapshot []byte) *Pack {
	return &Pack{
		DocumentKey:   key,
		CheckPoint:    cp,
		Changes:       changes,
		VersionVector: vector,
		Snapshot:      snapshot,
	}
}

// HasChanges reports whether the pack carries any change.
func (p *Pack) HasChanges() bool {
	return len(p.Changes) > 0
}

// ChangesLen returns the number of changes.
func (p *Pack) ChangesLen() int {
	return len(p.Changes)
}

// HasSnapshot reports whether a non-empty snapshot is present.
func (p *Pack) HasSnapshot() bool {
	return len(p.Snapshot) > 0
}
