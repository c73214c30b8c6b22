// Package frontier computes the garbage-collection frontier of a document.
//
// Every attached client reports the version vector it holds each time it
// pushes. The frontier is the componentwise minimum of those vectors: a
// tombstone whose removal every client has observed can no longer be the
// target of a concurrent change and may be purged.
//
// Lamport values alone cannot serve here. A client with a low clock can
// remove an element at a lamport below a peer's, and the peer may still
// insert next to it without having seen the removal.
package frontier

import (
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
)

// MinSyncedVersionVector returns the componentwise minimum of the vectors in
// seqs. An actor missing from any vector is missing from the result. With no
// attached clients it returns an empty vector, which collects nothing.
func MinSyncedVersionVector(seqs []model.SyncedSeq) clock.VersionVector {
	if len(seqs) == 0 {
		return clock.NewVersionVector()
	}
	lowest := seqs[0].VersionVector.DeepCopy()
	for _, s := range seqs[1:] {
		lowest = lowest.Min(s.VersionVector)
	}
	return lowest
}

// Collectable reports whether a tombstone removed at removedAt may be purged
// under the frontier vector.
func Collectable(frontier clock.VersionVector, removedAt clock.Ticket) bool {
	return frontier.AfterOrEqual(removedAt)
}

// Status is the frontier of one document and the clients furthest behind.
type Status struct {
	MinSyncedVector clock.VersionVector `json:"min_synced_vector"`
	MinSyncedSeq    int64               `json:"min_synced_seq"`
	HeldBy          []model.SyncedSeq   `json:"held_by,omitempty"`
}

// ComputeStatus returns the frontier of seqs and every client synced at the
// lowest server sequence.
func ComputeStatus(seqs []model.SyncedSeq) Status {
	status := Status{MinSyncedVector: MinSyncedVersionVector(seqs)}
	if len(seqs) == 0 {
		return status
	}
	status.MinSyncedSeq = seqs[0].ServerSeq
	for _, s := range seqs[1:] {
		status.MinSyncedSeq = min(status.MinSyncedSeq, s.ServerSeq)
	}
	for _, s := range seqs {
		if s.ServerSeq == status.MinSyncedSeq {
			status.HeldBy = append(status.HeldBy, s)
		}
	}
	return status
}
