// Package change holds the identity and staging of local edits: the ChangeID
// cursor every document advances, the Change unit that is replayed on every
// replica, the single-use Context an edit accumulates operations into, and
// the CheckPoint and Pack types exchanged with the sync service.
//
// A ChangeID carries two clocks. The lamport value orders changes across
// actors (IR1/IR2 in package clock); the version vector records, per actor,
// the greatest lamport this replica has observed, which the service uses to
// compute the point below which tombstones are safe to collect.
package change

import (
	"fmt"

	"github.com/daviddao/docsync/pkg/clock"
)

// InitialID is the cursor of a document that has committed nothing.
var InitialID = NewID(0, 0, clock.InitialActorID, clock.InitialVersionVector())

// ID identifies a change. IDs are values: every method returns a new ID and
// never mutates the receiver's version vector.
type ID struct {
	clientSeq     uint32
	lamport       int64
	actor         clock.ActorID
	versionVector clock.VersionVector
	serverSeq     int64
}

// NewID creates an ID. vector is copied.
func NewID(clientSeq uint32, lamport int64, actor clock.ActorID, vector clock.VersionVector) ID {
	return ID{
		clientSeq:     clientSeq,
		lamport:       lamport,
		actor:         actor,
		versionVector: vector.DeepCopy(),
	}
}

// Next returns the ID of the following local change. A presence-only change
// (excludeClocks) consumes a client sequence but no lamport slot.
func (id ID) Next(excludeClocks bool) ID {
	if excludeClocks {
		return ID{
			clientSeq:     id.clientSeq + 1,
			lamport:       id.lamport,
			actor:         id.actor,
			versionVector: id.versionVector.DeepCopy(),
		}
	}
	vv := id.versionVector.DeepCopy()
	vv.Set(id.actor, id.lamport+1)
	return ID{
		clientSeq:     id.clientSeq + 1,
		lamport:       id.lamport + 1,
		actor:         id.actor,
		versionVector: vv,
	}
}

// SyncLamport advances the lamport past a received value.
func (id ID) SyncLamport(other int64) ID {
	next := id.copy()
	next.lamport = clock.Receive(id.lamport, other)
	return next
}

// SyncClocks merges the clocks of a received change into this cursor.
func (id ID) SyncClocks(other ID) ID {
	lamport := clock.Receive(id.lamport, other.lamport)
	vv := id.versionVector.Max(other.versionVector)
	vv.Set(id.actor, lamport)

	next := id.copy()
	next.lamport = lamport
	next.versionVector = vv
	return next
}

// SetClocks adopts the clocks a snapshot was taken at. The placeholder entry
// of the initial actor is never merged in.
func (id ID) SetClocks(otherLamport int64, vector clock.VersionVector) ID {
	incoming := vector.DeepCopy()
	incoming.Unset(clock.InitialActorID)

	lamport := id.lamport + 1
	if otherLamport > id.lamport {
		lamport = otherLamport
	}
	vv := id.versionVector.Max(incoming)
	vv.Set(id.actor, lamport)

	next := id.copy()
	next.lamport = lamport
	next.versionVector = vv
	return next
}

// SetActor returns the ID owned by actor. An entry recorded under the
// initial actor before activation moves to the new actor.
func (id ID) SetActor(actor clock.ActorID) ID {
	next := id.copy()
	if l, ok := next.versionVector.Get(id.actor); ok && id.actor.IsInitial() {
		next.versionVector.Unset(id.actor)
		next.versionVector.Set(actor, l)
	}
	next.actor = actor
	return next
}

// SetServerSeq returns the ID with the sequence the service assigned.
func (id ID) SetServerSeq(serverSeq int64) ID {
	next := id.copy()
	next.serverSeq = serverSeq
	return next
}

// NewTimeTicket stamps a ticket at this ID's lamport.
func (id ID) NewTimeTicket(delimiter uint32) clock.Ticket {
	return clock.NewTicket(id.lamport, delimiter, id.actor)
}

func (id ID) ClientSeq() uint32 { return id.clientSeq }
func (id ID) Lamport() int64 { return id.lamport }
func (id ID) Actor() clock.ActorID { return id.actor }
func (id ID) ServerSeq() int64 { return id.serverSeq }

// VersionVector returns a copy of the vector.
func (id ID) VersionVector() clock.VersionVector {
	return id.versionVector.DeepCopy()
}

// Equal reports whether both IDs hold the same fields.
func (id ID) Equal(other ID) bool {
	return id.clientSeq == other.clientSeq &&
		id.lamport == other.lamport &&
		id.actor == other.actor &&
		id.serverSeq == other.serverSeq &&
		id.versionVector.Equal(other.versionVector)
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d:%s", id.clientSeq, id.lamport, id.actor)
}

func (id ID) copy() ID {
	next := id
	next.versionVector = id.versionVector.DeepCopy()
	return next
}
