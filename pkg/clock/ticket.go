package clock

import (
	"fmt"
	"math"
)

// MaxLamport and MaxDelimiter bound the ticket space.
const (
	MaxLamport   = int64(math.MaxInt64)
	MaxDelimiter = uint32(math.MaxUint32)

	// InitialDelimiter is the delimiter before the first ticket of a change.
	InitialDelimiter = uint32(0)
)

var (
	// InitialTicket is the null ticket: it sorts before every issued ticket.
	InitialTicket = NewTicket(0, InitialDelimiter, InitialActorID)

	// MaxTicket sorts after every issued ticket.
	MaxTicket = NewTicket(MaxLamport, MaxDelimiter, MaxActorID)
)

// Ticket is a totally ordered stamp for one mutation. Tickets issued within
// one change share the lamport value and differ in delimiter.
type Ticket struct {
	lamport   int64
	delimiter uint32
	actorID   ActorID
}

// NewTicket creates a ticket.
func NewTicket(lamport int64, delimiter uint32, actorID ActorID) Ticket {
	return Ticket{lamport: lamport, delimiter: delimiter, actorID: actorID}
}

func (t Ticket) Lamport() int64 { return t.lamport }
func (t Ticket) Delimiter() uint32 { return t.delimiter }
func (t Ticket) ActorID() ActorID { return t.actorID }
func (t Ticket) IsInitial() bool { return t == InitialTicket }
func (t Ticket) Equal(o Ticket) bool { return t == o }

// Compare orders by lamport, then actor, then delimiter. It returns -1, 0
// or 1. This is the tie-breaking total order of Lamport's paper extended
// with the delimiter.
func (t Ticket) Compare(other Ticket) int {
	switch {
	case t.lamport < other.lamport:
		return -1
	case t.lamport > other.lamport:
		return 1
	}
	if c := t.actorID.Compare(other.actorID); c != 0 {
		return c
	}
	switch {
	case t.delimiter < other.delimiter:
		return -1
	case t.delimiter > other.delimiter:
		return 1
	}
	return 0
}

// After reports whether t sorts strictly after other.
func (t Ticket) After(other Ticket) bool {
	return t.Compare(other) > 0
}

// SetActorID returns a copy of t stamped with actor.
func (t Ticket) SetActorID(actor ActorID) Ticket {
	t.actorID = actor
	return t
}

// Restamp returns t owned by actor when t was issued before an actor was
// assigned. InitialTicket and tickets of other actors are returned as is.
func (t Ticket) Restamp(actor ActorID) Ticket {
	if t.actorID != InitialActorID || t == InitialTicket {
		return t
	}
	t.actorID = actor
	return t
}

// Key is a compact identifier usable as a map key.
func (t Ticket) Key() string {
	return fmt.Sprintf("%d:%s:%d", t.lamport, t.actorID, t.delimiter)
}

func (t Ticket) String() string {
	actor := string(t.actorID)
	if len(actor) > 2 {
		actor = actor[len(actor)-2:]
	}
	return fmt.Sprintf("%d:%s:%d", t.lamport, actor, t.delimiter)
}
