package clock

import "sort"

// VersionVector maps an actor to the greatest lamport observed from it.
//
// Merging never mutates either operand: Max and Min return new vectors, so an
// entry recorded in a given instance only ever rises through later merges.
type VersionVector map[ActorID]int64

// NewVersionVector returns an empty vector.
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// InitialVersionVector is the empty vector of a fresh replica.
func InitialVersionVector() VersionVector {
	return NewVersionVector()
}

// Set records lamport for actor.
func (v VersionVector) Set(actor ActorID, lamport int64) {
	v[actor] = lamport
}

// Get returns the entry for actor and whether it exists.
func (v VersionVector) Get(actor ActorID) (int64, bool) {
	l, ok := v[actor]
	return l, ok
}

// Has reports whether actor has an entry.
func (v VersionVector) Has(actor ActorID) bool {
	_, ok := v[actor]
	return ok
}

// Unset removes the entry for actor.
func (v VersionVector) Unset(actor ActorID) {
	delete(v, actor)
}

// Len returns the number of actors.
func (v VersionVector) Len() int { return len(v) }

// MaxLamport returns the largest lamport across all entries, 0 if empty.
func (v VersionVector) MaxLamport() int64 {
	var m int64
	for _, l := range v {
		if l > m {
			m = l
		}
	}
	return m
}

// Max returns the componentwise maximum of v and other.
// e.g. {a:2, b:1}.Max({a:1, b:3, c:1}) = {a:2, b:3, c:1}
func (v VersionVector) Max(other VersionVector) VersionVector {
	merged := make(VersionVector, len(v))
	for actor, l := range v {
		merged[actor] = l
	}
	for actor, l := range other {
		if cur, ok := merged[actor]; !ok || l > cur {
			merged[actor] = l
		}
	}
	return merged
}

// Min returns the componentwise minimum of v and other. An actor missing
// from either side counts as 0 and is omitted from the result.
func (v VersionVector) Min(other VersionVector) VersionVector {
	merged := make(VersionVector)
	for actor, l := range v {
		o, ok := other[actor]
		if !ok {
			continue
		}
		merged[actor] = min(l, o)
	}
	return merged
}

// AfterOrEqual reports whether v has observed ticket: its entry for the
// ticket's actor is at least the ticket's lamport.
func (v VersionVector) AfterOrEqual(t Ticket) bool {
	l, ok := v[t.ActorID()]
	if !ok {
		return false
	}
	return l >= t.Lamport()
}

// Filter returns a new vector restricted to the given actors.
func (v VersionVector) Filter(actors []ActorID) VersionVector {
	filtered := make(VersionVector, len(actors))
	for _, actor := range actors {
		if l, ok := v[actor]; ok {
			filtered[actor] = l
		}
	}
	return filtered
}

// DeepCopy returns an independent copy.
func (v VersionVector) DeepCopy() VersionVector {
	copied := make(VersionVector, len(v))
	for actor, l := range v {
		copied[actor] = l
	}
	return copied
}

// Equal reports whether both vectors hold the same entries.
func (v VersionVector) Equal(other VersionVector) bool {
	if len(v) != len(other) {
		return false
	}
	for actor, l := range v {
		if o, ok := other[actor]; !ok || o != l {
			return false
		}
	}
	return true
}

// Actors returns the actors in sorted order.
func (v VersionVector) Actors() []ActorID {
	actors := make([]ActorID, 0, len(v))
	for actor := range v {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	return actors
}
