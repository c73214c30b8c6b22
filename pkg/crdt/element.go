// Package crdt is the minimal CRDT payload the synchronization engine
// operates on: a JSON-like tree of objects, arrays and primitives whose nodes
// are identified by the Ticket that created them.
//
// Elements are never physically deleted by an edit. A removal stamps the
// element with removedAt (a tombstone) and the Root records it as garbage.
// Tombstones are purged by Root.GarbageCollect once every replica is known to
// have seen the removal.
package crdt

import (
	"errors"

	"github.com/daviddao/docsync/pkg/clock"
)

var (
	// ErrElementNotFound is returned when a ticket does not resolve to an
	// element of the container.
	ErrElementNotFound = errors.New("element not found")

	// ErrUnsupportedType is returned for primitive values of unknown Go type.
	ErrUnsupportedType = errors.New("unsupported primitive type")
)

// Element is a node of the document tree.
type Element interface {
	// CreatedAt is the ticket that created the element; it is its identity.
	CreatedAt() clock.Ticket

	// RemovedAt is the tombstone ticket, nil while the element is live.
	RemovedAt() *clock.Ticket

	// Remove tombstones the element if removedAt is newer than both its
	// creation and any previous removal. It reports whether it applied.
	Remove(removedAt clock.Ticket) bool

	// DeepCopy returns an independent copy including tombstoned children.
	DeepCopy() Element

	// Marshal returns the JSON encoding of the live content.
	Marshal() string
}

// Container is an element holding other elements.
type Container interface {
	Element

	// Descendants calls fn for every child (live or removed), depth first,
	// until fn returns false.
	Descendants(fn func(elem Element, parent Container) bool)

	// DeleteByCreatedAt tombstones the child created at createdAt.
	DeleteByCreatedAt(createdAt, executedAt clock.Ticket) (Element, error)

	// Purge physically drops a tombstoned child.
	Purge(elem Element) error

	// SubPathOf returns the path segment (key or index) of a live child.
	SubPathOf(createdAt clock.Ticket) (string, bool)
}

// removable carries the tombstone logic shared by every element.
type removable struct {
	createdAt clock.Ticket
	removedAt *clock.Ticket
}

func (r *removable) CreatedAt() clock.Ticket { return r.createdAt }
func (r *removable) RemovedAt() *clock.Ticket { return r.removedAt }

func (r *removable) Remove(removedAt clock.Ticket) bool {
	if !removedAt.After(r.createdAt) {
		return false
	}
	if r.removedAt != nil && !removedAt.After(*r.removedAt) {
		return false
	}
	r.removedAt = &removedAt
	return true
}

// SetRemovedAt restores a tombstone, used when decoding snapshots.
func (r *removable) SetRemovedAt(removedAt *clock.Ticket) {
	if removedAt == nil {
		r.removedAt = nil
		return
	}
	t := *removedAt
	r.removedAt = &t
}

func (r *removable) copyRemovable() removable {
	cp := removable{createdAt: r.createdAt}
	if r.removedAt != nil {
		t := *r.removedAt
		cp.removedAt = &t
	}
	return cp
}

func restampPtr(t *clock.Ticket, actor clock.ActorID) *clock.Ticket {
	if t == nil {
		return nil
	}
	r := t.Restamp(actor)
	return &r
}

// Restamp returns a copy of elem in which every ticket issued before an
// actor was assigned, tombstones included, is owned by actor.
func Restamp(elem Element, actor clock.ActorID) Element {
	switch e := elem.(type) {
	case *Object:
		cp := NewObject(e.createdAt.Restamp(actor))
		for _, m := range e.Members() {
			cp.Set(m.Key, Restamp(m.Element, actor))
		}
		cp.removedAt = restampPtr(e.removedAt, actor)
		return cp
	case *Array:
		cp := &Array{nodes: make([]Element, len(e.nodes))}
		cp.createdAt = e.createdAt.Restamp(actor)
		cp.removedAt = restampPtr(e.removedAt, actor)
		for i, n := range e.nodes {
			cp.nodes[i] = Restamp(n, actor)
		}
		return cp
	case *Primitive:
		cp := e.DeepCopy().(*Primitive)
		cp.createdAt = e.createdAt.Restamp(actor)
		cp.removedAt = restampPtr(e.removedAt, actor)
		return cp
	}
	return elem.DeepCopy()
}

// isRemoved reports whether elem carries a tombstone.
func isRemoved(elem Element) bool {
	return elem.RemovedAt() != nil
}
