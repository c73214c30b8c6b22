package crdt

import (
	"strconv"
	"strings"

	"github.com/daviddao/docsync/pkg/clock"
)

// Array is a replicated growable array (RGA). Each element is inserted after
// a previously created element; concurrent inserts after the same element
// are ordered newest first, which every replica computes identically.
type Array struct {
	removable
	nodes []Element
}

// NewArray creates an array holding elems in order.
func NewArray(createdAt clock.Ticket, elems ...Element) *Array {
	return &Array{
		removable: removable{createdAt: createdAt},
		nodes:     append([]Element(nil), elems...),
	}
}

func (a *Array) indexOf(createdAt clock.Ticket) int {
	for i, e := range a.nodes {
		if e.CreatedAt() == createdAt {
			return i
		}
	}
	return -1
}

// InsertAfter places elem after the element created at prevCreatedAt.
// clock.InitialTicket denotes the head of the array.
func (a *Array) InsertAfter(prevCreatedAt clock.Ticket, elem Element) error {
	i := 0
	if prevCreatedAt != clock.InitialTicket {
		prev := a.indexOf(prevCreatedAt)
		if prev < 0 {
			return ErrElementNotFound
		}
		i = prev + 1
	}
	for i < len(a.nodes) && a.nodes[i].CreatedAt().After(elem.CreatedAt()) {
		i++
	}
	a.nodes = append(a.nodes, nil)
	copy(a.nodes[i+1:], a.nodes[i:])
	a.nodes[i] = elem
	return nil
}

// LastCreatedAt returns the creation ticket of the last node, tombstones
// included, or clock.InitialTicket when empty. Appends insert after it.
func (a *Array) LastCreatedAt() clock.Ticket {
	if len(a.nodes) == 0 {
		return clock.InitialTicket
	}
	return a.nodes[len(a.nodes)-1].CreatedAt()
}

// Elements returns the live elements in order.
func (a *Array) Elements() []Element {
	var live []Element
	for _, e := range a.nodes {
		if !isRemoved(e) {
			live = append(live, e)
		}
	}
	return live
}

// Nodes returns every node, tombstones included, in order.
func (a *Array) Nodes() []Element {
	return append([]Element(nil), a.nodes...)
}

// Len returns the number of live elements.
func (a *Array) Len() int {
	return len(a.Elements())
}

// Get returns the live element at index, or nil when out of range.
func (a *Array) Get(index int) Element {
	live := a.Elements()
	if index < 0 || index >= len(live) {
		return nil
	}
	return live[index]
}

// DeleteByCreatedAt tombstones the element created at createdAt.
func (a *Array) DeleteByCreatedAt(createdAt, executedAt clock.Ticket) (Element, error) {
	i := a.indexOf(createdAt)
	if i < 0 {
		return nil, ErrElementNotFound
	}
	if !a.nodes[i].Remove(executedAt) {
		return nil, nil
	}
	return a.nodes[i], nil
}

// Purge drops elem from the array.
func (a *Array) Purge(elem Element) error {
	i := a.indexOf(elem.CreatedAt())
	if i < 0 {
		return ErrElementNotFound
	}
	a.nodes = append(a.nodes[:i], a.nodes[i+1:]...)
	return nil
}

// SubPathOf returns the live index of createdAt.
func (a *Array) SubPathOf(createdAt clock.Ticket) (string, bool) {
	idx := 0
	for _, e := range a.nodes {
		if e.CreatedAt() == createdAt {
			return strconv.Itoa(idx), true
		}
		if !isRemoved(e) {
			idx++
		}
	}
	return "", false
}

// Descendants walks every child depth first.
func (a *Array) Descendants(fn func(elem Element, parent Container) bool) {
	for _, e := range a.nodes {
		if !fn(e, a) {
			return
		}
		if c, ok := e.(Container); ok {
			c.Descendants(fn)
		}
	}
}

// DeepCopy copies the array with all nodes.
func (a *Array) DeepCopy() Element {
	cp := &Array{removable: a.copyRemovable(), nodes: make([]Element, len(a.nodes))}
	for i, e := range a.nodes {
		cp.nodes[i] = e.DeepCopy()
	}
	return cp
}

// Marshal returns the live elements as a JSON array.
func (a *Array) Marshal() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, e := range a.Elements() {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(e.Marshal())
	}
	sb.WriteString("]")
	return sb.String()
}
