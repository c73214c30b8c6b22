package crdt

import (
	"fmt"
	"strings"

	"github.com/daviddao/docsync/pkg/clock"
)

// GCParent is a node that can physically drop one of its tombstoned
// children. Text-like containers outside this package register pairs.
type GCParent interface {
	Purge(child GCChild) error
}

// GCChild is a tombstoned node owned by a GCParent.
type GCChild interface {
	IDString() string
	RemovedAt() *clock.Ticket
}

// GCPair binds a removed child to the parent that can purge it.
type GCPair struct {
	Parent GCParent
	Child  GCChild
}

type elementPair struct {
	parent Container
	elem   Element
}

// Root is the document tree plus the bookkeeping the engine needs around it:
// an index of every element by creation ticket and the set of tombstones
// awaiting garbage collection. Root is the single source of truth for
// reclaimable memory; change contexts forward registrations here.
type Root struct {
	object       *Object
	elementMap   map[clock.Ticket]elementPair
	gcElementSet map[clock.Ticket]struct{}
	gcPairMap    map[string]GCPair
}

// NewRoot indexes obj and every descendant. Tombstoned descendants are
// registered as garbage.
func NewRoot(obj *Object) *Root {
	r := &Root{
		object:       obj,
		elementMap:   make(map[clock.Ticket]elementPair),
		gcElementSet: make(map[clock.Ticket]struct{}),
		gcPairMap:    make(map[string]GCPair),
	}
	r.elementMap[obj.CreatedAt()] = elementPair{elem: obj}
	obj.Descendants(func(elem Element, parent Container) bool {
		r.elementMap[elem.CreatedAt()] = elementPair{parent: parent, elem: elem}
		if isRemoved(elem) {
			r.gcElementSet[elem.CreatedAt()] = struct{}{}
		}
		return true
	})
	return r
}

// NewEmptyRoot returns a root over an empty object created at the null ticket.
func NewEmptyRoot() *Root {
	return NewRoot(NewObject(clock.InitialTicket))
}

// Object returns the root object.
func (r *Root) Object() *Object { return r.object }

// FindByCreatedAt resolves a ticket to its element, or nil.
func (r *Root) FindByCreatedAt(createdAt clock.Ticket) Element {
	p, ok := r.elementMap[createdAt]
	if !ok {
		return nil
	}
	return p.elem
}

// RegisterElement indexes elem, and its descendants if it is a container.
func (r *Root) RegisterElement(elem Element, parent Container) {
	r.elementMap[elem.CreatedAt()] = elementPair{parent: parent, elem: elem}
	if c, ok := elem.(Container); ok {
		c.Descendants(func(e Element, p Container) bool {
			r.elementMap[e.CreatedAt()] = elementPair{parent: p, elem: e}
			return true
		})
	}
}

// DeregisterElement drops elem and its descendants from the index and
// returns how many entries were removed.
func (r *Root) DeregisterElement(elem Element) int {
	count := 0
	deregister := func(e Element) {
		delete(r.elementMap, e.CreatedAt())
		delete(r.gcElementSet, e.CreatedAt())
		count++
	}
	deregister(elem)
	if c, ok := elem.(Container); ok {
		c.Descendants(func(e Element, _ Container) bool {
			deregister(e)
			return true
		})
	}
	return count
}

// RegisterRemovedElement records a tombstone for later collection.
func (r *Root) RegisterRemovedElement(elem Element) {
	r.gcElementSet[elem.CreatedAt()] = struct{}{}
}

// RegisterGCPair records a tombstoned child of an external container.
// Registering the same child twice cancels the first registration, which is
// how a revived node leaves the garbage set.
func (r *Root) RegisterGCPair(pair GCPair) {
	id := pair.Child.IDString()
	if _, ok := r.gcPairMap[id]; ok {
		delete(r.gcPairMap, id)
		return
	}
	r.gcPairMap[id] = pair
}

// ElementMapLen returns the number of indexed elements, root included.
func (r *Root) ElementMapLen() int { return len(r.elementMap) }

// GarbageLen returns the number of nodes a full collection would free.
func (r *Root) GarbageLen() int {
	seen := make(map[clock.Ticket]struct{})
	for createdAt := range r.gcElementSet {
		seen[createdAt] = struct{}{}
		p, ok := r.elementMap[createdAt]
		if !ok {
			continue
		}
		if c, ok := p.elem.(Container); ok {
			c.Descendants(func(e Element, _ Container) bool {
				seen[e.CreatedAt()] = struct{}{}
				return true
			})
		}
	}
	return len(seen) + len(r.gcPairMap)
}

// GarbageCollect purges every tombstone whose removal vector has observed
// and returns the number of nodes freed.
func (r *Root) GarbageCollect(vector clock.VersionVector) (int, error) {
	count := 0
	for createdAt := range r.gcElementSet {
		p, ok := r.elementMap[createdAt]
		if !ok {
			delete(r.gcElementSet, createdAt)
			continue
		}
		removedAt := p.elem.RemovedAt()
		if removedAt == nil || !vector.AfterOrEqual(*removedAt) {
			continue
		}
		if p.parent == nil {
			return count, fmt.Errorf("garbage collect %s: root cannot be purged", createdAt)
		}
		if err := p.parent.Purge(p.elem); err != nil {
			return count, fmt.Errorf("garbage collect %s: %w", createdAt, err)
		}
		count += r.DeregisterElement(p.elem)
	}
	for id, pair := range r.gcPairMap {
		removedAt := pair.Child.RemovedAt()
		if removedAt == nil || !vector.AfterOrEqual(*removedAt) {
			continue
		}
		if err := pair.Parent.Purge(pair.Child); err != nil {
			return count, fmt.Errorf("garbage collect %s: %w", id, err)
		}
		delete(r.gcPairMap, id)
		count++
	}
	return count, nil
}

// CreatePath returns the JSON path of the element created at createdAt,
// e.g. "$.k2.k4" or "$.k3.1".
func (r *Root) CreatePath(createdAt clock.Ticket) (string, error) {
	var segments []string
	cur := createdAt
	for {
		p, ok := r.elementMap[cur]
		if !ok {
			return "", fmt.Errorf("create path %s: %w", cur, ErrElementNotFound)
		}
		if p.parent == nil {
			break
		}
		seg, ok := p.parent.SubPathOf(cur)
		if !ok {
			return "", fmt.Errorf("create path %s: %w", cur, ErrElementNotFound)
		}
		segments = append(segments, seg)
		cur = p.parent.CreatedAt()
	}
	var sb strings.Builder
	sb.WriteString("$")
	for i := len(segments) - 1; i >= 0; i-- {
		sb.WriteString(".")
		sb.WriteString(segments[i])
	}
	return sb.String(), nil
}

// DeepCopy returns an independent root. Pairs registered by external
// containers are not carried over; those containers re-register on copy.
func (r *Root) DeepCopy() *Root {
	return NewRoot(r.object.DeepCopy().(*Object))
}

// Marshal returns the JSON encoding of the live document.
func (r *Root) Marshal() string {
	return r.object.Marshal()
}
