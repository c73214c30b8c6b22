package operations

import (
	"fmt"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
)

// Set binds a key of an object to a value.
type Set struct {
	parentCreatedAt clock.Ticket
	key             string
	value           crdt.Element
	executedAt      clock.Ticket
}

// NewSet creates a Set. value is owned by the operation; callers pass a copy
// of anything they keep using.
func NewSet(parentCreatedAt clock.Ticket, key string, value crdt.Element, executedAt clock.Ticket) *Set {
	return &Set{
		parentCreatedAt: parentCreatedAt,
		key:             key,
		value:           value,
		executedAt:      executedAt,
	}
}

// Execute sets a copy of the value on the parent object.
func (o *Set) Execute(root *crdt.Root) ([]OpInfo, error) {
	parent := root.FindByCreatedAt(o.parentCreatedAt)
	if parent == nil {
		return nil, fmt.Errorf("set %q: %s: %w", o.key, o.parentCreatedAt, ErrElementNotFound)
	}
	obj, ok := parent.(*crdt.Object)
	if !ok {
		return nil, fmt.Errorf("set %q on %T: %w", o.key, parent, ErrNotApplicableDataType)
	}

	value := o.value.DeepCopy()
	if removed := obj.Set(o.key, value); removed != nil {
		root.RegisterRemovedElement(removed)
	}
	root.RegisterElement(value, obj)

	path, err := root.CreatePath(o.parentCreatedAt)
	if err != nil {
		return nil, err
	}
	return []OpInfo{{Type: TypeSet, Path: path, Key: o.key}}, nil
}

func (o *Set) ParentCreatedAt() clock.Ticket { return o.parentCreatedAt }
func (o *Set) ExecutedAt() clock.Ticket { return o.executedAt }
func (o *Set) Key() string { return o.key }
func (o *Set) Value() crdt.Element { return o.value }

func (o *Set) SetActor(actor clock.ActorID) {
	o.parentCreatedAt = o.parentCreatedAt.Restamp(actor)
	o.value = crdt.Restamp(o.value, actor)
	o.executedAt = o.executedAt.Restamp(actor)
}
