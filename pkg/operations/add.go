package operations

import (
	"fmt"
	"strconv"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
)

// Add inserts a value into an array after a previously created element.
type Add struct {
	parentCreatedAt clock.Ticket
	prevCreatedAt   clock.Ticket
	value           crdt.Element
	executedAt      clock.Ticket
}

// NewAdd creates an Add. prevCreatedAt is clock.InitialTicket to insert at
// the head.
func NewAdd(parentCreatedAt, prevCreatedAt clock.Ticket, value crdt.Element, executedAt clock.Ticket) *Add {
	return &Add{
		parentCreatedAt: parentCreatedAt,
		prevCreatedAt:   prevCreatedAt,
		value:           value,
		executedAt:      executedAt,
	}
}

// Execute inserts a copy of the value.
func (o *Add) Execute(root *crdt.Root) ([]OpInfo, error) {
	parent := root.FindByCreatedAt(o.parentCreatedAt)
	if parent == nil {
		return nil, fmt.Errorf("add: %s: %w", o.parentCreatedAt, ErrElementNotFound)
	}
	arr, ok := parent.(*crdt.Array)
	if !ok {
		return nil, fmt.Errorf("add on %T: %w", parent, ErrNotApplicableDataType)
	}

	value := o.value.DeepCopy()
	if err := arr.InsertAfter(o.prevCreatedAt, value); err != nil {
		return nil, fmt.Errorf("add after %s: %w", o.prevCreatedAt, err)
	}
	root.RegisterElement(value, arr)

	path, err := root.CreatePath(o.parentCreatedAt)
	if err != nil {
		return nil, err
	}
	info := OpInfo{Type: TypeAdd, Path: path}
	if sub, ok := arr.SubPathOf(value.CreatedAt()); ok {
		if idx, err := strconv.Atoi(sub); err == nil {
			info.Index = &idx
		}
	}
	return []OpInfo{info}, nil
}

func (o *Add) ParentCreatedAt() clock.Ticket { return o.parentCreatedAt }
func (o *Add) PrevCreatedAt() clock.Ticket { return o.prevCreatedAt }
func (o *Add) ExecutedAt() clock.Ticket { return o.executedAt }
func (o *Add) Value() crdt.Element { return o.value }

func (o *Add) SetActor(actor clock.ActorID) {
	o.parentCreatedAt = o.parentCreatedAt.Restamp(actor)
	o.prevCreatedAt = o.prevCreatedAt.Restamp(actor)
	o.value = crdt.Restamp(o.value, actor)
	o.executedAt = o.executedAt.Restamp(actor)
}
