package operations

import (
	"fmt"
	"strconv"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
)

// Remove tombstones an element of an object or array.
type Remove struct {
	parentCreatedAt clock.Ticket
	createdAt       clock.Ticket
	executedAt      clock.Ticket
}

// NewRemove creates a Remove targeting the child created at createdAt.
func NewRemove(parentCreatedAt, createdAt, executedAt clock.Ticket) *Remove {
	return &Remove{
		parentCreatedAt: parentCreatedAt,
		createdAt:       createdAt,
		executedAt:      executedAt,
	}
}

// Execute tombstones the target. Removing an element already removed by a
// newer operation is a no-op.
func (o *Remove) Execute(root *crdt.Root) ([]OpInfo, error) {
	parent, err := findContainer(root, o.parentCreatedAt)
	if err != nil {
		return nil, fmt.Errorf("remove: %w", err)
	}

	// The path segment must be read before the tombstone hides an index.
	sub, _ := parent.SubPathOf(o.createdAt)
	removed, err := parent.DeleteByCreatedAt(o.createdAt, o.executedAt)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", o.createdAt, err)
	}
	if removed == nil {
		return nil, nil
	}
	root.RegisterRemovedElement(removed)

	path, err := root.CreatePath(o.parentCreatedAt)
	if err != nil {
		return nil, err
	}
	info := OpInfo{Type: TypeRemove, Path: path}
	if _, ok := parent.(*crdt.Array); ok {
		if idx, err := strconv.Atoi(sub); err == nil {
			info.Index = &idx
		}
	} else {
		info.Key = sub
	}
	return []OpInfo{info}, nil
}

func (o *Remove) ParentCreatedAt() clock.Ticket { return o.parentCreatedAt }
func (o *Remove) CreatedAt() clock.Ticket { return o.createdAt }
func (o *Remove) ExecutedAt() clock.Ticket { return o.executedAt }

func (o *Remove) SetActor(actor clock.ActorID) {
	o.parentCreatedAt = o.parentCreatedAt.Restamp(actor)
	o.createdAt = o.createdAt.Restamp(actor)
	o.executedAt = o.executedAt.Restamp(actor)
}
