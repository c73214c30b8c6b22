// Package operations defines the CRDT mutations a Change carries. Each
// operation names its target by creation ticket and carries its own
// execution ticket, so replaying a list of operations in order is
// deterministic on every replica.
package operations

import (
	"errors"
	"fmt"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
)

var (
	// ErrNotApplicableDataType is returned when the target element does not
	// support the operation.
	ErrNotApplicableDataType = errors.New("operation not applicable to data type")

	// ErrElementNotFound is returned when the target ticket is unknown.
	ErrElementNotFound = errors.New("target element not found")
)

// Type names an operation kind on the wire and in OpInfo.
type Type string

const (
	TypeSet    Type = "set"
	TypeAdd    Type = "add"
	TypeRemove Type = "remove"
)

// Operation is a single mutation against a Root.
type Operation interface {
	// Execute applies the operation and describes what it changed.
	Execute(root *crdt.Root) ([]OpInfo, error)

	// ParentCreatedAt is the ticket of the container being modified.
	ParentCreatedAt() clock.Ticket

	// ExecutedAt is the ticket issued for this operation.
	ExecutedAt() clock.Ticket

	// SetActor restamps every ticket the operation holds that was issued
	// before an actor was assigned: its execution ticket, the tickets it
	// targets and the value it carries.
	SetActor(actor clock.ActorID)
}

// OpInfo describes the effect of one executed operation, for event
// consumers. Path is the JSON path of the modified container.
type OpInfo struct {
	Type  Type   `json:"type"`
	Path  string `json:"path"`
	Key   string `json:"key,omitempty"`
	Index *int   `json:"index,omitempty"`
}

func findContainer(root *crdt.Root, createdAt clock.Ticket) (crdt.Container, error) {
	elem := root.FindByCreatedAt(createdAt)
	if elem == nil {
		return nil, fmt.Errorf("%s: %w", createdAt, ErrElementNotFound)
	}
	c, ok := elem.(crdt.Container)
	if !ok {
		return nil, fmt.Errorf("%s is %T: %w", createdAt, elem, ErrNotApplicableDataType)
	}
	return c, nil
}
