package change

import (
	"errors"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
)

// ErrContextFinalized is returned when a Context is used after ToChange.
var ErrContextFinalized = errors.New("change context already finalized")

// Context accumulates the operations of exactly one edit. It is created over
// the scratch root the edit runs against, and discarded after ToChange.
//
// Every ticket it issues shares the next ID's lamport with an increasing
// delimiter, so operations inside one edit are totally ordered.
type Context struct {
	prevID         ID
	nextID         ID
	message        string
	root           *crdt.Root
	operations     []operations.Operation
	presenceChange *PresenceChange
	delimiter      uint32
	finalized      bool
}

// NewContext creates a Context following prevID.
func NewContext(prevID ID, message string, root *crdt.Root) *Context {
	return &Context{
		prevID:  prevID,
		nextID:  prevID.Next(false),
		message: message,
		root:    root,
	}
}

// Root returns the scratch root the edit mutates.
func (c *Context) Root() *crdt.Root { return c.root }

// Push appends an operation that has already been applied to the root.
func (c *Context) Push(op operations.Operation) error {
	if c.finalized {
		return ErrContextFinalized
	}
	c.operations = append(c.operations, op)
	return nil
}

// IssueTimeTicket returns a fresh ticket for a new element or operation.
func (c *Context) IssueTimeTicket() clock.Ticket {
	c.delimiter++
	return c.nextID.NewTimeTicket(c.delimiter)
}

// RegisterElement forwards to the root.
func (c *Context) RegisterElement(elem crdt.Element, parent crdt.Container) {
	c.root.RegisterElement(elem, parent)
}

// RegisterRemovedElement forwards to the root.
func (c *Context) RegisterRemovedElement(elem crdt.Element) {
	c.root.RegisterRemovedElement(elem)
}

// RegisterGCPair forwards to the root.
func (c *Context) RegisterGCPair(pair crdt.GCPair) {
	c.root.RegisterGCPair(pair)
}

// SetPresenceChange attaches a presence update to the edit. The last call
// wins.
func (c *Context) SetPresenceChange(pc PresenceChange) error {
	if c.finalized {
		return ErrContextFinalized
	}
	c.presenceChange = &pc
	return nil
}

// HasChange reports whether the edit produced anything to commit.
func (c *Context) HasChange() bool {
	return len(c.operations) > 0 || c.presenceChange != nil
}

// NextID returns the ID ToChange will assign.
func (c *Context) NextID() ID {
	if len(c.operations) == 0 {
		return c.prevID.Next(true)
	}
	return c.nextID
}

// ToChange finalizes the context into a Change.
func (c *Context) ToChange() (*Change, error) {
	if c.finalized {
		return nil, ErrContextFinalized
	}
	c.finalized = true
	return New(c.NextID(), c.message, c.operations, c.presenceChange), nil
}
