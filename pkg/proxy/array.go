package proxy

import (
	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
)

// Array is the mutable view of a crdt.Array. Adds append after the last
// node, tombstones included.
type Array struct {
	arr *crdt.Array
	ctx *change.Context
}

// NewArray wraps arr for the edit ctx.
func NewArray(ctx *change.Context, arr *crdt.Array) *Array {
	return &Array{arr: arr, ctx: ctx}
}

func (p *Array) AddNull() *Array { return p.addPrimitive(nil) }
func (p *Array) AddBool(v bool) *Array { return p.addPrimitive(v) }
func (p *Array) AddInteger(v int32) *Array { return p.addPrimitive(v) }
func (p *Array) AddLong(v int64) *Array { return p.addPrimitive(v) }
func (p *Array) AddDouble(v float64) *Array { return p.addPrimitive(v) }
func (p *Array) AddString(v string) *Array { return p.addPrimitive(v) }
func (p *Array) AddBytes(v []byte) *Array { return p.addPrimitive(v) }

// AddNewObject appends a new empty object and returns its proxy.
func (p *Array) AddNewObject() *Object {
	ticket := p.ctx.IssueTimeTicket()
	p.add(crdt.NewObject(ticket), ticket)
	return NewObject(p.ctx, p.ctx.Root().FindByCreatedAt(ticket).(*crdt.Object))
}

// AddNewArray appends a new empty array and returns its proxy.
func (p *Array) AddNewArray() *Array {
	ticket := p.ctx.IssueTimeTicket()
	p.add(crdt.NewArray(ticket), ticket)
	return NewArray(p.ctx, p.ctx.Root().FindByCreatedAt(ticket).(*crdt.Array))
}

// Delete removes the live element at index. Out of range indexes do nothing.
func (p *Array) Delete(index int) *Array {
	elem := p.arr.Get(index)
	if elem == nil {
		return p
	}
	ticket := p.ctx.IssueTimeTicket()
	apply(p.ctx, operations.NewRemove(p.arr.CreatedAt(), elem.CreatedAt(), ticket))
	return p
}

// Get returns the live element at index, or nil.
func (p *Array) Get(index int) crdt.Element { return p.arr.Get(index) }

// Len returns the number of live elements.
func (p *Array) Len() int { return p.arr.Len() }

func (p *Array) addPrimitive(v any) *Array {
	ticket := p.ctx.IssueTimeTicket()
	value, err := crdt.NewPrimitive(v, ticket)
	if err != nil {
		panic(err)
	}
	p.add(value, ticket)
	return p
}

func (p *Array) add(value crdt.Element, ticket clock.Ticket) {
	apply(p.ctx, operations.NewAdd(p.arr.CreatedAt(), p.arr.LastCreatedAt(), value, ticket))
}
