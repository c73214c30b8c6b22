// Package proxy exposes the mutable view an updater edits a document
// through. Every mutation issues a ticket from the edit's change.Context,
// builds the matching operation, applies it to the scratch root immediately
// so later reads inside the same updater observe it, and pushes it onto the
// context for commit.
//
// Proxies panic when an operation cannot be applied to the scratch root.
// That only happens when the proxy is used after its edit ended or the tree
// is corrupt; Document.Update recovers the panic and discards the edit.
package proxy

import (
	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
)

// Object is the mutable view of a crdt.Object.
type Object struct {
	obj *crdt.Object
	ctx *change.Context
}

// NewObject wraps obj for the edit ctx.
func NewObject(ctx *change.Context, obj *crdt.Object) *Object {
	return &Object{obj: obj, ctx: ctx}
}

func (p *Object) SetNull(key string) *Object { return p.setPrimitive(key, nil) }
func (p *Object) SetBool(key string, v bool) *Object { return p.setPrimitive(key, v) }
func (p *Object) SetInteger(key string, v int32) *Object { return p.setPrimitive(key, v) }
func (p *Object) SetLong(key string, v int64) *Object { return p.setPrimitive(key, v) }
func (p *Object) SetDouble(key string, v float64) *Object { return p.setPrimitive(key, v) }
func (p *Object) SetString(key, v string) *Object { return p.setPrimitive(key, v) }
func (p *Object) SetBytes(key string, v []byte) *Object { return p.setPrimitive(key, v) }

// SetNewObject binds key to a new empty object and returns its proxy.
func (p *Object) SetNewObject(key string) *Object {
	ticket := p.ctx.IssueTimeTicket()
	p.set(key, crdt.NewObject(ticket), ticket)
	return NewObject(p.ctx, p.find(ticket).(*crdt.Object))
}

// SetNewArray binds key to a new empty array and returns its proxy.
func (p *Object) SetNewArray(key string) *Array {
	ticket := p.ctx.IssueTimeTicket()
	p.set(key, crdt.NewArray(ticket), ticket)
	return NewArray(p.ctx, p.find(ticket).(*crdt.Array))
}

// Delete removes the live element bound to key. Deleting an absent key does
// nothing.
func (p *Object) Delete(key string) *Object {
	elem := p.obj.Get(key)
	if elem == nil {
		return p
	}
	ticket := p.ctx.IssueTimeTicket()
	p.apply(operations.NewRemove(p.obj.CreatedAt(), elem.CreatedAt(), ticket))
	return p
}

// Get returns the live element bound to key, or nil.
func (p *Object) Get(key string) crdt.Element {
	return p.obj.Get(key)
}

// GetObject returns the proxy of the object bound to key, or nil.
func (p *Object) GetObject(key string) *Object {
	obj, ok := p.obj.Get(key).(*crdt.Object)
	if !ok {
		return nil
	}
	return NewObject(p.ctx, obj)
}

// GetArray returns the proxy of the array bound to key, or nil.
func (p *Object) GetArray(key string) *Array {
	arr, ok := p.obj.Get(key).(*crdt.Array)
	if !ok {
		return nil
	}
	return NewArray(p.ctx, arr)
}

// Has reports whether key is bound to a live element.
func (p *Object) Has(key string) bool { return p.obj.Has(key) }

// Keys returns the live keys in sorted order.
func (p *Object) Keys() []string { return p.obj.Keys() }

func (p *Object) setPrimitive(key string, v any) *Object {
	ticket := p.ctx.IssueTimeTicket()
	value, err := crdt.NewPrimitive(v, ticket)
	if err != nil {
		panic(err)
	}
	p.set(key, value, ticket)
	return p
}

func (p *Object) set(key string, value crdt.Element, ticket clock.Ticket) {
	p.apply(operations.NewSet(p.obj.CreatedAt(), key, value, ticket))
}

func (p *Object) apply(op operations.Operation) {
	apply(p.ctx, op)
}

func (p *Object) find(createdAt clock.Ticket) crdt.Element {
	return p.ctx.Root().FindByCreatedAt(createdAt)
}

func apply(ctx *change.Context, op operations.Operation) {
	if _, err := op.Execute(ctx.Root()); err != nil {
		panic(err)
	}
	if err := ctx.Push(op); err != nil {
		panic(err)
	}
}
