// Package converter encodes the engine's wire types with msgpack: actor
// ids, tickets, change ids, checkpoints, changes, packs and document
// snapshots. Every Marshal has an Unmarshal that restores the value field
// for field; primitive values travel in their fixed binary form
// (crdt.Primitive.Bytes) so integer and float widths survive the trip.
package converter

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/crdt"
	"github.com/daviddao/docsync/pkg/operations"
)

var (
	// ErrUnsupportedOperation is returned for an operation type the codec
	// does not know.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUnsupportedElement is returned for an element kind the codec does
	// not know.
	ErrUnsupportedElement = errors.New("unsupported element")
)

// ---------------------------------------------------------------------------
// ActorID / Ticket
// ---------------------------------------------------------------------------

// MarshalActorID encodes an actor id.
func MarshalActorID(actor clock.ActorID) ([]byte, error) {
	return msgpack.Marshal(&actorWire{ID: actor.String()})
}

// UnmarshalActorID decodes and validates an actor id.
func UnmarshalActorID(data []byte) (clock.ActorID, error) {
	var w actorWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return "", fmt.Errorf("unmarshal actor id: %w", err)
	}
	return clock.ParseActorID(w.ID)
}

// MarshalTicket encodes a ticket.
func MarshalTicket(t clock.Ticket) ([]byte, error) {
	w := toTicketWire(t)
	return msgpack.Marshal(&w)
}

// UnmarshalTicket decodes a ticket.
func UnmarshalTicket(data []byte) (clock.Ticket, error) {
	var w ticketWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return clock.Ticket{}, fmt.Errorf("unmarshal ticket: %w", err)
	}
	return fromTicketWire(w)
}

func toTicketWire(t clock.Ticket) ticketWire {
	return ticketWire{Lamport: t.Lamport(), Delimiter: t.Delimiter(), Actor: t.ActorID().String()}
}

func fromTicketWire(w ticketWire) (clock.Ticket, error) {
	actor, err := clock.ParseActorID(w.Actor)
	if err != nil {
		return clock.Ticket{}, err
	}
	return clock.NewTicket(w.Lamport, w.Delimiter, actor), nil
}

func toTicketWirePtr(t *clock.Ticket) *ticketWire {
	if t == nil {
		return nil
	}
	w := toTicketWire(*t)
	return &w
}

func fromTicketWirePtr(w *ticketWire) (*clock.Ticket, error) {
	if w == nil {
		return nil, nil
	}
	t, err := fromTicketWire(*w)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// VersionVector / ChangeID / CheckPoint
// ---------------------------------------------------------------------------

func toVectorWire(v clock.VersionVector) map[string]int64 {
	if v == nil {
		return nil
	}
	w := make(map[string]int64, len(v))
	for actor, l := range v {
		w[actor.String()] = l
	}
	return w
}

func fromVectorWire(w map[string]int64) (clock.VersionVector, error) {
	if w == nil {
		return nil, nil
	}
	v := make(clock.VersionVector, len(w))
	for s, l := range w {
		actor, err := clock.ParseActorID(s)
		if err != nil {
			return nil, err
		}
		v[actor] = l
	}
	return v, nil
}

// MarshalVersionVector encodes a version vector.
func MarshalVersionVector(v clock.VersionVector) ([]byte, error) {
	return msgpack.Marshal(toVectorWire(v))
}

// UnmarshalVersionVector decodes a version vector. Empty input yields an
// empty vector.
func UnmarshalVersionVector(data []byte) (clock.VersionVector, error) {
	if len(data) == 0 {
		return clock.NewVersionVector(), nil
	}
	var w map[string]int64
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal version vector: %w", err)
	}
	v, err := fromVectorWire(w)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = clock.NewVersionVector()
	}
	return v, nil
}

// MarshalChangeID encodes a change id.
func MarshalChangeID(id change.ID) ([]byte, error) {
	w := toChangeIDWire(id)
	return msgpack.Marshal(&w)
}

// UnmarshalChangeID decodes a change id.
func UnmarshalChangeID(data []byte) (change.ID, error) {
	var w changeIDWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return change.ID{}, fmt.Errorf("unmarshal change id: %w", err)
	}
	return fromChangeIDWire(w)
}

func toChangeIDWire(id change.ID) changeIDWire {
	return changeIDWire{
		ClientSeq:     id.ClientSeq(),
		Lamport:       id.Lamport(),
		Actor:         id.Actor().String(),
		VersionVector: toVectorWire(id.VersionVector()),
		ServerSeq:     id.ServerSeq(),
	}
}

func fromChangeIDWire(w changeIDWire) (change.ID, error) {
	actor, err := clock.ParseActorID(w.Actor)
	if err != nil {
		return change.ID{}, err
	}
	vv, err := fromVectorWire(w.VersionVector)
	if err != nil {
		return change.ID{}, err
	}
	return change.NewID(w.ClientSeq, w.Lamport, actor, vv).SetServerSeq(w.ServerSeq), nil
}

// MarshalCheckPoint encodes a checkpoint.
func MarshalCheckPoint(cp change.CheckPoint) ([]byte, error) {
	return msgpack.Marshal(&checkPointWire{ServerSeq: cp.ServerSeq(), ClientSeq: cp.ClientSeq()})
}

// UnmarshalCheckPoint decodes a checkpoint.
func UnmarshalCheckPoint(data []byte) (change.CheckPoint, error) {
	var w checkPointWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return change.CheckPoint{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return change.NewCheckPoint(w.ServerSeq, w.ClientSeq), nil
}

// ---------------------------------------------------------------------------
// Elements
// ---------------------------------------------------------------------------

func toElementWire(elem crdt.Element) (elementWire, error) {
	w := elementWire{
		CreatedAt: toTicketWire(elem.CreatedAt()),
		RemovedAt: toTicketWirePtr(elem.RemovedAt()),
	}
	switch e := elem.(type) {
	case *crdt.Primitive:
		w.Kind = elementPrimitive
		w.ValueType = int(e.ValueType())
		w.Value = e.Bytes()
	case *crdt.Object:
		w.Kind = elementObject
		for _, m := range e.Members() {
			child, err := toElementWire(m.Element)
			if err != nil {
				return elementWire{}, err
			}
			w.Members = append(w.Members, memberWire{Key: m.Key, Element: child})
		}
	case *crdt.Array:
		w.Kind = elementArray
		for _, n := range e.Nodes() {
			child, err := toElementWire(n)
			if err != nil {
				return elementWire{}, err
			}
			w.Elements = append(w.Elements, child)
		}
	default:
		return elementWire{}, fmt.Errorf("%w: %T", ErrUnsupportedElement, elem)
	}
	return w, nil
}

type removedAtSetter interface {
	SetRemovedAt(removedAt *clock.Ticket)
}

func fromElementWire(w elementWire) (crdt.Element, error) {
	createdAt, err := fromTicketWire(w.CreatedAt)
	if err != nil {
		return nil, err
	}
	removedAt, err := fromTicketWirePtr(w.RemovedAt)
	if err != nil {
		return nil, err
	}

	var elem crdt.Element
	switch w.Kind {
	case elementPrimitive:
		v, err := crdt.ValueFromBytes(crdt.ValueType(w.ValueType), w.Value)
		if err != nil {
			return nil, err
		}
		p, err := crdt.NewPrimitive(v, createdAt)
		if err != nil {
			return nil, err
		}
		elem = p
	case elementObject:
		obj := crdt.NewObject(createdAt)
		for _, m := range w.Members {
			child, err := fromElementWire(m.Element)
			if err != nil {
				return nil, err
			}
			obj.Set(m.Key, child)
		}
		elem = obj
	case elementArray:
		nodes := make([]crdt.Element, 0, len(w.Elements))
		for _, e := range w.Elements {
			child, err := fromElementWire(e)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, child)
		}
		elem = crdt.NewArray(createdAt, nodes...)
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedElement, w.Kind)
	}
	elem.(removedAtSetter).SetRemovedAt(removedAt)
	return elem, nil
}

// ---------------------------------------------------------------------------
// Operations / Change
// ---------------------------------------------------------------------------

func toOperationWire(op operations.Operation) (operationWire, error) {
	w := operationWire{
		ParentCreatedAt: toTicketWire(op.ParentCreatedAt()),
		ExecutedAt:      toTicketWire(op.ExecutedAt()),
	}
	switch o := op.(type) {
	case *operations.Set:
		value, err := toElementWire(o.Value())
		if err != nil {
			return operationWire{}, err
		}
		w.Type = string(operations.TypeSet)
		w.Key = o.Key()
		w.Value = &value
	case *operations.Add:
		value, err := toElementWire(o.Value())
		if err != nil {
			return operationWire{}, err
		}
		prev := toTicketWire(o.PrevCreatedAt())
		w.Type = string(operations.TypeAdd)
		w.PrevCreatedAt = &prev
		w.Value = &value
	case *operations.Remove:
		createdAt := toTicketWire(o.CreatedAt())
		w.Type = string(operations.TypeRemove)
		w.CreatedAt = &createdAt
	default:
		return operationWire{}, fmt.Errorf("%w: %T", ErrUnsupportedOperation, op)
	}
	return w, nil
}

func fromOperationWire(w operationWire) (operations.Operation, error) {
	parent, err := fromTicketWire(w.ParentCreatedAt)
	if err != nil {
		return nil, err
	}
	executedAt, err := fromTicketWire(w.ExecutedAt)
	if err != nil {
		return nil, err
	}

	switch operations.Type(w.Type) {
	case operations.TypeSet:
		if w.Value == nil {
			return nil, fmt.Errorf("set %q: missing value", w.Key)
		}
		value, err := fromElementWire(*w.Value)
		if err != nil {
			return nil, err
		}
		return operations.NewSet(parent, w.Key, value, executedAt), nil
	case operations.TypeAdd:
		if w.Value == nil || w.PrevCreatedAt == nil {
			return nil, errors.New("add: missing value or previous element")
		}
		value, err := fromElementWire(*w.Value)
		if err != nil {
			return nil, err
		}
		prev, err := fromTicketWire(*w.PrevCreatedAt)
		if err != nil {
			return nil, err
		}
		return operations.NewAdd(parent, prev, value, executedAt), nil
	case operations.TypeRemove:
		if w.CreatedAt == nil {
			return nil, errors.New("remove: missing target")
		}
		createdAt, err := fromTicketWire(*w.CreatedAt)
		if err != nil {
			return nil, err
		}
		return operations.NewRemove(parent, createdAt, executedAt), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, w.Type)
}

// MarshalChange encodes a change.
func MarshalChange(c *change.Change) ([]byte, error) {
	w, err := toChangeWire(c)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&w)
}

// UnmarshalChange decodes a change.
func UnmarshalChange(data []byte) (*change.Change, error) {
	var w changeWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal change: %w", err)
	}
	return fromChangeWire(w)
}

func toChangeWire(c *change.Change) (changeWire, error) {
	w := changeWire{ID: toChangeIDWire(c.ID()), Message: c.Message()}
	for _, op := range c.Operations() {
		ow, err := toOperationWire(op)
		if err != nil {
			return changeWire{}, fmt.Errorf("change %s: %w", c.ID(), err)
		}
		w.Operations = append(w.Operations, ow)
	}
	if pc := c.PresenceChange(); pc != nil {
		w.PresenceChange = &presenceChangeWire{Type: int(pc.Type), Presence: pc.Presence}
	}
	return w, nil
}

func fromChangeWire(w changeWire) (*change.Change, error) {
	id, err := fromChangeIDWire(w.ID)
	if err != nil {
		return nil, err
	}
	var ops []operations.Operation
	for _, ow := range w.Operations {
		op, err := fromOperationWire(ow)
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", id, err)
		}
		ops = append(ops, op)
	}
	var pc *change.PresenceChange
	if w.PresenceChange != nil {
		pc = &change.PresenceChange{
			Type:     change.PresenceChangeType(w.PresenceChange.Type),
			Presence: w.PresenceChange.Presence,
		}
	}
	return change.New(id, w.Message, ops, pc), nil
}

// ---------------------------------------------------------------------------
// Pack
// ---------------------------------------------------------------------------

// MarshalPack encodes a change pack.
func MarshalPack(p *change.Pack) ([]byte, error) {
	w := packWire{
		DocumentKey:     p.DocumentKey,
		CheckPoint:      checkPointWire{ServerSeq: p.CheckPoint.ServerSeq(), ClientSeq: p.CheckPoint.ClientSeq()},
		SnapshotSet:     p.Snapshot != nil,
		Snapshot:        p.Snapshot,
		MinSyncedVector: toVectorWire(p.MinSyncedVersionVector),
		VersionVector:   toVectorWire(p.VersionVector),
		IsRemoved:       p.IsRemoved,
	}
	if p.Changes != nil {
		w.Changes = make([]changeWire, 0, len(p.Changes))
	}
	for _, c := range p.Changes {
		cw, err := toChangeWire(c)
		if err != nil {
			return nil, err
		}
		w.Changes = append(w.Changes, cw)
	}
	return msgpack.Marshal(&w)
}

// UnmarshalPack decodes a change pack.
func UnmarshalPack(data []byte) (*change.Pack, error) {
	var w packWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal pack: %w", err)
	}

	p := &change.Pack{
		DocumentKey: w.DocumentKey,
		CheckPoint:  change.NewCheckPoint(w.CheckPoint.ServerSeq, w.CheckPoint.ClientSeq),
		IsRemoved:   w.IsRemoved,
	}
	if w.SnapshotSet {
		p.Snapshot = w.Snapshot
		if p.Snapshot == nil {
			p.Snapshot = []byte{}
		}
	}
	var err error
	if p.MinSyncedVersionVector, err = fromVectorWire(w.MinSyncedVector); err != nil {
		return nil, err
	}
	if p.VersionVector, err = fromVectorWire(w.VersionVector); err != nil {
		return nil, err
	}
	if w.Changes != nil {
		p.Changes = make([]*change.Change, 0, len(w.Changes))
	}
	for _, cw := range w.Changes {
		c, err := fromChangeWire(cw)
		if err != nil {
			return nil, err
		}
		p.Changes = append(p.Changes, c)
	}
	return p, nil
}
