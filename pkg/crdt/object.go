package crdt

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/daviddao/docsync/pkg/clock"
)

type objectMember struct {
	key  string
	elem Element
}

// Object is a map from string keys to elements. Concurrent sets of the same
// key resolve last-writer-wins by creation ticket; the loser is tombstoned
// with the winner's ticket so every replica ends with the same garbage.
type Object struct {
	removable
	byKey       map[string]*objectMember
	byCreatedAt map[clock.Ticket]*objectMember
}

// NewObject creates an empty object.
func NewObject(createdAt clock.Ticket) *Object {
	return &Object{
		removable:   removable{createdAt: createdAt},
		byKey:       make(map[string]*objectMember),
		byCreatedAt: make(map[clock.Ticket]*objectMember),
	}
}

// Set binds key to elem and returns the element it displaced, if any.
func (o *Object) Set(key string, elem Element) Element {
	var removed Element
	member := &objectMember{key: key, elem: elem}
	o.byCreatedAt[elem.CreatedAt()] = member

	existing, ok := o.byKey[key]
	if !ok {
		o.byKey[key] = member
		return nil
	}
	if elem.CreatedAt().After(existing.elem.CreatedAt()) {
		if !isRemoved(existing.elem) && existing.elem.Remove(elem.CreatedAt()) {
			removed = existing.elem
		}
		o.byKey[key] = member
		return removed
	}
	if !isRemoved(elem) && elem.Remove(existing.elem.CreatedAt()) {
		removed = elem
	}
	return removed
}

// Get returns the live element bound to key, or nil.
func (o *Object) Get(key string) Element {
	m, ok := o.byKey[key]
	if !ok || isRemoved(m.elem) {
		return nil
	}
	return m.elem
}

// Has reports whether key is bound to a live element.
func (o *Object) Has(key string) bool {
	return o.Get(key) != nil
}

// Keys returns the live keys in sorted order.
func (o *Object) Keys() []string {
	keys := make([]string, 0, len(o.byKey))
	for k, m := range o.byKey {
		if !isRemoved(m.elem) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DeleteByKey tombstones the live element bound to key.
func (o *Object) DeleteByKey(key string, executedAt clock.Ticket) (Element, error) {
	m, ok := o.byKey[key]
	if !ok {
		return nil, ErrElementNotFound
	}
	if !m.elem.Remove(executedAt) {
		return nil, nil
	}
	return m.elem, nil
}

// DeleteByCreatedAt tombstones the child created at createdAt.
func (o *Object) DeleteByCreatedAt(createdAt, executedAt clock.Ticket) (Element, error) {
	m, ok := o.byCreatedAt[createdAt]
	if !ok {
		return nil, ErrElementNotFound
	}
	if !m.elem.Remove(executedAt) {
		return nil, nil
	}
	return m.elem, nil
}

// Purge drops elem from the object.
func (o *Object) Purge(elem Element) error {
	m, ok := o.byCreatedAt[elem.CreatedAt()]
	if !ok {
		return ErrElementNotFound
	}
	delete(o.byCreatedAt, elem.CreatedAt())
	if cur, ok := o.byKey[m.key]; ok && cur == m {
		delete(o.byKey, m.key)
	}
	return nil
}

// SubPathOf returns the key under which createdAt is live.
func (o *Object) SubPathOf(createdAt clock.Ticket) (string, bool) {
	m, ok := o.byCreatedAt[createdAt]
	if !ok {
		return "", false
	}
	return m.key, true
}

// Members returns every member, live or not, ordered by creation.
func (o *Object) Members() []ObjectMember {
	members := make([]ObjectMember, 0, len(o.byCreatedAt))
	for _, m := range o.byCreatedAt {
		members = append(members, ObjectMember{Key: m.key, Element: m.elem})
	}
	sort.Slice(members, func(i, j int) bool {
		return members[j].Element.CreatedAt().After(members[i].Element.CreatedAt())
	})
	return members
}

// ObjectMember is a key/element pair as exposed by Members.
type ObjectMember struct {
	Key     string
	Element Element
}

// Descendants walks every child depth first.
func (o *Object) Descendants(fn func(elem Element, parent Container) bool) {
	for _, m := range o.Members() {
		if !fn(m.Element, o) {
			return
		}
		if c, ok := m.Element.(Container); ok {
			c.Descendants(fn)
		}
	}
}

// DeepCopy copies the object with all members, tombstones included.
func (o *Object) DeepCopy() Element {
	cp := NewObject(o.createdAt)
	cp.removable = o.copyRemovable()
	for _, m := range o.Members() {
		cp.Set(m.Key, m.Element.DeepCopy())
	}
	return cp
}

// Marshal returns the live members as a JSON object with sorted keys.
func (o *Object) Marshal() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, k := range o.Keys() {
		if i > 0 {
			sb.WriteString(",")
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteString(":")
		sb.WriteString(o.byKey[k].elem.Marshal())
	}
	sb.WriteString("}")
	return sb.String()
}
