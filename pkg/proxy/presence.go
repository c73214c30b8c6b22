package proxy

import (
	"maps"

	"github.com/daviddao/docsync/pkg/change"
)

// Presence is the mutable view of the editing actor's presence. Changes ride
// on the edit's change as a whole-value replacement.
type Presence struct {
	ctx  *change.Context
	data map[string]string
}

// NewPresence wraps a copy of the actor's current presence.
func NewPresence(ctx *change.Context, current map[string]string) *Presence {
	data := maps.Clone(current)
	if data == nil {
		data = make(map[string]string)
	}
	return &Presence{ctx: ctx, data: data}
}

// Set stores value under key.
func (p *Presence) Set(key, value string) *Presence {
	p.data[key] = value
	p.put()
	return p
}

// Delete removes key.
func (p *Presence) Delete(key string) *Presence {
	if _, ok := p.data[key]; !ok {
		return p
	}
	delete(p.data, key)
	p.put()
	return p
}

// Clear drops the actor's presence entirely.
func (p *Presence) Clear() {
	p.data = make(map[string]string)
	if err := p.ctx.SetPresenceChange(change.PresenceChange{Type: change.PresenceClear}); err != nil {
		panic(err)
	}
}

// Get returns the value under key.
func (p *Presence) Get(key string) (string, bool) {
	v, ok := p.data[key]
	return v, ok
}

func (p *Presence) put() {
	pc := change.PresenceChange{Type: change.PresencePut, Presence: maps.Clone(p.data)}
	if err := p.ctx.SetPresenceChange(pc); err != nil {
		panic(err)
	}
}
