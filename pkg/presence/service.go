package presence

import (
	"context"

	"github.com/daviddao/docsync/pkg/clock"
)

// Update is a counter value observed at a server sequence. The service
// assigns sequences per key, increasing with every attach, detach or expiry.
type Update struct {
	Count int64
	Seq   int64
}

// Attachment is the service's reply to an attach.
type Attachment struct {
	PresenceID string
	Update
}

// Service is the part of the sync service a Counter talks to.
type Service interface {
	// AttachPresence registers actor under key and returns its presence id
	// with the resulting count.
	AttachPresence(ctx context.Context, key string, actor clock.ActorID) (Attachment, error)

	// DetachPresence removes the presence and returns the resulting count.
	DetachPresence(ctx context.Context, key, presenceID string) (Update, error)

	// RefreshPresence extends the presence's TTL and returns the current
	// count.
	RefreshPresence(ctx context.Context, key, presenceID string) (Update, error)

	// HeartbeatPresence extends the presence's TTL.
	HeartbeatPresence(ctx context.Context, key, presenceID string) error

	// WatchPresence streams count updates for key, starting with the current
	// value, until ctx is done.
	WatchPresence(ctx context.Context, key string) (<-chan Update, error)
}
