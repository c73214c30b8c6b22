package client

import (
	"context"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/presence"
)

// WatchEvent announces that a document gained changes on the service.
type WatchEvent struct {
	Key       string
	Publisher clock.ActorID
	ServerSeq int64
}

// Transport is the client's view of the sync service. The in-process
// server and the websocket dialer both implement it. Packs carry the
// converter wire types; a Transport never retries a call.
type Transport interface {
	presence.Service

	// ActivateClient registers key and returns its actor id. Reactivating a
	// key returns the same actor.
	ActivateClient(ctx context.Context, key string) (clock.ActorID, error)

	// DeactivateClient detaches every document of the actor.
	DeactivateClient(ctx context.Context, actor clock.ActorID) error

	// AttachDocument attaches the actor to pack's document, creating it if
	// needed, and push-pulls the pack.
	AttachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error)

	// DetachDocument push-pulls the pack and detaches the actor.
	DetachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error)

	// PushPull stores the pack's changes and returns the changes the actor
	// has not seen, or a snapshot.
	PushPull(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error)

	// RemoveDocument push-pulls the pack and removes the document. The
	// response has IsRemoved set.
	RemoveDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error)

	// WatchDocument streams change announcements for key until ctx is done.
	WatchDocument(ctx context.Context, actor clock.ActorID, key string) (<-chan WatchEvent, error)
}
