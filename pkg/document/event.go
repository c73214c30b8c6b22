package document

import (
	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/operations"
)

// Event is published to subscribers after the document state changed. The
// concrete types are LocalChangeEvent, RemoteChangeEvent, SnapshotEvent and
// StatusChangedEvent.
type Event interface {
	isEvent()
}

// ChangeInfo describes one applied change.
type ChangeInfo struct {
	Actor          clock.ActorID
	ClientSeq      uint32
	ServerSeq      int64
	Message        string
	Operations     []operations.OpInfo
	PresenceChange *change.PresenceChange
}

// LocalChangeEvent follows a committed local edit.
type LocalChangeEvent struct {
	Change ChangeInfo
}

// RemoteChangeEvent follows a batch of remote changes, in application order.
type RemoteChangeEvent struct {
	Changes []ChangeInfo
}

// SnapshotEvent follows the replacement of the root by a snapshot.
type SnapshotEvent struct {
	ServerSeq int64
}

// StatusChangedEvent follows an attach, detach or removal.
type StatusChangedEvent struct {
	Status Status
}

func (LocalChangeEvent) isEvent()   {}
func (RemoteChangeEvent) isEvent()  {}
func (SnapshotEvent) isEvent()      {}
func (StatusChangedEvent) isEvent() {}

func changeInfo(c *change.Change, infos []operations.OpInfo) ChangeInfo {
	return ChangeInfo{
		Actor:          c.ID().Actor(),
		ClientSeq:      c.ClientSeq(),
		ServerSeq:      c.ServerSeq(),
		Message:        c.Message(),
		Operations:     infos,
		PresenceChange: c.PresenceChange(),
	}
}
