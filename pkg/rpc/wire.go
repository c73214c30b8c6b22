// Package rpc carries the client Transport over a websocket. Every message
// is one binary frame holding a msgpack-encoded envelope; change packs
// inside it use the converter wire format.
//
// A call is a request frame answered by one frame with the same id. A watch
// is a request answered by an acknowledgement, then stream frames, then an
// end frame; the caller ends it early with a cancel frame.
package rpc

import (
	"errors"

	"github.com/daviddao/docsync/pkg/server"
	"github.com/daviddao/docsync/pkg/store"
)

const (
	methodActivate          = "activate"
	methodDeactivate        = "deactivate"
	methodAttach            = "attach"
	methodDetach            = "detach"
	methodPushPull          = "pushpull"
	methodRemove            = "remove"
	methodWatchDocument     = "watch_document"
	methodAttachPresence    = "attach_presence"
	methodDetachPresence    = "detach_presence"
	methodRefreshPresence   = "refresh_presence"
	methodHeartbeatPresence = "heartbeat_presence"
	methodWatchPresence     = "watch_presence"
	methodCancel            = "cancel"
)

type frame struct {
	ID     uint64 `msgpack:"id"`
	Method string `msgpack:"method,omitempty"`
	Body   []byte `msgpack:"body,omitempty"`
	Error  string `msgpack:"error,omitempty"`
	Code   string `msgpack:"code,omitempty"`
	Stream bool   `msgpack:"stream,omitempty"`
	End    bool   `msgpack:"end,omitempty"`
}

type activateRequest struct {
	Key string `msgpack:"key"`
}

type actorMessage struct {
	Actor string `msgpack:"actor"`
}

type packRequest struct {
	Actor string `msgpack:"actor"`
	Pack  []byte `msgpack:"pack"`
}

type packResponse struct {
	Pack []byte `msgpack:"pack"`
}

type watchDocumentRequest struct {
	Actor string `msgpack:"actor"`
	Key   string `msgpack:"key"`
}

type watchEvent struct {
	Key       string `msgpack:"key"`
	Publisher string `msgpack:"publisher"`
	ServerSeq int64  `msgpack:"server_seq"`
}

type presenceRequest struct {
	Key        string `msgpack:"key"`
	Actor      string `msgpack:"actor,omitempty"`
	PresenceID string `msgpack:"presence_id,omitempty"`
}

type presenceUpdate struct {
	PresenceID string `msgpack:"presence_id,omitempty"`
	Count      int64  `msgpack:"count"`
	Seq        int64  `msgpack:"seq"`
}

// errorCodes name the errors a caller can match with errors.Is across the
// wire.
var errorCodes = []struct {
	code string
	err  error
}{
	{"client_not_active", server.ErrClientNotActive},
	{"document_not_attached", server.ErrDocumentNotAttached},
	{"document_removed", server.ErrDocumentRemoved},
	{"invalid_pack", server.ErrInvalidPack},
	{"client_not_found", store.ErrClientNotFound},
	{"document_not_found", store.ErrDocumentNotFound},
	{"presence_not_found", store.ErrPresenceNotFound},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// RemoteError is an error returned by the service. It unwraps to the
// matching sentinel when the service sent a known code.
type RemoteError struct {
	Method  string
	Message string
	target  error
}

func (e *RemoteError) Error() string { return e.Method + ": " + e.Message }
func (e *RemoteError) Unwrap() error { return e.target }

func remoteError(method string, f frame) error {
	e := &RemoteError{Method: method, Message: f.Error}
	for _, c := range errorCodes {
		if c.code == f.Code {
			e.target = c.err
			break
		}
	}
	return e
}
