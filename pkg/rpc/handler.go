package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/converter"
	"github.com/daviddao/docsync/pkg/presence"
)

// Handler serves the transport on /rpc, a liveness probe on /healthz and,
// with a registry, metrics on /metrics.
type Handler struct {
	transport client.Transport
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	router    *mux.Router
}

// NewHandler creates a Handler for transport. reg may be nil.
func NewHandler(transport client.Transport, reg *prometheus.Registry, opts ...Option) *Handler {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	h := &Handler{
		transport: transport,
		logger:    o.logger.With(slog.String("component", "rpc")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/rpc", h.serveRPC)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serveRPC(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		h:       h,
		ws:      ws,
		ctx:     ctx,
		streams: make(map[uint64]context.CancelFunc),
		logger:  h.logger.With(slog.String("remote", r.RemoteAddr)),
	}
	s.logger.Debug("connection opened")
	s.run()
	cancel()
	s.wg.Wait()
	ws.Close()
	s.logger.Debug("connection closed")
}

// session is one websocket connection. Calls are served concurrently;
// writes are serialized.
type session struct {
	h      *Handler
	ws     *websocket.Conn
	ctx    context.Context
	logger *slog.Logger
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint64]context.CancelFunc
}

func (s *session) run() {
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", slog.String("err", err.Error()))
			}
			return
		}
		var f frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			s.logger.Warn("bad frame", slog.String("err", err.Error()))
			continue
		}

		switch f.Method {
		case methodCancel:
			s.endStream(f.ID)
		case methodWatchDocument, methodWatchPresence:
			ctx, cancel := context.WithCancel(s.ctx)
			s.mu.Lock()
			s.streams[f.ID] = cancel
			s.mu.Unlock()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.endStream(f.ID)
				s.serveStream(ctx, f)
			}()
		default:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveCall(f)
			}()
		}
	}
}

func (s *session) endStream(id uint64) {
	s.mu.Lock()
	cancel, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) send(f frame) {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		s.logger.Error("encode frame", slog.String("err", err.Error()))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.logger.Debug("write failed", slog.String("err", err.Error()))
	}
}

func (s *session) sendError(id uint64, err error) {
	s.send(frame{ID: id, Error: err.Error(), Code: errorCode(err)})
}

func (s *session) reply(id uint64, v any) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		s.sendError(id, err)
		return
	}
	s.send(frame{ID: id, Body: body})
}

func (s *session) serveCall(f frame) {
	resp, err := s.call(f)
	if err != nil {
		s.sendError(f.ID, err)
		return
	}
	s.reply(f.ID, resp)
}

func (s *session) call(f frame) (any, error) {
	ctx, t := s.ctx, s.h.transport
	switch f.Method {
	case methodActivate:
		var req activateRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		actor, err := t.ActivateClient(ctx, req.Key)
		if err != nil {
			return nil, err
		}
		return actorMessage{Actor: actor.String()}, nil

	case methodDeactivate:
		var req actorMessage
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		return struct{}{}, t.DeactivateClient(ctx, clock.ActorID(req.Actor))

	case methodAttach, methodDetach, methodPushPull, methodRemove:
		var req packRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		pack, err := converter.UnmarshalPack(req.Pack)
		if err != nil {
			return nil, err
		}
		call := map[string]func(context.Context, clock.ActorID, *change.Pack) (*change.Pack, error){
			methodAttach:   t.AttachDocument,
			methodDetach:   t.DetachDocument,
			methodPushPull: t.PushPull,
			methodRemove:   t.RemoveDocument,
		}[f.Method]
		resp, err := call(ctx, clock.ActorID(req.Actor), pack)
		if err != nil {
			return nil, err
		}
		data, err := converter.MarshalPack(resp)
		if err != nil {
			return nil, err
		}
		return packResponse{Pack: data}, nil

	case methodAttachPresence:
		var req presenceRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		att, err := t.AttachPresence(ctx, req.Key, clock.ActorID(req.Actor))
		if err != nil {
			return nil, err
		}
		return presenceUpdate{PresenceID: att.PresenceID, Count: att.Count, Seq: att.Seq}, nil

	case methodDetachPresence, methodRefreshPresence:
		var req presenceRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		call := t.DetachPresence
		if f.Method == methodRefreshPresence {
			call = t.RefreshPresence
		}
		u, err := call(ctx, req.Key, req.PresenceID)
		if err != nil {
			return nil, err
		}
		return presenceUpdate{Count: u.Count, Seq: u.Seq}, nil

	case methodHeartbeatPresence:
		var req presenceRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			return nil, err
		}
		return struct{}{}, t.HeartbeatPresence(ctx, req.Key, req.PresenceID)
	}
	return nil, fmt.Errorf("unknown method %q", f.Method)
}

// serveStream acknowledges a watch, forwards its items and ends it.
func (s *session) serveStream(ctx context.Context, f frame) {
	t := s.h.transport
	var items <-chan any
	switch f.Method {
	case methodWatchDocument:
		var req watchDocumentRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			s.sendError(f.ID, err)
			return
		}
		events, err := t.WatchDocument(ctx, clock.ActorID(req.Actor), req.Key)
		if err != nil {
			s.sendError(f.ID, err)
			return
		}
		items = forward(events, func(ev client.WatchEvent) any {
			return watchEvent{Key: ev.Key, Publisher: ev.Publisher.String(), ServerSeq: ev.ServerSeq}
		})

	case methodWatchPresence:
		var req presenceRequest
		if err := msgpack.Unmarshal(f.Body, &req); err != nil {
			s.sendError(f.ID, err)
			return
		}
		updates, err := t.WatchPresence(ctx, req.Key)
		if err != nil {
			s.sendError(f.ID, err)
			return
		}
		items = forward(updates, func(u presence.Update) any {
			return presenceUpdate{Count: u.Count, Seq: u.Seq}
		})
	}

	s.send(frame{ID: f.ID})
	for item := range items {
		body, err := msgpack.Marshal(item)
		if err != nil {
			s.logger.Error("encode stream item", slog.String("err", err.Error()))
			continue
		}
		s.send(frame{ID: f.ID, Stream: true, Body: body})
	}
	s.send(frame{ID: f.ID, End: true})
}

func forward[T any](in <-chan T, conv func(T) any) <-chan any {
	out := make(chan any)
	go func() {
		defer close(out)
		for v := range in {
			out <- conv(v)
		}
	}()
	return out
}
