package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/broker"
	"github.com/daviddao/docsync/pkg/change"
	"github.com/daviddao/docsync/pkg/client"
	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/converter"
	"github.com/daviddao/docsync/pkg/presence"
)

// ErrConnClosed is returned by calls on a closed or broken connection.
var ErrConnClosed = errors.New("rpc connection closed")

// Conn is a client.Transport over one websocket. It is safe for concurrent
// use; calls are never retried.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	streams map[uint64]chan frame
	err     error

	done chan struct{}
}

var _ client.Transport = (*Conn)(nil)

// Dial connects to the /rpc endpoint at url, retrying a failed dial with
// exponential backoff. A handshake the server refuses is not retried.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	o := dialOptions{
		logger:          slog.Default(),
		maxRetries:      5,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("component", "rpc"), slog.String("url", url))

	var b backoff.BackOff = &backoff.StopBackOff{}
	if o.maxRetries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = o.initialInterval
		exp.MaxInterval = o.maxInterval
		exp.MaxElapsedTime = 0
		exp.Reset()
		b = backoff.WithMaxRetries(exp, o.maxRetries)
	}

	var ws *websocket.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			logger.Debug("dial failed", slog.Int("attempt", attempt), slog.String("err", err.Error()))
			return err
		}
		ws = conn
		return nil
	}, b)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan frame),
		streams: make(map[uint64]chan frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	logger.Debug("connected", slog.Int("attempts", attempt))
	return c, nil
}

// Close closes the connection. Pending calls fail and watch streams end.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	var err error
	for {
		var data []byte
		if _, data, err = c.ws.ReadMessage(); err != nil {
			break
		}
		var f frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			c.logger.Warn("bad frame", slog.String("err", err.Error()))
			continue
		}
		c.dispatch(f)
	}

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrConnClosed, err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, ch := range c.streams {
		close(ch)
		delete(c.streams, id)
	}
	c.mu.Unlock()
}

func (c *Conn) dispatch(f frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Stream || f.End {
		ch, ok := c.streams[f.ID]
		if !ok {
			return
		}
		if f.End {
			close(ch)
			delete(c.streams, f.ID)
			return
		}
		select {
		case ch <- f:
		default:
			c.logger.Warn("watch stream full, dropping item", slog.Uint64("id", f.ID))
		}
		return
	}
	if ch, ok := c.pending[f.ID]; ok {
		ch <- f
		delete(c.pending, f.ID)
	}
}

func (c *Conn) send(f frame) error {
	data, err := msgpack.Marshal(&f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

// start registers a request and sends it. With stream set, frames after the
// acknowledgement go to the returned stream channel.
func (c *Conn) start(method string, req any, stream bool) (uint64, chan frame, chan frame, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return 0, nil, nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, nil, err
	}
	c.nextID++
	id := c.nextID
	reply := make(chan frame, 1)
	c.pending[id] = reply
	var items chan frame
	if stream {
		items = make(chan frame, broker.DefaultBuffer)
		c.streams[id] = items
	}
	c.mu.Unlock()

	if err := c.send(frame{ID: id, Method: method, Body: body}); err != nil {
		c.forget(id)
		return 0, nil, nil, err
	}
	return id, reply, items, nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Conn) await(ctx context.Context, method string, id uint64, reply chan frame) (frame, error) {
	select {
	case f, ok := <-reply:
		if !ok {
			return frame{}, c.closedErr()
		}
		if f.Error != "" {
			return frame{}, remoteError(method, f)
		}
		return f, nil
	case <-ctx.Done():
		c.forget(id)
		return frame{}, ctx.Err()
	}
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrConnClosed
}

func (c *Conn) call(ctx context.Context, method string, req, resp any) error {
	id, reply, _, err := c.start(method, req, false)
	if err != nil {
		return err
	}
	f, err := c.await(ctx, method, id, reply)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return msgpack.Unmarshal(f.Body, resp)
}

// watch opens a stream and decodes its items with decode until ctx is done
// or the stream ends.
func watch[T any](ctx context.Context, c *Conn, method string, req any, decode func([]byte) (T, error)) (<-chan T, error) {
	id, reply, items, err := c.start(method, req, true)
	if err != nil {
		return nil, err
	}
	if _, err := c.await(ctx, method, id, reply); err != nil {
		c.forget(id)
		return nil, err
	}

	out := make(chan T, broker.DefaultBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				c.forget(id)
				c.send(frame{ID: id, Method: methodCancel})
				return
			case f, ok := <-items:
				if !ok {
					return
				}
				v, err := decode(f.Body)
				if err != nil {
					c.logger.Warn("bad stream item", slog.String("method", method), slog.String("err", err.Error()))
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
				}
			}
		}
	}()
	return out, nil
}

// ---------------------------------------------------------------------------
// client.Transport
// ---------------------------------------------------------------------------

func (c *Conn) ActivateClient(ctx context.Context, key string) (clock.ActorID, error) {
	var resp actorMessage
	if err := c.call(ctx, methodActivate, activateRequest{Key: key}, &resp); err != nil {
		return "", err
	}
	return clock.ParseActorID(resp.Actor)
}

func (c *Conn) DeactivateClient(ctx context.Context, actor clock.ActorID) error {
	return c.call(ctx, methodDeactivate, actorMessage{Actor: actor.String()}, nil)
}

func (c *Conn) packCall(ctx context.Context, method string, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	data, err := converter.MarshalPack(pack)
	if err != nil {
		return nil, err
	}
	var resp packResponse
	if err := c.call(ctx, method, packRequest{Actor: actor.String(), Pack: data}, &resp); err != nil {
		return nil, err
	}
	return converter.UnmarshalPack(resp.Pack)
}

func (c *Conn) AttachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	return c.packCall(ctx, methodAttach, actor, pack)
}

func (c *Conn) DetachDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	return c.packCall(ctx, methodDetach, actor, pack)
}

func (c *Conn) PushPull(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	return c.packCall(ctx, methodPushPull, actor, pack)
}

func (c *Conn) RemoveDocument(ctx context.Context, actor clock.ActorID, pack *change.Pack) (*change.Pack, error) {
	return c.packCall(ctx, methodRemove, actor, pack)
}

func (c *Conn) WatchDocument(ctx context.Context, actor clock.ActorID, key string) (<-chan client.WatchEvent, error) {
	req := watchDocumentRequest{Actor: actor.String(), Key: key}
	return watch(ctx, c, methodWatchDocument, req, func(b []byte) (client.WatchEvent, error) {
		var ev watchEvent
		if err := msgpack.Unmarshal(b, &ev); err != nil {
			return client.WatchEvent{}, err
		}
		return client.WatchEvent{Key: ev.Key, Publisher: clock.ActorID(ev.Publisher), ServerSeq: ev.ServerSeq}, nil
	})
}

func (c *Conn) AttachPresence(ctx context.Context, key string, actor clock.ActorID) (presence.Attachment, error) {
	var resp presenceUpdate
	if err := c.call(ctx, methodAttachPresence, presenceRequest{Key: key, Actor: actor.String()}, &resp); err != nil {
		return presence.Attachment{}, err
	}
	return presence.Attachment{
		PresenceID: resp.PresenceID,
		Update:     presence.Update{Count: resp.Count, Seq: resp.Seq},
	}, nil
}

func (c *Conn) DetachPresence(ctx context.Context, key, presenceID string) (presence.Update, error) {
	var resp presenceUpdate
	if err := c.call(ctx, methodDetachPresence, presenceRequest{Key: key, PresenceID: presenceID}, &resp); err != nil {
		return presence.Update{}, err
	}
	return presence.Update{Count: resp.Count, Seq: resp.Seq}, nil
}

func (c *Conn) RefreshPresence(ctx context.Context, key, presenceID string) (presence.Update, error) {
	var resp presenceUpdate
	if err := c.call(ctx, methodRefreshPresence, presenceRequest{Key: key, PresenceID: presenceID}, &resp); err != nil {
		return presence.Update{}, err
	}
	return presence.Update{Count: resp.Count, Seq: resp.Seq}, nil
}

func (c *Conn) HeartbeatPresence(ctx context.Context, key, presenceID string) error {
	return c.call(ctx, methodHeartbeatPresence, presenceRequest{Key: key, PresenceID: presenceID}, nil)
}

func (c *Conn) WatchPresence(ctx context.Context, key string) (<-chan presence.Update, error) {
	return watch(ctx, c, methodWatchPresence, presenceRequest{Key: key}, func(b []byte) (presence.Update, error) {
		var u presenceUpdate
		if err := msgpack.Unmarshal(b, &u); err != nil {
			return presence.Update{}, err
		}
		return presence.Update{Count: u.Count, Seq: u.Seq}, nil
	})
}
