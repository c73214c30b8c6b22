package server

import (
	"context"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/daviddao/docsync/pkg/clock"
	"github.com/daviddao/docsync/pkg/model"
)

// Broker topics. Payloads are msgpack so a Redis broker can carry them
// between service processes.
func docTopic(key string) string      { return "doc/" + key }
func presenceTopic(key string) string { return "presence/" + key }

type docEventWire struct {
	Publisher string `msgpack:"publisher"`
	ServerSeq int64  `msgpack:"server_seq"`
}

type presenceEventWire struct {
	Count int64 `msgpack:"count"`
	Seq   int64 `msgpack:"seq"`
}

func (s *Server) publishDocEvent(ctx context.Context, key string, publisher clock.ActorID, serverSeq int64) {
	payload, err := msgpack.Marshal(&docEventWire{Publisher: publisher.String(), ServerSeq: serverSeq})
	if err == nil {
		err = s.broker.Publish(ctx, docTopic(key), payload)
	}
	if err != nil {
		s.metrics.publishFailures.Inc()
		s.logger.Warn("publish document event", slog.String("doc", key), slog.String("err", err.Error()))
	}
}

func (s *Server) publishPresence(ctx context.Context, c model.PresenceCount) {
	payload, err := msgpack.Marshal(&presenceEventWire{Count: c.Count, Seq: c.Seq})
	if err == nil {
		err = s.broker.Publish(ctx, presenceTopic(c.Key), payload)
	}
	if err != nil {
		s.metrics.publishFailures.Inc()
		s.logger.Warn("publish presence count", slog.String("key", c.Key), slog.String("err", err.Error()))
	}
}
