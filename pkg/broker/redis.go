package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis is a Broker on Redis pub/sub. Topics are prefixed so several
// deployments can share one Redis.
type Redis struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis connects to the Redis at addr and checks it with a PING.
func NewRedis(ctx context.Context, addr, prefix string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Redis{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With(slog.String("component", "broker"), slog.String("redis", addr)),
	}, nil
}

func (r *Redis) channel(topic string) string { return r.prefix + topic }

// Publish sends payload to every subscriber of topic in any process.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.rdb.Publish(ctx, r.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic until ctx is done. It returns once Redis has
// confirmed the subscription, so nothing published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, DefaultBuffer)
	msgs := pubsub.Channel()
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					r.logger.Warn("subscriber full, dropping payload", slog.String("topic", topic))
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection and with it every subscription.
func (r *Redis) Close() error { return r.rdb.Close() }
