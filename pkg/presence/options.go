package presence

import (
	"log/slog"
	"time"
)

type options struct {
	mode              Mode
	heartbeatInterval time.Duration
	eventBuffer       int
	logger            *slog.Logger
}

// Option configures a Counter.
type Option func(*options)

// WithMode selects realtime (default) or manual sync.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithHeartbeatInterval sets how often the TTL is refreshed.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithEventBuffer sets the capacity of each subscriber channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
