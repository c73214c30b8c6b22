package document

import "log/slog"

// DefaultEventBuffer is the per-subscriber channel capacity.
const DefaultEventBuffer = 64

type options struct {
	logger      *slog.Logger
	eventBuffer int
}

// Option configures a Document.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEventBuffer sets the capacity of each subscriber channel. Events for
// a subscriber whose channel is full are dropped.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}
