package rpc

import (
	"log/slog"
	"time"
)

type options struct {
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*options)

// WithLogger sets the handler's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type dialOptions struct {
	logger          *slog.Logger
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// WithDialLogger sets the connection's logger. Defaults to slog.Default().
func WithDialLogger(logger *slog.Logger) DialOption {
	return func(o *dialOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialRetries sets how many times a failed dial is retried. Zero dials
// once.
func WithDialRetries(n uint64) DialOption {
	return func(o *dialOptions) { o.maxRetries = n }
}

// WithDialBackoff sets the first and the largest wait between dials.
func WithDialBackoff(initial, max time.Duration) DialOption {
	return func(o *dialOptions) {
		if initial > 0 {
			o.initialInterval = initial
		}
		if max >= initial {
			o.maxInterval = max
		}
	}
}
