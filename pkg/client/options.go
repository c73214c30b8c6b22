package client

import "log/slog"

type options struct {
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type attachOptions struct {
	mode SyncMode
}

// AttachOption configures one attachment.
type AttachOption func(*attachOptions)

// WithSyncMode selects manual or realtime sync. Defaults to SyncManual.
func WithSyncMode(mode SyncMode) AttachOption {
	return func(o *attachOptions) { o.mode = mode }
}
