package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daviddao/docsync/pkg/broker"
)

const (
	// DefaultSnapshotThreshold is the gap in server sequences above which a
	// pull is answered with a snapshot.
	DefaultSnapshotThreshold = 500

	// DefaultPresenceTTL is how long a presence lives without a heartbeat.
	DefaultPresenceTTL = 30 * time.Second

	// DefaultSweepInterval is how often expired presences are removed.
	DefaultSweepInterval = 5 * time.Second
)

type options struct {
	logger            *slog.Logger
	broker            broker.Broker
	registry          *prometheus.Registry
	snapshotThreshold int64
	presenceTTL       time.Duration
	sweepInterval     time.Duration
	now               func() time.Time
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBroker sets the broker for watch streams. Defaults to an in-memory
// broker owned and closed by the server.
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithRegistry sets the registry metrics are registered on. Defaults to a
// fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithSnapshotThreshold sets the sequence gap above which pulls return a
// snapshot.
func WithSnapshotThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.snapshotThreshold = n
		}
	}
}

// WithPresenceTTL sets the presence TTL.
func WithPresenceTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.presenceTTL = d
		}
	}
}

// WithSweepInterval sets the sweep interval of the presence sweeper. Zero
// disables the sweeper; SweepPresences can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now for presence expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
