// retry.go retries store writes that fail on transient SQLite errors.
//
// Concurrent push-pulls against a WAL-mode database can produce SQLITE_BUSY,
// SQLITE_LOCKED and IOERR_SHORT_READ (522). busy_timeout absorbs most of
// SQLITE_BUSY at the connection level; the rest are retried here with
// exponential backoff and jitter.
package store

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all store write operations.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr reports whether err is a SQLite error that can be
// resolved by retrying:
//   - SQLITE_BUSY (5): another connection holds a lock
//   - SQLITE_LOCKED (6): table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522): WAL contention read failure
//   - database is locked: text-level detection for the busy_timeout fallthrough
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// Codes are embedded in error messages from modernc.org/sqlite.
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// newBackOff builds the exponential policy for cfg: the first wait is
// baseDelay, each wait doubles up to maxDelay, and every wait carries up to
// 50% jitter either way.
func newBackOff(cfg retryConfig) backoff.BackOff {
	// WithMaxRetries treats 0 as unlimited.
	if cfg.maxRetries == 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.baseDelay
	b.MaxInterval = cfg.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, cfg.maxRetries)
}

// retryOp runs fn, retrying transient errors up to cfg.maxRetries times.
// A non-transient error is returned at once.
func retryOp(cfg retryConfig, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(cfg))
}
