package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("syntax error"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"IOERR_SHORT_READ text", errors.New("IOERR_SHORT_READ"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"database table is locked", errors.New("database table is locked"), true},
		{"code 5", errors.New("sqlite: (5) database is busy"), true},
		{"code 6", errors.New("sqlite: (6) table is locked"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", errors.New("store changes: SQLITE_BUSY: db locked"), true},
		{"unique violation", errors.New("UNIQUE constraint failed: changes.server_seq"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isTransientSQLiteErr(tt.err)
			if got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOpSucceedsImmediately(t *testing.T) {
	calls := 0
	err := retryOp(defaultRetryConfig, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("retryOp: got %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1", calls)
	}
}

func TestRetryOpNonTransientErrorNoRetry(t *testing.T) {
	calls := 0
	permanentErr := errors.New("UNIQUE constraint failed: changes.doc_id, changes.server_seq")
	err := retryOp(defaultRetryConfig, func() error {
		calls++
		return permanentErr
	})
	if err != permanentErr {
		t.Errorf("retryOp: got %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (non-transient errors are not retried)", calls)
	}
}

func TestRetryOpRetriesOnTransientError(t *testing.T) {
	calls := 0
	err := retryOp(retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	if err != nil {
		t.Errorf("retryOp after retries: got %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestRetryOpExhaustsRetries(t *testing.T) {
	calls := 0
	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	err := retryOp(cfg, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Error("retryOp: got nil, want error after exhausting retries")
	}
	// maxRetries=2 means initial attempt + 2 retries = 3 total calls.
	if calls != 3 {
		t.Errorf("calls: got %d, want 3 (1 initial + 2 retries)", calls)
	}
}

func TestRetryOpIOERRShortRead(t *testing.T) {
	calls := 0
	cfg := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	err := retryOp(cfg, func() error {
		calls++
		if calls < 2 {
			return errors.New("(522) IOERR_SHORT_READ")
		}
		return nil
	})
	if err != nil {
		t.Errorf("retryOp after retry: got %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestNewBackOffGrowsAndCaps(t *testing.T) {
	cfg := retryConfig{maxRetries: 10, baseDelay: 50 * time.Millisecond, maxDelay: 200 * time.Millisecond}
	b := newBackOff(cfg)

	// Attempt 0: 50ms with 50% jitter.
	d0 := b.NextBackOff()
	if d0 < 25*time.Millisecond || d0 > 75*time.Millisecond {
		t.Errorf("attempt 0 delay %v not in [25ms, 75ms]", d0)
	}

	// Attempt 1: 100ms with 50% jitter.
	d1 := b.NextBackOff()
	if d1 < 50*time.Millisecond || d1 > 150*time.Millisecond {
		t.Errorf("attempt 1 delay %v not in [50ms, 150ms]", d1)
	}

	// Later attempts stay near the 200ms cap.
	for i := 2; i < 8; i++ {
		if d := b.NextBackOff(); d > 300*time.Millisecond {
			t.Errorf("attempt %d delay %v should be capped near 200ms", i, d)
		}
	}
}

func TestNewBackOffStopsAfterMaxRetries(t *testing.T) {
	b := newBackOff(retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: time.Millisecond})
	for i := 0; i < 2; i++ {
		if d := b.NextBackOff(); d == backoff.Stop {
			t.Fatalf("attempt %d: stopped early", i)
		}
	}
	if d := b.NextBackOff(); d != backoff.Stop {
		t.Fatalf("after max retries: got %v, want Stop", d)
	}
}

func TestRetryOpZeroRetriesMeansOneAttempt(t *testing.T) {
	calls := 0
	cfg := retryConfig{maxRetries: 0, baseDelay: time.Millisecond, maxDelay: time.Millisecond}
	err := retryOp(cfg, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Error("retryOp with 0 retries: got nil, want error")
	}
	if calls != 1 {
		t.Errorf("calls with maxRetries=0: got %d, want 1", calls)
	}
}
