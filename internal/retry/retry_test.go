package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:      3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		BackoffFactor:   2.0,
		RetryableErrors: []string{"database is locked", "connection refused"},
	}
}

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestWithRetry_RetriesTransientError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetry_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("syntax error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error should not be retried, got %d calls", calls)
	}
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls (1 + 3 retries), got %d", calls)
	}
	if !strings.Contains(err.Error(), "after 4 attempts") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestWithRetry_ContextCancelledNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := WithRetry(ctx, fastConfig(), func() error {
		calls++
		return context.Canceled
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("context cancellation must not be retried, got %d calls", calls)
	}
}

func TestDelay_BackoffCapped(t *testing.T) {
	cfg := &Config{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, BackoffFactor: 2.0}
	if got := cfg.Delay(0); got != time.Millisecond {
		t.Fatalf("expected initial delay, got %v", got)
	}
	if got := cfg.Delay(2); got != 2*time.Millisecond {
		t.Fatalf("expected 2ms, got %v", got)
	}
	if got := cfg.Delay(10); got != 4*time.Millisecond {
		t.Fatalf("expected cap at 4ms, got %v", got)
	}
}

func TestWithRetry_NilConfigUsesDefaults(t *testing.T) {
	if err := WithRetry(context.Background(), nil, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
