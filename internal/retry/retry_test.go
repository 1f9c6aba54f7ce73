package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("expected unwrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_RetryablePredicate(t *testing.T) {
	transient := errors.New("serialization failure")
	fatal := errors.New("constraint violation")

	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, transient) },
	}

	var calls int
	err := p.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return transient
		}
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, 5, 50*time.Millisecond, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_MaxDelayCaps(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Millisecond, MaxDelay: 3 * time.Millisecond}
	start := time.Now()
	_ = p.Do(context.Background(), func() error { return errors.New("x") })
	// 2ms + 3ms + 3ms (+-25%) is well under 50ms; uncapped would be 2+4+8.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("backoff took too long: %v", elapsed)
	}
}
