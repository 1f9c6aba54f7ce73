package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("hooks.example.com")
	b.RecordFailure("hooks.example.com")
	if !b.Allow("hooks.example.com") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("hooks.example.com")
	if b.Allow("hooks.example.com") {
		t.Fatal("should be open after 3 failures")
	}
	if got := b.State("hooks.example.com"); got != StateOpen {
		t.Fatalf("expected open, got %v", got)
	}
}

func TestBreaker_ProbeAfterOpenDuration(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("k")
	b.RecordFailure("k")

	clock.Advance(59 * time.Second)
	if b.Allow("k") {
		t.Fatal("should still be open")
	}

	clock.Advance(time.Second)
	if !b.Allow("k") {
		t.Fatal("should allow one probe")
	}
	if b.State("k") != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State("k"))
	}
	if b.Allow("k") {
		t.Fatal("second request while probing should be rejected")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("ok")
	b.RecordFailure("ok")
	b.RecordFailure("bad")
	b.RecordFailure("bad")
	clock.Advance(time.Minute)
	b.Allow("ok")
	b.Allow("bad")

	b.RecordSuccess("ok")
	b.RecordFailure("bad")

	if b.State("ok") != StateClosed {
		t.Errorf("successful probe should close, got %v", b.State("ok"))
	}
	if b.State("bad") != StateOpen {
		t.Errorf("failed probe should reopen, got %v", b.State("bad"))
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	if !b.Allow("k") {
		t.Fatal("count should have been reset by success")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("a")
	if b.Allow("a") {
		t.Fatal("a should be open")
	}
	if !b.Allow("b") || b.State("b") != StateClosed {
		t.Fatal("b should be closed")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(2)
	boom := errors.New("boom")
	calls := 0
	fail := func() error { calls++; return boom }

	if err := b.Execute("k", fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute("k", fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := b.Execute("k", fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("fn should not run while open, ran %d times", calls)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clock := newTestBreaker(1)
	var seen []string
	b.OnTransition(func(key string, from, to State) {
		seen = append(seen, from.String()+">"+to.String())
	})

	b.RecordFailure("k")
	clock.Advance(time.Minute)
	b.Allow("k")
	b.RecordSuccess("k")

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
