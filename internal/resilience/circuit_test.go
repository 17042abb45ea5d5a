package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBusy = NewTransientError(errors.New("busy"), 503)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("example.com", BreakerConfig{Threshold: 2, CoolDown: time.Minute})
	for i := 0; i < 2; i++ {
		_ = b.Do(context.Background(), func(context.Context) error { return errBusy })
	}
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}
	err := b.Do(context.Background(), func(context.Context) error {
		t.Error("call should be rejected")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("example.com", BreakerConfig{Threshold: 1})
	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("404") })
	if b.State() != Closed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker("example.com", BreakerConfig{Threshold: 1, CoolDown: time.Second})
	b.now = func() time.Time { return now }

	_ = b.Do(context.Background(), func(context.Context) error { return errBusy })
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(2 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("expected closed after probe, got %s", b.State())
	}

	_ = b.Do(context.Background(), func(context.Context) error { return errBusy })
	now = now.Add(2 * time.Second)
	_ = b.Do(context.Background(), func(context.Context) error { return errBusy })
	if b.State() != Open {
		t.Fatalf("failed probe should reopen, got %s", b.State())
	}
}

func TestHostBreakers(t *testing.T) {
	h := NewHostBreakers(BreakerConfig{Threshold: 1})
	a := h.For("a.example")
	if h.For("a.example") != a {
		t.Fatal("expected the same breaker for one host")
	}
	_ = a.Do(context.Background(), func(context.Context) error { return errBusy })
	h.For("b.example")

	states := h.States()
	if states["a.example"] != Open || states["b.example"] != Closed {
		t.Fatalf("unexpected states %v", states)
	}
}
