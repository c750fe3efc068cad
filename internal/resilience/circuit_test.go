package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func transientFail(_ context.Context) (int, error) {
	return 0, NewTransientError(errors.New("backend down"), 503)
}

func succeed(_ context.Context) (int, error) {
	return 1, nil
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker("render", DefaultBreakerConfig())

	val, err := Call(context.Background(), b, succeed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 1 {
		t.Errorf("expected 1, got %d", val)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("render", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), b, transientFail)
	}
	if b.State() != CircuitOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	_, err := Call(context.Background(), b, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker("render", BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, func(_ context.Context) (int, error) {
			return 0, NewPermanentError(errors.New("not found"), 404)
		})
	}
	if b.State() != CircuitClosed {
		t.Errorf("permanent errors should not open the circuit, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("render", BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	_, _ = Call(context.Background(), b, transientFail)
	_, _ = Call(context.Background(), b, transientFail)
	_, _ = Call(context.Background(), b, succeed)
	_, _ = Call(context.Background(), b, transientFail)
	_, _ = Call(context.Background(), b, transientFail)

	if b.State() != CircuitClosed {
		t.Errorf("expected closed (success reset the count), got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker("render", BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	_, _ = Call(context.Background(), b, transientFail)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	now = now.Add(11 * time.Second)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after reset timeout, got %s", b.State())
	}

	if _, err := Call(context.Background(), b, succeed); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker("render", BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }

	_, _ = Call(context.Background(), b, transientFail)
	now = now.Add(11 * time.Second)
	_, _ = Call(context.Background(), b, transientFail)

	if b.State() != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", b.State())
	}
}

func TestBreakerSet_GetIsStableAndConcurrent(t *testing.T) {
	s := NewBreakerSet(DefaultBreakerConfig())

	var wg sync.WaitGroup
	got := make([]*Breaker, 20)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = s.Get("render")
		}()
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatal("expected the same breaker instance for the same name")
		}
	}
	states := s.States()
	if states["render"] != CircuitClosed {
		t.Errorf("expected closed state in snapshot, got %v", states)
	}
}

func TestFromBreakerConfig(t *testing.T) {
	cfg := FromBreakerConfig(7, 45)
	if cfg.FailureThreshold != 7 || cfg.ResetTimeout != 45*time.Second {
		t.Errorf("unexpected config: %+v", cfg)
	}
	def := FromBreakerConfig(0, 0)
	if def.FailureThreshold != 5 || def.ResetTimeout != 30*time.Second {
		t.Errorf("expected defaults, got %+v", def)
	}
}
