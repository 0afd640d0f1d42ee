package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestBreakerRegistry_TripsAfterConsecutiveFailures(t *testing.T) {
	r := NewBreakerRegistry(BreakerOptions{ConsecutiveFailureThreshold: 3, Timeout: 50 * time.Millisecond})

	failing := func() (any, error) { return nil, errors.New("timeout") }

	for i := 0; i < 3; i++ {
		if _, err := r.Execute("dev42", failing); err == nil {
			t.Fatalf("expected failure on attempt %d", i+1)
		}
	}

	// Fourth call should be rejected by the open breaker without invoking fn.
	called := false
	_, err := r.Execute("dev42", func() (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not be invoked while breaker is open")
	}
}

func TestBreakerRegistry_HalfOpenRecoversOnSuccess(t *testing.T) {
	r := NewBreakerRegistry(BreakerOptions{ConsecutiveFailureThreshold: 3, Timeout: 30 * time.Millisecond})

	failing := func() (any, error) { return nil, errors.New("timeout") }
	for i := 0; i < 3; i++ {
		r.Execute("dev42", failing)
	}

	state, ok := r.State("dev42")
	if !ok || state != gobreaker.StateOpen {
		t.Fatalf("expected StateOpen, got %v (ok=%v)", state, ok)
	}

	time.Sleep(40 * time.Millisecond) // past Timeout: breaker moves to HalfOpen

	succeeded := false
	if _, err := r.Execute("dev42", func() (any, error) {
		succeeded = true
		return "ok", nil
	}); err != nil {
		t.Fatalf("expected HalfOpen probe to be admitted, got %v", err)
	}
	if !succeeded {
		t.Fatal("expected probe fn to run")
	}

	state, _ = r.State("dev42")
	if state != gobreaker.StateClosed {
		t.Fatalf("expected StateClosed after successful probe, got %v", state)
	}
}

func TestBreakerRegistry_DeviceIsolation(t *testing.T) {
	r := NewBreakerRegistry(BreakerOptions{ConsecutiveFailureThreshold: 2})

	failing := func() (any, error) { return nil, errors.New("timeout") }
	for i := 0; i < 2; i++ {
		r.Execute("dev1", failing)
	}

	state1, _ := r.State("dev1")
	if state1 != gobreaker.StateOpen {
		t.Fatalf("expected dev1 open, got %v", state1)
	}

	// dev2 must be unaffected.
	succeeded := false
	if _, err := r.Execute("dev2", func() (any, error) {
		succeeded = true
		return nil, nil
	}); err != nil {
		t.Fatalf("dev2 should be admitted: %v", err)
	}
	if !succeeded {
		t.Fatal("expected dev2 call to run")
	}
}

func TestBreakerRegistry_Reset(t *testing.T) {
	r := NewBreakerRegistry(BreakerOptions{ConsecutiveFailureThreshold: 1})

	r.Execute("dev1", func() (any, error) { return nil, errors.New("x") })
	state, _ := r.State("dev1")
	if state != gobreaker.StateOpen {
		t.Fatalf("expected open, got %v", state)
	}

	r.Reset("dev1")
	state, _ = r.State("dev1")
	if state != gobreaker.StateClosed {
		t.Fatalf("expected closed after reset, got %v", state)
	}
}
