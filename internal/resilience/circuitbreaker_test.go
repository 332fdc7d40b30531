package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/renfield-ai/renfield/internal/clock"
	"github.com/renfield-ai/renfield/internal/fault"
)

var errTest = errors.New("test error")

func newTestBreaker(t *testing.T, threshold int, recovery time.Duration) (*CircuitBreaker, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cb := New(Config{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		Clock:            clk,
	})
	return cb, clk
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "test"})
	if cb.failureThreshold != 3 {
		t.Errorf("failureThreshold = %d, want 3", cb.failureThreshold)
	}
	if cb.recoveryTimeout != 30*time.Second {
		t.Errorf("recoveryTimeout = %v, want 30s", cb.recoveryTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, time.Hour)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	// While open the wrapped function must never run.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if fault.KindOf(err) != fault.CircuitOpen {
		t.Fatalf("err kind = %v, want CircuitOpen", fault.KindOf(err))
	}
	if called {
		t.Fatal("fn was called while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, time.Hour)

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clk := newTestBreaker(t, 2, 30*time.Second)

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	clk.Advance(31 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after recovery timeout", cb.State())
	}

	// A single successful probe closes the breaker.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(t, 1, 30*time.Second)

	_ = cb.Execute(func() error { return errTest })
	clk.Advance(31 * time.Second)

	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want re-opened after failed probe", cb.State())
	}

	// The recovery timer must have been reset: still open just before the
	// second window elapses, half-open after.
	clk.Advance(29 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open (timer was reset)", cb.State())
	}
	clk.Advance(2 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
}

func TestCircuitBreaker_SingleProbePerWindow(t *testing.T) {
	cb, clk := newTestBreaker(t, 1, 10*time.Second)

	_ = cb.Execute(func() error { return errTest })
	clk.Advance(11 * time.Second)

	// Start a probe that blocks, then verify concurrent calls are rejected.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(func() error { <-release; return nil })
	}()

	// Wait for the probe to be admitted.
	deadline := time.Now().Add(time.Second)
	for {
		cb.mu.Lock()
		inFlight := cb.probeInFlight
		cb.mu.Unlock()
		if inFlight || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	err := cb.Execute(func() error { return nil })
	if fault.KindOf(err) != fault.CircuitOpen {
		t.Errorf("concurrent call during probe: kind = %v, want CircuitOpen", fault.KindOf(err))
	}

	close(release)
	wg.Wait()
}

func TestCircuitBreaker_BeginDone(t *testing.T) {
	cb, _ := newTestBreaker(t, 2, time.Hour)

	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cb.Done(errTest)
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	cb.Done(errTest)

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 2 reported failures", cb.State())
	}
	if err := cb.Begin(); fault.KindOf(err) != fault.CircuitOpen {
		t.Fatalf("Begin while open: kind = %v, want CircuitOpen", fault.KindOf(err))
	}
}

func TestBreakerSet(t *testing.T) {
	set := NewSet(func(key string) Config {
		return Config{FailureThreshold: 1, RecoveryTimeout: time.Hour}
	})

	_ = set.Execute("llm:chat", func() error { return errTest })

	states := set.States()
	if states["llm:chat"] != StateOpen {
		t.Errorf("llm:chat state = %v, want open", states["llm:chat"])
	}

	// Other keys are independent.
	if err := set.Execute("mcp:weather", func() error { return nil }); err != nil {
		t.Errorf("independent key failed: %v", err)
	}
	if set.Get("mcp:weather").State() != StateClosed {
		t.Error("mcp:weather should be closed")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
