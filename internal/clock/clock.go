// Package clock provides a minimal time source abstraction so that
// time-dependent subsystems (circuit breakers, schedulers, decay sweeps) can
// be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by subsystems that make scheduling or expiry
// decisions. Production code uses [System]; tests use [Fake].
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker behaviour the subsystems need.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// System is the real wall clock backed by the time package.
type System struct{}

// Now implements [Clock].
func (System) Now() time.Time { return time.Now() }

// NewTicker implements [Clock].
func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// Fake is a manually advanced clock for tests. The zero value is not usable;
// create instances with [NewFake].
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

// NewFake returns a Fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements [Clock].
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and fires any tickers whose interval
// has elapsed. Each ticker fires at most once per Advance call.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	tickers := make([]*fakeTicker, len(f.tickers))
	copy(tickers, f.tickers)
	f.mu.Unlock()

	for _, t := range tickers {
		t.maybeFire(now, d)
	}
}

// NewTicker implements [Clock].
func (f *Fake) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{interval: d, ch: make(chan time.Time, 1)}
	f.mu.Lock()
	f.tickers = append(f.tickers, t)
	f.mu.Unlock()
	return t
}

type fakeTicker struct {
	interval time.Duration
	ch       chan time.Time
	stopped  bool
	mu       sync.Mutex
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) maybeFire(now time.Time, advanced time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || advanced < t.interval {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
}
