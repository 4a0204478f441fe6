// Package timeutil lets radios, the simulated medium and command loops read
// time through one interface, so tests can step a whole network forward
// deterministically and simulated nodes can run on drifting crystals.
package timeutil

import (
	"slices"
	"sync"
	"time"
)

// Clock is the time source every link and simulated node uses.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	// After sends the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// MockClock only moves when Set or Advance is called. After channels and
// tickers fire from Advance.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	timers []*mockTimer
}

// mockTimer backs both After (period 0) and NewTicker.
type mockTimer struct {
	ch     chan time.Time
	due    time.Time
	period time.Duration
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps to t without firing anything.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d. Every After channel now due
// receives the new time and is dropped, and every due ticker gets at most
// one tick and is rescheduled one period after the new time.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*mockTimer
	c.timers = slices.DeleteFunc(c.timers, func(t *mockTimer) bool {
		if now.Before(t.due) {
			return false
		}
		due = append(due, t)
		if t.period > 0 {
			t.due = now.Add(t.period)
			return false
		}
		return true
	})
	c.mu.Unlock()

	for _, t := range due {
		select {
		case t.ch <- now:
		default:
		}
	}
}

// Pending counts After channels that have not fired.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.period == 0 {
			n++
		}
	}
	return n
}

// Sleep records d and returns at once.
func (c *MockClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

// Sleeps returns every duration passed to Sleep.
func (c *MockClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sleeps)
}

// After fires once the clock has advanced by at least d, or immediately for
// a non-positive d.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, &mockTimer{ch: ch, due: c.now.Add(d)})
	return ch
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTimer{ch: make(chan time.Time, 1), due: c.now.Add(d), period: d}
	c.timers = append(c.timers, t)
	return &mockTicker{clock: c, timer: t}
}

type mockTicker struct {
	clock *MockClock
	timer *mockTimer
}

func (t *mockTicker) C() <-chan time.Time { return t.timer.ch }

func (t *mockTicker) Stop() {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = slices.DeleteFunc(c.timers, func(m *mockTimer) bool { return m == t.timer })
}
