// Package timeutil provides the clock used by every timer in the bridge, so
// acknowledgement timeouts and batch cadence can be driven by hand in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the source of time for acknowledgement timers and batch tickers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer fires once on C unless stopped first. Stop reports whether it
// prevented the fire.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Ticker fires on C every period until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer { return stdTimer{time.NewTimer(d)} }

// NewTicker raises a non-positive period to one millisecond rather than
// panicking as time.NewTicker does.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return stdTicker{time.NewTicker(minPeriod(d))}
}

func minPeriod(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

type stdTimer struct{ t *time.Timer }

func (s stdTimer) C() <-chan time.Time { return s.t.C }
func (s stdTimer) Stop() bool          { return s.t.Stop() }

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// MockClock only moves when Advance is called.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	alarms []*alarm
}

// alarm backs both mock timers and mock tickers. A zero period fires once.
// All fields are guarded by the owning clock's mutex.
type alarm struct {
	ch     chan time.Time
	due    time.Time
	period time.Duration
	done   bool
}

// NewMockClock returns a clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and fires every alarm that is due.
// A ticker fires at most once per call and its next tick is one period
// after the new time.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	live := c.alarms[:0]
	for _, a := range c.alarms {
		if !a.done && !c.now.Before(a.due) {
			select {
			case a.ch <- c.now:
			default:
			}
			if a.period == 0 {
				a.done = true
			} else {
				a.due = c.now.Add(a.period)
			}
		}
		if !a.done {
			live = append(live, a)
		}
	}
	clear(c.alarms[len(live):])
	c.alarms = live
}

func (c *MockClock) add(d, period time.Duration) *alarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &alarm{ch: make(chan time.Time, 1), due: c.now.Add(d), period: period}
	c.alarms = append(c.alarms, a)
	return a
}

func (c *MockClock) stop(a *alarm) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := !a.done
	a.done = true
	return was
}

func (c *MockClock) count(ticker bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.alarms {
		if !a.done && (a.period > 0) == ticker {
			n++
		}
	}
	return n
}

func (c *MockClock) NewTimer(d time.Duration) Timer {
	return mockTimer{c, c.add(d, 0)}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	d = minPeriod(d)
	return mockTicker{c, c.add(d, d)}
}

// ActiveTimers is the number of timers neither stopped nor fired.
func (c *MockClock) ActiveTimers() int { return c.count(false) }

// ActiveTickers is the number of tickers not yet stopped.
func (c *MockClock) ActiveTickers() int { return c.count(true) }

type mockTimer struct {
	c *MockClock
	a *alarm
}

func (t mockTimer) C() <-chan time.Time { return t.a.ch }
func (t mockTimer) Stop() bool          { return t.c.stop(t.a) }

type mockTicker struct {
	c *MockClock
	a *alarm
}

func (t mockTicker) C() <-chan time.Time { return t.a.ch }
func (t mockTicker) Stop()               { t.c.stop(t.a) }
