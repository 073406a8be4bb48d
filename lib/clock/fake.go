// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock for tests. Time only moves when the
// test calls Advance or Set. Waiters registered via After or NewTicker
// fire synchronously inside Advance, on the advancing goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	// interval is nonzero for tickers: after firing, the deadline
	// advances by interval and the waiter stays registered.
	interval time.Duration
	stopped  bool
}

// NewFake returns a Fake clock starting at a fixed, arbitrary epoch.
// Using a constant start time keeps test output stable.
func NewFake() *Fake {
	return &Fake{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires when the fake time reaches
// now+d. If d <= 0 the channel already holds the current time.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.waiters = append(f.waiters, &fakeWaiter{
		deadline: f.now.Add(d),
		channel:  channel,
	})
	return channel
}

// NewTicker returns a ticker driven by Advance. Panics if d <= 0,
// matching time.NewTicker.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: f.now.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	f.waiters = append(f.waiters, waiter)

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Sleep blocks until the fake time reaches now+d. Some other
// goroutine must call Advance for Sleep to return.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves the fake time forward by d, firing every waiter whose
// deadline is reached, in deadline order. Ticker waiters re-arm and
// may fire multiple times within a single Advance.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()
	f.fireDue(target)
}

// Set jumps the fake time to the given instant, firing due waiters.
// Panics if t is earlier than the current fake time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	if t.Before(f.now) {
		f.mu.Unlock()
		panic("clock: Set would move time backwards")
	}
	f.now = t
	f.mu.Unlock()
	f.fireDue(t)
}

func (f *Fake) fireDue(target time.Time) {
	for {
		f.mu.Lock()

		var due *fakeWaiter
		kept := f.waiters[:0]
		sort.SliceStable(f.waiters, func(i, j int) bool {
			return f.waiters[i].deadline.Before(f.waiters[j].deadline)
		})
		for _, waiter := range f.waiters {
			if waiter.stopped {
				continue
			}
			if due == nil && !waiter.deadline.After(target) {
				due = waiter
				if waiter.interval > 0 {
					waiter.deadline = waiter.deadline.Add(waiter.interval)
					kept = append(kept, waiter)
				}
				continue
			}
			kept = append(kept, waiter)
		}
		f.waiters = kept
		f.mu.Unlock()

		if due == nil {
			return
		}
		// Ticker semantics: drop the tick if the consumer has not
		// drained the previous one.
		select {
		case due.channel <- target:
		default:
		}
	}
}
