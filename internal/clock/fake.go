package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	current time.Time
	timers  []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	delay    time.Duration
	callback func()
	done     bool
}

func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), delay: d, callback: f}
	c.timers = append(c.timers, t)
	c.changed.Broadcast()
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.changed.Broadcast()
	return true
}

// Advance moves time forward by d and fires every timer whose deadline
// has been reached, including timers scheduled by callbacks that fall
// inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.pendingLocked() {
			if t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) {
				next = t
			}
		}
		if next == nil {
			c.current = target
			c.compactLocked()
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.compactLocked()
		c.changed.Broadcast()
		c.mu.Unlock()

		next.callback()
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pendingLocked()) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingLocked())
}

// PendingDelays returns the original delay of every pending timer,
// ordered by deadline.
func (c *FakeClock) PendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pendingLocked()
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].deadline.Before(pending[j].deadline)
	})
	delays := make([]time.Duration, len(pending))
	for i, t := range pending {
		delays[i] = t.delay
	}
	return delays
}

func (c *FakeClock) pendingLocked() []*fakeTimer {
	var pending []*fakeTimer
	for _, t := range c.timers {
		if !t.done {
			pending = append(pending, t)
		}
	}
	return pending
}

func (c *FakeClock) compactLocked() {
	c.timers = c.pendingLocked()
}
