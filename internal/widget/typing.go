package widget

import (
	"sync"
	"time"

	"livechat-widget/internal/clock"
)

// debouncer calls fire at most once per interval while Trigger keeps
// being called. The first trigger after a quiet period fires at once;
// triggers inside the interval collapse into one trailing call.
type debouncer struct {
	clock    clock.Clock
	interval time.Duration
	fire     func()

	mu    sync.Mutex
	last  time.Time
	timer clock.Timer
	seq   uint64
}

func newDebouncer(clk clock.Clock, interval time.Duration, fire func()) *debouncer {
	return &debouncer{clock: clk, interval: interval, fire: fire}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	d.cancelLocked()
	now := d.clock.Now()
	if d.last.IsZero() || now.Sub(d.last) >= d.interval {
		d.last = now
		d.mu.Unlock()
		d.fire()
		return
	}
	seq := d.seq
	d.timer = d.clock.AfterFunc(d.interval-now.Sub(d.last), func() { d.flush(seq) })
	d.mu.Unlock()
}

func (d *debouncer) flush(seq uint64) {
	d.mu.Lock()
	if seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.last = d.clock.Now()
	d.mu.Unlock()
	d.fire()
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *debouncer) cancelLocked() {
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
