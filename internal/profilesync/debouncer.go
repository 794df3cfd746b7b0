package profilesync

import (
	"context"
	"sync"
	"time"
)

// AfterFunc schedules fn after d and returns a func that cancels it,
// reporting whether the cancel stopped fn from running.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func realAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Debouncer is a single-slot scheduled task. Every Trigger replaces the
// pending run, so at most one run is ever outstanding.
type Debouncer struct {
	delay     time.Duration
	task      func(ctx context.Context) error
	afterFunc AfterFunc

	mu      sync.Mutex
	stop    func() bool
	pending bool
	gen     uint64
}

func NewDebouncer(delay time.Duration, task func(ctx context.Context) error, afterFunc AfterFunc) *Debouncer {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &Debouncer{delay: delay, task: task, afterFunc: afterFunc}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.gen++
	gen := d.gen
	d.pending = true
	d.stop = d.afterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel drops the pending run and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush runs the pending task now, on the caller's goroutine, instead of
// waiting for the delay.
func (d *Debouncer) Flush(ctx context.Context) (bool, error) {
	if !d.Cancel() {
		return false, nil
	}
	return true, d.task(ctx)
}

func (d *Debouncer) cancelLocked() bool {
	if !d.pending {
		return false
	}
	d.pending = false
	d.gen++
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	return true
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if !d.pending || d.gen != gen {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.stop = nil
	d.mu.Unlock()
	_ = d.task(context.Background())
}
