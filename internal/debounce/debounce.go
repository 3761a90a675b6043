// Package debounce coalesces bursts of triggers into a single call, with an
// upper bound on how long a burst may postpone it.
package debounce

import (
	"sync"
	"time"
)

// Debouncer calls fn once the triggers have been quiet for Quiet, or once Max
// has passed since the first trigger of the burst, whichever comes first.
// If fn returns an error the debouncer re-arms so the work is retried on the
// next cycle.
type Debouncer struct {
	quiet time.Duration
	max   time.Duration
	fn    func() error

	mu      sync.Mutex
	timer   *time.Timer
	first   time.Time
	pending bool
	running sync.Mutex
	stopped bool
}

// New returns a debouncer. A Max smaller than Quiet is raised to Quiet.
func New(quiet, max time.Duration, fn func() error) *Debouncer {
	if max < quiet {
		max = quiet
	}
	return &Debouncer{quiet: quiet, max: max, fn: fn}
}

// Trigger records activity and (re)schedules the call.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := time.Now()
	if !d.pending {
		d.pending = true
		d.first = now
	}
	wait := d.quiet
	if left := d.max - now.Sub(d.first); left < wait {
		wait = left
	}
	if wait < 0 {
		wait = 0
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.fire)
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()
	d.run()
}

func (d *Debouncer) run() error {
	d.running.Lock()
	err := d.fn()
	d.running.Unlock()
	if err != nil {
		d.Trigger()
	}
	return err
}

// Flush cancels the timer and runs fn now if a call was pending.
func (d *Debouncer) Flush() error {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return nil
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.run()
}

// Stop cancels any scheduled call; later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
