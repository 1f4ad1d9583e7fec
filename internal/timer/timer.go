// Package timer wraps one-shot timers and repeating tickers behind named,
// cancellable owners so teardown is a uniform Stop call instead of per-field
// nil checks.
package timer

import (
	"sync"
	"time"
)

// Timer is a named, restartable one-shot timer. Scheduling while a prior
// instance is outstanding cancels it first, so at most one callback is ever
// in flight.
type Timer struct {
	name string

	mu sync.Mutex
	t  *time.Timer
}

// New creates an idle timer.
func New(name string) *Timer {
	return &Timer{name: name}
}

// Name returns the timer's name.
func (t *Timer) Name() string { return t.name }

// Schedule arranges fn to run once after d, cancelling any prior schedule.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, fn)
}

// Stop cancels the outstanding schedule, if any. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// Active reports whether a callback is currently scheduled. A callback that
// already fired counts as inactive only after the next Schedule or Stop.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}

// Ticker runs fn on a fixed interval in its own goroutine until stopped.
// Start while running restarts with the new interval.
type Ticker struct {
	name string

	mu   sync.Mutex
	stop chan struct{}
}

// NewTicker creates an idle ticker.
func NewTicker(name string) *Ticker {
	return &Ticker{name: name}
}

// Name returns the ticker's name.
func (k *Ticker) Name() string { return k.name }

// Start begins invoking fn every d. A prior loop is stopped first.
func (k *Ticker) Start(d time.Duration, fn func()) {
	k.mu.Lock()
	if k.stop != nil {
		close(k.stop)
	}
	stop := make(chan struct{})
	k.stop = stop
	k.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop halts the loop. Safe to call repeatedly and while idle.
func (k *Ticker) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop != nil {
		close(k.stop)
		k.stop = nil
	}
}

// Running reports whether the loop is active.
func (k *Ticker) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}
