// Package eloop is the cooperative event loop the video backend runs on.
// All callbacks execute on the single goroutine that calls Run, so code
// scheduled here never needs its own locking. It provides plain posted
// callbacks, cancellable one-shot idle callbacks, and re-armable timers.
package eloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Loop queues callbacks and executes them in FIFO order on the Run
// goroutine.
type Loop struct {
	ch chan func()
}

// New returns a loop with a bounded queue. The queue is sized so that the
// handful of producers in this process (signal handler, cron, timers)
// never block in practice.
func New() *Loop {
	return &Loop{ch: make(chan func(), 256)}
}

// Run executes queued callbacks until ctx is cancelled. It returns after
// the current callback, if any, has completed.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// Post enqueues fn for execution on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.ch <- fn
}

// Step runs a single queued callback if one is pending and reports
// whether it did. It must only be called instead of Run, never
// concurrently with it; tests use it to drive the loop deterministically.
func (l *Loop) Step() bool {
	select {
	case fn := <-l.ch:
		fn()
		return true
	default:
		return false
	}
}

// Idle state is tri-valued so that teardown races cannot double-deliver:
// a pending idle can be cancelled, a fired or cancelled one cannot change.
const (
	idlePending int32 = iota
	idleFired
	idleCancelled
)

// Idle is the handle of a one-shot callback scheduled with PostIdle.
type Idle struct {
	state atomic.Int32
}

// PostIdle enqueues fn to run exactly once on the loop goroutine, unless
// the returned handle is cancelled first.
func (l *Loop) PostIdle(fn func()) *Idle {
	id := &Idle{}
	l.Post(func() {
		if id.state.CompareAndSwap(idlePending, idleFired) {
			fn()
		}
	})
	return id
}

// Cancel prevents delivery and reports whether it was still pending.
// Cancelling an already fired or cancelled idle is a no-op.
func (id *Idle) Cancel() bool {
	return id.state.CompareAndSwap(idlePending, idleCancelled)
}

// Fired reports whether the callback has run.
func (id *Idle) Fired() bool {
	return id.state.Load() == idleFired
}

// Cancelled reports whether the callback was cancelled before it ran.
func (id *Idle) Cancelled() bool {
	return id.state.Load() == idleCancelled
}

// Timer delivers its callback on the loop goroutine some duration after
// the most recent Arm. Re-arming supersedes any pending fire.
type Timer struct {
	loop *Loop
	fn   func()

	mu  sync.Mutex
	t   *time.Timer
	gen uint64
}

// NewTimer returns an unarmed timer bound to the loop.
func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Arm schedules the callback to fire once after d, replacing any pending
// fire. The callback runs on the loop goroutine; arming again from inside
// the callback is allowed, calling other loop operations that block is
// not.
func (t *Timer) Arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	gen := t.gen
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.loop.Post(func() {
			t.mu.Lock()
			live := gen == t.gen
			t.mu.Unlock()
			if live {
				t.fn()
			}
		})
	})
}

// Stop cancels a pending fire, if any.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
