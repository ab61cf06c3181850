// Package scheduler provides the one-shot and periodic deferred-callback
// capability the core consumes for state timeouts, the HELLO broadcast
// interval, and governor hold-offs (spec §5/§6). The teacher wires an
// inline goroutine + time.Ticker per task (StartHeartbeatTask,
// StartCleanupTask) with no way to cancel it; Scheduler generalizes that
// into a reusable component whose every callback returns an idempotent
// cancel handle, since the core must be able to cancel a timer when the
// condition it was guarding resolves early.
package scheduler

import (
	"sync"
	"time"
)

// Cancel stops a previously scheduled callback. It is idempotent and
// safe to call after the timer has already fired, per spec §5.
type Cancel func()

// Scheduler is the capability injected into the core for deferred work.
type Scheduler interface {
	// SetTimeout invokes cb once after delay has elapsed.
	SetTimeout(delay time.Duration, cb func()) Cancel
	// SetInterval invokes cb repeatedly every period until cancelled.
	SetInterval(period time.Duration, cb func()) Cancel
	// Close cancels every outstanding timer owned by this Scheduler.
	Close()
}

// Real is the reference Scheduler, implemented over time.AfterFunc and
// time.Ticker the way the teacher's StartHeartbeatTask/StartCleanupTask
// use time.NewTicker in a dedicated goroutine, but with explicit
// bookkeeping so Close can tear every one of them down.
type Real struct {
	mu     sync.Mutex
	timers map[int]*time.Timer
	tickrs map[int]*tickerHandle
	nextID int
	closed bool
}

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
}

// NewReal returns a ready-to-use Real scheduler.
func NewReal() *Real {
	return &Real{
		timers: make(map[int]*time.Timer),
		tickrs: make(map[int]*tickerHandle),
	}
}

func (r *Real) SetTimeout(delay time.Duration, cb func()) Cancel {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextID
	r.nextID++

	t := time.AfterFunc(delay, func() {
		r.mu.Lock()
		_, still := r.timers[id]
		delete(r.timers, id)
		r.mu.Unlock()
		if still {
			cb()
		}
	})
	r.timers[id] = t
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if tm, ok := r.timers[id]; ok {
				tm.Stop()
				delete(r.timers, id)
			}
			r.mu.Unlock()
		})
	}
}

func (r *Real) SetInterval(period time.Duration, cb func()) Cancel {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextID
	r.nextID++

	h := &tickerHandle{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}
	r.tickrs[id] = h
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-h.ticker.C:
				cb()
			case <-h.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if hh, ok := r.tickrs[id]; ok {
				hh.ticker.Stop()
				close(hh.done)
				delete(r.tickrs, id)
			}
			r.mu.Unlock()
		})
	}
}

func (r *Real) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	for id, h := range r.tickrs {
		h.ticker.Stop()
		close(h.done)
		delete(r.tickrs, id)
	}
}
