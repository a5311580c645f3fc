// Package semaphore implements a weighted FIFO semaphore: waiters are woken
// in arrival order, never skipped, and capacity can be resized live.
package semaphore

import (
	"container/list"
	"context"
	"sync"
)

type waiter struct {
	weight int64
	ready  chan struct{}
}

// Semaphore is a weighted counting semaphore with a FIFO waiter queue and no
// barging: a waiter at the head blocks every waiter behind it, even ones
// whose weight would otherwise fit.
type Semaphore struct {
	mu        sync.Mutex
	available int64
	max       int64
	waiters   *list.List // of *waiter
}

// New creates a Semaphore with the given max permits, fully available.
func New(max int64) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{available: max, max: max, waiters: list.New()}
}

// Acquire blocks until weight permits are available, then subtracts weight.
// It returns ctx.Err() if ctx is canceled while waiting; the caller owns
// composing a timeout via ctx.
func (s *Semaphore) Acquire(ctx context.Context, weight int64) error {
	s.mu.Lock()
	if s.waiters.Len() == 0 && s.available >= weight {
		s.available -= weight
		s.mu.Unlock()
		return nil
	}
	w := &waiter{weight: weight, ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		// If we were already granted (ready closed) but raced with
		// cancellation, drain the channel's grant instead of leaking it.
		select {
		case <-w.ready:
			s.mu.Unlock()
			return nil
		default:
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire acquires weight permits only if immediately available, without
// joining the waiter queue. It still respects FIFO: if waiters are already
// queued, TryAcquire fails so it cannot barge ahead of them.
func (s *Semaphore) TryAcquire(weight int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters.Len() > 0 || s.available < weight {
		return false
	}
	s.available -= weight
	return true
}

// Release returns weight permits and wakes queued waiters in FIFO order,
// stopping at the first waiter that still cannot be satisfied.
func (s *Semaphore) Release(weight int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available += weight
	s.wakeLocked()
}

// wakeLocked grants permits to waiters from the front of the queue while
// available capacity allows it. Caller must hold s.mu.
func (s *Semaphore) wakeLocked() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*waiter)
		if s.available < w.weight {
			return
		}
		s.available -= w.weight
		s.waiters.Remove(front)
		close(w.ready)
	}
}

// Resize adjusts the semaphore's max permits, floored at 1. Increasing the
// max makes the delta immediately available and rechecks waiters in FIFO
// order; decreasing clamps available at max(0, available-delta) without
// canceling outstanding holders.
func (s *Semaphore) Resize(newMax int64) {
	if newMax < 1 {
		newMax = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := newMax - s.max
	s.max = newMax
	if delta > 0 {
		s.available += delta
		s.wakeLocked()
		return
	}
	s.available += delta // delta is negative
	if s.available < 0 {
		s.available = 0
	}
}

// Available returns the current available permit count.
func (s *Semaphore) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Max returns the current max permit count.
func (s *Semaphore) Max() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// InUse returns max - available; meaningless as a precise "holders" count
// when the queue is non-empty and partial grants are pending, but exact when
// there are no waiters.
func (s *Semaphore) InUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max - s.available
}
