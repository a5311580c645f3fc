// Package window implements a wall-clock-aligned fixed window counter.
package window

import (
	"sync"
	"time"
)

// Counter enforces a limit over a window aligned to wall-clock boundaries
// (epoch % windowMs), not a sliding or monotonic-clock window.
type Counter struct {
	mu          sync.Mutex
	limit       int64
	windowMs    int64
	count       int64
	windowStart int64 // epoch ms, floor(now/windowMs)*windowMs
	now         func() time.Time
}

// New creates a Counter with the given limit and window size. nowFn is
// injectable for testing; pass nil to use time.Now.
func New(limit int64, windowMs int64, nowFn func() time.Time) *Counter {
	if nowFn == nil {
		nowFn = time.Now
	}
	c := &Counter{limit: limit, windowMs: windowMs, now: nowFn}
	c.windowStart = alignedStart(nowFn(), windowMs)
	return c
}

func alignedStart(t time.Time, windowMs int64) int64 {
	if windowMs <= 0 {
		return t.UnixMilli()
	}
	ms := t.UnixMilli()
	return (ms / windowMs) * windowMs
}

// Reserved is the receipt produced by a successful Reserve, consumed by
// exactly one Commit, Settle or Release.
type Reserved struct {
	Amount      int64
	WindowStart int64
}

// advance resets count and windowStart if the observed window has rolled
// over. Caller must hold c.mu.
func (c *Counter) advance() {
	aligned := alignedStart(c.now(), c.windowMs)
	if aligned > c.windowStart {
		c.windowStart = aligned
		c.count = 0
	}
}

// HasCapacityFor reports whether amount more could be reserved right now.
func (c *Counter) HasCapacityFor(amount int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.count+amount <= c.limit
}

// Reserve attempts to add amount to the current window's count.
func (c *Counter) Reserve(amount int64) (Reserved, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if c.count+amount > c.limit {
		return Reserved{}, false
	}
	c.count += amount
	return Reserved{Amount: amount, WindowStart: c.windowStart}, true
}

// Commit corrects a reservation upward to the actual amount used. If the
// window has advanced since the reservation, this is a no-op: the discarded
// overshoot is the mandated behavior for a window that no longer exists.
func (c *Counter) Commit(r Reserved, actual int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if r.WindowStart != c.windowStart {
		return
	}
	delta := actual - r.Amount
	if delta > 0 {
		c.count += delta
	}
}

// Settle replaces a reservation's booked amount with the actual amount
// used, releasing the unused surplus (or booking the overshoot). If the
// window has advanced since the reservation, this is a no-op: the old
// booking is gone and nothing is carried into the new window.
func (c *Counter) Settle(r Reserved, actual int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	if r.WindowStart != c.windowStart {
		return
	}
	c.count += actual - r.Amount
	if c.count < 0 {
		c.count = 0
	}
}

// Release gives back a reservation's amount if its window is still current.
func (c *Counter) Release(r Reserved) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.WindowStart != c.windowStart {
		return
	}
	c.count -= r.Amount
	if c.count < 0 {
		c.count = 0
	}
}

// SetLimit updates the limit atomically; it never reduces the current count.
func (c *Counter) SetLimit(newLimit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = newLimit
}

// Limit returns the currently configured limit.
func (c *Counter) Limit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Count returns the current window's count, advancing the window first if
// necessary.
func (c *Counter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.count
}

// Remaining returns limit - count for the current window, floored at 0.
func (c *Counter) Remaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	r := c.limit - c.count
	if r < 0 {
		return 0
	}
	return r
}

// TimeToReset returns the milliseconds remaining until the window rolls over.
func (c *Counter) TimeToReset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	ms := c.windowStart + c.windowMs - c.now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return ms
}
