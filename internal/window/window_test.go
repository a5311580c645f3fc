package window

import (
	"testing"
	"time"
)

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestReserveRespectsLimit(t *testing.T) {
	c := New(5, 1000, fixedClock(0))
	for i := 0; i < 5; i++ {
		if _, ok := c.Reserve(1); !ok {
			t.Fatalf("reserve %d: expected capacity", i)
		}
	}
	if _, ok := c.Reserve(1); ok {
		t.Fatalf("expected reserve to fail once limit reached")
	}
	if c.Count() != 5 {
		t.Fatalf("count = %d, want 5", c.Count())
	}
}

func TestWindowResetAtBoundary(t *testing.T) {
	clockMs := int64(500)
	clock := func() time.Time { return time.UnixMilli(clockMs) }
	c := New(5, 1000, clock)
	if _, ok := c.Reserve(5); !ok {
		t.Fatal("expected initial reserve to succeed")
	}
	if c.HasCapacityFor(1) {
		t.Fatal("expected no capacity before window rolls over")
	}
	clockMs = 1000 // exact boundary
	if !c.HasCapacityFor(1) {
		t.Fatal("expected capacity immediately at window boundary")
	}
	if c.Count() != 0 {
		t.Fatalf("count at boundary = %d, want 0", c.Count())
	}
}

func TestCommitDiscardsOvershootAfterWindowAdvance(t *testing.T) {
	clockMs := int64(0)
	clock := func() time.Time { return time.UnixMilli(clockMs) }
	c := New(100, 1000, clock)
	r, ok := c.Reserve(5)
	if !ok {
		t.Fatal("reserve failed")
	}
	clockMs = 1000
	c.Commit(r, 20) // stale window: must be a no-op per the discard policy
	if c.Count() != 0 {
		t.Fatalf("count after stale commit = %d, want 0 (overshoot discarded)", c.Count())
	}
}

func TestCommitAddsOvershootWithinSameWindow(t *testing.T) {
	c := New(100, 1000, fixedClock(0))
	r, ok := c.Reserve(5)
	if !ok {
		t.Fatal("reserve failed")
	}
	c.Commit(r, 8)
	if c.Count() != 8 {
		t.Fatalf("count = %d, want 8", c.Count())
	}
}

func TestCommitNeverReducesCount(t *testing.T) {
	c := New(100, 1000, fixedClock(0))
	r, ok := c.Reserve(10)
	if !ok {
		t.Fatal("reserve failed")
	}
	c.Commit(r, 3) // under-estimate: stays booked at the reserved amount
	if c.Count() != 10 {
		t.Fatalf("count = %d, want 10 (under-estimates stay booked)", c.Count())
	}
}

func TestSettleBooksActualAndReleasesSurplus(t *testing.T) {
	c := New(100, 1000, fixedClock(0))
	r, ok := c.Reserve(50)
	if !ok {
		t.Fatal("reserve failed")
	}
	c.Settle(r, 10)
	if c.Count() != 10 {
		t.Fatalf("count = %d, want 10 (40 surplus released)", c.Count())
	}
}

func TestSettleBooksOvershoot(t *testing.T) {
	c := New(100, 1000, fixedClock(0))
	r, ok := c.Reserve(50)
	if !ok {
		t.Fatal("reserve failed")
	}
	c.Settle(r, 80)
	if c.Count() != 80 {
		t.Fatalf("count = %d, want 80", c.Count())
	}
}

func TestSettleNoopAfterWindowAdvance(t *testing.T) {
	clockMs := int64(0)
	clock := func() time.Time { return time.UnixMilli(clockMs) }
	c := New(100, 1000, clock)
	r, ok := c.Reserve(50)
	if !ok {
		t.Fatal("reserve failed")
	}
	clockMs = 1000
	c.Settle(r, 10) // stale window: nothing carries into the new one
	if c.Count() != 0 {
		t.Fatalf("count = %d, want 0 after stale settle", c.Count())
	}
}

func TestReleaseDecreasesCountWhenWindowMatches(t *testing.T) {
	c := New(100, 1000, fixedClock(0))
	r, ok := c.Reserve(7)
	if !ok {
		t.Fatal("reserve failed")
	}
	c.Release(r)
	if c.Count() != 0 {
		t.Fatalf("count = %d, want 0 after release", c.Count())
	}
}

func TestReleaseNoopAfterWindowAdvance(t *testing.T) {
	clockMs := int64(0)
	clock := func() time.Time { return time.UnixMilli(clockMs) }
	c := New(100, 1000, clock)
	r, ok := c.Reserve(7)
	if !ok {
		t.Fatal("reserve failed")
	}
	clockMs = 1000
	c.Reserve(3) // advances the window as a side effect
	c.Release(r) // stale release must not touch the new window
	if c.Count() != 3 {
		t.Fatalf("count = %d, want 3 (stale release ignored)", c.Count())
	}
}

func TestSetLimitNeverReducesCount(t *testing.T) {
	c := New(10, 1000, fixedClock(0))
	c.Reserve(8)
	c.SetLimit(2)
	if c.Count() != 8 {
		t.Fatalf("count = %d, want 8 unchanged by SetLimit", c.Count())
	}
	if c.Limit() != 2 {
		t.Fatalf("limit = %d, want 2", c.Limit())
	}
}

func TestTimeToReset(t *testing.T) {
	clockMs := int64(400)
	clock := func() time.Time { return time.UnixMilli(clockMs) }
	c := New(10, 1000, clock)
	if got := c.TimeToReset(); got != 600 {
		t.Fatalf("time to reset = %d, want 600", got)
	}
}
