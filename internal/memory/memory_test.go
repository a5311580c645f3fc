package memory

import (
	"context"
	"testing"
)

func TestNewClampsToRange(t *testing.T) {
	m := New(Config{
		FreeMemoryRatio:   1.0,
		MinCapacityKB:     1000,
		MaxCapacityKB:     2000,
		AvailableMemoryKB: func() int64 { return 10_000_000 },
	}, nil)
	if m.MaxKB() != 2000 {
		t.Fatalf("max = %d, want clamped to 2000", m.MaxKB())
	}
}

func TestNewClampsToMinimum(t *testing.T) {
	m := New(Config{
		FreeMemoryRatio:   0.5,
		MinCapacityKB:     500,
		MaxCapacityKB:     2000,
		AvailableMemoryKB: func() int64 { return 0 },
	}, nil)
	if m.MaxKB() != 500 {
		t.Fatalf("max = %d, want clamped to min 500", m.MaxKB())
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New(Config{
		FreeMemoryRatio:   1.0,
		MinCapacityKB:     100,
		MaxCapacityKB:     100,
		AvailableMemoryKB: func() int64 { return 100 },
	}, nil)
	if err := m.Acquire(context.Background(), 40); err != nil {
		t.Fatal(err)
	}
	if m.AvailableKB() != 60 {
		t.Fatalf("available = %d, want 60", m.AvailableKB())
	}
	m.Release(40)
	if m.AvailableKB() != 100 {
		t.Fatalf("available = %d, want 100", m.AvailableKB())
	}
}

func TestAcquireZeroEstimateSkipsDimension(t *testing.T) {
	m := New(Config{
		FreeMemoryRatio:   1.0,
		MinCapacityKB:     10,
		MaxCapacityKB:     10,
		AvailableMemoryKB: func() int64 { return 10 },
	}, nil)
	if err := m.Acquire(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if m.AvailableKB() != 10 {
		t.Fatalf("available = %d, want unchanged at 10", m.AvailableKB())
	}
}

func TestRecalculateNotifiesOnChange(t *testing.T) {
	available := int64(100)
	var notified bool
	m := New(Config{
		FreeMemoryRatio:   1.0,
		MinCapacityKB:     10,
		MaxCapacityKB:     1000,
		AvailableMemoryKB: func() int64 { return available },
	}, func(avail, max int64) { notified = true })
	available = 500
	m.recalculate()
	if !notified {
		t.Fatal("expected onChange to fire after recalculate changed max")
	}
	if m.MaxKB() != 500 {
		t.Fatalf("max = %d, want 500", m.MaxKB())
	}
}
