package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/quotagate/quotagate/internal/model"
)

func ptr(v int64) *int64 { return &v }

func TestTryReserveAllOrNothing(t *testing.T) {
	rpm := int64(1)
	con := int64(1)
	l := New(model.ModelConfig{RequestsPerMinute: &rpm, MaxConcurrentRequests: &con}, nil)

	ctx := l.TryReserve(Estimate{Requests: 1, Tokens: 0})
	if ctx == nil {
		t.Fatal("expected first reservation to succeed")
	}
	if l.TryReserve(Estimate{Requests: 1, Tokens: 0}) != nil {
		t.Fatal("expected second reservation to fail: RPM exhausted")
	}
	// concurrency permit must not have been consumed by the failed attempt
	if l.con.Available() != 0 {
		t.Fatalf("available = %d, want 0 (still held by the first reservation)", l.con.Available())
	}
}

func TestCommitReleasesConcurrency(t *testing.T) {
	con := int64(1)
	l := New(model.ModelConfig{MaxConcurrentRequests: &con}, nil)
	ctx := l.TryReserve(Estimate{Requests: 1})
	if ctx == nil {
		t.Fatal("reservation failed")
	}
	l.CommitReservation(ctx, Estimate{Requests: 1})
	if l.con.Available() != 1 {
		t.Fatalf("available = %d, want 1 after commit", l.con.Available())
	}
}

func TestReservationAffineConsumption(t *testing.T) {
	rpm := int64(10)
	l := New(model.ModelConfig{RequestsPerMinute: &rpm}, nil)
	ctx := l.TryReserve(Estimate{Requests: 5})
	l.ReleaseReservation(ctx)
	if l.rpm.Count() != 0 {
		t.Fatalf("count = %d, want 0", l.rpm.Count())
	}
	l.ReleaseReservation(ctx) // second release must be a no-op
	if l.rpm.Count() != 0 {
		t.Fatalf("count = %d after double-release, want still 0", l.rpm.Count())
	}
}

func TestSettleReservationReleasesUnusedSurplus(t *testing.T) {
	tpm := int64(100)
	con := int64(1)
	l := New(model.ModelConfig{TokensPerMinute: &tpm, MaxConcurrentRequests: &con}, nil)
	ctx := l.TryReserve(Estimate{Requests: 1, Tokens: 50})
	if ctx == nil {
		t.Fatal("reservation failed")
	}
	l.SettleReservation(ctx, Estimate{Requests: 1, Tokens: 10})
	if l.tpm.Count() != 10 {
		t.Fatalf("tpm count = %d, want 10 (40 surplus released)", l.tpm.Count())
	}
	if l.con.Available() != 1 {
		t.Fatalf("available = %d, want 1 after settle", l.con.Available())
	}
	l.SettleReservation(ctx, Estimate{Requests: 1, Tokens: 99}) // consumed: no-op
	if l.tpm.Count() != 10 {
		t.Fatalf("tpm count = %d after double settle, want still 10", l.tpm.Count())
	}
}

func TestWaitForCapacityTimesOut(t *testing.T) {
	rpm := int64(0)
	l := New(model.ModelConfig{RequestsPerMinute: &rpm}, nil)
	start := time.Now()
	got := l.WaitForCapacityWithCustomReserve(context.Background(), func() *ReservationContext {
		return l.TryReserve(Estimate{Requests: 1})
	}, 50)
	if got != nil {
		t.Fatal("expected nil: RPM limit is 0, never satisfiable")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("took too long to time out: %v", elapsed)
	}
}

func TestWaitForCapacitySucceedsAfterRelease(t *testing.T) {
	con := int64(1)
	l := New(model.ModelConfig{MaxConcurrentRequests: &con}, nil)
	held := l.TryReserve(Estimate{Requests: 1})
	if held == nil {
		t.Fatal("initial reservation failed")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.ReleaseReservation(held)
	}()
	got := l.WaitForCapacityWithCustomReserve(context.Background(), func() *ReservationContext {
		return l.TryReserve(Estimate{Requests: 1})
	}, 2000)
	if got == nil {
		t.Fatal("expected capacity to free up within the wait window")
	}
}
