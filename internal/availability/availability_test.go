package availability

import (
	"testing"

	"github.com/quotagate/quotagate/internal/limiter"
)

func i64(v int64) *int64 { return &v }

func TestFirstEmissionAlwaysFires(t *testing.T) {
	var got *Availability
	tr := New(func(a Availability, reason Reason, adj string) { got = &a })
	tr.Update(Availability{Slots: 5}, ReasonTokensMinute, "")
	if got == nil {
		t.Fatal("expected first update to emit")
	}
}

func TestNoEmitWhenUnchanged(t *testing.T) {
	calls := 0
	tr := New(func(a Availability, reason Reason, adj string) { calls++ })
	a := Availability{Slots: 5, TPM: i64(100)}
	tr.Update(a, ReasonTokensMinute, "")
	tr.Update(a, ReasonTokensMinute, "")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second identical update is a no-op)", calls)
	}
}

func TestReasonPriorityTokensMinuteWins(t *testing.T) {
	var gotReason Reason
	tr := New(func(a Availability, reason Reason, adj string) { gotReason = reason })
	tr.Update(Availability{TPM: i64(100), RPM: i64(10)}, ReasonTokensMinute, "")
	tr.Update(Availability{TPM: i64(50), RPM: i64(5)}, "", "")
	if gotReason != ReasonTokensMinute {
		t.Fatalf("reason = %v, want tokensMinute (higher priority than requestsMinute)", gotReason)
	}
}

func TestDistributedReasonOverridesInference(t *testing.T) {
	var gotReason Reason
	tr := New(func(a Availability, reason Reason, adj string) { gotReason = reason })
	tr.Update(Availability{RPM: i64(10)}, ReasonRequestsMinute, "")
	tr.Update(Availability{RPM: i64(5)}, ReasonDistributed, "")
	if gotReason != ReasonDistributed {
		t.Fatalf("reason = %v, want distributed (explicit override)", gotReason)
	}
}

func TestDeriveSlotsTakesMinimumAcrossDimensions(t *testing.T) {
	rem := limiter.Remaining{RPM: i64(100), TPM: i64(1000)}
	slots := DeriveSlots(rem, 10, 50) // 100/10=10, 1000/50=20 -> min 10
	if slots != 10 {
		t.Fatalf("slots = %d, want 10", slots)
	}
}

func TestDeriveSlotsInfinityWithNoDimensions(t *testing.T) {
	slots := DeriveSlots(limiter.Remaining{}, 1, 1)
	if slots < (int64(1) << 39) {
		t.Fatalf("slots = %d, want effectively infinite", slots)
	}
}
