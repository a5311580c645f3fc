// Package limiter implements ModelLimiter: one per configured model,
// composing up to four counter dimensions plus a concurrency semaphore into
// a single atomic multi-dimensional reservation.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/model"
	"github.com/quotagate/quotagate/internal/semaphore"
	"github.com/quotagate/quotagate/internal/window"
)

// dimension mutation order is fixed: RPM -> RPD -> TPM -> TPD -> concurrency.
// Release/commit apply in the same order (reverse order is not observable
// since every mutation is independent per-dimension).
type dimKey int

const (
	dimRPM dimKey = iota
	dimRPD
	dimTPM
	dimTPD
)

// ReservationContext is the opaque, at-most-once-consumable receipt
// produced by TryReserve.
type ReservationContext struct {
	reserved        map[dimKey]window.Reserved
	concurrencyHeld bool
	requests        int64
	tokens          int64
	consumed        bool
}

// Estimate is what a caller wants to reserve: requests and tokens.
type Estimate struct {
	Requests int64
	Tokens   int64
}

// WaitObserver records how long a caller waited for capacity before being
// admitted or timing out, labeled by model. Satisfied by
// *telemetry.Metrics's ObserveJobWaitSeconds without internal/limiter
// importing internal/telemetry.
type WaitObserver interface {
	ObserveJobWaitSeconds(model string, seconds float64)
}

// Limiter is one model's multi-dimensional quota engine. mu spans every
// check-then-mutate sequence (reserve, commit, settle, release, limit
// updates) so concurrent callers cannot interleave between the capacity
// checks and the mutations they justify.
type Limiter struct {
	mu  sync.Mutex
	rpm *window.Counter
	rpd *window.Counter
	tpm *window.Counter
	tpd *window.Counter
	con *semaphore.Semaphore

	modelID      string
	waitObserver WaitObserver
}

// AttachMetrics wires a WaitObserver for this limiter's wait-for-capacity
// polling. A nil observer (the default) disables recording.
func (l *Limiter) AttachMetrics(o WaitObserver, modelID string) {
	l.waitObserver = o
	l.modelID = modelID
}

// New builds a Limiter from a ModelConfig. Unconfigured dimensions (nil
// pointers) are simply not created and are skipped during reservation.
func New(cfg model.ModelConfig, nowFn func() time.Time) *Limiter {
	l := &Limiter{}
	if cfg.RequestsPerMinute != nil {
		l.rpm = window.New(*cfg.RequestsPerMinute, 60_000, nowFn)
	}
	if cfg.RequestsPerDay != nil {
		l.rpd = window.New(*cfg.RequestsPerDay, 86_400_000, nowFn)
	}
	if cfg.TokensPerMinute != nil {
		l.tpm = window.New(*cfg.TokensPerMinute, 60_000, nowFn)
	}
	if cfg.TokensPerDay != nil {
		l.tpd = window.New(*cfg.TokensPerDay, 86_400_000, nowFn)
	}
	if cfg.MaxConcurrentRequests != nil {
		l.con = semaphore.New(*cfg.MaxConcurrentRequests)
	}
	return l
}

// TryReserve checks every configured dimension without mutating any of
// them; if every check passes it mutates all of them in the fixed order and
// returns a context. If any check fails, it returns nil and touches
// nothing: a dimension that refuses mid-sequence (a limit shrank under us)
// unwinds the dimensions already reserved.
func (l *Limiter) TryReserve(est Estimate) *ReservationContext {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rpm != nil && !l.rpm.HasCapacityFor(est.Requests) {
		return nil
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(est.Requests) {
		return nil
	}
	if l.tpm != nil && !l.tpm.HasCapacityFor(est.Tokens) {
		return nil
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(est.Tokens) {
		return nil
	}
	if l.con != nil && l.con.Available() < 1 {
		return nil
	}

	ctx := &ReservationContext{reserved: make(map[dimKey]window.Reserved), requests: est.Requests, tokens: est.Tokens}
	if l.rpm != nil {
		r, ok := l.rpm.Reserve(est.Requests)
		if !ok {
			l.unwind(ctx)
			return nil
		}
		ctx.reserved[dimRPM] = r
	}
	if l.rpd != nil {
		r, ok := l.rpd.Reserve(est.Requests)
		if !ok {
			l.unwind(ctx)
			return nil
		}
		ctx.reserved[dimRPD] = r
	}
	if l.tpm != nil {
		r, ok := l.tpm.Reserve(est.Tokens)
		if !ok {
			l.unwind(ctx)
			return nil
		}
		ctx.reserved[dimTPM] = r
	}
	if l.tpd != nil {
		r, ok := l.tpd.Reserve(est.Tokens)
		if !ok {
			l.unwind(ctx)
			return nil
		}
		ctx.reserved[dimTPD] = r
	}
	if l.con != nil {
		if !l.con.TryAcquire(1) {
			l.unwind(ctx)
			return nil
		}
		ctx.concurrencyHeld = true
	}
	return ctx
}

// unwind gives back the dimensions of a partially built reservation.
// Caller must hold l.mu.
func (l *Limiter) unwind(ctx *ReservationContext) {
	if r, ok := ctx.reserved[dimRPM]; ok {
		l.rpm.Release(r)
	}
	if r, ok := ctx.reserved[dimRPD]; ok {
		l.rpd.Release(r)
	}
	if r, ok := ctx.reserved[dimTPM]; ok {
		l.tpm.Release(r)
	}
	if r, ok := ctx.reserved[dimTPD]; ok {
		l.tpd.Release(r)
	}
}

// CommitReservation corrects a reservation upward to actual usage and
// releases the concurrency permit. Consuming an already-consumed context is
// a no-op (affine consumption is enforced here, not just documented).
func (l *Limiter) CommitReservation(ctx *ReservationContext, actual Estimate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx == nil || ctx.consumed {
		return
	}
	ctx.consumed = true
	if l.rpm != nil {
		if r, ok := ctx.reserved[dimRPM]; ok {
			l.rpm.Commit(r, actual.Requests)
		}
	}
	if l.rpd != nil {
		if r, ok := ctx.reserved[dimRPD]; ok {
			l.rpd.Commit(r, actual.Requests)
		}
	}
	if l.tpm != nil {
		if r, ok := ctx.reserved[dimTPM]; ok {
			l.tpm.Commit(r, actual.Tokens)
		}
	}
	if l.tpd != nil {
		if r, ok := ctx.reserved[dimTPD]; ok {
			l.tpd.Commit(r, actual.Tokens)
		}
	}
	if ctx.concurrencyHeld && l.con != nil {
		l.con.Release(1)
	}
}

// SettleReservation books the actual usage and gives back the unused
// reserved surplus on every counter, then releases the concurrency permit.
// Used when a job abandons a model: incurred usage still counts against the
// window, but the untouched remainder of the estimate must not stay booked.
func (l *Limiter) SettleReservation(ctx *ReservationContext, actual Estimate) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx == nil || ctx.consumed {
		return
	}
	ctx.consumed = true
	if l.rpm != nil {
		if r, ok := ctx.reserved[dimRPM]; ok {
			l.rpm.Settle(r, actual.Requests)
		}
	}
	if l.rpd != nil {
		if r, ok := ctx.reserved[dimRPD]; ok {
			l.rpd.Settle(r, actual.Requests)
		}
	}
	if l.tpm != nil {
		if r, ok := ctx.reserved[dimTPM]; ok {
			l.tpm.Settle(r, actual.Tokens)
		}
	}
	if l.tpd != nil {
		if r, ok := ctx.reserved[dimTPD]; ok {
			l.tpd.Settle(r, actual.Tokens)
		}
	}
	if ctx.concurrencyHeld && l.con != nil {
		l.con.Release(1)
	}
}

// ReleaseReservation gives back the reserved (not actual) amounts and
// releases the concurrency permit.
func (l *Limiter) ReleaseReservation(ctx *ReservationContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx == nil || ctx.consumed {
		return
	}
	ctx.consumed = true
	if l.rpm != nil {
		if r, ok := ctx.reserved[dimRPM]; ok {
			l.rpm.Release(r)
		}
	}
	if l.rpd != nil {
		if r, ok := ctx.reserved[dimRPD]; ok {
			l.rpd.Release(r)
		}
	}
	if l.tpm != nil {
		if r, ok := ctx.reserved[dimTPM]; ok {
			l.tpm.Release(r)
		}
	}
	if l.tpd != nil {
		if r, ok := ctx.reserved[dimTPD]; ok {
			l.tpd.Release(r)
		}
	}
	if ctx.concurrencyHeld && l.con != nil {
		l.con.Release(1)
	}
}

// minPositiveTimeToReset returns the smallest nonzero time-to-reset across
// configured counters, or 0 if none are configured/all are already at reset.
func (l *Limiter) minPositiveTimeToReset() int64 {
	var min int64
	counters := []*window.Counter{l.rpm, l.rpd, l.tpm, l.tpd}
	for _, c := range counters {
		if c == nil {
			continue
		}
		t := c.TimeToReset()
		if t <= 0 {
			continue
		}
		if min == 0 || t < min {
			min = t
		}
	}
	return min
}

// WaitForCapacityWithCustomReserve polls fn with adaptive delay until it
// returns a non-nil ReservationContext or maxWaitMs elapses. The delay
// starts at 5ms and grows 1.5x per attempt, capped at the smallest nonzero
// time-to-reset across this limiter's counters, or maxWaitMs/8, and never
// more than a second.
func (l *Limiter) WaitForCapacityWithCustomReserve(ctx context.Context, fn func() *ReservationContext, maxWaitMs int64) *ReservationContext {
	start := time.Now()
	if l.waitObserver != nil {
		defer func() {
			l.waitObserver.ObserveJobWaitSeconds(l.modelID, time.Since(start).Seconds())
		}()
	}
	cap := maxWaitMs / 8
	if r := l.minPositiveTimeToReset(); r > 0 && r < cap {
		cap = r
	}
	if cap <= 0 {
		cap = 5
	}
	// Concurrency-only limiters have no window reset to pace against and the
	// wait may be unbounded; keep the poll responsive regardless.
	if cap > 1000 {
		cap = 1000
	}
	delay := int64(5)
	if delay > cap {
		delay = cap
	}
	deadline := time.Now().Add(time.Duration(maxWaitMs) * time.Millisecond)
	for {
		if r := fn(); r != nil {
			return r
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		wait := delay
		if remaining := time.Until(deadline).Milliseconds(); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
		delay = int64(float64(delay) * 1.5)
		if delay > cap {
			delay = cap
		}
	}
}

// SetRateLimits forwards distributed/config updates to the underlying
// counters. Nil pointers leave the corresponding dimension untouched.
func (l *Limiter) SetRateLimits(rpm, rpd, tpm, tpd *int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm != nil && l.rpm != nil {
		l.rpm.SetLimit(*rpm)
	}
	if rpd != nil && l.rpd != nil {
		l.rpd.SetLimit(*rpd)
	}
	if tpm != nil && l.tpm != nil {
		l.tpm.SetLimit(*tpm)
	}
	if tpd != nil && l.tpd != nil {
		l.tpd.SetLimit(*tpd)
	}
}

// SetConcurrencyLimit resizes the concurrency semaphore, if configured.
func (l *Limiter) SetConcurrencyLimit(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.con != nil {
		l.con.Resize(n)
	}
}

// HasCapacity reports whether a minimal (1 request, 0 token) reservation
// would currently succeed, without mutating state.
func (l *Limiter) HasCapacity() bool {
	if l.rpm != nil && !l.rpm.HasCapacityFor(1) {
		return false
	}
	if l.rpd != nil && !l.rpd.HasCapacityFor(1) {
		return false
	}
	if l.tpm != nil && !l.tpm.HasCapacityFor(0) {
		return false
	}
	if l.tpd != nil && !l.tpd.HasCapacityFor(0) {
		return false
	}
	if l.con != nil && l.con.Available() < 1 {
		return false
	}
	return true
}

// Remaining exposes per-dimension remaining capacity for availability
// derivation. A nil result for a dimension means it is unconfigured.
type Remaining struct {
	RPM, RPD, TPM, TPD *int64
	ConcurrencyAvail   *int64
}

// RemainingCapacity snapshots remaining headroom on every configured
// dimension.
func (l *Limiter) RemainingCapacity() Remaining {
	var r Remaining
	if l.rpm != nil {
		v := l.rpm.Remaining()
		r.RPM = &v
	}
	if l.rpd != nil {
		v := l.rpd.Remaining()
		r.RPD = &v
	}
	if l.tpm != nil {
		v := l.tpm.Remaining()
		r.TPM = &v
	}
	if l.tpd != nil {
		v := l.tpd.Remaining()
		r.TPD = &v
	}
	if l.con != nil {
		v := l.con.Available()
		r.ConcurrencyAvail = &v
	}
	return r
}

// ConcurrencyCapacity returns the configured concurrency pool size, or a
// very large number if concurrency is unconfigured (the dimension simply
// doesn't bound the slot calculation).
func (l *Limiter) ConcurrencyCapacity() int64 {
	if l.con == nil {
		return 1 << 30
	}
	return l.con.Max()
}

// Capacity snapshots the total configured limit (not remaining headroom) on
// every dimension, for JobTypeManager's structural slot division.
func (l *Limiter) Capacity() Remaining {
	var r Remaining
	if l.rpm != nil {
		v := l.rpm.Limit()
		r.RPM = &v
	}
	if l.rpd != nil {
		v := l.rpd.Limit()
		r.RPD = &v
	}
	if l.tpm != nil {
		v := l.tpm.Limit()
		r.TPM = &v
	}
	if l.tpd != nil {
		v := l.tpd.Limit()
		r.TPD = &v
	}
	if l.con != nil {
		v := l.con.Max()
		r.ConcurrencyAvail = &v
	}
	return r
}
