// Package availability implements AvailabilityTracker: derives a scalar
// "slots" value plus per-dimension remaining capacity, and diff-emits
// changes to a caller-supplied callback with a categorical reason.
package availability

import "sync"

// Reason is the closed enum of causes for an availability change.
type Reason string

const (
	ReasonTokensMinute      Reason = "tokensMinute"
	ReasonTokensDay         Reason = "tokensDay"
	ReasonRequestsMinute    Reason = "requestsMinute"
	ReasonRequestsDay       Reason = "requestsDay"
	ReasonConcurrentRequest Reason = "concurrentRequests"
	ReasonMemory            Reason = "memory"
	ReasonDistributed       Reason = "distributed"
	ReasonAdjustment        Reason = "adjustment"
)

// priorityOrder ranks reasons when more than one dimension changed in the
// same mutation; the highest-priority changed dimension wins.
var priorityOrder = []Reason{
	ReasonTokensMinute,
	ReasonTokensDay,
	ReasonRequestsMinute,
	ReasonRequestsDay,
	ReasonConcurrentRequest,
	ReasonMemory,
}

// Availability is the derived six-dimension-plus-slots snapshot.
type Availability struct {
	Slots      int64
	TPM        *int64
	TPD        *int64
	RPM        *int64
	RPD        *int64
	Concurrent *int64
	MemoryKB   *int64
}

func eqPtr(a, b *int64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func equal(a, b Availability) bool {
	return a.Slots == b.Slots &&
		eqPtr(a.TPM, b.TPM) && eqPtr(a.TPD, b.TPD) &&
		eqPtr(a.RPM, b.RPM) && eqPtr(a.RPD, b.RPD) &&
		eqPtr(a.Concurrent, b.Concurrent) && eqPtr(a.MemoryKB, b.MemoryKB)
}

func changed(prev, cur *int64) bool {
	return !eqPtr(prev, cur)
}

// Callback receives an availability change. adjustment is non-empty only
// for the "adjustment" reason kind.
type Callback func(a Availability, reason Reason, adjustment string)

// Tracker is the diff-emit engine. The zero value is not usable; use New.
type Tracker struct {
	mu       sync.Mutex
	last     *Availability
	callback Callback
}

// New creates a Tracker. callback may be nil (emissions are then no-ops
// beyond bookkeeping).
func New(callback Callback) *Tracker {
	return &Tracker{callback: callback}
}

// Update compares current to the last-emitted Availability and emits if it
// differs. explicitReason, when non-empty, overrides priority-based
// inference and is required for the first emission and for the
// "distributed"/"adjustment" kinds (callers pass it explicitly for those).
func (t *Tracker) Update(current Availability, explicitReason Reason, adjustment string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last == nil {
		t.last = &current
		t.emit(current, explicitReason, adjustment)
		return
	}
	if equal(*t.last, current) {
		return
	}

	reason := explicitReason
	if reason == "" {
		reason = inferReason(*t.last, current)
	}
	t.last = &current
	t.emit(current, reason, adjustment)
}

func inferReason(prev, cur Availability) Reason {
	checks := []struct {
		reason Reason
		prevV  *int64
		curV   *int64
	}{
		{ReasonTokensMinute, prev.TPM, cur.TPM},
		{ReasonTokensDay, prev.TPD, cur.TPD},
		{ReasonRequestsMinute, prev.RPM, cur.RPM},
		{ReasonRequestsDay, prev.RPD, cur.RPD},
		{ReasonConcurrentRequest, prev.Concurrent, cur.Concurrent},
		{ReasonMemory, prev.MemoryKB, cur.MemoryKB},
	}
	for _, c := range checks {
		if changed(c.prevV, c.curV) {
			return c.reason
		}
	}
	// Only slots changed (e.g. derived from a dimension not individually
	// tracked here): fall back to the highest-priority reason.
	return priorityOrder[0]
}

func (t *Tracker) emit(a Availability, reason Reason, adjustment string) {
	if t.callback == nil {
		return
	}
	t.callback(a, reason, adjustment)
}

// Last returns the most recently emitted Availability, or the zero value
// and false if nothing has been emitted yet.
func (t *Tracker) Last() (Availability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Availability{}, false
	}
	return *t.last, true
}
