// Package jobtype implements JobTypeManager: a per-model ratio engine that
// splits one model's capacity across named job types, preserving a ratio
// invariant and rebalancing dynamically under load.
package jobtype

import (
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/limiter"
	"github.com/quotagate/quotagate/internal/model"
)

const (
	defaultMinRatio              = 0.05
	defaultHighThreshold         = 0.8
	defaultLowThreshold          = 0.3
	defaultMaxAdjustment         = 0.1
	defaultReleasesPerAdjustment = 10
	defaultAdjustmentIntervalMs  = 5000
)

// State is one job type's live allocation on one model.
type State struct {
	CurrentRatio   float64
	InitialRatio   float64
	Flexible       bool
	InFlight       int64
	AllocatedSlots int64
	Resources      model.ResourceEstimate
}

// Config tunes the rebalancing algorithm; zero values take the defaults
// above.
type Config struct {
	MinRatio              float64
	HighThreshold         float64
	LowThreshold          float64
	MaxAdjustment         float64
	ReleasesPerAdjustment int64
	AdjustmentIntervalMs  int64
}

func (c Config) withDefaults() Config {
	if c.MinRatio <= 0 {
		c.MinRatio = defaultMinRatio
	}
	if c.HighThreshold <= 0 {
		c.HighThreshold = defaultHighThreshold
	}
	if c.LowThreshold <= 0 {
		c.LowThreshold = defaultLowThreshold
	}
	if c.MaxAdjustment <= 0 {
		c.MaxAdjustment = defaultMaxAdjustment
	}
	if c.ReleasesPerAdjustment <= 0 {
		c.ReleasesPerAdjustment = defaultReleasesPerAdjustment
	}
	if c.AdjustmentIntervalMs <= 0 {
		c.AdjustmentIntervalMs = defaultAdjustmentIntervalMs
	}
	return c
}

// Manager is one model's JobTypeManager.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	states   map[string]*State
	order    []string // stable iteration order, insertion order
	lim      *limiter.Limiter
	releases int64
	lastAdj  time.Time
	nowFn    func() time.Time

	modelID       string
	inflightObs   InflightObserver
	ratioRecorder RatioAdjustmentRecorder
}

// InflightObserver receives the live in-flight total for a model, summed
// across its job types. Satisfied by *telemetry.Metrics's UpdateInflight.
type InflightObserver interface {
	UpdateInflight(model string, n int64)
}

// RatioAdjustmentRecorder receives one donor/receiver rebalance move.
// Satisfied by *telemetry.Metrics's RecordRatioAdjustment.
type RatioAdjustmentRecorder interface {
	RecordRatioAdjustment(model, jobType, direction string)
}

// AttachMetrics wires optional observers for this manager's model. Either
// argument may be nil to disable that recording.
func (m *Manager) AttachMetrics(modelID string, inflightObs InflightObserver, ratioRecorder RatioAdjustmentRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelID = modelID
	m.inflightObs = inflightObs
	m.ratioRecorder = ratioRecorder
}

// New builds a Manager for one model from its per-job-type resource
// estimates. lim is the model's Limiter, used to derive total_slots.
func New(cfg Config, estimates map[string]model.ResourceEstimate, lim *limiter.Limiter, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	m := &Manager{cfg: cfg.withDefaults(), states: make(map[string]*State), lim: lim, nowFn: nowFn}
	m.initRatios(estimates)
	m.lastAdj = nowFn()
	m.recomputeSlotsLocked()
	return m
}

// initRatios normalizes initial ratios: specified initial values sum to S;
// unspecified types share (1-S)/|unspecified|, clamped to [minRatio, 1].
func (m *Manager) initRatios(estimates map[string]model.ResourceEstimate) {
	var specifiedSum float64
	var unspecified []string
	for jt, est := range estimates {
		m.order = append(m.order, jt)
		if est.Ratio != nil {
			specifiedSum += est.Ratio.InitialValue
		} else {
			unspecified = append(unspecified, jt)
		}
	}
	share := 0.0
	if len(unspecified) > 0 {
		remaining := 1 - specifiedSum
		if remaining < 0 {
			remaining = 0
		}
		share = remaining / float64(len(unspecified))
	}
	for _, jt := range m.order {
		est := estimates[jt]
		var ratio float64
		var flexible bool
		if est.Ratio != nil {
			ratio = est.Ratio.InitialValue
			flexible = est.Ratio.Flexible
		} else {
			ratio = share
			flexible = true
		}
		if ratio < m.cfg.MinRatio {
			ratio = m.cfg.MinRatio
		}
		m.states[jt] = &State{
			CurrentRatio: ratio,
			InitialRatio: ratio,
			Flexible:     flexible,
			Resources:    est,
		}
	}
	m.normalizeLocked()
}

// normalizeLocked rescales every ratio so they sum to exactly 1.
func (m *Manager) normalizeLocked() {
	var sum float64
	for _, jt := range m.order {
		sum += m.states[jt].CurrentRatio
	}
	if sum <= 0 {
		return
	}
	for _, jt := range m.order {
		m.states[jt].CurrentRatio /= sum
	}
}

// totalSlotsLocked derives the model-wide slot pool: the minimum across
// configured counter dimensions of floor(capacity / max-estimate-across-job-
// types), plus the concurrency pool as an additional candidate dimension,
// tie-broken by preferring the larger window (rate dimensions over the pure
// concurrency pool) when two candidates tie.
func (m *Manager) totalSlotsLocked() int64 {
	var maxReqEstimate, maxTokenEstimate int64 = 1, 1
	for _, jt := range m.order {
		est := m.states[jt].Resources
		if est.EstimatedNumberOfRequests > maxReqEstimate {
			maxReqEstimate = est.EstimatedNumberOfRequests
		}
		if est.EstimatedUsedTokens > maxTokenEstimate {
			maxTokenEstimate = est.EstimatedUsedTokens
		}
	}

	capacity := m.lim.Capacity()
	type candidate struct {
		slots    int64
		windowMs int64
	}
	var candidates []candidate
	if capacity.RPM != nil {
		candidates = append(candidates, candidate{*capacity.RPM / maxReqEstimate, 60_000})
	}
	if capacity.RPD != nil {
		candidates = append(candidates, candidate{*capacity.RPD / maxReqEstimate, 86_400_000})
	}
	if maxTokenEstimate > 0 {
		if capacity.TPM != nil {
			candidates = append(candidates, candidate{*capacity.TPM / maxTokenEstimate, 60_000})
		}
		if capacity.TPD != nil {
			candidates = append(candidates, candidate{*capacity.TPD / maxTokenEstimate, 86_400_000})
		}
	}
	if capacity.ConcurrencyAvail != nil {
		candidates = append(candidates, candidate{*capacity.ConcurrencyAvail, 0})
	}

	if len(candidates) == 0 {
		return 1 << 20
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.slots < best.slots || (c.slots == best.slots && c.windowMs > best.windowMs) {
			best = c
		}
	}
	return best.slots
}

// recomputeSlotsLocked updates every job type's allocated_slots from the
// current total slot pool and ratios.
func (m *Manager) recomputeSlotsLocked() {
	total := m.totalSlotsLocked()
	for _, jt := range m.order {
		s := m.states[jt]
		slots := int64(float64(total) * s.CurrentRatio)
		if slots < 0 {
			slots = 0
		}
		s.AllocatedSlots = slots
	}
}

// HasCapacityForModel reports whether jt has an unused allocated slot.
func (m *Manager) HasCapacityForModel(jt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[jt]
	if !ok {
		return false
	}
	return s.InFlight < s.AllocatedSlots
}

// TryAcquireForModel atomically checks for an unused allocated slot on jt
// and claims it. Returns false without mutating when jt is unknown or
// saturated. This is the admission path: a separate check-then-acquire pair
// would let two concurrent claimants both pass the check on the last slot.
func (m *Manager) TryAcquireForModel(jt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[jt]
	if !ok || s.InFlight >= s.AllocatedSlots {
		return false
	}
	s.InFlight++
	m.reportInflightLocked()
	return true
}

// AcquireForModel increments in_flight for jt. Callers must only call this
// after a successful model-level reservation.
func (m *Manager) AcquireForModel(jt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[jt]; ok {
		s.InFlight++
	}
	m.reportInflightLocked()
}

// totalInFlightLocked sums in_flight across every job type on this model.
// Caller must hold m.mu.
func (m *Manager) totalInFlightLocked() int64 {
	var total int64
	for _, jt := range m.order {
		total += m.states[jt].InFlight
	}
	return total
}

func (m *Manager) reportInflightLocked() {
	if m.inflightObs != nil {
		m.inflightObs.UpdateInflight(m.modelID, m.totalInFlightLocked())
	}
}

// ReleaseForModel decrements in_flight for jt, floored at 0, and may trigger
// a ratio rebalance.
func (m *Manager) ReleaseForModel(jt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[jt]; ok {
		s.InFlight--
		if s.InFlight < 0 {
			s.InFlight = 0
		}
	}
	m.reportInflightLocked()
	m.releases++
	due := m.releases >= m.cfg.ReleasesPerAdjustment
	if !due {
		due = m.nowFn().Sub(m.lastAdj) >= time.Duration(m.cfg.AdjustmentIntervalMs)*time.Millisecond
	}
	if due {
		m.releases = 0
		m.lastAdj = m.nowFn()
		m.adjustRatiosLocked()
	}
}

// AdjustRatios runs the donor/receiver rebalance manually (exposed for
// tests and for callers that want to force a cycle outside the release
// cadence).
func (m *Manager) AdjustRatios() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustRatiosLocked()
}

func (m *Manager) adjustRatiosLocked() {
	type loadInfo struct {
		jt   string
		load float64
	}
	var donors, receivers []loadInfo
	for _, jt := range m.order {
		s := m.states[jt]
		if !s.Flexible {
			continue
		}
		var load float64
		if s.AllocatedSlots > 0 {
			load = float64(s.InFlight) / float64(s.AllocatedSlots)
		}
		if load > m.cfg.HighThreshold {
			receivers = append(receivers, loadInfo{jt, load})
		} else if load < m.cfg.LowThreshold {
			donors = append(donors, loadInfo{jt, load})
		}
	}
	if len(donors) == 0 || len(receivers) == 0 {
		m.recomputeSlotsLocked()
		return
	}

	var totalSurplus, totalDemand float64
	for _, d := range donors {
		totalSurplus += m.cfg.LowThreshold - d.load
	}
	for _, r := range receivers {
		totalDemand += r.load - m.cfg.HighThreshold
	}
	if totalSurplus <= 0 || totalDemand <= 0 {
		m.recomputeSlotsLocked()
		return
	}

	var moved float64
	for _, d := range donors {
		s := m.states[d.jt]
		share := (m.cfg.LowThreshold - d.load) / totalSurplus
		amount := m.cfg.MaxAdjustment * share
		if s.CurrentRatio-amount < m.cfg.MinRatio {
			amount = s.CurrentRatio - m.cfg.MinRatio
		}
		if amount < 0 {
			amount = 0
		}
		s.CurrentRatio -= amount
		moved += amount
		if amount > 0 && m.ratioRecorder != nil {
			m.ratioRecorder.RecordRatioAdjustment(m.modelID, d.jt, "donor")
		}
	}
	for _, r := range receivers {
		s := m.states[r.jt]
		share := (r.load - m.cfg.HighThreshold) / totalDemand
		amount := moved * share
		s.CurrentRatio += amount
		if amount > 0 && m.ratioRecorder != nil {
			m.ratioRecorder.RecordRatioAdjustment(m.modelID, r.jt, "receiver")
		}
	}
	m.normalizeLocked()
	m.recomputeSlotsLocked()
}

// Snapshot returns a copy of every job type's current state, for stats
// accessors and tests.
func (m *Manager) Snapshot() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.states))
	for jt, s := range m.states {
		out[jt] = *s
	}
	return out
}

// ComposedTryReserve pairs a model-level reservation with a job-type-level
// admission so that both advance together or neither does. The model
// reservation is atomic under the limiter's lock and the slot claim is
// atomic under the manager's; a failed claim rolls the reservation back, so
// no interleaving admits a job with only half the bookkeeping in place.
func ComposedTryReserve(lim *limiter.Limiter, jtm *Manager, jt string, est limiter.Estimate) *limiter.ReservationContext {
	ctx := lim.TryReserve(est)
	if ctx == nil {
		return nil
	}
	if !jtm.TryAcquireForModel(jt) {
		lim.ReleaseReservation(ctx)
		return nil
	}
	return ctx
}
