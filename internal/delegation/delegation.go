// Package delegation implements DelegationEngine: the admission/fallback
// state machine that composes ModelLimiter, MemoryManager, JobTypeManager
// and an optional distributed Backend, escalating across models in priority
// order and bounding wait time per (job type, model).
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/quotagate/quotagate/internal/availability"
	"github.com/quotagate/quotagate/internal/backend"
	"github.com/quotagate/quotagate/internal/costing"
	"github.com/quotagate/quotagate/internal/jobtype"
	"github.com/quotagate/quotagate/internal/limiter"
	"github.com/quotagate/quotagate/internal/memory"
	"github.com/quotagate/quotagate/internal/model"
)

// Sentinel errors for every terminal admission failure.
var (
	ErrUnknownModel                 = errors.New("quotagate: unknown model")
	ErrUnknownJobType               = errors.New("quotagate: unknown job type")
	ErrAllModelsExhausted           = errors.New("quotagate: all models exhausted their wait window")
	ErrAllModelsRejectedByBackend   = errors.New("quotagate: every model was rejected by the backend")
	ErrMemoryAcquireFailed          = errors.New("quotagate: memory estimate exceeds capacity")
	ErrJobRejectedWithoutDelegation = errors.New("quotagate: job rejected without delegation")
	ErrStopped                      = errors.New("quotagate: rate limiter stopped")
)

// Disposition is how a job function concluded.
type Disposition int

const (
	Resolved Disposition = iota
	Rejected
)

// JobArgs is passed to the user's job function for the attempt currently in
// flight.
type JobArgs struct {
	ModelID string
	JobID   string
	JobType string
}

// JobFunc is the user-supplied unit of work. err non-nil is treated as an
// uncaught throw: usage is committed best-effort and the original error is
// surfaced. Otherwise disposition/delegate determine the outcome: Resolved
// always succeeds; Rejected with delegate=true retries the next model;
// Rejected with delegate=false is terminal and surfaces
// ErrJobRejectedWithoutDelegation.
type JobFunc func(ctx context.Context, args JobArgs) (usage model.Usage, disposition Disposition, delegate bool, err error)

// Job is one unit of work submitted to the engine.
type Job struct {
	JobID      string
	JobType    string
	Fn         JobFunc
	OnComplete func(*JobResult)
	OnError    func(error)
}

// JobResult is what a successfully resolved job returns.
type JobResult struct {
	ModelUsed    string
	TotalCostUSD float64
	Usage        model.Usage
	CostEntries  []costing.Entry
}

// ReservationRecorder receives one job outcome per model attempt, labeled by
// model, job type and outcome ("resolved", "delegated", "rejected", "error",
// "backend_rejected").
// Satisfied by *telemetry.Metrics's RecordReservation.
type ReservationRecorder interface {
	RecordReservation(model, jobType, outcome string)
}

// WindowRemainingRecorder receives the post-attempt remaining capacity on
// one model dimension. Satisfied by *telemetry.Metrics's
// UpdateWindowRemaining.
type WindowRemainingRecorder interface {
	UpdateWindowRemaining(model, dimension string, remaining int64)
}

// EngineMetrics is the full set of recorders an Engine can report to.
// Satisfied by *telemetry.Metrics.
type EngineMetrics interface {
	ReservationRecorder
	WindowRemainingRecorder
}

// ModelEntry is one configured model's composed limiter + job-type manager.
type ModelEntry struct {
	ID       string
	Limiter  *limiter.Limiter
	JobTypes *jobtype.Manager
	Pricing  model.Pricing
}

// Engine is the admission/fallback state machine.
type Engine struct {
	order             []string
	models            map[string]*ModelEntry
	resourceEstimates map[string]model.ResourceEstimate
	memoryMgr         *memory.Manager
	backendImpl       backend.Backend
	instanceID        string
	avail             *availability.Tracker
	onLog             func(message string, data map[string]any)
	stopped           atomic.Bool
	stopCh            chan struct{}
	reservations      ReservationRecorder
	windowRemaining   WindowRemainingRecorder
}

// Config wires an Engine together.
type Config struct {
	EscalationOrder   []string
	Models            map[string]*ModelEntry
	ResourceEstimates map[string]model.ResourceEstimate
	Memory            *memory.Manager
	Backend           backend.Backend
	InstanceID        string
	Availability      *availability.Tracker
	OnLog             func(message string, data map[string]any)
	Metrics           EngineMetrics
}

// New builds an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		order:             cfg.EscalationOrder,
		models:            cfg.Models,
		resourceEstimates: cfg.ResourceEstimates,
		memoryMgr:         cfg.Memory,
		backendImpl:       cfg.Backend,
		instanceID:        cfg.InstanceID,
		avail:             cfg.Availability,
		onLog:             cfg.OnLog,
		stopCh:            make(chan struct{}),
		reservations:      cfg.Metrics,
		windowRemaining:   cfg.Metrics,
	}
}

func (e *Engine) recordReservation(modelID, jobType, outcome string) {
	if e.reservations != nil {
		e.reservations.RecordReservation(modelID, jobType, outcome)
	}
}

func (e *Engine) log(message string, data map[string]any) {
	if e.onLog != nil {
		e.onLog(message, data)
	}
}

// Stop marks the engine stopped; pending waiters are woken and surface
// ErrStopped. Idempotent.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		close(e.stopCh)
	}
}

func (e *Engine) estimateFor(jt string, modelID string) (limiter.Estimate, int64) {
	res := e.resourceEstimates[jt]
	maxWait := int64(1) << 40
	if res.MaxWaitMsPerModel != nil {
		if v, ok := res.MaxWaitMsPerModel[modelID]; ok {
			maxWait = v
		}
	}
	return limiter.Estimate{Requests: res.EstimatedNumberOfRequests, Tokens: res.EstimatedUsedTokens}, maxWait
}

// Process runs one job through select -> reserve -> memory -> backend ->
// execute, including delegation retries, until it resolves or hits a
// terminal error.
func (e *Engine) Process(ctx context.Context, job Job) (*JobResult, error) {
	if _, ok := e.resourceEstimates[job.JobType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.JobType)
	}
	for _, m := range e.order {
		if _, ok := e.models[m]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModel, m)
		}
	}

	// Tie capacity waits and memory acquisition to Stop so a job parked on
	// an unbounded wait is woken instead of polling past shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	tried := make(map[string]bool)
	var anyBackendRejection, anyExecutionAttempted bool
	acc := &costing.Accumulator{}

	fail := func(err error) (*JobResult, error) {
		wrapped := &JobError{Err: err, TotalCostUSD: acc.TotalUSD(), CostEntries: acc.Entries()}
		if job.OnError != nil {
			job.OnError(wrapped)
		}
		return nil, wrapped
	}

	for {
		if e.stopped.Load() {
			return fail(ErrStopped)
		}

		remaining := make([]string, 0, len(e.order))
		for _, m := range e.order {
			if !tried[m] {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			if e.backendImpl != nil && anyBackendRejection && !anyExecutionAttempted {
				return fail(ErrAllModelsRejectedByBackend)
			}
			// Delegation retry: every model has been tried this cycle (delegated
			// away by the job, or rejected by the backend); give them all
			// another shot.
			// Reset the per-cycle flags alongside tried so a later cycle that
			// is rejected by the backend on every model still surfaces
			// ErrAllModelsRejectedByBackend instead of spinning forever.
			tried = make(map[string]bool)
			anyBackendRejection = false
			anyExecutionAttempted = false
			continue
		}

		var reservedModel string
		var rctx *limiter.ReservationContext
		for _, m := range remaining {
			entry := e.models[m]
			estimate, maxWait := e.estimateFor(job.JobType, m)
			ctxRes := jobtype.ComposedTryReserve(entry.Limiter, entry.JobTypes, job.JobType, estimate)
			if ctxRes == nil {
				ctxRes = entry.Limiter.WaitForCapacityWithCustomReserve(ctx, func() *limiter.ReservationContext {
					return jobtype.ComposedTryReserve(entry.Limiter, entry.JobTypes, job.JobType, estimate)
				}, maxWait)
			}
			if ctxRes != nil {
				reservedModel = m
				rctx = ctxRes
				break
			}
		}
		if rctx == nil {
			if e.stopped.Load() {
				return fail(ErrStopped)
			}
			return fail(ErrAllModelsExhausted)
		}

		result, delegate, err := e.runReserved(ctx, job, reservedModel, rctx, acc)
		if err == nil {
			if job.OnComplete != nil {
				job.OnComplete(result)
			}
			return result, nil
		}
		if delegate {
			tried[reservedModel] = true
			anyExecutionAttempted = true
			continue
		}
		if errors.Is(err, errBackendRejected) {
			tried[reservedModel] = true
			anyBackendRejection = true
			continue
		}
		return fail(err)
	}
}

// JobError wraps a terminal failure with the cost accumulated across every
// model attempt this job made, so callers get accurate post-mortem
// accounting even when the job never resolved.
type JobError struct {
	Err          error
	TotalCostUSD float64
	CostEntries  []costing.Entry
}

func (e *JobError) Error() string { return e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }

var (
	errBackendRejected = errors.New("quotagate: backend rejected this model")
	errDelegate        = errors.New("quotagate: job delegated to the next model")
)

// runReserved handles memory acquisition, backend admission, and execution
// for one model attempt. The returned bool indicates "delegate to the next
// model" (reject with delegate=true); err wraps errBackendRejected when the
// backend vetoed so Process can distinguish it from delegation.
func (e *Engine) runReserved(ctx context.Context, job Job, modelID string, rctx *limiter.ReservationContext, acc *costing.Accumulator) (*JobResult, bool, error) {
	entry := e.models[modelID]
	res := e.resourceEstimates[job.JobType]

	if e.memoryMgr != nil && res.EstimatedUsedMemoryKB > 0 {
		if res.EstimatedUsedMemoryKB > e.memoryMgr.MaxKB() {
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(job.JobType)
			return nil, false, ErrMemoryAcquireFailed
		}
		if err := e.memoryMgr.Acquire(ctx, res.EstimatedUsedMemoryKB); err != nil {
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(job.JobType)
			if e.stopped.Load() {
				return nil, false, ErrStopped
			}
			return nil, false, ErrMemoryAcquireFailed
		}
	}

	req := backend.AcquireRequest{
		InstanceID: e.instanceID,
		ModelID:    modelID,
		JobID:      job.JobID,
		JobType:    job.JobType,
		Estimated:  limiter.Estimate{Requests: res.EstimatedNumberOfRequests, Tokens: res.EstimatedUsedTokens},
	}
	if e.backendImpl != nil {
		ok, err := e.backendImpl.Acquire(ctx, req)
		if err != nil {
			e.log("backend acquire error", map[string]any{"model": modelID, "error": err.Error()})
		}
		if err != nil || !ok {
			if e.memoryMgr != nil && res.EstimatedUsedMemoryKB > 0 {
				e.memoryMgr.Release(res.EstimatedUsedMemoryKB)
			}
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(job.JobType)
			e.recordReservation(modelID, job.JobType, "backend_rejected")
			return nil, false, errBackendRejected
		}
	}

	args := JobArgs{ModelID: modelID, JobID: job.JobID, JobType: job.JobType}
	usage, disposition, delegate, err := job.Fn(ctx, args)

	resolved := err == nil && disposition == Resolved
	e.release(req, modelID, job.JobType, res, rctx, usage, resolved)
	acc.Add(modelID, entry.Pricing, usage)
	e.emitAvailability(modelID)

	if err != nil {
		e.recordReservation(modelID, job.JobType, "error")
		return nil, false, err
	}
	if disposition == Rejected {
		if delegate {
			e.recordReservation(modelID, job.JobType, "delegated")
			return nil, true, errDelegate
		}
		e.recordReservation(modelID, job.JobType, "rejected")
		return nil, false, ErrJobRejectedWithoutDelegation
	}

	e.recordReservation(modelID, job.JobType, "resolved")
	return &JobResult{
		ModelUsed:    modelID,
		TotalCostUSD: acc.TotalUSD(),
		Usage:        usage,
		CostEntries:  acc.Entries(),
	}, false, nil
}

// emitAvailability recomputes the composed Availability snapshot for modelID
// and diff-emits it through the tracker, if configured.
func (e *Engine) emitAvailability(modelID string) {
	if e.avail == nil {
		return
	}
	entry, ok := e.models[modelID]
	if !ok {
		return
	}
	var maxReq, maxTok int64 = 1, 1
	for _, res := range e.resourceEstimates {
		if res.EstimatedNumberOfRequests > maxReq {
			maxReq = res.EstimatedNumberOfRequests
		}
		if res.EstimatedUsedTokens > maxTok {
			maxTok = res.EstimatedUsedTokens
		}
	}
	remaining := entry.Limiter.RemainingCapacity()
	if e.windowRemaining != nil {
		if remaining.RPM != nil {
			e.windowRemaining.UpdateWindowRemaining(modelID, "rpm", *remaining.RPM)
		}
		if remaining.RPD != nil {
			e.windowRemaining.UpdateWindowRemaining(modelID, "rpd", *remaining.RPD)
		}
		if remaining.TPM != nil {
			e.windowRemaining.UpdateWindowRemaining(modelID, "tpm", *remaining.TPM)
		}
		if remaining.TPD != nil {
			e.windowRemaining.UpdateWindowRemaining(modelID, "tpd", *remaining.TPD)
		}
		if remaining.ConcurrencyAvail != nil {
			e.windowRemaining.UpdateWindowRemaining(modelID, "concurrency", *remaining.ConcurrencyAvail)
		}
	}
	a := availability.Availability{
		Slots:      availability.DeriveSlots(remaining, maxReq, maxTok),
		TPM:        remaining.TPM,
		TPD:        remaining.TPD,
		RPM:        remaining.RPM,
		RPD:        remaining.RPD,
		Concurrent: remaining.ConcurrencyAvail,
	}
	if e.memoryMgr != nil {
		kb := e.memoryMgr.AvailableKB()
		a.MemoryKB = &kb
	}
	e.avail.Update(a, "", "")
}

// release settles the reservation against actual usage and gives back
// memory, job-type slot, and backend admission. A resolved job keeps its
// booked estimate, corrected upward only; a job abandoning the model
// (delegate, terminal reject, or error) books the incurred usage and gives
// back the unused surplus, so the estimate does not stay counted against a
// model the job left. Used on every exit path so bookkeeping never leaks.
func (e *Engine) release(req backend.AcquireRequest, modelID, jobType string, res model.ResourceEstimate, rctx *limiter.ReservationContext, usage model.Usage, resolved bool) {
	entry := e.models[modelID]
	actual := limiter.Estimate{Requests: usage.RequestCount, Tokens: usage.TotalTokens()}
	if resolved {
		entry.Limiter.CommitReservation(rctx, actual)
	} else {
		entry.Limiter.SettleReservation(rctx, actual)
	}
	if e.memoryMgr != nil && res.EstimatedUsedMemoryKB > 0 {
		e.memoryMgr.Release(res.EstimatedUsedMemoryKB)
	}
	entry.JobTypes.ReleaseForModel(jobType)
	if e.backendImpl != nil {
		if err := e.backendImpl.Release(context.Background(), req, usage); err != nil {
			e.log("backend release failed", map[string]any{"model": modelID, "error": err.Error()})
		}
	}
}
