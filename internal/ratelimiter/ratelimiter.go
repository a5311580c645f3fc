// Package ratelimiter is the public entry point: it wires ModelLimiter,
// JobTypeManager, MemoryManager, AvailabilityTracker, and an optional
// distributed Backend into the DelegationEngine and exposes the operations a
// job submitter actually calls (queue_job, start, stop, stats accessors).
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quotagate/quotagate/internal/availability"
	"github.com/quotagate/quotagate/internal/backend"
	"github.com/quotagate/quotagate/internal/delegation"
	"github.com/quotagate/quotagate/internal/jobtype"
	"github.com/quotagate/quotagate/internal/limiter"
	"github.com/quotagate/quotagate/internal/memory"
	"github.com/quotagate/quotagate/internal/model"
	"github.com/quotagate/quotagate/internal/telemetry"
)

// MemoryConfig tunes the process-wide memory budget; a nil *MemoryConfig on
// Config means no memory dimension is enforced.
type MemoryConfig struct {
	FreeMemoryRatio         float64
	MinCapacityKB           int64
	MaxCapacityKB           int64
	RecalculationIntervalMs int64
	AvailableMemoryKB       memory.AvailableMemoryKBFunc
}

// Config wires a RateLimiter together. It is immutable after New.
type Config struct {
	Models                    map[string]model.ModelConfig
	EscalationOrder           []string
	ResourceEstimationsPerJob map[string]model.ResourceEstimate
	Memory                    *MemoryConfig
	Backend                   backend.Backend
	InstanceID                string
	OnLog                     func(message string, data map[string]any)
	OnAvailableSlotsChange    availability.Callback
	JobTypeConfig             jobtype.Config
	NowFn                     func() time.Time
	Metrics                   *telemetry.Metrics
}

// validate enforces the configuration invariants: escalation_order must be a
// subset of the configured models, and is required when more than one model
// is configured.
func (c Config) validate() error {
	if len(c.Models) == 0 {
		return errors.New("quotagate: at least one model must be configured")
	}
	if len(c.Models) > 1 && len(c.EscalationOrder) == 0 {
		return errors.New("quotagate: escalation_order is required when more than one model is configured")
	}
	order := c.EscalationOrder
	if len(order) == 0 {
		for id := range c.Models {
			order = append(order, id)
		}
	}
	for _, id := range order {
		if _, ok := c.Models[id]; !ok {
			return fmt.Errorf("quotagate: escalation_order references unknown model %q", id)
		}
	}
	if len(c.ResourceEstimationsPerJob) == 0 {
		return errors.New("quotagate: at least one job type must be configured")
	}
	hasMemoryEstimate := false
	for _, est := range c.ResourceEstimationsPerJob {
		if est.EstimatedUsedMemoryKB > 0 {
			hasMemoryEstimate = true
		}
	}
	if c.Memory != nil && !hasMemoryEstimate {
		return errors.New("quotagate: memory is configured but no job type declares estimated_used_memory_kb")
	}
	return nil
}

// ActiveJob is a live snapshot of one in-flight job's progress through the
// admission state machine.
type ActiveJob struct {
	JobID        string
	JobType      string
	Status       string // queued | waiting | processing
	TriedModels  []string
	CurrentModel string
}

// ModelStats is one model's point-in-time quota snapshot, for get_model_stats.
type ModelStats struct {
	HasCapacity bool
	Remaining   limiter.Remaining
}

// Stats is the aggregate snapshot returned by get_stats.
type Stats struct {
	Running      bool
	InstanceID   string
	ActiveJobs   int
	ModelStats   map[string]ModelStats
	LastAvail    availability.Availability
	HasLastAvail bool
}

// RateLimiter is the façade: the only type a job submitter constructs
// directly.
type RateLimiter struct {
	cfg        Config
	engine     *delegation.Engine
	models     map[string]*delegation.ModelEntry
	memoryMgr  *memory.Manager
	avail      *availability.Tracker
	instanceID string

	observedInstances atomic.Int64

	mu      sync.Mutex
	active  map[string]*ActiveJob
	running atomic.Bool
}

// New constructs a RateLimiter from Config. It does not start any
// background loops or register with a Backend; call Start for that.
func New(cfg Config) (*RateLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	order := cfg.EscalationOrder
	if len(order) == 0 {
		for id := range cfg.Models {
			order = append(order, id)
		}
	}

	var memMgr *memory.Manager
	if cfg.Memory != nil {
		memMgr = memory.New(memory.Config{
			FreeMemoryRatio:         cfg.Memory.FreeMemoryRatio,
			MinCapacityKB:           cfg.Memory.MinCapacityKB,
			MaxCapacityKB:           cfg.Memory.MaxCapacityKB,
			RecalculationIntervalMs: cfg.Memory.RecalculationIntervalMs,
			AvailableMemoryKB:       cfg.Memory.AvailableMemoryKB,
		}, nil)
	}

	avail := availability.New(cfg.OnAvailableSlotsChange)

	models := make(map[string]*delegation.ModelEntry, len(cfg.Models))
	for id, mc := range cfg.Models {
		lim := limiter.New(mc, cfg.NowFn)
		jtm := jobtype.New(cfg.JobTypeConfig, cfg.ResourceEstimationsPerJob, lim, cfg.NowFn)
		if cfg.Metrics != nil {
			lim.AttachMetrics(cfg.Metrics, id)
			jtm.AttachMetrics(id, cfg.Metrics, cfg.Metrics)
		}
		models[id] = &delegation.ModelEntry{ID: id, Limiter: lim, JobTypes: jtm, Pricing: mc.Pricing}
	}

	engineCfg := delegation.Config{
		EscalationOrder:   order,
		Models:            models,
		ResourceEstimates: cfg.ResourceEstimationsPerJob,
		Memory:            memMgr,
		Backend:           cfg.Backend,
		InstanceID:        cfg.InstanceID,
		Availability:      avail,
		OnLog:             cfg.OnLog,
	}
	if cfg.Metrics != nil {
		engineCfg.Metrics = cfg.Metrics
	}
	engine := delegation.New(engineCfg)

	rl := &RateLimiter{
		cfg:        cfg,
		engine:     engine,
		models:     models,
		memoryMgr:  memMgr,
		avail:      avail,
		instanceID: cfg.InstanceID,
		active:     make(map[string]*ActiveJob),
	}
	rl.observedInstances.Store(1)
	return rl, nil
}

func (r *RateLimiter) log(message string, data map[string]any) {
	if r.cfg.OnLog != nil {
		r.cfg.OnLog(message, data)
	}
}

// Start registers with the Backend (if any), subscribes to allocation
// changes, and starts the MemoryManager's recalculation loop.
func (r *RateLimiter) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	if r.memoryMgr != nil {
		r.memoryMgr.Start()
	}
	if r.cfg.Backend != nil {
		alloc, err := r.cfg.Backend.Register(ctx, r.instanceID)
		if err != nil {
			r.running.Store(false)
			return fmt.Errorf("quotagate: backend register: %w", err)
		}
		r.applyAllocation(alloc)
		if err := r.cfg.Backend.Subscribe(ctx, r.instanceID, r.applyAllocation); err != nil {
			r.log("backend subscribe failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// applyAllocation is the subscriber-side no-shrinking-on-stale guard: a
// stale (lower instance_count) or non-positive allocation is ignored.
func (r *RateLimiter) applyAllocation(alloc backend.Allocation) {
	observed := r.observedInstances.Load()
	newCount := backend.ApplyIfNotStale(observed, alloc, func(a backend.Allocation) {
		for id, pool := range a.Pools {
			entry, ok := r.models[id]
			if !ok {
				continue
			}
			entry.Limiter.SetRateLimits(pool.RPM, pool.RPD, pool.TPM, pool.TPD)
			if pool.Concurrency != nil {
				entry.Limiter.SetConcurrencyLimit(*pool.Concurrency)
			}
		}
	})
	r.observedInstances.Store(newCount)
}

// Stop marks the engine stopped (pending waiters surface ErrStopped), halts
// the memory recalculation loop, and best-effort unregisters from the
// Backend. Idempotent.
func (r *RateLimiter) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.engine.Stop()
	if r.memoryMgr != nil {
		r.memoryMgr.Stop()
	}
	if r.cfg.Backend != nil {
		if err := r.cfg.Backend.Unregister(context.Background(), r.instanceID); err != nil {
			r.log("backend unregister failed", map[string]any{"error": err.Error()})
		}
	}
}

// JobSpec is what callers pass to QueueJob.
type JobSpec struct {
	JobID      string
	JobType    string
	Fn         delegation.JobFunc
	OnComplete func(*delegation.JobResult)
	OnError    func(error)
}

// QueueJob validates job_type, registers the job in the active-job tracker,
// and runs it through the admission/fallback state machine until it
// resolves or fails terminally.
func (r *RateLimiter) QueueJob(ctx context.Context, spec JobSpec) (*delegation.JobResult, error) {
	if _, ok := r.cfg.ResourceEstimationsPerJob[spec.JobType]; !ok {
		return nil, fmt.Errorf("%w: %s", delegation.ErrUnknownJobType, spec.JobType)
	}
	jobID := spec.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	tracked := &ActiveJob{JobID: jobID, JobType: spec.JobType, Status: "queued"}
	r.trackActive(tracked)
	defer r.untrackActive(jobID)
	r.updateActive(jobID, func(a *ActiveJob) { a.Status = "waiting" })

	wrapped := func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
		r.updateActive(jobID, func(a *ActiveJob) {
			a.Status = "processing"
			a.CurrentModel = args.ModelID
			a.TriedModels = append(a.TriedModels, args.ModelID)
		})
		return spec.Fn(ctx, args)
	}

	return r.engine.Process(ctx, delegation.Job{
		JobID:      jobID,
		JobType:    spec.JobType,
		Fn:         wrapped,
		OnComplete: spec.OnComplete,
		OnError:    spec.OnError,
	})
}

// QueueJobForModel bypasses model selection and delegation entirely: it
// reserves capacity on exactly one named model and runs fn once. There is
// no fallback and no retry, but the reservation still goes through the same
// memory and distributed-backend admission as a selected model would, since
// those dimensions bound the model regardless of how it was chosen.
func (r *RateLimiter) QueueJobForModel(ctx context.Context, modelID, jobType string, fn delegation.JobFunc) (*delegation.JobResult, error) {
	entry, ok := r.models[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", delegation.ErrUnknownModel, modelID)
	}
	est, ok := r.cfg.ResourceEstimationsPerJob[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", delegation.ErrUnknownJobType, jobType)
	}

	rctx := jobtype.ComposedTryReserve(entry.Limiter, entry.JobTypes, jobType, limiter.Estimate{
		Requests: est.EstimatedNumberOfRequests, Tokens: est.EstimatedUsedTokens,
	})
	if rctx == nil {
		return nil, delegation.ErrAllModelsExhausted
	}

	if r.memoryMgr != nil && est.EstimatedUsedMemoryKB > 0 {
		if est.EstimatedUsedMemoryKB > r.memoryMgr.MaxKB() {
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(jobType)
			return nil, delegation.ErrMemoryAcquireFailed
		}
		if err := r.memoryMgr.Acquire(ctx, est.EstimatedUsedMemoryKB); err != nil {
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(jobType)
			return nil, delegation.ErrMemoryAcquireFailed
		}
	}

	req := backend.AcquireRequest{
		InstanceID: r.instanceID,
		ModelID:    modelID,
		JobID:      uuid.NewString(),
		JobType:    jobType,
		Estimated:  limiter.Estimate{Requests: est.EstimatedNumberOfRequests, Tokens: est.EstimatedUsedTokens},
	}
	if r.cfg.Backend != nil {
		admitted, err := r.cfg.Backend.Acquire(ctx, req)
		if err != nil {
			r.log("backend acquire error", map[string]any{"model": modelID, "error": err.Error()})
		}
		if err != nil || !admitted {
			if r.memoryMgr != nil && est.EstimatedUsedMemoryKB > 0 {
				r.memoryMgr.Release(est.EstimatedUsedMemoryKB)
			}
			entry.Limiter.ReleaseReservation(rctx)
			entry.JobTypes.ReleaseForModel(jobType)
			return nil, delegation.ErrAllModelsRejectedByBackend
		}
	}

	usage, disposition, _, err := fn(ctx, delegation.JobArgs{ModelID: modelID, JobType: jobType})

	actual := limiter.Estimate{Requests: usage.RequestCount, Tokens: usage.TotalTokens()}
	if err == nil && disposition == delegation.Resolved {
		entry.Limiter.CommitReservation(rctx, actual)
	} else {
		entry.Limiter.SettleReservation(rctx, actual)
	}
	if r.memoryMgr != nil && est.EstimatedUsedMemoryKB > 0 {
		r.memoryMgr.Release(est.EstimatedUsedMemoryKB)
	}
	entry.JobTypes.ReleaseForModel(jobType)
	if r.cfg.Backend != nil {
		if berr := r.cfg.Backend.Release(context.Background(), req, usage); berr != nil {
			r.log("backend release failed", map[string]any{"model": modelID, "error": berr.Error()})
		}
	}

	if err != nil {
		return nil, err
	}
	cost := entry.Pricing.Cost(usage)
	if disposition == delegation.Rejected {
		return nil, delegation.ErrJobRejectedWithoutDelegation
	}
	return &delegation.JobResult{ModelUsed: modelID, TotalCostUSD: cost, Usage: usage}, nil
}

// SetDistributedAvailability applies a caller-driven override of one
// model's rate limits (e.g. an externally computed distributed share) and
// emits an availability change with reason "distributed".
func (r *RateLimiter) SetDistributedAvailability(modelID string, rpm, rpd, tpm, tpd, concurrency *int64) error {
	entry, ok := r.models[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", delegation.ErrUnknownModel, modelID)
	}
	entry.Limiter.SetRateLimits(rpm, rpd, tpm, tpd)
	if concurrency != nil {
		entry.Limiter.SetConcurrencyLimit(*concurrency)
	}
	remaining := entry.Limiter.RemainingCapacity()
	r.avail.Update(availability.Availability{
		Slots:      availability.DeriveSlots(remaining, 1, 1),
		TPM:        remaining.TPM,
		TPD:        remaining.TPD,
		RPM:        remaining.RPM,
		RPD:        remaining.RPD,
		Concurrent: remaining.ConcurrencyAvail,
	}, availability.ReasonDistributed, "")
	return nil
}

// HasCapacity reports whether any configured model currently has headroom
// for a minimal reservation.
func (r *RateLimiter) HasCapacity() bool {
	for _, entry := range r.models {
		if entry.Limiter.HasCapacity() {
			return true
		}
	}
	return false
}

// HasCapacityForModel reports whether modelID currently has headroom for a
// minimal reservation.
func (r *RateLimiter) HasCapacityForModel(modelID string) bool {
	entry, ok := r.models[modelID]
	return ok && entry.Limiter.HasCapacity()
}

// GetStats returns a point-in-time snapshot of every model's capacity plus
// the most recently emitted availability.
func (r *RateLimiter) GetStats() Stats {
	modelStats := make(map[string]ModelStats, len(r.models))
	for id, entry := range r.models {
		modelStats[id] = ModelStats{HasCapacity: entry.Limiter.HasCapacity(), Remaining: entry.Limiter.RemainingCapacity()}
	}
	last, ok := r.avail.Last()
	r.mu.Lock()
	activeCount := len(r.active)
	r.mu.Unlock()
	return Stats{
		Running:      r.running.Load(),
		InstanceID:   r.instanceID,
		ActiveJobs:   activeCount,
		ModelStats:   modelStats,
		LastAvail:    last,
		HasLastAvail: ok,
	}
}

// GetModelStats returns one model's quota snapshot.
func (r *RateLimiter) GetModelStats(modelID string) (ModelStats, bool) {
	entry, ok := r.models[modelID]
	if !ok {
		return ModelStats{}, false
	}
	return ModelStats{HasCapacity: entry.Limiter.HasCapacity(), Remaining: entry.Limiter.RemainingCapacity()}, true
}

// GetJobTypeStats returns every model's per-job-type ratio/slot state.
func (r *RateLimiter) GetJobTypeStats() map[string]map[string]jobtype.State {
	out := make(map[string]map[string]jobtype.State, len(r.models))
	for id, entry := range r.models {
		out[id] = entry.JobTypes.Snapshot()
	}
	return out
}

// GetActiveJobs returns a snapshot of every currently in-flight job.
func (r *RateLimiter) GetActiveJobs() []ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActiveJob, 0, len(r.active))
	for _, a := range r.active {
		cp := *a
		cp.TriedModels = append([]string(nil), a.TriedModels...)
		out = append(out, cp)
	}
	return out
}

// GetInstanceID returns this façade's instance identifier, used for Backend
// coordination.
func (r *RateLimiter) GetInstanceID() string {
	return r.instanceID
}

func (r *RateLimiter) trackActive(a *ActiveJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[a.JobID] = a
}

func (r *RateLimiter) untrackActive(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, jobID)
}

func (r *RateLimiter) updateActive(jobID string, fn func(*ActiveJob)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[jobID]; ok {
		fn(a)
	}
}
