package ratelimiter

import (
	"context"
	"errors"
	"testing"

	"github.com/quotagate/quotagate/internal/backend"
	"github.com/quotagate/quotagate/internal/delegation"
	"github.com/quotagate/quotagate/internal/model"
)

func ptr(v int64) *int64 { return &v }

func basicModels() map[string]model.ModelConfig {
	con := int64(2)
	return map[string]model.ModelConfig{
		"A": {MaxConcurrentRequests: &con},
	}
}

func basicEstimates() map[string]model.ResourceEstimate {
	return map[string]model.ResourceEstimate{
		"default": {EstimatedNumberOfRequests: 1},
	}
}

func TestValidateRequiresAtLeastOneModel(t *testing.T) {
	cfg := Config{ResourceEstimationsPerJob: basicEstimates()}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error with no models configured")
	}
}

func TestValidateRequiresEscalationOrderForMultipleModels(t *testing.T) {
	con := int64(1)
	cfg := Config{
		Models: map[string]model.ModelConfig{
			"A": {MaxConcurrentRequests: &con},
			"B": {MaxConcurrentRequests: &con},
		},
		ResourceEstimationsPerJob: basicEstimates(),
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error: two models configured without an escalation_order")
	}
}

func TestValidateRejectsUnknownEscalationOrderEntry(t *testing.T) {
	cfg := Config{
		Models:                    basicModels(),
		EscalationOrder:           []string{"A", "ghost"},
		ResourceEstimationsPerJob: basicEstimates(),
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error: escalation_order references an unconfigured model")
	}
}

func TestValidateRequiresAtLeastOneJobType(t *testing.T) {
	cfg := Config{Models: basicModels()}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error with no job types configured")
	}
}

func TestValidateRejectsMemoryWithoutAnyMemoryEstimate(t *testing.T) {
	cfg := Config{
		Models:                    basicModels(),
		ResourceEstimationsPerJob: basicEstimates(),
		Memory:                    &MemoryConfig{MaxCapacityKB: 1000},
	}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected an error: memory configured but no job type declares estimated_used_memory_kb")
	}
}

func TestValidateAcceptsMemoryWithMatchingEstimate(t *testing.T) {
	cfg := Config{
		Models: basicModels(),
		ResourceEstimationsPerJob: map[string]model.ResourceEstimate{
			"default": {EstimatedNumberOfRequests: 1, EstimatedUsedMemoryKB: 10},
		},
		Memory: &MemoryConfig{MaxCapacityKB: 1000, AvailableMemoryKB: func() int64 { return 1000 }},
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected New to reject an invalid config")
	}
}

func TestNewDerivesEscalationOrderFromModelsWhenSingular(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rl.models["A"]; !ok {
		t.Fatal("expected model A to be wired")
	}
	result, err := rl.QueueJob(context.Background(), JobSpec{
		JobType: "default",
		Fn: func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
			return model.Usage{RequestCount: 1}, delegation.Resolved, false, nil
		},
	})
	if err != nil || result.ModelUsed != "A" {
		t.Fatalf("expected the derived escalation order [A] to route the job to A, got result=%+v err=%v", result, err)
	}
}

// fakeBackend is a minimal backend.Backend whose Acquire decision is
// supplied by the test.
type fakeBackend struct {
	acquire     func(req backend.AcquireRequest) (bool, error)
	registers   int
	unregisters int
	subscribes  int
}

func (f *fakeBackend) Register(ctx context.Context, instanceID string) (backend.Allocation, error) {
	f.registers++
	return backend.Allocation{InstanceCount: 1}, nil
}
func (f *fakeBackend) Unregister(ctx context.Context, instanceID string) error {
	f.unregisters++
	return nil
}
func (f *fakeBackend) Subscribe(ctx context.Context, instanceID string, cb func(backend.Allocation)) error {
	f.subscribes++
	return nil
}
func (f *fakeBackend) Acquire(ctx context.Context, req backend.AcquireRequest) (bool, error) {
	if f.acquire != nil {
		return f.acquire(req)
	}
	return true, nil
}
func (f *fakeBackend) Release(ctx context.Context, req backend.AcquireRequest, actual model.Usage) error {
	return nil
}

func TestStartStopIsIdempotentAndRegistersBackendOnce(t *testing.T) {
	fb := &fakeBackend{}
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates(), Backend: fb})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()
	if err := rl.Start(ctx); err != nil {
		t.Fatalf("unexpected error starting: %v", err)
	}
	if err := rl.Start(ctx); err != nil {
		t.Fatalf("unexpected error on second Start: %v", err)
	}
	if fb.registers != 1 || fb.subscribes != 1 {
		t.Fatalf("expected backend Register and Subscribe to have been called once each, got %d and %d", fb.registers, fb.subscribes)
	}

	rl.Stop()
	rl.Stop() // idempotent: must not panic or double-unregister incorrectly
	if fb.unregisters != 1 {
		t.Fatalf("expected backend Unregister to have been called once, got %d", fb.unregisters)
	}
}

func TestApplyAllocationAppliesViaBackendApplyIfNotStale(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rpm := int64(42)
	rl.applyAllocation(backend.Allocation{
		InstanceCount: 5,
		Pools:         map[string]backend.ModelPool{"A": {RPM: &rpm}},
	})
	remaining := rl.models["A"].Limiter.RemainingCapacity()
	if remaining.RPM == nil || *remaining.RPM != 42 {
		t.Fatalf("expected RPM limit applied to 42, got %+v", remaining.RPM)
	}

	// A stale (lower instance_count) update must be ignored.
	rpm2 := int64(1)
	rl.applyAllocation(backend.Allocation{
		InstanceCount: 1,
		Pools:         map[string]backend.ModelPool{"A": {RPM: &rpm2}},
	})
	remaining = rl.models["A"].Limiter.RemainingCapacity()
	if remaining.RPM == nil || *remaining.RPM != 42 {
		t.Fatalf("expected stale allocation to be ignored, RPM still 42, got %+v", remaining.RPM)
	}
}

func TestQueueJobUnknownJobType(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = rl.QueueJob(context.Background(), JobSpec{JobType: "nope"})
	if !errors.Is(err, delegation.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestQueueJobResolves(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := rl.QueueJob(context.Background(), JobSpec{
		JobType: "default",
		Fn: func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
			return model.Usage{RequestCount: 1}, delegation.Resolved, false, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "A" {
		t.Fatalf("modelUsed = %q, want A", result.ModelUsed)
	}
}

func TestQueueJobForModelUnknownModel(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = rl.QueueJobForModel(context.Background(), "ghost", "default", nil)
	if !errors.Is(err, delegation.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

// QueueJobForModel must enforce the same memory/backend admission dimensions
// as QueueJob even though it bypasses model selection and delegation: a
// backend rejection must prevent the job function from running and must
// leave the limiter's reservation released.
func TestQueueJobForModelRespectsBackendRejection(t *testing.T) {
	fb := &fakeBackend{acquire: func(req backend.AcquireRequest) (bool, error) { return false, nil }}
	rl, err := New(Config{
		Models:                    basicModels(),
		ResourceEstimationsPerJob: basicEstimates(),
		Backend:                   fb,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ran bool
	_, err = rl.QueueJobForModel(context.Background(), "A", "default", func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
		ran = true
		return model.Usage{}, delegation.Resolved, false, nil
	})
	if !errors.Is(err, delegation.ErrAllModelsRejectedByBackend) {
		t.Fatalf("expected ErrAllModelsRejectedByBackend, got %v", err)
	}
	if ran {
		t.Fatal("job function should never have run: the backend rejected admission")
	}
	if !rl.models["A"].Limiter.HasCapacity() {
		t.Fatal("expected the reservation to have been released after the backend rejection")
	}
}

func TestQueueJobForModelAdmitsThroughBackendAndReleases(t *testing.T) {
	fb := &fakeBackend{acquire: func(req backend.AcquireRequest) (bool, error) { return true, nil }}
	rl, err := New(Config{
		Models:                    basicModels(),
		ResourceEstimationsPerJob: basicEstimates(),
		Backend:                   fb,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := rl.QueueJobForModel(context.Background(), "A", "default", func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
		return model.Usage{RequestCount: 1}, delegation.Resolved, false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ModelUsed != "A" {
		t.Fatalf("modelUsed = %q, want A", result.ModelUsed)
	}
	if !rl.models["A"].Limiter.HasCapacity() {
		t.Fatal("expected capacity restored after release")
	}
}

func TestSetDistributedAvailabilityUnknownModel(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rl.SetDistributedAvailability("ghost", nil, nil, nil, nil, nil); !errors.Is(err, delegation.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestSetDistributedAvailabilityUpdatesLimitsAndEmits(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rpm := ptr(7)
	if err := rl.SetDistributedAvailability("A", rpm, nil, nil, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last, ok := rl.avail.Last()
	if !ok {
		t.Fatal("expected an availability snapshot to have been emitted")
	}
	if last.RPM == nil || *last.RPM != 7 {
		t.Fatalf("expected RPM remaining = 7, got %+v", last.RPM)
	}
}

func TestGetStatsReportsActiveJobCount(t *testing.T) {
	rl, err := New(Config{Models: basicModels(), ResourceEstimationsPerJob: basicEstimates()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rl.QueueJob(context.Background(), JobSpec{
			JobType: "default",
			Fn: func(ctx context.Context, args delegation.JobArgs) (model.Usage, delegation.Disposition, bool, error) {
				close(started)
				<-release
				return model.Usage{RequestCount: 1}, delegation.Resolved, false, nil
			},
		})
		close(done)
	}()
	<-started
	stats := rl.GetStats()
	if stats.ActiveJobs != 1 {
		t.Fatalf("activeJobs = %d, want 1 while the job is in flight", stats.ActiveJobs)
	}
	close(release)
	<-done
	stats = rl.GetStats()
	if stats.ActiveJobs != 0 {
		t.Fatalf("activeJobs = %d, want 0 after completion", stats.ActiveJobs)
	}
}
