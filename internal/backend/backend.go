// Package backend defines the distributed coordination contract and a
// single-process reference implementation used for tests and for running
// without a shared store. internal/backend/redis provides the multi-process
// implementation backed by Redis.
package backend

import (
	"context"
	"sync"

	"github.com/quotagate/quotagate/internal/limiter"
	"github.com/quotagate/quotagate/internal/model"
)

// ModelPool is one model's per-instance share of the global pool. The JSON
// tags are the shared-store wire format.
type ModelPool struct {
	TPM         *int64 `json:"tokensPerMinute,omitempty"`
	RPM         *int64 `json:"requestsPerMinute,omitempty"`
	TPD         *int64 `json:"tokensPerDay,omitempty"`
	RPD         *int64 `json:"requestsPerDay,omitempty"`
	Concurrency *int64 `json:"maxConcurrentRequests,omitempty"`
	Slots       *int64 `json:"slots,omitempty"`
}

// Allocation is the distributed pool assignment pushed to every instance.
type Allocation struct {
	InstanceCount int64                `json:"instance_count"`
	Pools         map[string]ModelPool `json:"pools,omitempty"`
}

// AcquireRequest is the per-job context passed to Backend.Acquire/Release.
type AcquireRequest struct {
	InstanceID string
	ModelID    string
	JobID      string
	JobType    string
	Estimated  limiter.Estimate
}

// Backend is the contract consumed by DelegationEngine for distributed
// coordination. Unregister/Release errors are swallowed by callers;
// Register/Acquire errors are surfaced.
type Backend interface {
	Register(ctx context.Context, instanceID string) (Allocation, error)
	Unregister(ctx context.Context, instanceID string) error
	Subscribe(ctx context.Context, instanceID string, cb func(Allocation)) error
	Acquire(ctx context.Context, req AcquireRequest) (bool, error)
	Release(ctx context.Context, req AcquireRequest, actual model.Usage) error
}

// Local is a single-process Backend: instance_count is always 1 and pools
// mirror whatever was registered, so it never constrains admission beyond
// what the ModelLimiter/JobTypeManager already enforce. Useful for the demo
// command and for running without a coordination backend configured.
type Local struct {
	mu    sync.Mutex
	subs  map[string]func(Allocation)
	pools map[string]ModelPool
}

// NewLocal builds a Local backend seeded with pools (one entry per model).
func NewLocal(pools map[string]ModelPool) *Local {
	return &Local{pools: pools, subs: make(map[string]func(Allocation))}
}

func (l *Local) Register(ctx context.Context, instanceID string) (Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Allocation{InstanceCount: 1, Pools: l.pools}, nil
}

func (l *Local) Unregister(ctx context.Context, instanceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, instanceID)
	return nil
}

func (l *Local) Subscribe(ctx context.Context, instanceID string, cb func(Allocation)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[instanceID] = cb
	return nil
}

// Acquire never vetoes admission in the single-process case: the model's
// own reservation already enforces the pool.
func (l *Local) Acquire(ctx context.Context, req AcquireRequest) (bool, error) {
	return true, nil
}

func (l *Local) Release(ctx context.Context, req AcquireRequest, actual model.Usage) error {
	return nil
}

// ApplyIfNotStale implements the no-shrinking-on-stale guard shared by every
// Backend implementation's subscriber loop: an allocation update is ignored
// if it reports fewer live instances than were previously observed, or a
// non-positive count.
func ApplyIfNotStale(observedInstanceCount int64, incoming Allocation, apply func(Allocation)) int64 {
	if incoming.InstanceCount <= 0 || incoming.InstanceCount < observedInstanceCount {
		return observedInstanceCount
	}
	apply(incoming)
	return incoming.InstanceCount
}
