// Package redis implements the distributed Backend coordination protocol on
// top of a shared Redis instance: hashes for instance heartbeats and
// allocations, Lua scripts for atomic reap-and-reallocate and per-job-type
// admission, and pub/sub for allocation propagation.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/quotagate/quotagate/internal/backend"
	"github.com/quotagate/quotagate/internal/model"
)

// InstanceCountGauge receives the live instance count after each
// reap-and-reallocate cycle. Satisfied by *telemetry.Metrics's
// UpdateBackendAllocationInstances.
type InstanceCountGauge interface {
	UpdateBackendAllocationInstances(n int64)
}

// Config controls key naming and liveness timing.
type Config struct {
	KeyPrefix           string
	HeartbeatIntervalMs int64
	InstanceTimeoutMs   int64
	ReapIntervalMs      int64
	GlobalPools         map[string]backend.ModelPool
	Metrics             InstanceCountGauge
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "quotagate"
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = 5000
	}
	if c.InstanceTimeoutMs <= 0 {
		c.InstanceTimeoutMs = 30000
	}
	if c.ReapIntervalMs <= 0 {
		c.ReapIntervalMs = 10000
	}
	return c
}

// reapAndReallocateScript atomically evicts stale instances, recomputes the
// live count, and writes each model's per-instance pool share. It returns
// the live instance count.
var reapAndReallocateScript = goredis.NewScript(`
local instances_key = KEYS[1]
local allocations_key = KEYS[2]
local global_pools_key = KEYS[3]
local now = tonumber(ARGV[1])
local timeout_ms = tonumber(ARGV[2])

local ids = redis.call('HKEYS', instances_key)
for _, id in ipairs(ids) do
	local hb = tonumber(redis.call('HGET', instances_key, id))
	if hb == nil or (now - hb) > timeout_ms then
		redis.call('HDEL', instances_key, id)
	end
end

local live_ids = redis.call('HKEYS', instances_key)
local live_count = #live_ids
if live_count < 1 then
	live_count = 1
end

local global_pools = redis.call('GET', global_pools_key)
if global_pools then
	local pools = cjson.decode(global_pools)
	local share = {}
	for model, dims in pairs(pools) do
		local divided = {}
		for dim, value in pairs(dims) do
			if type(value) == 'number' then
				divided[dim] = math.floor(value / live_count)
			else
				divided[dim] = value
			end
		end
		share[model] = divided
	end
	local encoded = cjson.encode(share)
	for _, id in ipairs(live_ids) do
		redis.call('HSET', allocations_key, id, encoded)
	end
end

return live_count
`)

// acquireJobTypeScript enforces per-model fairness by incrementing a shared
// in-flight counter, refusing once it has reached the given pool limit.
var acquireJobTypeScript = goredis.NewScript(`
local inflight_key = KEYS[1]
local pool_limit = tonumber(ARGV[1])
local current = tonumber(redis.call('GET', inflight_key) or '0')
if current >= pool_limit then
	return '0'
end
redis.call('INCR', inflight_key)
return '1'
`)

// releaseJobTypeScript decrements the in-flight counter, floored at 0.
var releaseJobTypeScript = goredis.NewScript(`
local inflight_key = KEYS[1]
local current = tonumber(redis.call('GET', inflight_key) or '0')
if current > 0 then
	redis.call('DECR', inflight_key)
end
return 'OK'
`)

// Backend is the Redis-backed distributed coordinator.
type Backend struct {
	client *goredis.Client
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a Backend over an existing Redis client.
func New(client *goredis.Client, cfg Config, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{client: client, cfg: cfg.withDefaults(), log: log, stopCh: make(chan struct{})}
}

func (b *Backend) key(parts ...string) string {
	k := b.cfg.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (b *Backend) instancesKey() string   { return b.key("instances") }
func (b *Backend) allocationsKey() string { return b.key("allocations") }
func (b *Backend) globalPoolsKey() string { return b.key("model_capacities") }
func (b *Backend) channelKey() string     { return b.key("channel") }
func (b *Backend) inflightKey(modelID, jobType string) string {
	return b.key("inflight", modelID, jobType)
}

// Register writes this instance's first heartbeat, starts the heartbeat and
// reap loops, and returns whatever allocation is currently on record (or a
// single-instance allocation from GlobalPools if none exists yet).
func (b *Backend) Register(ctx context.Context, instanceID string) (backend.Allocation, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := b.client.HSet(ctx, b.instancesKey(), instanceID, now).Err(); err != nil {
		return backend.Allocation{}, fmt.Errorf("register instance: %w", err)
	}

	if b.cfg.GlobalPools != nil {
		data, err := json.Marshal(b.cfg.GlobalPools)
		if err == nil {
			b.client.Set(ctx, b.globalPoolsKey(), data, 0)
		}
	}

	b.startBackgroundLoops(instanceID)

	raw, err := b.client.HGet(ctx, b.allocationsKey(), instanceID).Result()
	if err == nil && raw != "" {
		var pools map[string]backend.ModelPool
		if jsonErr := json.Unmarshal([]byte(raw), &pools); jsonErr == nil {
			return backend.Allocation{InstanceCount: 1, Pools: pools}, nil
		}
	}
	return backend.Allocation{InstanceCount: 1, Pools: b.cfg.GlobalPools}, nil
}

func (b *Backend) startBackgroundLoops(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.wg.Add(2)
	go b.heartbeatLoop(instanceID)
	go b.reapLoop()
}

func (b *Backend) heartbeatLoop(instanceID string) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.HeartbeatIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().UnixMilli(), 10)
			if err := b.client.HSet(ctx, b.instancesKey(), instanceID, now).Err(); err != nil {
				b.log.Warn("heartbeat write failed", "error", err)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) reapLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.ReapIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			b.reapAndPublish(ctx)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) reapAndPublish(ctx context.Context) {
	now := time.Now().UnixMilli()
	liveCount, err := reapAndReallocateScript.Run(ctx, b.client,
		[]string{b.instancesKey(), b.allocationsKey(), b.globalPoolsKey()},
		now, b.cfg.InstanceTimeoutMs).Int64()
	if err != nil {
		b.log.Warn("reap_and_reallocate failed", "error", err)
		return
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.UpdateBackendAllocationInstances(liveCount)
	}
	payload, _ := json.Marshal(map[string]any{"type": "capacity", "instanceCount": liveCount})
	if err := b.client.Publish(ctx, b.channelKey(), payload).Err(); err != nil {
		b.log.Warn("publish allocation failed", "error", err)
	}
}

// Unregister removes the instance's heartbeat and stops background loops.
// Errors are swallowed.
func (b *Backend) Unregister(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	if b.started {
		close(b.stopCh)
		b.started = false
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.client.HDel(ctx, b.instancesKey(), instanceID)
	return nil
}

// Subscribe starts a pub/sub listener that invokes cb with a new Allocation
// whenever the coordination channel publishes a capacity change.
func (b *Backend) Subscribe(ctx context.Context, instanceID string, cb func(backend.Allocation)) error {
	sub := b.client.Subscribe(ctx, b.channelKey())
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload struct {
					InstanceCount int64 `json:"instanceCount"`
				}
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					continue
				}
				raw, err := b.client.HGet(ctx, b.allocationsKey(), instanceID).Result()
				var pools map[string]backend.ModelPool
				if err == nil {
					json.Unmarshal([]byte(raw), &pools)
				}
				cb(backend.Allocation{InstanceCount: payload.InstanceCount, Pools: pools})
			case <-b.stopCh:
				return
			}
		}
	}()
	return nil
}

// Acquire enforces per-(model, job type) fairness via the atomic
// acquire_job_type script: the in-flight counter is shared by every instance
// and is checked against the model's configured GlobalPools Slots, undivided
// (a ceiling of 1<<30 when Slots is unset).
func (b *Backend) Acquire(ctx context.Context, req backend.AcquireRequest) (bool, error) {
	poolLimit := int64(1 << 30)
	if b.cfg.GlobalPools != nil {
		if pool, ok := b.cfg.GlobalPools[req.ModelID]; ok && pool.Slots != nil {
			poolLimit = *pool.Slots
		}
	}
	result, err := acquireJobTypeScript.Run(ctx, b.client,
		[]string{b.inflightKey(req.ModelID, req.JobType)}, poolLimit).Text()
	if err != nil {
		return false, fmt.Errorf("acquire_job_type: %w", err)
	}
	return result == "1", nil
}

// Release decrements the shared in-flight counter. Errors are swallowed.
func (b *Backend) Release(ctx context.Context, req backend.AcquireRequest, actual model.Usage) error {
	releaseJobTypeScript.Run(ctx, b.client, []string{b.inflightKey(req.ModelID, req.JobType)})
	return nil
}
