package config

import (
	"github.com/quotagate/quotagate/internal/model"
	"github.com/quotagate/quotagate/internal/ratelimiter"
)

func ptrIfSet(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// ToModels converts the TOML model table into the domain ModelConfig map
// the RateLimiter façade consumes.
func (c *Config) ToModels() map[string]model.ModelConfig {
	out := make(map[string]model.ModelConfig, len(c.Models))
	for id, mc := range c.Models {
		out[id] = model.ModelConfig{
			RequestsPerMinute:     ptrIfSet(mc.RequestsPerMinute),
			RequestsPerDay:        ptrIfSet(mc.RequestsPerDay),
			TokensPerMinute:       ptrIfSet(mc.TokensPerMinute),
			TokensPerDay:          ptrIfSet(mc.TokensPerDay),
			MaxConcurrentRequests: ptrIfSet(mc.MaxConcurrentRequests),
			MinCapacity:           mc.MinCapacity,
			MaxCapacity:           mc.MaxCapacity,
			Pricing: model.Pricing{
				InputPerMillion:  mc.InputPerMillion,
				CachedPerMillion: mc.CachedPerMillion,
				OutputPerMillion: mc.OutputPerMillion,
			},
		}
	}
	return out
}

// ToResourceEstimates converts the TOML job-type table into the domain
// ResourceEstimate map.
func (c *Config) ToResourceEstimates() map[string]model.ResourceEstimate {
	out := make(map[string]model.ResourceEstimate, len(c.JobTypes))
	for jt, jc := range c.JobTypes {
		est := model.ResourceEstimate{
			EstimatedNumberOfRequests: jc.EstimatedNumberOfRequests,
			EstimatedUsedTokens:       jc.EstimatedUsedTokens,
			EstimatedUsedMemoryKB:     jc.EstimatedUsedMemoryKB,
		}
		if len(jc.MaxWaitMsPerModel) > 0 {
			est.MaxWaitMsPerModel = jc.MaxWaitMsPerModel
		}
		if jc.RatioSpecified {
			est.Ratio = &model.RatioConfig{InitialValue: jc.RatioInitialValue, Flexible: jc.RatioFlexible}
		}
		out[jt] = est
	}
	return out
}

// ToMemoryConfig converts [memory] into a *ratelimiter.MemoryConfig, or nil
// if the memory dimension is unconfigured.
func (c *Config) ToMemoryConfig() *ratelimiter.MemoryConfig {
	if !c.Memory.Enabled() {
		return nil
	}
	return &ratelimiter.MemoryConfig{
		FreeMemoryRatio:         c.Memory.FreeMemoryRatio,
		MinCapacityKB:           c.Memory.MinCapacityKB,
		MaxCapacityKB:           c.Memory.MaxCapacityKB,
		RecalculationIntervalMs: c.Memory.RecalculationIntervalMs,
	}
}

// ToRateLimiterConfig builds a ratelimiter.Config from this Config, omitting
// Backend/OnLog/OnAvailableSlotsChange which the caller wires separately
// (they are runtime collaborators, not TOML-representable values).
func (c *Config) ToRateLimiterConfig() ratelimiter.Config {
	return ratelimiter.Config{
		Models:                    c.ToModels(),
		EscalationOrder:           c.EscalationOrder,
		ResourceEstimationsPerJob: c.ToResourceEstimates(),
		Memory:                    c.ToMemoryConfig(),
	}
}
