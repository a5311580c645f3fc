// Package model holds the shared configuration and usage data types that
// every limiter/jobtype/delegation package composes over.
package model

// ModelConfig describes one upstream model's quota dimensions. A zero value
// for a pointer-shaped field means that dimension is unconfigured and is not
// enforced.
type ModelConfig struct {
	RequestsPerMinute     *int64
	RequestsPerDay        *int64
	TokensPerMinute       *int64
	TokensPerDay          *int64
	MaxConcurrentRequests *int64
	MinCapacity           int64
	MaxCapacity           int64
	Pricing               Pricing
}

// Pricing is USD per 1,000,000 tokens for each token class.
type Pricing struct {
	InputPerMillion  float64
	CachedPerMillion float64
	OutputPerMillion float64
}

// RatioConfig seeds a job type's initial share of a model's capacity.
type RatioConfig struct {
	InitialValue float64
	Flexible     bool
}

// ResourceEstimate is the a priori cost estimate for one job type.
type ResourceEstimate struct {
	EstimatedNumberOfRequests int64
	EstimatedUsedTokens       int64
	EstimatedUsedMemoryKB     int64
	Ratio                     *RatioConfig
	MaxWaitMsPerModel         map[string]int64
}

// Usage is what a job actually consumed, reported by resolve/reject.
type Usage struct {
	RequestCount int64
	InputTokens  int64
	CachedTokens int64
	OutputTokens int64
}

// TotalTokens sums every token class.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.CachedTokens + u.OutputTokens
}

// Cost computes the USD cost of usage under pricing.
func (p Pricing) Cost(u Usage) float64 {
	const million = 1_000_000.0
	return float64(u.InputTokens)/million*p.InputPerMillion +
		float64(u.CachedTokens)/million*p.CachedPerMillion +
		float64(u.OutputTokens)/million*p.OutputPerMillion
}
