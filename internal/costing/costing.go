// Package costing is a pure accumulator over a model's pricing table. It has
// no side effects and no knowledge of quotas or reservations; callers feed it
// usage and it hands back USD.
package costing

import "github.com/quotagate/quotagate/internal/model"

// Accumulator sums cost across every attempt a job makes, so a job that
// delegates across several models still reports an accurate total.
type Accumulator struct {
	totalUSD float64
	entries  []Entry
}

// Entry records the cost attributed to one model attempt.
type Entry struct {
	ModelID string
	Usage   model.Usage
	CostUSD float64
}

// Add folds usage incurred against model into the running total.
func (a *Accumulator) Add(modelID string, pricing model.Pricing, usage model.Usage) float64 {
	cost := pricing.Cost(usage)
	a.totalUSD += cost
	a.entries = append(a.entries, Entry{ModelID: modelID, Usage: usage, CostUSD: cost})
	return cost
}

// TotalUSD returns the accumulated cost so far.
func (a *Accumulator) TotalUSD() float64 {
	return a.totalUSD
}

// Entries returns a copy of the per-attempt cost entries, in the order they
// were recorded.
func (a *Accumulator) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}
