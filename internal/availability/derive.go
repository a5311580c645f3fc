package availability

import "github.com/quotagate/quotagate/internal/limiter"

// DeriveSlots computes the scalar "slots" number: the minimum, across every
// configured dimension, of floor(dim_remaining / dim_cost_per_job), where
// dim_cost_per_job uses the largest estimate across job types for that
// dimension. Infinity (represented as a very large int64) if no dimension is
// configured.
func DeriveSlots(remaining limiter.Remaining, maxReqEstimate, maxTokenEstimate int64) int64 {
	if maxReqEstimate <= 0 {
		maxReqEstimate = 1
	}
	if maxTokenEstimate <= 0 {
		maxTokenEstimate = 1
	}
	const infinity = int64(1) << 40
	best := infinity
	consider := func(remainingAmount, cost int64) {
		if cost <= 0 {
			return
		}
		v := remainingAmount / cost
		if v < best {
			best = v
		}
	}
	if remaining.RPM != nil {
		consider(*remaining.RPM, maxReqEstimate)
	}
	if remaining.RPD != nil {
		consider(*remaining.RPD, maxReqEstimate)
	}
	if remaining.TPM != nil {
		consider(*remaining.TPM, maxTokenEstimate)
	}
	if remaining.TPD != nil {
		consider(*remaining.TPD, maxTokenEstimate)
	}
	if remaining.ConcurrencyAvail != nil {
		consider(*remaining.ConcurrencyAvail, 1)
	}
	return best
}
