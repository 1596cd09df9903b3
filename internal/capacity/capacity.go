package capacity

import "math"

// Correct clamps a declared capacity to [0, taskMax] and scales it by this
// validator's share of stake.
func Correct(raw, stakeProportion, taskMax float64) float64 {
	clamped := math.Min(math.Max(raw, 0), taskMax)
	return clamped * stakeProportion
}

// CalculatePeriodScore returns nil when there is not enough data to score.
//
// 429s are squared so they weigh less than server errors, and both penalties are
// scaled by the share of declared capacity that went unused.
func CalculatePeriodScore(totalRequests int64, capacity, consumed float64, requests429, requests500 int64) *float64 {
	if totalRequests == 0 || capacity == 0 {
		return nil
	}

	capacity = math.Max(capacity, 1)
	unqueried := math.Max(capacity-consumed, 0)
	pctUnqueried := unqueried / capacity

	total := float64(totalRequests)
	pct429 := float64(requests429) / total
	pct500 := float64(requests500) / total
	pctGood := float64(totalRequests-requests429-requests500) / total

	rateLimitPenalty := pct429 * pct429 * pctUnqueried
	serverErrorPenalty := pct500 * pctUnqueried

	score := math.Max(pctGood*(1-rateLimitPenalty)*(1-serverErrorPenalty), 0)
	return &score
}

// NumberOfRequests converts a capacity to score into a discrete probe count.
func NumberOfRequests(capacityToScore, volumeToRequestsConversion float64) int64 {
	if volumeToRequestsConversion <= 0 {
		return 1
	}
	n := int64(capacityToScore / volumeToRequestsConversion)
	if n < 1 {
		return 1
	}
	return n
}

// PeriodScoreOf computes the period score from the contender's own counters.
func (c *Contender) PeriodScoreOf() *float64 {
	return CalculatePeriodScore(c.TotalRequestsMade, c.Capacity, c.ConsumedCapacity, c.Requests429, c.Requests500)
}
