// Package scoring turns archived results, period scores and capacity into the
// per-identity weight vector.
package scoring

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/tensorplex-labs/arena/internal/capacity"
)

const (
	// QualitySampleSize is the number of recent results averaged into a quality score.
	QualitySampleSize = 50
	// QualityWindow bounds how old a result may be to count.
	QualityWindow = 72 * time.Hour
	// PeriodScoreDecay is λ in the decay weight (1-λ)^i of historical period scores.
	PeriodScoreDecay = 0.5

	speedSteepness = 4.0
	maxSpeedFactor = 2.0
)

// SpeedScoringFactor rewards latency per unit of work below the task's expected
// mean with up to 2x and decays towards 0 when slower.
func SpeedScoringFactor(responseTime, volume, expectedLatencyPerUnit float64) float64 {
	if volume <= 0 || expectedLatencyPerUnit <= 0 {
		return 1
	}
	ratio := (responseTime / volume) / expectedLatencyPerUnit
	return maxSpeedFactor / (1 + math.Exp(speedSteepness*(ratio-1)))
}

// CombinedQualityScore averages quality*speed over the newest QualitySampleSize
// rows. rows must be newest first; 0 when empty.
func CombinedQualityScore(rows []capacity.RewardData, expectedLatencyPerUnit float64) float64 {
	if len(rows) > QualitySampleSize {
		rows = rows[:QualitySampleSize]
	}
	if len(rows) == 0 {
		return 0
	}
	vals := make([]float64, len(rows))
	for i, r := range rows {
		vals[i] = r.QualityScore * SpeedScoringFactor(r.ResponseTime, r.Volume, expectedLatencyPerUnit)
	}
	return floats.Sum(vals) / float64(len(vals))
}

// NormalisedPeriodScore is the decay and volume weighted average of historical
// period scores, newest first. Rows with no score are skipped.
func NormalisedPeriodScore(rows []capacity.PeriodScore) float64 {
	scored := make([]capacity.PeriodScore, 0, len(rows))
	for _, r := range rows {
		if r.PeriodScore != nil {
			scored = append(scored, r)
		}
	}
	if len(scored) == 0 {
		return 0
	}

	totalVolume := 0.0
	for _, r := range scored {
		totalVolume += r.ConsumedCapacity
	}
	if totalVolume <= 0 {
		return 0
	}

	var weighted, weights float64
	for i, r := range scored {
		w := (r.ConsumedCapacity / totalVolume) * math.Pow(1-PeriodScoreDecay, float64(i))
		weighted += w * *r.PeriodScore
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}

// EffectiveVolume is quality × reliability × capacity.
func EffectiveVolume(combinedQuality, normalisedPeriodScore, capacity float64) float64 {
	return combinedQuality * normalisedPeriodScore * capacity
}
