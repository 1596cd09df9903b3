// Package selector ranks contenders for one query by sampling them without
// replacement from a temperature-scaled softmax over their recent performance.
package selector

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/scoring"
)

// QueryType distinguishes real user traffic from validator probes.
type QueryType int

const (
	Organic QueryType = iota
	Synthetic
)

func (q QueryType) String() string {
	if q == Synthetic {
		return "synthetic"
	}
	return "organic"
}

type Selector struct {
	cfg config.SelectorEnvConfig

	mu   sync.Mutex
	rand *rand.Rand
}

// New returns a selector; a nil rnd seeds one from the runtime source.
func New(cfg config.SelectorEnvConfig, rnd *rand.Rand) *Selector {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{cfg: cfg, rand: rnd}
}

// Select returns min(topX, len(candidates)) distinct contenders in fallback order.
func (s *Selector) Select(candidates []capacity.Contender, queryType QueryType, topX int) []capacity.Contender {
	if len(candidates) <= 1 {
		return candidates
	}
	if topX <= 0 {
		topX = s.cfg.TopX
	}

	probs := Softmax(s.CompositeScores(candidates), s.temperature(queryType))

	s.mu.Lock()
	order := SampleWithoutReplacement(probs, topX, s.rand)
	s.mu.Unlock()

	out := make([]capacity.Contender, len(order))
	for i, idx := range order {
		out[i] = candidates[idx]
	}
	log.Trace().Str("query_type", queryType.String()).Int("candidates", len(candidates)).Int("selected", len(out)).Msg("contenders selected")
	return out
}

func (s *Selector) temperature(q QueryType) float64 {
	if q == Synthetic {
		return s.cfg.SyntheticTemperature
	}
	return s.cfg.OrganicTemperature
}

// CompositeScores min-max normalizes both signals across the pool and blends them.
func (s *Selector) CompositeScores(candidates []capacity.Contender) []float64 {
	quality := make([]float64, len(candidates))
	period := make([]float64, len(candidates))
	for i, c := range candidates {
		if c.LastCombinedQualityScore != nil {
			quality[i] = *c.LastCombinedQualityScore
		}
		if c.NormalisedPeriodScore != nil {
			period[i] = *c.NormalisedPeriodScore
		}
	}
	quality = scoring.MinMaxScale(quality)
	period = scoring.MinMaxScale(period)

	out := make([]float64, len(candidates))
	for i := range candidates {
		out[i] = s.cfg.QualityWeight*quality[i] + s.cfg.PeriodWeight*period[i]
	}
	return out
}

// Softmax returns exp(x/t) normalized; the max is subtracted for stability.
func Softmax(scores []float64, temperature float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	if temperature <= 0 {
		temperature = 1e-6
	}
	max := math.Inf(-1)
	for _, v := range scores {
		max = math.Max(max, v)
	}
	sum := 0.0
	for i, v := range scores {
		out[i] = math.Exp((v - max) / temperature)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// SampleWithoutReplacement draws k indices, each proportional to the weights
// still remaining. Zero weights are only drawn once nothing else is left.
func SampleWithoutReplacement(weights []float64, k int, rnd *rand.Rand) []int {
	n := len(weights)
	if k > n {
		k = n
	}
	remaining := make([]int, n)
	w := make([]float64, n)
	for i := range remaining {
		remaining[i] = i
		w[i] = math.Max(weights[i], 0)
	}

	out := make([]int, 0, k)
	for len(out) < k {
		total := 0.0
		for _, v := range w {
			total += v
		}

		pick := len(remaining) - 1
		if total > 0 {
			r := rnd.Float64() * total
			for i, v := range w {
				if r < v {
					pick = i
					break
				}
				r -= v
			}
		} else {
			pick = rnd.IntN(len(remaining))
		}

		out = append(out, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		w = append(w[:pick], w[pick+1:]...)
	}
	return out
}
