package selector

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/config"
)

func defaultCfg() config.SelectorEnvConfig {
	return config.SelectorEnvConfig{
		QualityWeight:        0.7,
		PeriodWeight:         0.3,
		OrganicTemperature:   0.5,
		SyntheticTemperature: 0.1,
		TopX:                 5,
	}
}

func ptr(f float64) *float64 { return &f }

func pool(n int) []capacity.Contender {
	out := make([]capacity.Contender, n)
	for i := range out {
		out[i] = capacity.Contender{ID: string(rune('a' + i))}
	}
	return out
}

func TestSelect_SmallPoolReturnedAsIs(t *testing.T) {
	s := New(defaultCfg(), rand.New(rand.NewPCG(1, 1)))
	assert.Empty(t, s.Select(nil, Organic, 5))
	one := pool(1)
	assert.Equal(t, one, s.Select(one, Synthetic, 5))
}

func TestSelect_DistinctAndBounded(t *testing.T) {
	s := New(defaultCfg(), rand.New(rand.NewPCG(42, 7)))
	candidates := pool(8)
	for i := range candidates {
		candidates[i].LastCombinedQualityScore = ptr(float64(i))
	}

	got := s.Select(candidates, Organic, 5)
	require.Len(t, got, 5)
	seen := map[string]bool{}
	for _, c := range got {
		assert.False(t, seen[c.ID], "duplicate %s", c.ID)
		seen[c.ID] = true
	}

	all := s.Select(candidates[:3], Synthetic, 5)
	assert.Len(t, all, 3)
}

func TestCompositeScores_AllEqualIsZero(t *testing.T) {
	s := New(defaultCfg(), nil)
	candidates := pool(4)
	for i := range candidates {
		candidates[i].LastCombinedQualityScore = ptr(0.8)
		candidates[i].NormalisedPeriodScore = ptr(0.4)
	}
	assert.Equal(t, []float64{0, 0, 0, 0}, s.CompositeScores(candidates))

	probs := Softmax(s.CompositeScores(candidates), 0.5)
	for _, p := range probs {
		assert.InDelta(t, 0.25, p, 1e-12)
	}
}

func TestCompositeScores_Weights(t *testing.T) {
	s := New(defaultCfg(), nil)
	candidates := []capacity.Contender{
		{ID: "a", LastCombinedQualityScore: ptr(1), NormalisedPeriodScore: ptr(0)},
		{ID: "b", LastCombinedQualityScore: ptr(0), NormalisedPeriodScore: ptr(1)},
		{ID: "c"},
	}
	assert.InDeltaSlice(t, []float64{0.7, 0.3, 0}, s.CompositeScores(candidates), 1e-12)
}

func TestSoftmax_TemperatureSharpens(t *testing.T) {
	scores := []float64{1, 0}
	organic := Softmax(scores, 0.5)
	synthetic := Softmax(scores, 0.1)
	assert.Greater(t, synthetic[0], organic[0])
	assert.InDelta(t, 1.0, organic[0]+organic[1], 1e-12)
}

func TestSampleWithoutReplacement(t *testing.T) {
	rnd := rand.New(rand.NewPCG(3, 4))
	got := SampleWithoutReplacement([]float64{0.1, 0.2, 0.3, 0.4}, 4, rnd)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, got)

	got = SampleWithoutReplacement([]float64{1, 0, 0}, 2, rnd)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0])

	assert.Len(t, SampleWithoutReplacement([]float64{0, 0, 0}, 2, rnd), 2)
}

func TestSampleWithoutReplacement_FavorsHeavy(t *testing.T) {
	rnd := rand.New(rand.NewPCG(9, 9))
	first := 0
	for i := 0; i < 2000; i++ {
		if SampleWithoutReplacement([]float64{0.9, 0.05, 0.05}, 1, rnd)[0] == 0 {
			first++
		}
	}
	assert.Greater(t, first, 1600)
}
