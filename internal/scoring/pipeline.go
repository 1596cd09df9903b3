package scoring

import (
	"sort"

	"github.com/rs/zerolog/log"
)

type CubicParams struct {
	Scaling     float64
	Translation float64
	Offset      float64
}

// DefaultCubicParams is a plain cube.
func DefaultCubicParams() CubicParams {
	return CubicParams{Scaling: 1}
}

// TaskPipeline turns per-contender effective volumes for one task into shares
// that sum to 1: normalize, cube, normalize again.
type TaskPipeline struct {
	CubicParams CubicParams
}

type TaskPipelineOption func(*TaskPipeline)

func WithCubicParams(params CubicParams) TaskPipelineOption {
	return func(p *TaskPipeline) {
		p.CubicParams = params
	}
}

func NewTaskPipeline(opts ...TaskPipelineOption) *TaskPipeline {
	p := &TaskPipeline{
		CubicParams: DefaultCubicParams(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process returns the normalized score per key. An all-zero input stays all zero.
func (p *TaskPipeline) Process(volumes map[string]float64) map[string]float64 {
	keys := make([]string, 0, len(volumes))
	for k := range volumes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]float64, len(keys))
	for i, k := range keys {
		values[i] = volumes[k]
	}

	normalized := L1Normalize(values)
	cubed := ApplyCubicTransformation(normalized, p.CubicParams)
	final := L1Normalize(cubed)

	out := make(map[string]float64, len(keys))
	for i, k := range keys {
		out[k] = final[i]
	}
	log.Debug().Int("contenders", len(keys)).Msg("task scores normalized")
	return out
}

// NormalizeTask runs the default pipeline.
func NormalizeTask(volumes map[string]float64) map[string]float64 {
	return NewTaskPipeline().Process(volumes)
}
