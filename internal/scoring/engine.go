package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
)

// Signals are the per-contender values the selector uses in the next period.
type Signals struct {
	CombinedQuality       float64
	NormalisedPeriodScore float64
	EffectiveVolume       float64
}

// Result is the output of one scoring run.
type Result struct {
	// Totals is the weighted score per identity.
	Totals map[string]float64
	// TaskScores holds the normalized per-task score per identity.
	TaskScores map[string]map[string]float64
	// Signals is keyed by contender id.
	Signals map[string]Signals
}

// Engine runs the period scoring over the rolled-over contenders.
type Engine struct {
	store    store.Store
	registry *tasks.Registry
	pipeline *TaskPipeline
	now      func() time.Time
}

func NewEngine(s store.Store, registry *tasks.Registry, opts ...TaskPipelineOption) *Engine {
	return &Engine{store: s, registry: registry, pipeline: NewTaskPipeline(opts...), now: time.Now}
}

// Score computes effective volumes for every contender, normalizes per task and
// aggregates per identity. Contenders of unknown tasks are ignored.
func (e *Engine) Score(ctx context.Context, contenders []capacity.Contender) (*Result, error) {
	since := e.now().Add(-QualityWindow)
	volumes := make(map[string]map[string]float64)
	signals := make(map[string]Signals, len(contenders))

	for _, c := range contenders {
		cfg, ok := e.registry.Get(c.Task)
		if !ok {
			continue
		}

		rewards, err := e.store.RecentRewardData(ctx, c.NodeIdentity, c.Task, since, QualitySampleSize)
		if err != nil {
			return nil, fmt.Errorf("reward data for %s: %w", c.ID, err)
		}
		periods, err := e.store.PeriodScores(ctx, c.NodeIdentity, c.Task)
		if err != nil {
			return nil, fmt.Errorf("period scores for %s: %w", c.ID, err)
		}

		sig := Signals{
			CombinedQuality:       CombinedQualityScore(rewards, cfg.ExpectedLatencyPerUnit),
			NormalisedPeriodScore: NormalisedPeriodScore(periods),
		}
		sig.EffectiveVolume = EffectiveVolume(sig.CombinedQuality, sig.NormalisedPeriodScore, c.Capacity)
		signals[c.ID] = sig

		if volumes[c.Task] == nil {
			volumes[c.Task] = make(map[string]float64)
		}
		volumes[c.Task][c.NodeIdentity] += sig.EffectiveVolume

		log.Debug().
			Str("contender", c.ID).
			Float64("quality", sig.CombinedQuality).
			Float64("period_score", sig.NormalisedPeriodScore).
			Float64("effective_volume", sig.EffectiveVolume).
			Msg("contender scored")
	}

	taskScores := make(map[string]map[string]float64, len(volumes))
	taskWeights := make(map[string]float64, len(volumes))
	for task, v := range volumes {
		taskScores[task] = e.pipeline.Process(v)
		cfg, _ := e.registry.Get(task)
		taskWeights[task] = cfg.Weight
	}

	totals := Aggregate(taskScores, taskWeights)
	log.Info().Int("contenders", len(contenders)).Int("identities", len(totals)).Msg("scoring run complete")
	return &Result{Totals: totals, TaskScores: taskScores, Signals: signals}, nil
}
