package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/scoring"
)

// RollOverPeriod closes the current scoring period: contenders move to history
// with their period scores, the scoring pipeline runs over them, the resulting
// weights are queued for the weights loop and old rows are pruned.
func (v *Validator) RollOverPeriod(ctx context.Context) error {
	now := time.Now()

	if err := v.Scheduler.Reset(ctx); err != nil {
		log.Error().Err(err).Msg("failed to clear synthetic schedule")
	}

	contenders, err := v.Store.RollOver(ctx, now)
	if err != nil {
		metrics.PeriodRollovers.WithLabelValues("error").Inc()
		return fmt.Errorf("roll over contenders: %w", err)
	}

	result, err := v.Engine.Score(ctx, contenders)
	if err != nil {
		metrics.PeriodRollovers.WithLabelValues("error").Inc()
		return fmt.Errorf("score period: %w", err)
	}
	v.setLastResult(result)

	uids, ws, ok := scoring.BuildWeights(result.Totals, v.Directory.UIDs())
	if ok {
		v.Publisher.SetLatest(uids, ws)
	} else {
		log.Warn().Int("identities", len(result.Totals)).Msg("all scores are zero, leaving weights to the fallback")
	}

	v.prune(ctx, now)

	metrics.PeriodRollovers.WithLabelValues("success").Inc()
	log.Info().
		Int("contenders", len(contenders)).
		Int("weighted_uids", len(uids)).
		Msg("scoring period rolled over")
	return nil
}

func (v *Validator) prune(ctx context.Context, now time.Time) {
	if n, err := v.Store.PruneRewardData(ctx, now.Add(-v.ValidatorConfig.RewardDataRetention)); err != nil {
		log.Error().Err(err).Msg("failed to prune reward data")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("pruned reward data")
	}

	if n, err := v.Store.PrunePeriodScores(ctx, now.Add(-v.ValidatorConfig.PeriodScoreRetention)); err != nil {
		log.Error().Err(err).Msg("failed to prune period scores")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("pruned period scores")
	}
}
