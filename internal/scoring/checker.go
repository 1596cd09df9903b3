package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
)

// QualityChecker scores one archived result in [0, 1].
type QualityChecker interface {
	Check(ctx context.Context, result ArchivedResult) (float64, error)
}

type checkResponse struct {
	QualityScore float64 `json:"quality_score"`
}

// HTTPQualityChecker calls the external checking server.
type HTTPQualityChecker struct {
	client *resty.Client
}

func NewHTTPQualityChecker(cfg *config.CheckerEnvConfig) (*HTTPQualityChecker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	client := resty.New().
		SetBaseURL(cfg.CheckerURL).
		SetTimeout(cfg.CheckerTimeout).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	return &HTTPQualityChecker{client: client}, nil
}

func (h *HTTPQualityChecker) Check(ctx context.Context, result ArchivedResult) (float64, error) {
	var out checkResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(result).
		SetResult(&out).
		Post("/check-result")
	if err != nil {
		return 0, fmt.Errorf("check result: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("check-result status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.QualityScore < 0 || out.QualityScore > 1 {
		return 0, fmt.Errorf("quality score %f out of range", out.QualityScore)
	}
	return out.QualityScore, nil
}

// Checker drains the archived result lists and records a RewardData row per
// checked result.
type Checker struct {
	redis    redis.RedisInterface
	store    store.Store
	registry *tasks.Registry
	quality  QualityChecker
	interval time.Duration
	now      func() time.Time
}

func NewChecker(r redis.RedisInterface, s store.Store, registry *tasks.Registry, q QualityChecker, interval time.Duration) *Checker {
	return &Checker{redis: r, store: s, registry: registry, quality: q, interval: interval, now: time.Now}
}

// Run loops until ctx is done, sleeping for the interval when every list is empty.
func (c *Checker) Run(ctx context.Context) {
	log.Info().Dur("interval", c.interval).Msg("quality checker started")
	for {
		n := c.CheckOnce(ctx)
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("quality checker stopped")
			return
		case <-time.After(c.interval):
		}
	}
}

// CheckOnce pops at most one result per task and returns how many were processed.
func (c *Checker) CheckOnce(ctx context.Context) int {
	processed := 0
	for _, name := range c.registry.Names() {
		if ctx.Err() != nil {
			return processed
		}
		raw, ok, err := c.redis.LPop(ctx, QueryResultsKey(name))
		if err != nil {
			log.Error().Err(err).Str("task", name).Msg("failed to pop archived result")
			continue
		}
		if !ok {
			continue
		}
		processed++

		var result ArchivedResult
		if err := sonic.UnmarshalString(raw, &result); err != nil {
			log.Error().Err(err).Str("task", name).Msg("dropping malformed archived result")
			metrics.QualityChecks.WithLabelValues(name, "malformed").Inc()
			continue
		}

		score, err := c.quality.Check(ctx, result)
		if err != nil {
			log.Error().Err(err).Str("task", name).Str("node_identity", result.NodeIdentity).Msg("quality check failed")
			metrics.QualityChecks.WithLabelValues(name, "error").Inc()
			continue
		}

		row := capacity.RewardData{
			ID:             result.ID,
			Task:           result.Task,
			NodeIdentity:   result.NodeIdentity,
			QualityScore:   score,
			SyntheticQuery: result.SyntheticQuery,
			ResponseTime:   result.ResponseTime,
			Volume:         result.Volume,
			CreatedAt:      c.now(),
		}
		if err := c.store.InsertRewardData(ctx, row); err != nil {
			log.Error().Err(err).Str("task", name).Msg("failed to store reward data")
			metrics.QualityChecks.WithLabelValues(name, "error").Inc()
			continue
		}
		metrics.QualityChecks.WithLabelValues(name, "ok").Inc()
		log.Debug().Str("task", name).Str("node_identity", result.NodeIdentity).Float64("quality_score", score).Msg("result checked")
	}
	return processed
}
