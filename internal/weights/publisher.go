// Package weights turns scoring output into the on-chain weight vector and
// submits it with bounded retries.
package weights

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/kami"
	"github.com/tensorplex-labs/arena/internal/metrics"
	chainutils "github.com/tensorplex-labs/arena/internal/utils/chain_utils"
)

// Submitter is the slice of the ledger the publisher writes to.
type Submitter interface {
	SubmitWeights(ctx context.Context, params kami.SetWeightsParams) (string, error)
	Incentives(ctx context.Context, netuid int) (map[int64]float64, error)
}

// Backoff is a linear backoff: the nth retry waits n * Base.
type Backoff struct {
	Attempt int
	Base    time.Duration
}

// Next returns the wait before the following attempt and advances.
func (b Backoff) Next() (time.Duration, Backoff) {
	b.Attempt++
	return time.Duration(b.Attempt) * b.Base, b
}

type Config struct {
	Netuid     int
	VersionKey int
	Attempts   int
	Backoff    time.Duration
}

type Publisher struct {
	cfg    Config
	ledger Submitter
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	latest *Vector
}

// Vector is one scoring run's weights keyed by uid.
type Vector struct {
	UIDs    []int64
	Weights []float64
}

func NewPublisher(cfg Config, ledger Submitter) *Publisher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Publisher{cfg: cfg, ledger: ledger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetLatest stores the weights of the last scoring run for the next publish.
func (p *Publisher) SetLatest(uids []int64, weights []float64) {
	p.mu.Lock()
	p.latest = &Vector{UIDs: append([]int64(nil), uids...), Weights: append([]float64(nil), weights...)}
	p.mu.Unlock()
}

// TakeLatest returns and clears the pending weights.
func (p *Publisher) TakeLatest() (*Vector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.latest
	p.latest = nil
	return v, v != nil
}

// Publish submits weights and reports whether the ledger accepted them. It
// never returns an error; failures are logged.
func (p *Publisher) Publish(ctx context.Context, uids []int64, weights []float64) bool {
	return p.submit(ctx, "scores", uids, weights)
}

// PublishFallback mirrors the incentives currently on the ledger.
func (p *Publisher) PublishFallback(ctx context.Context) bool {
	byUID, err := p.ledger.Incentives(ctx, p.cfg.Netuid)
	if err != nil {
		log.Error().Err(err).Msg("failed to read incentives for fallback weights")
		metrics.WeightsSubmissions.WithLabelValues("fallback", "error").Inc()
		return false
	}
	uids := make([]int64, 0, len(byUID))
	for uid := range byUID {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	incentives := make([]float64, len(uids))
	for i, uid := range uids {
		incentives[i] = byUID[uid]
	}
	return p.submit(ctx, "fallback", uids, incentives)
}

func (p *Publisher) submit(ctx context.Context, kind string, uids []int64, weights []float64) bool {
	dests, vals, err := chainutils.QuantizeWeights(uids, weights)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("invalid weights")
		metrics.WeightsSubmissions.WithLabelValues(kind, "invalid").Inc()
		return false
	}
	if len(dests) == 0 {
		log.Warn().Str("kind", kind).Msg("no non-zero weights to submit")
		metrics.WeightsSubmissions.WithLabelValues(kind, "empty").Inc()
		return false
	}

	params := kami.SetWeightsParams{
		Netuid:     p.cfg.Netuid,
		Dests:      dests,
		Weights:    vals,
		VersionKey: p.cfg.VersionKey,
	}

	backoff := Backoff{Base: p.cfg.Backoff}
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		hash, err := p.ledger.SubmitWeights(ctx, params)
		if err == nil {
			log.Info().Str("kind", kind).Str("extrinsic", hash).Int("uids", len(dests)).Int("attempt", attempt).Msg("weights set")
			metrics.WeightsSubmissions.WithLabelValues(kind, "success").Inc()
			return true
		}
		log.Error().Err(err).Str("kind", kind).Int("attempt", attempt).Int("max_attempts", p.cfg.Attempts).Msg("failed to set weights")

		if attempt == p.cfg.Attempts {
			break
		}
		var wait time.Duration
		wait, backoff = backoff.Next()
		if err := p.sleep(ctx, wait); err != nil {
			break
		}
	}
	metrics.WeightsSubmissions.WithLabelValues(kind, "failed").Inc()
	return false
}
