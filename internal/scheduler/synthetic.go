// Package scheduler spreads each contender's synthetic probes across the
// scoring period and drives callbacks off ledger blocks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
)

const (
	ScheduleKey = "synthetic_schedule"

	maxSleep = 500 * time.Millisecond
	// a stats window that slept less than this share of its length is overloaded
	keepUpSleepFraction = 0.01

	memberSeparator = "|"
)

// ProbeFunc sends one synthetic query to contender.
type ProbeFunc func(ctx context.Context, contender capacity.Contender)

// Submitter runs jobs on a bounded pool.
type Submitter interface {
	Submit(ctx context.Context, fn func(ctx context.Context)) error
}

type Config struct {
	ScoringPeriod time.Duration
	SafetyMargin  float64
	StatsInterval time.Duration
}

// Stats are cumulative since the scheduler started.
type Stats struct {
	Processed int64
	Lateness  time.Duration
	Slept     time.Duration
}

type SyntheticScheduler struct {
	cfg   Config
	redis redis.RedisInterface
	store store.Store
	pool  Submitter
	probe ProbeFunc
	now   func() time.Time

	randMu sync.Mutex
	rand   *rand.Rand

	statsMu sync.Mutex
	stats   Stats
	window  Stats
}

func NewSyntheticScheduler(cfg Config, r redis.RedisInterface, s store.Store, pool Submitter, probe ProbeFunc, rnd *rand.Rand) *SyntheticScheduler {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 1
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = time.Minute
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SyntheticScheduler{
		cfg:   cfg,
		redis: r,
		store: s,
		pool:  pool,
		probe: probe,
		now:   time.Now,
		rand:  rnd,
	}
}

// Delay is the spacing between probes for a contender that has n requests to make.
func (s *SyntheticScheduler) Delay(n int64) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(s.cfg.ScoringPeriod) * s.cfg.SafetyMargin / float64(n))
}

func (s *SyntheticScheduler) jitter(lo float64) float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return lo + (1-lo)*s.rand.Float64()
}

// entry is one pending probe. Period is the contender row's CreatedAt in
// microseconds, so entries left over from a rolled-over period never match
// the row that reuses their id.
type entry struct {
	ID     string
	Period int64
	Delay  time.Duration
}

func periodStamp(c capacity.Contender) int64 {
	return c.CreatedAt.UnixMicro()
}

func (e entry) member() string {
	return e.ID + memberSeparator + strconv.FormatInt(e.Period, 10) + memberSeparator + strconv.FormatInt(int64(e.Delay), 10)
}

func parseMember(member string) (entry, error) {
	rest, delayStr, ok := cutLast(member)
	if !ok {
		return entry{}, fmt.Errorf("malformed schedule entry %q", member)
	}
	id, periodStr, ok := cutLast(rest)
	if !ok || id == "" {
		return entry{}, fmt.Errorf("malformed schedule entry %q", member)
	}
	ns, err := strconv.ParseInt(delayStr, 10, 64)
	if err != nil {
		return entry{}, fmt.Errorf("malformed schedule delay %q: %w", member, err)
	}
	period, err := strconv.ParseInt(periodStr, 10, 64)
	if err != nil {
		return entry{}, fmt.Errorf("malformed schedule period %q: %w", member, err)
	}
	return entry{ID: id, Period: period, Delay: time.Duration(ns)}, nil
}

func cutLast(s string) (string, string, bool) {
	i := strings.LastIndex(s, memberSeparator)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func (s *SyntheticScheduler) insert(ctx context.Context, e entry, jitterFloor float64) error {
	at := s.now().Add(time.Duration(float64(e.Delay) * s.jitter(jitterFloor)))
	score := float64(at.UnixNano()) / float64(time.Second)
	return s.redis.ZAdd(ctx, ScheduleKey, score, e.member())
}

// Reset drops every pending entry. Called at period rollover, before the next
// period's contenders are scheduled under the same ids.
func (s *SyntheticScheduler) Reset(ctx context.Context) error {
	return s.redis.Del(ctx, ScheduleKey)
}

// ScheduleContender places the first probe for contender. Contenders with
// nothing left to make are ignored.
func (s *SyntheticScheduler) ScheduleContender(ctx context.Context, c capacity.Contender) error {
	if c.SyntheticRequestsStillToMake <= 0 {
		return nil
	}
	delay := s.Delay(c.SyntheticRequestsStillToMake)
	if err := s.insert(ctx, entry{ID: c.ID, Period: periodStamp(c), Delay: delay}, 0.90); err != nil {
		return fmt.Errorf("schedule %s: %w", c.ID, err)
	}
	log.Trace().Str("contender", c.ID).Int64("requests", c.SyntheticRequestsStillToMake).Str("delay", delay.String()).Msg("contender scheduled")
	return nil
}

// Run processes due entries until ctx is cancelled.
func (s *SyntheticScheduler) Run(ctx context.Context) {
	log.Info().Str("period", s.cfg.ScoringPeriod.String()).Float64("safety_margin", s.cfg.SafetyMargin).Msg("synthetic scheduler started")
	windowStart := s.now()

	for ctx.Err() == nil {
		if elapsed := s.now().Sub(windowStart); elapsed >= s.cfg.StatsInterval {
			s.reportWindow(ctx, elapsed)
			windowStart = s.now()
		}

		entry, ok, err := s.redis.ZPeekMin(ctx, ScheduleKey)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to read synthetic schedule")
			}
			s.sleep(ctx, maxSleep)
			continue
		}
		if !ok {
			s.sleep(ctx, maxSleep)
			continue
		}

		due := time.Unix(0, int64(entry.Score*float64(time.Second)))
		if wait := due.Sub(s.now()); wait > 0 {
			s.sleep(ctx, min(maxSleep, wait))
			continue
		}

		claimed, err := s.redis.ZRem(ctx, ScheduleKey, entry.Member)
		if err != nil {
			log.Error().Err(err).Str("member", entry.Member).Msg("failed to claim schedule entry")
			continue
		}
		if !claimed {
			continue
		}

		s.process(ctx, entry.Member, s.now().Sub(due))
	}
	log.Info().Msg("synthetic scheduler stopped")
}

func (s *SyntheticScheduler) process(ctx context.Context, member string, lateness time.Duration) {
	e, err := parseMember(member)
	if err != nil {
		log.Error().Err(err).Msg("dropping schedule entry")
		return
	}

	if c, readErr := s.current(ctx, e); c == nil {
		if readErr {
			s.reschedule(ctx, e)
		}
		return
	}

	remaining, ok, err := s.store.DecrementSyntheticRequests(ctx, e.ID)
	if err != nil {
		log.Error().Err(err).Str("contender", e.ID).Msg("failed to decrement synthetic requests, rescheduling")
		s.reschedule(ctx, e)
		return
	}
	if !ok {
		log.Trace().Str("contender", e.ID).Msg("contender done or gone, dropping")
		return
	}

	s.record(lateness)

	// the period may have rolled over while decrementing
	c, readErr := s.current(ctx, e)
	if c == nil {
		if readErr {
			log.Warn().Str("contender", e.ID).Msg("contender unreadable after decrement, dropping")
		}
		return
	}

	if err := s.pool.Submit(ctx, func(ctx context.Context) { s.probe(ctx, *c) }); err != nil {
		log.Warn().Err(err).Str("contender", e.ID).Msg("probe not submitted")
		return
	}

	if remaining > 0 {
		if err := s.insert(ctx, e, 0.95); err != nil {
			log.Error().Err(err).Str("contender", e.ID).Msg("failed to reschedule contender")
		}
	}
}

// current loads the contender e belongs to. It returns (nil, false) when the
// row is gone or belongs to another period, and (nil, true) on a read error.
func (s *SyntheticScheduler) current(ctx context.Context, e entry) (*capacity.Contender, bool) {
	c, err := s.store.GetContender(ctx, e.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Trace().Str("contender", e.ID).Msg("contender gone, dropping")
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("contender", e.ID).Msg("failed to load contender")
		return nil, true
	}
	if periodStamp(*c) != e.Period {
		log.Debug().Str("contender", e.ID).Msg("entry from a previous period, dropping")
		return nil, false
	}
	return c, true
}

func (s *SyntheticScheduler) reschedule(ctx context.Context, e entry) {
	if err := s.insert(ctx, e, 0.95); err != nil {
		log.Error().Err(err).Str("contender", e.ID).Msg("failed to reschedule contender")
	}
}

func (s *SyntheticScheduler) sleep(ctx context.Context, d time.Duration) {
	start := s.now()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	slept := s.now().Sub(start)

	s.statsMu.Lock()
	s.stats.Slept += slept
	s.window.Slept += slept
	s.statsMu.Unlock()
	metrics.SchedulerSleepSeconds.Add(slept.Seconds())
}

func (s *SyntheticScheduler) record(lateness time.Duration) {
	lateness = max(lateness, 0)
	s.statsMu.Lock()
	s.stats.Processed++
	s.stats.Lateness += lateness
	s.window.Processed++
	s.window.Lateness += lateness
	s.statsMu.Unlock()

	metrics.SchedulerProcessed.Inc()
	metrics.SchedulerLatenessSeconds.Add(lateness.Seconds())
}

// Stats returns the cumulative counters.
func (s *SyntheticScheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// reportWindow logs the last window and resets it. It returns false when the
// scheduler did not keep up.
func (s *SyntheticScheduler) reportWindow(ctx context.Context, elapsed time.Duration) bool {
	s.statsMu.Lock()
	w := s.window
	s.window = Stats{}
	s.statsMu.Unlock()

	queued, err := s.redis.ZCard(ctx, ScheduleKey)
	if err == nil {
		metrics.SchedulerQueueSize.Set(float64(queued))
	}

	avgLateness := 0.0
	if w.Processed > 0 {
		avgLateness = w.Lateness.Seconds() / float64(w.Processed)
	}
	log.Info().
		Int64("processed", w.Processed).
		Float64("avg_lateness_s", math.Round(avgLateness*1000)/1000).
		Str("slept", w.Slept.String()).
		Int64("queued", queued).
		Msg("synthetic scheduler stats")

	if w.Processed > 0 && float64(w.Slept) < keepUpSleepFraction*float64(elapsed) {
		log.Error().
			Int64("processed", w.Processed).
			Str("slept", w.Slept.String()).
			Str("window", elapsed.String()).
			Msg("synthetic scheduler cannot keep up")
		return false
	}
	return true
}
