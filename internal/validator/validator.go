// Package validator implements the validator runtime: node sync, capacity
// discovery, synthetic probing, organic serving, period scoring and weights.
package validator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/dispatch"
	"github.com/tensorplex-labs/arena/internal/kami"
	"github.com/tensorplex-labs/arena/internal/organic"
	"github.com/tensorplex-labs/arena/internal/payload"
	"github.com/tensorplex-labs/arena/internal/scheduler"
	"github.com/tensorplex-labs/arena/internal/scoring"
	"github.com/tensorplex-labs/arena/internal/selector"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/syntheticapi"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
	"github.com/tensorplex-labs/arena/internal/weights"
)

// Deps are the external clients the validator runs on.
type Deps struct {
	Ledger    kami.Ledger
	Redis     redis.RedisInterface
	Store     store.Store
	Registry  *tasks.Registry
	Channels  channel.Provider
	Synthetic syntheticapi.SyntheticAPIInterface
	// Quality may be nil, in which case archived results are never checked.
	Quality scoring.QualityChecker
	Hotkey  string
}

// Validator coordinates one scoring period after another for a subnet.
type Validator struct {
	Ledger   kami.Ledger
	Redis    redis.RedisInterface
	Store    store.Store
	Registry *tasks.Registry
	Channels channel.Provider

	Directory  *dispatch.Directory
	Pool       *dispatch.JobPool
	Selector   *selector.Selector
	Dispatcher *dispatch.Dispatcher
	Generator  *payload.Generator
	Scheduler  *scheduler.SyntheticScheduler
	Engine     *scoring.Engine
	Checker    *scoring.Checker
	Publisher  *weights.Publisher
	Weights    *weights.Loop
	Organic    *organic.Worker

	ValidatorHotkey string
	LatestBlock     atomic.Int64

	IntervalConfig  *config.IntervalConfig
	ValidatorConfig *config.ValidatorEnvConfig
	SelectorConfig  config.SelectorEnvConfig

	Ctx    context.Context
	Cancel context.CancelFunc
	Wg     sync.WaitGroup

	mu         sync.Mutex
	nodes      []kami.Node
	lastResult *scoring.Result
	callbacks  []scheduler.CallbackHandler
	capacities *capacityClient

	periodRunning atomic.Bool
}

// NewValidator wires every component from cfg and deps.
func NewValidator(cfg *config.AppConfig, deps Deps) (*Validator, error) {
	if deps.Ledger == nil || deps.Redis == nil || deps.Store == nil || deps.Registry == nil || deps.Channels == nil {
		return nil, fmt.Errorf("validator: ledger, redis, store, registry and channels are required")
	}
	if deps.Hotkey == "" {
		return nil, fmt.Errorf("validator: hotkey is required")
	}

	vcfg := cfg.ValidatorEnvConfig
	vcfg.Netuid = cfg.ChainEnvConfig.Netuid
	rnd := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	generator, err := payload.NewGenerator(deps.Synthetic, deps.Registry, rnd)
	if err != nil {
		return nil, fmt.Errorf("payload generator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &Validator{
		Ledger:          deps.Ledger,
		Redis:           deps.Redis,
		Store:           deps.Store,
		Registry:        deps.Registry,
		Channels:        deps.Channels,
		Directory:       dispatch.NewDirectory(),
		Pool:            dispatch.NewJobPool(cfg.MaxConcurrentJobs),
		Selector:        selector.New(cfg.SelectorEnvConfig, rnd),
		Generator:       generator,
		Engine:          scoring.NewEngine(deps.Store, deps.Registry),
		ValidatorHotkey: deps.Hotkey,
		IntervalConfig:  config.NewIntervalConfig(vcfg.Environment),
		ValidatorConfig: &vcfg,
		SelectorConfig:  cfg.SelectorEnvConfig,
		Ctx:             ctx,
		Cancel:          cancel,
	}
	v.capacities = newCapacityClient(v.Directory, deps.Channels)

	archive := scoring.NewArchive(deps.Redis, deps.Registry, cfg.MaxResultsInStore, rnd)
	v.Dispatcher = dispatch.New(cfg.DispatchEnvConfig, deps.Store, deps.Registry, v.Directory, deps.Channels, archive)

	v.Scheduler = scheduler.NewSyntheticScheduler(scheduler.Config{
		ScoringPeriod: vcfg.ScoringPeriod,
		SafetyMargin:  vcfg.SafetyMargin,
		StatsInterval: vcfg.SchedulerStatsInterval,
	}, deps.Redis, deps.Store, v.Pool, v.probe, rnd)

	if deps.Quality != nil {
		v.Checker = scoring.NewChecker(deps.Redis, deps.Store, deps.Registry, deps.Quality, cfg.CheckerInterval)
	}

	v.Publisher = weights.NewPublisher(weights.Config{
		Netuid:     vcfg.Netuid,
		VersionKey: vcfg.VersionKey,
		Attempts:   vcfg.SetWeightsAttempts,
		Backoff:    vcfg.SetWeightsBackoff,
	}, deps.Ledger)
	v.Weights = weights.NewLoop(weights.LoopConfig{
		Netuid:         vcfg.Netuid,
		Hotkey:         deps.Hotkey,
		DebounceBlocks: int64(vcfg.WeightsDebounceBlocks),
		StaleBlocks:    int64(vcfg.WeightsStaleBlocks),
	}, deps.Ledger, v.Publisher)

	v.Organic = organic.NewWorker(deps.Redis, deps.Store, deps.Registry, v.Selector, v.Dispatcher, v.Pool, v.IntervalConfig.OrganicPoll, cfg.TopX)

	v.RegisterCallback(scheduler.NewBlockCallback(int64(vcfg.WeightsCheckBlocks), v.checkWeights))

	log.Info().
		Str("hotkey", deps.Hotkey).
		Int("netuid", vcfg.Netuid).
		Int("tasks", len(deps.Registry.All())).
		Str("scoring_period", vcfg.ScoringPeriod.String()).
		Msg("validator initialized")
	return v, nil
}

// RegisterCallback adds a handler run on block updates.
func (v *Validator) RegisterCallback(callback scheduler.CallbackHandler) {
	v.callbacks = append(v.callbacks, callback)
	log.Debug().Str("callback", callback.GetName()).Msg("registered callback")
}

// runTicker runs a function periodically until the provided context is canceled.
// fn is executed in its own goroutine to ensure the ticker loop can exit quickly
// when the context is canceled.
func (v *Validator) runTicker(ctx context.Context, d time.Duration, fn func()) {
	defer v.Wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			go fn()
		}
	}
}

func (v *Validator) goRun(fn func(ctx context.Context)) {
	v.Wg.Add(1)
	go func() {
		defer v.Wg.Done()
		fn(v.Ctx)
	}()
}

// Start syncs nodes, opens the first period and kicks off the background loops.
func (v *Validator) Start() {
	v.syncNodes()
	v.syncBlock()

	v.goRun(v.Scheduler.Run)
	v.goRun(v.Organic.Run)
	if v.Checker != nil {
		v.goRun(v.Checker.Run)
	}
	v.goRun(func(ctx context.Context) {
		if err := v.StartPeriod(ctx); err != nil {
			log.Error().Err(err).Msg("failed to start first scoring period")
		}
	})

	v.Wg.Add(1)
	go v.runTicker(v.Ctx, v.IntervalConfig.MetagraphInterval, v.syncNodes)

	v.Wg.Add(1)
	go v.runTicker(v.Ctx, v.IntervalConfig.BlockInterval, v.syncBlock)

	v.Wg.Add(1)
	go v.runTicker(v.Ctx, v.ValidatorConfig.ScoringPeriod, func() {
		if err := v.RollOverPeriod(v.Ctx); err != nil {
			log.Error().Err(err).Msg("period rollover failed")
			return
		}
		if err := v.StartPeriod(v.Ctx); err != nil {
			log.Error().Err(err).Msg("failed to start scoring period")
		}
	})
}

// Stop cancels background routines and waits for them and in-flight jobs.
func (v *Validator) Stop() {
	if v.Cancel != nil {
		v.Cancel()
	}
	v.Wg.Wait()
	v.Pool.Wait()
}

func (v *Validator) syncNodes() {
	nodes, err := v.Ledger.ListNodes(v.Ctx, v.ValidatorConfig.Netuid)
	if err != nil {
		log.Error().Err(err).Msg("failed to list nodes")
		return
	}
	reachable := v.Directory.Update(nodes)

	v.mu.Lock()
	v.nodes = nodes
	v.mu.Unlock()

	log.Info().Int("nodes", len(nodes)).Int("reachable", reachable).Msg("nodes synced")
}

func (v *Validator) currentNodes() []kami.Node {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nodes
}

func (v *Validator) syncBlock() {
	block, err := v.Ledger.CurrentBlock(v.Ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to get latest block")
		return
	}
	previous := v.LatestBlock.Swap(block)
	log.Debug().Int64("previous_block", previous).Int64("current_block", block).Msg("block synced")
	v.onBlockUpdate(v.Ctx, block)
}

func (v *Validator) onBlockUpdate(ctx context.Context, block int64) {
	for _, callback := range v.callbacks {
		if !callback.ShouldTrigger(block) {
			continue
		}
		if err := callback.Execute(ctx, block); err != nil {
			log.Error().Err(err).Str("callback", callback.GetName()).Msg("failed to execute callback")
		}
	}
}

func (v *Validator) checkWeights(ctx context.Context, block int64) error {
	decision := v.Weights.Tick(ctx, block)
	log.Debug().Int64("block", block).Str("decision", decision.String()).Msg("weights check")
	if decision == weights.Failed {
		return fmt.Errorf("weights check at block %d failed", block)
	}
	return nil
}

// probe runs one synthetic query against a single scheduled contender.
func (v *Validator) probe(ctx context.Context, c capacity.Contender) {
	cfg, ok := v.Registry.Get(c.Task)
	if !ok {
		log.Warn().Str("contender", c.ID).Str("task", c.Task).Msg("probe for unknown task")
		return
	}

	body, err := v.Generator.Generate(ctx, c.Task)
	if err != nil {
		log.Error().Err(err).Str("task", c.Task).Msg("failed to generate synthetic payload")
		return
	}

	v.Dispatcher.Dispatch(ctx, dispatch.Query{
		JobID:      uuid.NewString(),
		Task:       c.Task,
		Payload:    body,
		Contenders: v.Selector.Select([]capacity.Contender{c}, selector.Synthetic, 1),
		Stream:     cfg.Stream,
		Synthetic:  true,
	})
}

func (v *Validator) setLastResult(r *scoring.Result) {
	v.mu.Lock()
	v.lastResult = r
	v.mu.Unlock()
}

func (v *Validator) getLastResult() *scoring.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastResult
}
