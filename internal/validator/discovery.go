package validator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/dispatch"
	"github.com/tensorplex-labs/arena/internal/kami"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/scoring"
	chainutils "github.com/tensorplex-labs/arena/internal/utils/chain_utils"
)

const (
	capacityEndpoint    = "/capacity"
	capacityTimeout     = 10 * time.Second
	capacityConcurrency = 32
)

// Capacities is a node's declared capacity per task.
type Capacities map[string]float64

type capacityClient struct {
	nodes    dispatch.AddressBook
	channels channel.Provider
	client   *resty.Client
}

func newCapacityClient(nodes dispatch.AddressBook, channels channel.Provider) *capacityClient {
	return &capacityClient{
		nodes:    nodes,
		channels: channels,
		client: resty.New().
			SetTimeout(capacityTimeout).
			SetJSONMarshaler(sonic.Marshal).
			SetJSONUnmarshaler(sonic.Unmarshal),
	}
}

// Fetch asks one node for its declared capacities over the signed channel.
func (c *capacityClient) Fetch(ctx context.Context, identity string) (Capacities, error) {
	addr, ok := c.nodes.Address(identity)
	if !ok {
		return nil, fmt.Errorf("no address for %s", identity)
	}
	ch, err := c.channels.For(identity)
	if err != nil {
		return nil, fmt.Errorf("secure channel: %w", err)
	}
	headers, err := ch.Headers(nil)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(addr + capacityEndpoint)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}

	data := resp.Body()
	if strings.HasPrefix(strings.ToLower(resp.Header().Get("Content-Encoding")), channel.EncodingZstd) {
		if data, err = ch.Decrypt(data); err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	}

	var out Capacities
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode capacities: %w", err)
	}
	return out, nil
}

// StakeProportion is hotkey's share of the effective stake held by validators.
func StakeProportion(nodes []kami.Node, hotkey, environment string) float64 {
	var own, total float64
	for _, n := range nodes {
		if chainutils.CheckIfMiner(n, environment) {
			continue
		}
		stake := chainutils.EffectiveStake(n.AlphaStake, n.TaoStake)
		total += stake
		if n.Hotkey == hotkey {
			own = stake
		}
	}
	if total == 0 {
		return 0
	}
	return own / total
}

// BuildContenders turns declared capacities into this period's contenders.
// Undeclared, non-positive and unknown-task entries are skipped. Selector
// signals are seeded from last when it has them.
func (v *Validator) BuildContenders(node kami.Node, declared Capacities, stakeProportion float64, last *scoring.Result) []capacity.Contender {
	out := make([]capacity.Contender, 0, len(declared))
	for task, raw := range declared {
		cfg, ok := v.Registry.Get(task)
		if !ok || raw <= 0 {
			continue
		}

		c := capacity.Contender{
			ID:           capacity.ContenderID(node.Hotkey, task),
			NodeIdentity: node.Hotkey,
			NodeID:       node.UID,
			Task:         task,
			RawCapacity:  raw,
			Capacity:     capacity.Correct(raw, stakeProportion, cfg.MaxCapacity),
		}
		c.CapacityToScore = c.Capacity * v.ValidatorConfig.CapacityToScoreFraction
		c.SyntheticRequestsStillToMake = capacity.NumberOfRequests(c.CapacityToScore, cfg.VolumeToRequestsConversion)

		if last != nil {
			if sig, ok := last.Signals[c.ID]; ok {
				quality, period := sig.CombinedQuality, sig.NormalisedPeriodScore
				c.LastCombinedQualityScore = &quality
				c.NormalisedPeriodScore = &period
			}
		}
		out = append(out, c)
	}
	return out
}

// StartPeriod runs capacity discovery against every miner, registers the
// resulting contenders and schedules their synthetic probes.
func (v *Validator) StartPeriod(ctx context.Context) error {
	if !v.periodRunning.CompareAndSwap(false, true) {
		log.Warn().Msg("period start already in progress, skipping")
		return nil
	}
	defer v.periodRunning.Store(false)

	nodes := v.currentNodes()
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes synced yet")
	}
	env := v.ValidatorConfig.Environment
	proportion := StakeProportion(nodes, v.ValidatorHotkey, env)
	if proportion == 0 {
		log.Warn().Str("hotkey", v.ValidatorHotkey).Msg("validator holds no stake share, every corrected capacity is zero")
	}
	miners := chainutils.Miners(nodes, env)
	last := v.getLastResult()

	results := make([][]capacity.Contender, len(miners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(capacityConcurrency)
	for i, node := range miners {
		g.Go(func() error {
			declared, err := v.capacities.Fetch(gctx, node.Hotkey)
			if err != nil {
				log.Debug().Err(err).Str("hotkey", node.Hotkey).Int64("uid", node.UID).Msg("capacity discovery failed")
				return nil
			}
			results[i] = v.BuildContenders(node, declared, proportion, last)
			return nil
		})
	}
	_ = g.Wait()

	var contenders []capacity.Contender
	perTask := map[string]int{}
	for _, r := range results {
		for _, c := range r {
			perTask[c.Task]++
		}
		contenders = append(contenders, r...)
	}
	for _, cfg := range v.Registry.All() {
		metrics.ContendersDiscovered.WithLabelValues(cfg.Name).Set(float64(perTask[cfg.Name]))
	}

	if len(contenders) == 0 {
		log.Warn().Int("miners", len(miners)).Msg("no contenders discovered this period")
		return nil
	}
	// one CreatedAt per period, at the database's microsecond precision
	started := time.Now().UTC().Truncate(time.Microsecond)
	for i := range contenders {
		contenders[i].CreatedAt = started
	}
	if err := v.Store.InsertContenders(ctx, contenders); err != nil {
		return fmt.Errorf("insert contenders: %w", err)
	}

	scheduled := 0
	for _, c := range contenders {
		if err := v.Scheduler.ScheduleContender(ctx, c); err != nil {
			log.Error().Err(err).Str("contender", c.ID).Msg("failed to schedule contender")
			continue
		}
		scheduled++
	}

	log.Info().
		Int("miners", len(miners)).
		Int("contenders", len(contenders)).
		Int("scheduled", scheduled).
		Float64("stake_proportion", proportion).
		Msg("scoring period started")
	return nil
}
