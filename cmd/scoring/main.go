package main

import (
	"context"
	"flag"
	"os"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/capacity"
	"github.com/tensorplex-labs/arena/internal/scoring"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/logger"
)

// Snapshot is a dump of one period that can be replayed through the engine.
type Snapshot struct {
	Contenders   []capacity.Contender   `json:"contenders"`
	PeriodScores []capacity.PeriodScore `json:"period_scores"`
	RewardData   []capacity.RewardData  `json:"reward_data"`
	NodeIDs      map[string]int64       `json:"node_ids"`
}

func main() {
	logger.Init()

	testPeriodScores()
	testTaskPipeline()

	// logger.Init parses flags; remaining args are snapshot files
	for _, path := range flag.Args() {
		replay(path)
	}
}

func testPeriodScores() {
	log.Info().Msg("--- Testing CalculatePeriodScore ---")
	cases := []struct {
		name                     string
		total                    int64
		capacity, consumed       float64
		requests429, requests500 int64
	}{
		{"perfect", 10, 100, 100, 0, 0},
		{"rate limited, capacity delivered", 10, 100, 90, 3, 0},
		{"rate limited, nothing delivered", 10, 100, 0, 3, 0},
		{"erroring", 10, 100, 0, 0, 3},
		{"no requests", 0, 100, 0, 0, 0},
	}
	for _, c := range cases {
		score := capacity.CalculatePeriodScore(c.total, c.capacity, c.consumed, c.requests429, c.requests500)
		if score == nil {
			log.Info().Str("case", c.name).Msg("not enough data to score")
			continue
		}
		log.Info().Str("case", c.name).Float64("score", *score).Msgf("%s scored %f", c.name, *score)
	}
}

func testTaskPipeline() {
	log.Info().Msg("--- Testing TaskPipeline ---")
	volumes := map[string]float64{"small": 10, "medium": 100, "large": 1000}
	for identity, share := range scoring.NewTaskPipeline().Process(volumes) {
		log.Info().Str("identity", identity).Float64("volume", volumes[identity]).Float64("share", share).Msg("task share")
	}
}

func replay(path string) {
	log.Info().Str("snapshot", path).Msg("--- Replaying snapshot ---")
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Msg("failed to read snapshot")
		return
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Msg("failed to decode snapshot")
		return
	}

	registry, err := tasks.Load(os.Getenv("TASKS_CONFIG_PATH"))
	if err != nil {
		log.Error().Err(err).Msg("failed to load task definitions")
		return
	}

	ctx := context.Background()
	s := store.NewMemoryStore()
	s.InsertPeriodScores(snap.PeriodScores...)
	for _, row := range snap.RewardData {
		if err := s.InsertRewardData(ctx, row); err != nil {
			log.Error().Err(err).Msg("failed to load reward data")
			return
		}
	}

	result, err := scoring.NewEngine(s, registry).Score(ctx, snap.Contenders)
	if err != nil {
		log.Error().Err(err).Msg("scoring failed")
		return
	}
	uids, weights, ok := scoring.BuildWeights(result.Totals, snap.NodeIDs)
	if !ok {
		log.Warn().Msg("every identity scored zero")
		return
	}
	for i, uid := range uids {
		log.Info().Int64("uid", uid).Float64("weight", weights[i]).Msg("weight")
	}
}
