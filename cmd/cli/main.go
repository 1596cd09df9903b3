package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/kami"
	"github.com/tensorplex-labs/arena/internal/utils/logger"
	"github.com/tensorplex-labs/arena/internal/weights"
)

// ScoresFile is the manual weights input of the "weights" command.
type ScoresFile struct {
	UIDs    []int64   `json:"uids"`
	Weights []float64 `json:"weights"`
}

const usage = `usage: cli [flags] <command>

commands:
  burn      set 100%% weight on -uid
  mirror    copy the current ledger incentives
  weights   set the weights in -file ({"uids": [...], "weights": [...]})
  status    print the current block and the registered node count

flags:
`

func main() {
	uid := flag.Int64("uid", 0, "uid receiving the burn weight")
	file := flag.String("file", "scores.json", "weights file for the weights command")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}

	_ = godotenv.Load()
	logger.Init()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment configuration")
	}
	k, err := kami.NewKami(&cfg.KamiEnvConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init kami client")
	}

	publisher := weights.NewPublisher(weights.Config{
		Netuid:     cfg.ChainEnvConfig.Netuid,
		VersionKey: cfg.VersionKey,
		Attempts:   cfg.SetWeightsAttempts,
		Backoff:    cfg.SetWeightsBackoff,
	}, k)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var ok bool
	switch cmd := flag.Arg(0); cmd {
	case "burn":
		log.Info().Int64("uid", *uid).Msg("setting burn weight")
		ok = publisher.Publish(ctx, []int64{*uid}, []float64{1})
	case "mirror":
		ok = publisher.PublishFallback(ctx)
	case "weights":
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatal().Err(err).Str("file", *file).Msg("failed to read weights file")
		}
		var scores ScoresFile
		if err := sonic.Unmarshal(data, &scores); err != nil {
			log.Fatal().Err(err).Msg("failed to decode weights file")
		}
		ok = publisher.Publish(ctx, scores.UIDs, scores.Weights)
	case "status":
		block, err := k.CurrentBlock(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to get latest block")
		}
		fmt.Printf("current block: %d\n", block)
		nodes, err := k.ListNodes(ctx, cfg.ChainEnvConfig.Netuid)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list nodes")
		}
		fmt.Printf("registered nodes: %d\n", len(nodes))
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if !ok {
		log.Error().Msg("weights were not set")
		os.Exit(1)
	}
	log.Info().Msg("weights set")
}
