package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/kami"
	"github.com/tensorplex-labs/arena/internal/metrics"
	"github.com/tensorplex-labs/arena/internal/organic"
	"github.com/tensorplex-labs/arena/internal/scoring"
	"github.com/tensorplex-labs/arena/internal/store"
	"github.com/tensorplex-labs/arena/internal/syntheticapi"
	"github.com/tensorplex-labs/arena/internal/tasks"
	"github.com/tensorplex-labs/arena/internal/utils/logger"
	"github.com/tensorplex-labs/arena/internal/utils/redis"
	"github.com/tensorplex-labs/arena/internal/validator"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env not loaded; continuing with existing environment")
	}

	logger.Init()
	log.Info().Msg("Starting validator...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment configuration")
	}

	registry, err := tasks.Load(cfg.TasksConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load task definitions")
	}

	keypair, err := signature.LoadKeypairFromHotkey(cfg.BittensorDir, cfg.WalletColdkey, cfg.WalletHotkey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load validator hotkey")
	}
	signer, err := signature.NewProvider(keypair)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init signer")
	}

	channels, err := channel.NewFactory(signer, channel.NewStaticKeys(nil))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init secure channel factory")
	}
	defer channels.Close()

	k, err := kami.NewKami(&cfg.KamiEnvConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init kami client")
	}

	var r redis.RedisInterface
	if rc, err := redis.NewRedis(&cfg.RedisEnvConfig); err != nil {
		if cfg.Environment == "prod" {
			log.Fatal().Err(err).Msg("failed to init redis client")
		}
		log.Warn().Err(err).Msg("redis unavailable, using in-memory queues")
		r = redis.NewMemory()
	} else {
		r = rc
	}
	defer r.Close()

	var s store.Store
	if cfg.DatabaseDSN != "" {
		s, err = store.NewGormStore(&cfg.DatabaseEnvConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
	} else {
		log.Warn().Msg("DATABASE_DSN not set, using in-memory store")
		s = store.NewMemoryStore()
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	synthetic, err := syntheticapi.NewSyntheticAPI(&cfg.SyntheticAPIEnvConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load synthetic api env")
	}

	quality, err := scoring.NewHTTPQualityChecker(&cfg.CheckerEnvConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init quality checker client")
	}

	v, err := validator.NewValidator(cfg, validator.Deps{
		Ledger:    k,
		Redis:     r,
		Store:     s,
		Registry:  registry,
		Channels:  channels,
		Synthetic: synthetic,
		Quality:   quality,
		Hotkey:    signer.Hotkey(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init validator")
	}

	ops := metrics.NewServer(cfg.MetricsPort, map[string]metrics.HealthFunc{
		"redis": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := r.LLen(ctx, organic.JobsQueue)
			return err
		},
		"chain": func() error {
			if v.LatestBlock.Load() == 0 {
				return errors.New("no block synced yet")
			}
			return nil
		},
	})
	go func() {
		if err := ops.Start(); err != nil {
			log.Error().Err(err).Msg("ops server stopped")
		}
	}()

	// setup signal handling for graceful shutdown before starting validator
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutdown signal received, stopping validator")
		v.Stop()
		if err := ops.Shutdown(); err != nil {
			log.Error().Err(err).Msg("failed to shut down ops server")
		}
	}()

	v.Start()

	<-v.Ctx.Done()
	v.Wg.Wait()
	log.Info().Msg("validator stopped")
}
