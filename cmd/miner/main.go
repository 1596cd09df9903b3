package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/miner"
	"github.com/tensorplex-labs/arena/internal/utils/logger"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env not loaded; continuing with existing environment")
	}

	logger.Init()
	log.Info().Msg("Starting miner...")

	cfg, err := config.LoadMinerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment configuration")
	}

	keypair, err := signature.LoadKeypairFromHotkey(cfg.BittensorDir, cfg.WalletColdkey, cfg.WalletHotkey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load miner hotkey")
	}
	signer, err := signature.NewProvider(keypair)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init signer")
	}

	m, err := miner.NewMiner(cfg, signer, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init miner")
	}
	m.Run()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Str("hotkey", signer.Hotkey()).Msg("Miner is running. Press Ctrl+C to shutdown...")

	<-sigChan
	log.Info().Msg("Shutdown signal received, gracefully shutting down...")

	m.Stop()

	log.Info().Msg("Miner shutdown complete")
}
