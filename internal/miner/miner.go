// Package miner runs the reference contender node: a synapse server bound to
// the node's hotkey with statically declared capacities.
package miner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/channel"
	"github.com/tensorplex-labs/arena/internal/config"
	"github.com/tensorplex-labs/arena/internal/synapse"
	"github.com/tensorplex-labs/arena/pkg/signature"
)

type Miner struct {
	cfg      *config.MinerEnvConfig
	srv      *synapse.Server
	channels *channel.Factory

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMiner builds the node for signer. keys may be nil when no symmetric keys
// have been agreed.
func NewMiner(cfg *config.MinerEnvConfig, signer signature.SignatureProvider, keys channel.KeyProvider) (*Miner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	channels, err := channel.NewFactory(signer, keys)
	if err != nil {
		return nil, fmt.Errorf("secure channel factory: %w", err)
	}

	srv := synapse.NewServer(synapse.Config{
		Address:      cfg.MinerAddress,
		Hotkey:       signer.Hotkey(),
		Capacities:   cfg.MinerCapacities,
		StreamChunks: cfg.MinerStreamChunks,
		ChunkDelay:   cfg.MinerChunkDelay,
	}, signature.NewVerifier(), channels)

	return &Miner{cfg: cfg, srv: srv, channels: channels}, nil
}

// Server is the node's synapse server.
func (m *Miner) Server() *synapse.Server { return m.srv }

func (m *Miner) Run() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		if err := m.srv.Start(m.ctx); err != nil {
			log.Error().Err(err).Msg("miner server stopped with error")
		}
	}()
	log.Info().Str("address", m.cfg.MinerAddress).Interface("capacities", m.cfg.MinerCapacities).Msg("miner server started")
}

func (m *Miner) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.channels.Close()
	log.Info().Msg("miner stopped")
}
