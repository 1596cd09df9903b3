package weights

import (
	"context"

	"github.com/rs/zerolog/log"
)

// BlockReader is the slice of the ledger the loop reads.
type BlockReader interface {
	LastUpdateBlock(ctx context.Context, netuid int, hotkey string) (int64, error)
}

type LoopConfig struct {
	Netuid         int
	Hotkey         string
	DebounceBlocks int64
	StaleBlocks    int64
}

// Decision is what one loop tick did.
type Decision int

const (
	Skipped Decision = iota
	Published
	FellBack
	Failed
)

func (d Decision) String() string {
	switch d {
	case Published:
		return "published"
	case FellBack:
		return "fallback"
	case Failed:
		return "failed"
	}
	return "skipped"
}

// Loop decides, on each block callback, whether to publish.
type Loop struct {
	cfg       LoopConfig
	ledger    BlockReader
	publisher *Publisher
}

func NewLoop(cfg LoopConfig, ledger BlockReader, publisher *Publisher) *Loop {
	return &Loop{cfg: cfg, ledger: ledger, publisher: publisher}
}

// Tick runs one decision at block. Pending scoring weights are published once
// the debounce window has passed; when there are none, or publishing fails, and
// our last update is older than the stale window the ledger incentives are mirrored.
func (l *Loop) Tick(ctx context.Context, block int64) Decision {
	last, err := l.ledger.LastUpdateBlock(ctx, l.cfg.Netuid, l.cfg.Hotkey)
	if err != nil {
		log.Error().Err(err).Msg("failed to read last weights update")
		return Failed
	}
	since := block - last
	if since < l.cfg.DebounceBlocks {
		log.Debug().Int64("blocks_since_update", since).Int64("debounce", l.cfg.DebounceBlocks).Msg("weights recently set, skipping")
		return Skipped
	}

	if v, ok := l.publisher.TakeLatest(); ok {
		if l.publisher.Publish(ctx, v.UIDs, v.Weights) {
			return Published
		}
		// keep the vector for the next tick unless a newer run replaced it
		l.publisher.restore(v)
	}

	if since > l.cfg.StaleBlocks {
		log.Warn().Int64("blocks_since_update", since).Msg("weights stale, mirroring ledger incentives")
		if l.publisher.PublishFallback(ctx) {
			return FellBack
		}
		return Failed
	}
	return Skipped
}

func (p *Publisher) restore(v *Vector) {
	p.mu.Lock()
	if p.latest == nil {
		p.latest = v
	}
	p.mu.Unlock()
}
