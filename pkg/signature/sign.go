package signature

import (
	"encoding/hex"
	"fmt"

	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/rs/zerolog/log"
)

func NewProvider(keypair *sr25519.Keypair) (*Provider, error) {
	if keypair == nil {
		return nil, fmt.Errorf("keypair cannot be nil")
	}
	return &Provider{
		keypair: keypair,
		hotkey:  ToSs58Address(keypair),
	}, nil
}

// Sign returns the signature as 0x-prefixed hex.
func (p *Provider) Sign(message []byte) (string, error) {
	if p.keypair == nil {
		return "", fmt.Errorf("private key not initialized")
	}

	signature, err := p.keypair.Sign(message)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign message")
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	return "0x" + hex.EncodeToString(signature), nil
}

func (p *Provider) Hotkey() string {
	return p.hotkey
}
