// Package signature signs and verifies messages with sr25519 hotkeys addressed
// by their SS58 encoding.
package signature

import "github.com/ChainSafe/gossamer/lib/crypto/sr25519"

const (
	SubstrateNetworkId = 42

	DefaultBittensorDir = "~/.bittensor"
)

type SignatureVerifier interface {
	// Verify checks a 0x-prefixed hex signature of message against an SS58 address.
	Verify(message []byte, signature, ss58Address string) (bool, error)
}

type SignatureProvider interface {
	Sign(message []byte) (string, error)
	// Hotkey is the SS58 address of the signing key.
	Hotkey() string
}

// Verifier is the stateless SignatureVerifier.
type Verifier struct{}

// Provider signs with an in-memory keypair.
type Provider struct {
	keypair *sr25519.Keypair
	hotkey  string
}
