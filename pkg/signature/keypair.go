package signature

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog/log"
	"github.com/vedhavyas/go-subkey"
)

type keyfile struct {
	SecretPhrase string `json:"secretPhrase"`
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	return filepath.Join(usr.HomeDir, path[2:]), nil
}

// LoadMnemonic reads the secret phrase from a bittensor keyfile.
func LoadMnemonic(path string) (string, error) {
	path, err := expandHome(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to read keypair file")
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	var kf keyfile
	if err := sonic.Unmarshal(data, &kf); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to parse keypair JSON")
		return "", fmt.Errorf("failed to parse JSON: %w", err)
	}
	if kf.SecretPhrase == "" {
		return "", fmt.Errorf("secretPhrase not found in %s", path)
	}
	return kf.SecretPhrase, nil
}

// LoadKeypairFromHotkey loads <bittensorDir>/wallets/<coldkey>/hotkeys/<hotkey>.
func LoadKeypairFromHotkey(bittensorDir, coldkeyName, hotkeyName string) (*sr25519.Keypair, error) {
	if bittensorDir == "" {
		bittensorDir = DefaultBittensorDir
	}
	path := filepath.Join(bittensorDir, "wallets", coldkeyName, "hotkeys", hotkeyName)
	log.Debug().Str("path", path).Str("hotkey_name", hotkeyName).Msg("loading keypair from hotkey path")

	mnemonic, err := LoadMnemonic(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed phrase: %w", err)
	}

	keypair, err := sr25519.NewKeypairFromMnenomic(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create keypair from seed phrase: %w", err)
	}
	return keypair, nil
}

func ToSs58Address(keypair *sr25519.Keypair) string {
	return subkey.SS58Encode(keypair.Public().Encode(), SubstrateNetworkId)
}
