// Package channel implements the per-contender secure channel: payloads are
// zstd compressed and sealed under the symmetric key negotiated for the
// receiver, and every request carries sr25519 signed headers.
package channel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/pkg/signature"
)

const (
	SignatureHeader = "x-signature"
	HotkeyHeader    = "x-hotkey"
	MessageHeader   = "x-message"

	EncodingZstd       = "zstd"
	EncodingZstdSealed = "zstd+aesgcm"
)

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrInvalidSignature = errors.New("invalid signature")
)

// SecureChannel is what the dispatcher needs to talk to one contender.
type SecureChannel interface {
	Encrypt(payload []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
	Sign(message []byte) (string, error)
	Verify(message []byte, signature, identity string) (bool, error)
	// Headers authenticates an already encrypted request body.
	Headers(body []byte) (map[string]string, error)
}

// Provider hands out the channel for a receiver identity.
type Provider interface {
	For(receiver string) (SecureChannel, error)
}

// KeyProvider returns the symmetric key agreed with receiver, if any.
type KeyProvider interface {
	SymmetricKey(receiver string) ([]byte, bool)
}

// StaticKeys is a KeyProvider over a fixed map.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewStaticKeys(keys map[string][]byte) *StaticKeys {
	s := &StaticKeys{keys: make(map[string][]byte, len(keys))}
	for k, v := range keys {
		s.keys[k] = v
	}
	return s
}

func (s *StaticKeys) SymmetricKey(receiver string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[receiver]
	return k, ok
}

func (s *StaticKeys) Set(receiver string, key []byte) {
	s.mu.Lock()
	s.keys[receiver] = key
	s.mu.Unlock()
}

// Factory builds SignedChannels sharing one codec pair and one signer.
type Factory struct {
	signer   signature.SignatureProvider
	verifier signature.SignatureVerifier
	keys     KeyProvider
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
	now      func() time.Time
}

// NewFactory creates a channel factory. A nil KeyProvider disables sealing.
func NewFactory(signer signature.SignatureProvider, keys KeyProvider) (*Factory, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer cannot be nil")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: failed to create encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd: failed to create decoder: %w", err)
	}
	return &Factory{
		signer:   signer,
		verifier: signature.NewVerifier(),
		keys:     keys,
		encoder:  enc,
		decoder:  dec,
		now:      time.Now,
	}, nil
}

func (f *Factory) Close() {
	_ = f.encoder.Close()
	f.decoder.Close()
}

func (f *Factory) For(receiver string) (SecureChannel, error) {
	if receiver == "" {
		return nil, fmt.Errorf("receiver cannot be empty")
	}
	ch := &SignedChannel{factory: f, receiver: receiver}
	if f.keys != nil {
		if key, ok := f.keys.SymmetricKey(receiver); ok {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, fmt.Errorf("cipher for %s: %w", receiver, err)
			}
			gcm, err := cipher.NewGCM(block)
			if err != nil {
				return nil, fmt.Errorf("gcm for %s: %w", receiver, err)
			}
			ch.aead = gcm
		}
	}
	return ch, nil
}

// SignedChannel is the SecureChannel towards one receiver.
type SignedChannel struct {
	factory  *Factory
	receiver string
	aead     cipher.AEAD
}

// Encoding is the Content-Encoding value matching Encrypt's output.
func (c *SignedChannel) Encoding() string {
	if c.aead != nil {
		return EncodingZstdSealed
	}
	return EncodingZstd
}

func (c *SignedChannel) Encrypt(payload []byte) ([]byte, error) {
	compressed := c.factory.encoder.EncodeAll(payload, nil)
	if c.aead == nil {
		return compressed, nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(compressed)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, compressed, nil), nil
}

func (c *SignedChannel) Decrypt(data []byte) ([]byte, error) {
	if c.aead != nil {
		ns := c.aead.NonceSize()
		if len(data) < ns {
			return nil, fmt.Errorf("sealed payload too short: %d bytes", len(data))
		}
		opened, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
		if err != nil {
			return nil, fmt.Errorf("open sealed payload: %w", err)
		}
		data = opened
	}
	out, err := c.factory.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: failed to decompress: %w", err)
	}
	return out, nil
}

func (c *SignedChannel) Sign(message []byte) (string, error) {
	return c.factory.signer.Sign(message)
}

func (c *SignedChannel) Verify(message []byte, sig, identity string) (bool, error) {
	return c.factory.verifier.Verify(message, sig, identity)
}

func (c *SignedChannel) Headers(body []byte) (map[string]string, error) {
	sender := c.factory.signer.Hotkey()
	message := Message(c.factory.now().UnixNano(), sender, c.receiver, body)
	sig, err := c.Sign([]byte(message))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Content-Type":     "application/octet-stream",
		"Content-Encoding": c.Encoding(),
		SignatureHeader:    sig,
		HotkeyHeader:       sender,
		MessageHeader:      message,
	}, nil
}

// Message is the signed header payload: nonce.sender.receiver.sha256(body).
func Message(nonce int64, sender, receiver string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{strconv.FormatInt(nonce, 10), sender, receiver, hex.EncodeToString(sum[:])}, ".")
}

// VerifyRequest checks signed headers against body on the receiving side and
// returns the sender hotkey.
func VerifyRequest(v signature.SignatureVerifier, h http.Header, body []byte, receiver string) (string, error) {
	sig, hotkey, message := h.Get(SignatureHeader), h.Get(HotkeyHeader), h.Get(MessageHeader)
	if sig == "" || hotkey == "" || message == "" {
		return "", ErrMissingHeaders
	}

	parts := strings.Split(message, ".")
	if len(parts) != 4 {
		return "", fmt.Errorf("malformed message header: %q", message)
	}
	sum := sha256.Sum256(body)
	if parts[1] != hotkey || parts[2] != receiver || parts[3] != hex.EncodeToString(sum[:]) {
		log.Warn().Str("hotkey", hotkey).Str("receiver", receiver).Msg("signed message does not match request")
		return "", ErrInvalidSignature
	}

	ok, err := v.Verify([]byte(message), sig, hotkey)
	if err != nil {
		return "", fmt.Errorf("signature verification error: %w", err)
	}
	if !ok {
		return "", ErrInvalidSignature
	}
	return hotkey, nil
}
