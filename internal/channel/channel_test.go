package channel

import (
	"bytes"
	"errors"
	"net/http"
	"testing"

	"github.com/ChainSafe/gossamer/lib/crypto/sr25519"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/pkg/signature"
)

func newSigner(t *testing.T) *signature.Provider {
	t.Helper()
	kp, err := sr25519.GenerateKeypair()
	require.NoError(t, err)
	p, err := signature.NewProvider(kp)
	require.NoError(t, err)
	return p
}

func newFactory(t *testing.T, keys KeyProvider) (*Factory, *signature.Provider) {
	t.Helper()
	signer := newSigner(t)
	f, err := NewFactory(signer, keys)
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f, signer
}

func TestNewFactory_NilSigner(t *testing.T) {
	_, err := NewFactory(nil, nil)
	assert.Error(t, err)
}

func TestEncryptDecrypt_CompressedOnly(t *testing.T) {
	f, _ := newFactory(t, nil)
	ch, err := f.For("miner")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte(`{"messages":[{"role":"user","content":"hi"}]}`), 20)
	sealed, err := ch.Encrypt(payload)
	require.NoError(t, err)
	assert.Less(t, len(sealed), len(payload))
	assert.Equal(t, EncodingZstd, ch.(*SignedChannel).Encoding())

	out, err := ch.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestEncryptDecrypt_Sealed(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	f, _ := newFactory(t, NewStaticKeys(map[string][]byte{"miner": key}))
	ch, err := f.For("miner")
	require.NoError(t, err)
	assert.Equal(t, EncodingZstdSealed, ch.(*SignedChannel).Encoding())

	payload := []byte("secret prompt")
	a, err := ch.Encrypt(payload)
	require.NoError(t, err)
	b, err := ch.Encrypt(payload)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	out, err := ch.Decrypt(a)
	require.NoError(t, err)
	assert.Equal(t, payload, out)

	a[len(a)-1] ^= 0xff
	_, err = ch.Decrypt(a)
	assert.Error(t, err)
	_, err = ch.Decrypt([]byte{1, 2})
	assert.Error(t, err)

	other := NewStaticKeys(map[string][]byte{"miner": bytes.Repeat([]byte{8}, 32)})
	f2, _ := newFactory(t, other)
	ch2, err := f2.For("miner")
	require.NoError(t, err)
	_, err = ch2.Decrypt(b)
	assert.Error(t, err)
}

func TestFor_Errors(t *testing.T) {
	f, _ := newFactory(t, NewStaticKeys(map[string][]byte{"bad": []byte("short")}))
	_, err := f.For("")
	assert.Error(t, err)
	_, err = f.For("bad")
	assert.Error(t, err)
}

func TestHeadersVerifyRequest(t *testing.T) {
	f, signer := newFactory(t, nil)
	ch, err := f.For("miner-hotkey")
	require.NoError(t, err)

	body := []byte("payload")
	headers, err := ch.Headers(body)
	require.NoError(t, err)
	assert.Equal(t, signer.Hotkey(), headers[HotkeyHeader])
	assert.Equal(t, EncodingZstd, headers["Content-Encoding"])

	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	sender, err := VerifyRequest(signature.NewVerifier(), h, body, "miner-hotkey")
	require.NoError(t, err)
	assert.Equal(t, signer.Hotkey(), sender)

	_, err = VerifyRequest(signature.NewVerifier(), h, []byte("tampered"), "miner-hotkey")
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = VerifyRequest(signature.NewVerifier(), h, body, "someone-else")
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = VerifyRequest(signature.NewVerifier(), http.Header{}, body, "miner-hotkey")
	assert.True(t, errors.Is(err, ErrMissingHeaders))

	ok, err := ch.Verify([]byte(headers[MessageHeader]), headers[SignatureHeader], signer.Hotkey())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMessage(t *testing.T) {
	m := Message(42, "a", "b", []byte(""))
	assert.Equal(t, "42.a.b.e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", m)
}
