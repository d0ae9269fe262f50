package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := ParseKey(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	return key
}

func TestParseKeyFormats(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")

	for name, encoded := range map[string]string{
		"base64":     base64.StdEncoding.EncodeToString(raw),
		"base64 url": base64.URLEncoding.EncodeToString(raw),
		"hex":        "3031323334353637383961626364656630313233343536373839616263646566",
		"raw":        string(raw),
	} {
		t.Run(name, func(t *testing.T) {
			key, err := ParseKey(encoded)
			require.NoError(t, err)
			assert.Equal(t, raw, key)
		})
	}

	_, err := ParseKey("too-short")
	assert.Error(t, err)
	_, err = ParseKey("")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	ct, err := EncryptSecret(key, "sk-super-secret-upstream-key")
	require.NoError(t, err)
	assert.NotContains(t, ct, "super-secret")

	pt, err := DecryptSecret(key, ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret-upstream-key", pt)

	// same plaintext encrypts to different ciphertexts (random nonce)
	ct2, err := EncryptSecret(key, "sk-super-secret-upstream-key")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2)
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := testKey(t)

	ct, err := EncryptSecret(key, "payload")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = DecryptSecret(key, base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	wrongKey := testKey(t)
	wrongKey[0] ^= 0xff
	_, err = DecryptSecret(wrongKey, ct)
	assert.Error(t, err)
}

func TestIdentityFingerprint(t *testing.T) {
	a := IdentityFingerprint("billing-bot", "sponsor-1")
	b := IdentityFingerprint("billing-bot", "sponsor-1")

	assert.Len(t, a, 64)
	// salted: same inputs never collide
	assert.NotEqual(t, a, b)
}

func TestEphemeralToken(t *testing.T) {
	tok := EphemeralToken()
	assert.Len(t, tok, 64) // 48 bytes, URL-safe base64 without padding
	assert.NotContains(t, tok, "=")
	assert.NotEqual(t, tok, EphemeralToken())
}

func TestChainHash(t *testing.T) {
	h1 := ChainHash(GenesisHash, `{"a":1}`)
	h2 := ChainHash(h1, `{"a":2}`)

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
	// deterministic
	assert.Equal(t, h1, ChainHash(GenesisHash, `{"a":1}`))
	// prefix-sensitive: the separator keeps (prev, data) unambiguous
	assert.NotEqual(t, ChainHash("ab", "c"), ChainHash("a", "bc"))
}

func TestGenerateAPIKey(t *testing.T) {
	plaintext, digest, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "aegis_"))
	assert.Len(t, digest, 64)
	assert.Equal(t, digest, HashAPIKey(plaintext))
	assert.NotEqual(t, digest, HashAPIKey(plaintext+"x"))
}

func TestCanonicalJSONIsOrderInsensitive(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "sk-l...m3nt", Redact("sk-live-abcdefm3nt"))
	assert.Equal(t, "****", Redact("abcd"))
}
