// Package crypto holds the primitives the rest of the proxy builds on:
// vault secret encryption, identity fingerprints, ephemeral tokens,
// API keys and the audit hash chain.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/sha3"
)

// GenesisHash anchors the first link of the audit chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var errKeySize = errors.New("encryption key must decode to 32 bytes")

// ParseKey accepts a 32-byte key as base64 (std or URL-safe), hex, or
// raw bytes.
func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("encryption key is empty")
	}
	for _, dec := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	} {
		if b, err := dec(raw); err == nil && len(b) == 32 {
			return b, nil
		}
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, errKeySize
}

// EncryptSecret seals plaintext with AES-256-GCM. Output is
// base64(nonce || ciphertext).
func EncryptSecret(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(key []byte, encoded string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IdentityFingerprint derives a unique, non-reversible identity for a
// newly registered agent. The random salt makes re-registration under
// the same name produce a distinct fingerprint.
func IdentityFingerprint(name, sponsorID string) string {
	salt := make([]byte, 16)
	_, _ = rand.Read(salt)
	sum := sha3.Sum256([]byte(name + ":" + sponsorID + ":" + hex.EncodeToString(salt)))
	return hex.EncodeToString(sum[:])
}

// EphemeralToken mints an opaque 48-byte URL-safe token for JIT
// credential hand-off.
func EphemeralToken() string {
	b := make([]byte, 48)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ChainHash links one audit record to its predecessor:
// sha3-256(previous + ":" + material), hex encoded.
func ChainHash(previous, material string) string {
	sum := sha3.Sum256([]byte(previous + ":" + material))
	return hex.EncodeToString(sum[:])
}

// BatchHash fingerprints a canonical export payload.
func BatchHash(payload []byte) string {
	sum := sha3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new management API key and its stored
// digest. The plaintext is shown to the caller exactly once.
func GenerateAPIKey() (plaintext, digest string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	plaintext = "aegis_" + base64.RawURLEncoding.EncodeToString(b)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey is the lookup digest for stored API keys.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders v as RFC 8785 canonical JSON so hashes and
// signatures are stable across writers.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Redact masks a credential for logs, keeping just enough to identify it.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
