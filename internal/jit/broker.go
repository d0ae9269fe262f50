// Package jit brokers just-in-time credentials. The agent never sees a
// real secret: it sees an opaque token that only the proxy can resolve,
// and only for the couple of minutes the upstream call needs.
package jit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/infra"
)

// DefaultTTL bounds how long a minted token stays resolvable.
const DefaultTTL = 120 * time.Second

// Grant is what a token resolves to inside the proxy.
type Grant struct {
	RealSecret  string    `json:"real_secret"`
	AgentID     uuid.UUID `json:"agent_id"`
	ServiceName string    `json:"service_name"`
	MintedAt    time.Time `json:"minted_at"`
}

// Broker mints, resolves and revokes ephemeral tokens.
type Broker struct {
	store  infra.RedisStore
	key    []byte
	ttl    time.Duration
	logger *log.Logger
}

func NewBroker(store infra.RedisStore, encryptionKey []byte, ttl time.Duration) *Broker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Broker{
		store:  store,
		key:    encryptionKey,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[JIT] ", log.LstdFlags),
	}
}

func tokenKey(agentID uuid.UUID, token string) string {
	return fmt.Sprintf("jit:%s:%s", agentID, token)
}

// Mint decrypts the vault secret and parks it under a fresh 48-byte
// token with a TTL. The plaintext lives only in the ephemeral store
// entry; it is never logged or returned alongside the token.
func (b *Broker) Mint(ctx context.Context, agentID uuid.UUID, serviceName, encryptedSecret string, ttl time.Duration) (string, error) {
	plaintext, err := crypto.DecryptSecret(b.key, encryptedSecret)
	if err != nil {
		return "", fmt.Errorf("unseal vault secret: %w", err)
	}
	if ttl <= 0 {
		ttl = b.ttl
	}

	token := crypto.EphemeralToken()
	grant := Grant{
		RealSecret:  plaintext,
		AgentID:     agentID,
		ServiceName: serviceName,
		MintedAt:    time.Now().UTC(),
	}
	raw, err := json.Marshal(grant)
	if err != nil {
		return "", err
	}
	if err := b.store.Set(ctx, tokenKey(agentID, token), string(raw), ttl); err != nil {
		return "", fmt.Errorf("store jit grant: %w", err)
	}
	b.logger.Printf("🎫 Minted token for agent %s -> %s (ttl %s)", agentID, serviceName, ttl)
	return token, nil
}

// Resolve looks the token up directly under the agent's keyspace.
// Returns nil when the token is unknown, expired or owned by a
// different agent: all three look identical to the caller.
func (b *Broker) Resolve(ctx context.Context, agentID uuid.UUID, token string) (*Grant, error) {
	raw, ok, err := b.store.Get(ctx, tokenKey(agentID, token))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var grant Grant
	if err := json.Unmarshal([]byte(raw), &grant); err != nil {
		return nil, fmt.Errorf("decode jit grant: %w", err)
	}
	return &grant, nil
}

// Revoke deletes one token. Idempotent.
func (b *Broker) Revoke(ctx context.Context, agentID uuid.UUID, token string) error {
	return b.store.Del(ctx, tokenKey(agentID, token))
}

// RevokeAllForAgent wipes every live token an agent holds. The circuit
// breaker calls this when it trips.
func (b *Broker) RevokeAllForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	keys, err := b.store.ScanKeys(ctx, fmt.Sprintf("jit:%s:*", agentID))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := b.store.Del(ctx, keys...); err != nil {
		return 0, err
	}
	b.logger.Printf("🔒 Revoked %d token(s) for agent %s", len(keys), agentID)
	return len(keys), nil
}
