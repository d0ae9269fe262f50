// Package idempotency deduplicates proxy executions keyed by the
// X-Idempotency-Key header. A completed execution's response is cached
// for an hour; an in-flight one holds a short lock so a retry storm
// cannot double-execute.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/infra"
)

const (
	keyPrefix  = "idem:"
	lockPrefix = "idem_lock:"

	responseTTL = time.Hour
	lockTTL     = 30 * time.Second
)

// Manager caches finished responses and locks in-flight keys.
type Manager struct {
	store infra.RedisStore
}

func NewManager(store infra.RedisStore) *Manager {
	return &Manager{store: store}
}

// Check returns the cached response for a key, unmarshalled into out.
func (m *Manager) Check(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, ok, err := m.store.Get(ctx, keyPrefix+key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// Store caches a completed response under the key.
func (m *Manager) Store(ctx context.Context, key string, response interface{}) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, keyPrefix+key, string(raw), responseTTL)
}

// Lock claims the key for the current execution. Returns the lock
// token when acquired, empty string when another execution holds it.
func (m *Manager) Lock(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	ok, err := m.store.SetNX(ctx, lockPrefix+key, token, lockTTL)
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// Unlock releases the key, but only for the execution that locked it.
func (m *Manager) Unlock(ctx context.Context, key, token string) error {
	_, err := m.store.DelIfEquals(ctx, lockPrefix+key, token)
	return err
}
