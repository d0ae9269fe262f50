// Package permcache caches active agent permissions on the ephemeral
// store so the proxy hot path skips a database round trip. Entries
// carry only what the policy engine consumes; secrets never land here.
package permcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/infra"
)

const (
	keyPrefix  = "perm:"
	defaultTTL = 5 * time.Minute
)

// Entry is the cached slice of a permission record.
type Entry struct {
	TimeWindowStart      string   `json:"time_window_start"`
	TimeWindowEnd        string   `json:"time_window_end"`
	AllowedActions       []string `json:"allowed_actions"`
	MaxRequestsPerHour   int      `json:"max_requests_per_hour"`
	MaxRecordsPerRequest int      `json:"max_records_per_request"`
	RequiresHITL         bool     `json:"requires_hitl"`
}

// FromPermission projects a permission row onto its cacheable fields.
func FromPermission(p *core.Permission) *Entry {
	return &Entry{
		TimeWindowStart:      p.TimeWindowStart,
		TimeWindowEnd:        p.TimeWindowEnd,
		AllowedActions:       p.AllowedActions,
		MaxRequestsPerHour:   p.MaxRequestsPerHour,
		MaxRecordsPerRequest: p.MaxRecordsPerRequest,
		RequiresHITL:         p.RequiresHITL,
	}
}

// Cache reads and writes permission fingerprints.
type Cache struct {
	store infra.RedisStore
	ttl   time.Duration
}

func New(store infra.RedisStore) *Cache {
	return &Cache{store: store, ttl: defaultTTL}
}

func key(agentID uuid.UUID, serviceName string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, agentID, serviceName)
}

// Get returns the cached entry, or (nil, false) on a miss. Store
// errors surface so the caller can decide whether to fall back.
func (c *Cache) Get(ctx context.Context, agentID uuid.UUID, serviceName string) (*Entry, bool, error) {
	raw, ok, err := c.store.Get(ctx, key(agentID, serviceName))
	if err != nil || !ok {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		// Corrupt entry: treat as a miss, the writer will refresh it
		return nil, false, nil
	}
	return &e, true, nil
}

// Set caches an entry under the permission fingerprint.
func (c *Cache) Set(ctx context.Context, agentID uuid.UUID, serviceName string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, key(agentID, serviceName), string(raw), c.ttl)
}

// Invalidate drops the fingerprint. Permission writers call this
// before reporting success so no reader ever sees a stale grant.
func (c *Cache) Invalidate(ctx context.Context, agentID uuid.UUID, serviceName string) error {
	return c.store.Del(ctx, key(agentID, serviceName))
}
