// Package counters tracks per-agent hourly request counts with O(1)
// INCR operations. The policy engine reads these against the
// permission's max-requests-per-hour cap.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/infra"
)

const counterTTL = 2 * time.Hour

// Hourly counts requests per (agent, service, hour) bucket.
type Hourly struct {
	store   infra.RedisStore
	nowFunc func() time.Time
}

func NewHourly(store infra.RedisStore) *Hourly {
	return &Hourly{store: store, nowFunc: time.Now}
}

// WithClock overrides the wall clock for bucket selection in tests.
func (h *Hourly) WithClock(now func() time.Time) *Hourly {
	h.nowFunc = now
	return h
}

func (h *Hourly) key(agentID uuid.UUID, serviceName string) string {
	bucket := h.nowFunc().UTC().Format("2006010215")
	return fmt.Sprintf("counter:hourly:%s:%s:%s", agentID, serviceName, bucket)
}

// Increment bumps the current hour's count and returns the new value.
// The bucket expires two hours after its first increment.
func (h *Hourly) Increment(ctx context.Context, agentID uuid.UUID, serviceName string) (int64, error) {
	return h.store.IncrWithTTL(ctx, h.key(agentID, serviceName), counterTTL)
}

// Count reads the current hour's count without incrementing.
func (h *Hourly) Count(ctx context.Context, agentID uuid.UUID, serviceName string) (int64, error) {
	raw, ok, err := h.store.Get(ctx, h.key(agentID, serviceName))
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
