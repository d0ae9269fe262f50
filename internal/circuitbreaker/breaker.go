// Package circuitbreaker watches per-agent spend velocity and pulls
// the emergency brake. A trip is not a rate limit: the agent goes to
// panic status, its wallet freezes and every live JIT token is
// revoked, and a human has to clear it.
package circuitbreaker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/infra"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/wallet"
)

const (
	// Window is the sliding spend window the breaker compares across.
	Window = 300 * time.Second

	// tripIncreasePct trips when spend grows this much between the
	// previous window and the current one.
	tripIncreasePct = 300.0

	// baselineMultiplier trips when current spend exceeds this many
	// times the stored long-run baseline.
	baselineMultiplier = 4.0

	tripHistoryLen = 100
)

// Verdict says whether the spend may proceed and why not if not.
type Verdict struct {
	Tripped bool    `json:"tripped"`
	Reason  string  `json:"reason,omitempty"`
	Current float64 `json:"current_window_usd"`
}

// TripListener is told after the panic cascade completes. Wired to the
// event bus and alerting by the composition root. sponsorID is Nil when
// the agent row vanished mid-cascade.
type TripListener interface {
	CircuitTripped(ctx context.Context, agentID, sponsorID uuid.UUID, reason string)
}

// Breaker keeps spend history in the ephemeral store and runs the
// panic cascade against Postgres when a trip fires.
type Breaker struct {
	store     infra.RedisStore
	db        *sql.DB
	wallets   *wallet.Service
	broker    *jit.Broker
	listeners []TripListener
	logger    *log.Logger
	now       func() time.Time
}

func New(store infra.RedisStore, db *sql.DB, wallets *wallet.Service, broker *jit.Broker, listeners ...TripListener) *Breaker {
	return &Breaker{
		store:     store,
		db:        db,
		wallets:   wallets,
		broker:    broker,
		listeners: listeners,
		logger:    log.New(log.Writer(), "[CircuitBreaker] ", log.LstdFlags),
		now:       time.Now,
	}
}

// WithClock overrides the breaker's clock. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func spendKey(agentID uuid.UUID) string    { return fmt.Sprintf("cb:spend:%s", agentID) }
func baselineKey(agentID uuid.UUID) string { return fmt.Sprintf("cb:baseline:%s", agentID) }
func tripsKey(agentID uuid.UUID) string    { return fmt.Sprintf("cb:trips:%s", agentID) }

// RecordSpend appends an amount to the agent's spend series and prunes
// entries older than two windows. Members carry the amount so the sum
// never needs a second lookup.
func (b *Breaker) RecordSpend(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) error {
	now := b.now()
	member := fmt.Sprintf("%d|%s", now.UnixNano(), amount.String())
	key := spendKey(agentID)
	if err := b.store.ZAdd(ctx, key, float64(now.Unix()), member); err != nil {
		return err
	}
	return b.store.ZRemRangeBelow(ctx, key, float64(now.Add(-2*Window).Unix()))
}

// CheckAndTrip decides whether adding amount to the current window
// crosses a trip condition, and if so runs the panic cascade before
// returning. The caller must treat Tripped as a hard denial.
func (b *Breaker) CheckAndTrip(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) (*Verdict, error) {
	now := b.now()
	key := spendKey(agentID)

	current, err := b.windowSum(ctx, key, now.Add(-Window), now)
	if err != nil {
		return nil, err
	}
	current = current.Add(amount)

	previous, err := b.windowSum(ctx, key, now.Add(-2*Window), now.Add(-Window))
	if err != nil {
		return nil, err
	}

	curF, _ := current.Float64()
	verdict := &Verdict{Current: curF}

	if previous.IsPositive() {
		increase := current.Sub(previous).Div(previous).Mul(decimal.NewFromInt(100))
		if increase.GreaterThanOrEqual(decimal.NewFromFloat(tripIncreasePct)) {
			verdict.Tripped = true
			verdict.Reason = fmt.Sprintf("Spend velocity +%s%% over previous %s window", increase.Round(0), Window)
		}
	}

	if !verdict.Tripped {
		baseline, err := b.storedBaseline(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if baseline.IsPositive() && current.GreaterThan(baseline.Mul(decimal.NewFromFloat(baselineMultiplier))) {
			verdict.Tripped = true
			verdict.Reason = fmt.Sprintf("Spend %s exceeds 4x baseline %s", current.StringFixed(2), baseline.StringFixed(2))
		}
	}

	if verdict.Tripped {
		if err := b.triggerPanic(ctx, agentID, verdict.Reason); err != nil {
			return nil, err
		}
	}
	return verdict, nil
}

// triggerPanic is the cascade: status, tokens, wallet, history, then
// listeners. The agent must already be unable to act before anyone is
// notified.
func (b *Breaker) triggerPanic(ctx context.Context, agentID uuid.UUID, reason string) error {
	if _, err := b.db.ExecContext(ctx,
		`UPDATE agents SET status = 'panic', updated_at = now() WHERE id = $1 AND status != 'revoked'`,
		agentID); err != nil {
		return fmt.Errorf("set panic status: %w", err)
	}

	revoked, err := b.broker.RevokeAllForAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("revoke jit tokens: %w", err)
	}

	if err := b.wallets.Freeze(ctx, agentID); err != nil {
		return fmt.Errorf("freeze wallet: %w", err)
	}

	key := tripsKey(agentID)
	if err := b.store.LPush(ctx, key, b.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := b.store.LTrim(ctx, key, 0, tripHistoryLen-1); err != nil {
		return err
	}

	b.logger.Printf("🚨 TRIPPED for agent %s (%s): %d token(s) revoked, wallet frozen", agentID, reason, revoked)

	// Listeners want the sponsor for event routing. The cascade is
	// already done, so a failed lookup degrades to a Nil sponsor
	// instead of an error.
	var sponsorID uuid.UUID
	if err := b.db.QueryRowContext(ctx,
		`SELECT sponsor_id FROM agents WHERE id = $1`, agentID).Scan(&sponsorID); err != nil {
		b.logger.Printf("⚠️ Sponsor lookup after trip failed for %s: %v", agentID, err)
	}
	for _, l := range b.listeners {
		l.CircuitTripped(ctx, agentID, sponsorID, reason)
	}
	return nil
}

// UpdateBaseline stores the agent's recent average window spend. The
// scheduler refreshes this periodically from settled transactions.
func (b *Breaker) UpdateBaseline(ctx context.Context, agentID uuid.UUID) error {
	spent, err := b.wallets.SpendInWindow(ctx, agentID, Window)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, baselineKey(agentID), spent.String(), 0)
}

// TripHistory returns recent trip timestamps, newest first.
func (b *Breaker) TripHistory(ctx context.Context, agentID uuid.UUID) ([]time.Time, error) {
	raw, err := b.store.LRange(ctx, tripsKey(agentID), 0, tripHistoryLen-1)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

func (b *Breaker) windowSum(ctx context.Context, key string, from, to time.Time) (decimal.Decimal, error) {
	members, err := b.store.ZRangeByScore(ctx, key, float64(from.Unix()), float64(to.Unix()))
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, m := range members {
		parts := strings.SplitN(m, "|", 2)
		if len(parts) != 2 {
			continue
		}
		amt, err := decimal.NewFromString(parts[1])
		if err != nil {
			continue
		}
		sum = sum.Add(amt)
	}
	return sum, nil
}

func (b *Breaker) storedBaseline(ctx context.Context, agentID uuid.UUID) (decimal.Decimal, error) {
	raw, ok, err := b.store.Get(ctx, baselineKey(agentID))
	if err != nil || !ok {
		return decimal.Zero, err
	}
	baseline, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		// A mangled baseline must not wedge the breaker.
		return decimal.Zero, nil
	}
	return baseline, nil
}
