// Package wallet manages per-agent micro-budgets. Every upstream call
// costs real money, so balances, daily and monthly limits are enforced
// in the database under row locks.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/core"
)

const walletColumns = `id, agent_id, balance_usd, daily_limit_usd, monthly_limit_usd,
	spent_today_usd, spent_this_month_usd, last_reset_daily, last_reset_monthly, is_frozen, created_at`

// Service is the wallet ledger. All mutations run inside transactions
// with SELECT ... FOR UPDATE so concurrent charges serialize.
type Service struct {
	db      *sql.DB
	logger  *log.Logger
	nowFunc func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:      db,
		logger:  log.New(log.Writer(), "[Wallet] ", log.LstdFlags),
		nowFunc: time.Now,
	}
}

// WithClock overrides the wall clock. Period-reset tests use this.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.nowFunc = now
	return s
}

// Get returns the wallet for an agent, or nil when none exists.
func (s *Service) Get(ctx context.Context, agentID uuid.UUID) (*core.Wallet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM micro_wallets WHERE agent_id = $1`, agentID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// CanSpend is the read-only preflight: does the agent have the balance
// and headroom for an estimated cost. Returns (false, reason) without
// touching the ledger.
func (s *Service) CanSpend(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) (bool, string, error) {
	w, err := s.Get(ctx, agentID)
	if err != nil {
		return false, "", err
	}
	if ok, reason := s.checkSpend(w, amount); !ok {
		return false, reason, nil
	}
	return true, "OK", nil
}

// ReserveAndCharge atomically re-checks limits and deducts the amount
// under FOR UPDATE, recording a ledger transaction. A refusal is not
// an error: callers branch on ok and surface the reason.
func (s *Service) ReserveAndCharge(
	ctx context.Context,
	agentID uuid.UUID,
	amount decimal.Decimal,
	description, serviceName string,
	actionType core.ActionType,
) (bool, string, *core.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", nil, err
	}
	defer tx.Rollback()

	w, err := s.lockWallet(ctx, tx, agentID)
	if err != nil {
		return false, "", nil, err
	}
	if ok, reason := s.checkSpend(w, amount); !ok {
		return false, reason, nil, nil
	}

	entry, err := s.applyCharge(ctx, tx, w, amount, description, serviceName, actionType)
	if err != nil {
		return false, "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, "", nil, err
	}
	return true, "OK", entry, nil
}

// TopUp credits the balance and records a ledger entry.
func (s *Service) TopUp(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) (*core.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := s.lockWallet(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("no wallet found for agent %s", agentID)
	}

	w.BalanceUSD = w.BalanceUSD.Add(amount)
	if _, err := tx.ExecContext(ctx,
		`UPDATE micro_wallets SET balance_usd = $1 WHERE id = $2`, w.BalanceUSD, w.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (wallet_id, amount_usd, description, service_name, action_type)
		VALUES ($1, $2, $3, $4, $5)`,
		w.ID, amount, "Top-up", "aegis_internal", core.ActionTransaction); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Printf("💵 Topped up agent %s by %s", agentID, amount.StringFixed(2))
	return w, nil
}

// Configure updates the spending limits. Zero or negative values leave
// the current limit untouched.
func (s *Service) Configure(ctx context.Context, agentID uuid.UUID, dailyLimit, monthlyLimit decimal.Decimal) (*core.Wallet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := s.lockWallet(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("no wallet found for agent %s", agentID)
	}

	if dailyLimit.IsPositive() {
		w.DailyLimitUSD = dailyLimit
	}
	if monthlyLimit.IsPositive() {
		w.MonthlyLimitUSD = monthlyLimit
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE micro_wallets SET daily_limit_usd = $1, monthly_limit_usd = $2 WHERE id = $3`,
		w.DailyLimitUSD, w.MonthlyLimitUSD, w.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Printf("⚙️ Limits for agent %s set to %s/day, %s/month",
		agentID, w.DailyLimitUSD.StringFixed(2), w.MonthlyLimitUSD.StringFixed(2))
	return w, nil
}

// Freeze marks the wallet frozen. Missing wallet is a no-op.
func (s *Service) Freeze(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE micro_wallets SET is_frozen = TRUE WHERE agent_id = $1`, agentID)
	return err
}

// Unfreeze clears the frozen flag.
func (s *Service) Unfreeze(ctx context.Context, agentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE micro_wallets SET is_frozen = FALSE WHERE agent_id = $1`, agentID)
	return err
}

// SpendInWindow sums the absolute value of debits recorded in the
// trailing window. The circuit breaker uses this for its baseline.
func (s *Service) SpendInWindow(ctx context.Context, agentID uuid.UUID, window time.Duration) (decimal.Decimal, error) {
	w, err := s.Get(ctx, agentID)
	if err != nil {
		return decimal.Zero, err
	}
	if w == nil {
		return decimal.Zero, nil
	}
	cutoff := s.nowFunc().UTC().Add(-window)

	var total decimal.Decimal
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ABS(amount_usd)), 0)
		  FROM wallet_transactions
		 WHERE wallet_id = $1 AND timestamp >= $2 AND amount_usd < 0`,
		w.ID, cutoff,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

// Transactions lists the most recent ledger entries for an agent.
func (s *Service) Transactions(ctx context.Context, agentID uuid.UUID, limit int) ([]core.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.wallet_id, t.amount_usd, t.description, t.service_name, t.action_type, t.timestamp
		  FROM wallet_transactions t
		  JOIN micro_wallets w ON w.id = t.wallet_id
		 WHERE w.agent_id = $1
		 ORDER BY t.timestamp DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var t core.Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.AmountUSD, &t.Description, &t.ServiceName, &t.ActionType, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- internal helpers ---

// checkSpend applies the spend gates in order: existence, freeze,
// balance, daily, monthly. Reasons are contractual strings the proxy
// returns verbatim.
func (s *Service) checkSpend(w *core.Wallet, amount decimal.Decimal) (bool, string) {
	if w == nil {
		return false, "No wallet found"
	}
	if w.IsFrozen {
		return false, "Wallet is frozen"
	}
	s.virtualReset(w)

	if w.BalanceUSD.LessThan(amount) {
		return false, fmt.Sprintf("Insufficient balance: %s < %s",
			w.BalanceUSD.StringFixed(4), amount.StringFixed(4))
	}
	if w.SpentTodayUSD.Add(amount).GreaterThan(w.DailyLimitUSD) {
		return false, fmt.Sprintf("Daily limit exceeded: %s + %s > %s",
			w.SpentTodayUSD.StringFixed(2), amount.StringFixed(2), w.DailyLimitUSD.StringFixed(2))
	}
	if w.SpentThisMonthUSD.Add(amount).GreaterThan(w.MonthlyLimitUSD) {
		return false, "Monthly limit exceeded"
	}
	return true, ""
}

// virtualReset zeroes the period counters in the in-memory copy when a
// day or month boundary has passed. Persisting happens in applyCharge.
func (s *Service) virtualReset(w *core.Wallet) {
	now := s.nowFunc().UTC()
	if beforeDay(w.LastResetDaily.UTC(), now) {
		w.SpentTodayUSD = decimal.Zero
		w.LastResetDaily = now
	}
	last := w.LastResetMonthly.UTC()
	if last.Year() < now.Year() || (last.Year() == now.Year() && last.Month() < now.Month()) {
		w.SpentThisMonthUSD = decimal.Zero
		w.LastResetMonthly = now
	}
}

func beforeDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

// applyCharge writes the post-reset counters, the debit, and the
// ledger row inside the caller's transaction.
func (s *Service) applyCharge(
	ctx context.Context,
	tx *sql.Tx,
	w *core.Wallet,
	amount decimal.Decimal,
	description, serviceName string,
	actionType core.ActionType,
) (*core.Transaction, error) {
	w.BalanceUSD = w.BalanceUSD.Sub(amount)
	w.SpentTodayUSD = w.SpentTodayUSD.Add(amount)
	w.SpentThisMonthUSD = w.SpentThisMonthUSD.Add(amount)

	if _, err := tx.ExecContext(ctx, `
		UPDATE micro_wallets
		   SET balance_usd = $1, spent_today_usd = $2, spent_this_month_usd = $3,
		       last_reset_daily = $4, last_reset_monthly = $5
		 WHERE id = $6`,
		w.BalanceUSD, w.SpentTodayUSD, w.SpentThisMonthUSD,
		w.LastResetDaily, w.LastResetMonthly, w.ID); err != nil {
		return nil, err
	}

	entry := &core.Transaction{
		WalletID:    w.ID,
		AmountUSD:   amount.Neg(),
		Description: description,
		ServiceName: serviceName,
		ActionType:  actionType,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (wallet_id, amount_usd, description, service_name, action_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, timestamp`,
		entry.WalletID, entry.AmountUSD, entry.Description, entry.ServiceName, entry.ActionType,
	).Scan(&entry.ID, &entry.Timestamp)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// lockWallet reads the row under FOR UPDATE. Applies the virtual
// period reset so callers see current-period counters.
func (s *Service) lockWallet(ctx context.Context, tx *sql.Tx, agentID uuid.UUID) (*core.Wallet, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM micro_wallets WHERE agent_id = $1 FOR UPDATE`, agentID)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.virtualReset(w)
	return w, nil
}

func scanWallet(row *sql.Row) (*core.Wallet, error) {
	var w core.Wallet
	err := row.Scan(
		&w.ID, &w.AgentID, &w.BalanceUSD, &w.DailyLimitUSD, &w.MonthlyLimitUSD,
		&w.SpentTodayUSD, &w.SpentThisMonthUSD, &w.LastResetDaily, &w.LastResetMonthly,
		&w.IsFrozen, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
