// Package hitl queues high-stakes actions for human approval. A
// request is a one-shot gate: the agent's call parks until a sponsor
// decides or the request expires, whichever comes first.
package hitl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/core"
)

// DefaultExpiry is how long a request waits for a human.
const DefaultExpiry = 30 * time.Minute

// costAlertThreshold pages on-call for approvals above this estimate.
var costAlertThreshold = decimal.NewFromInt(10)

// ErrNotFound is returned for unknown or foreign-sponsor requests.
var ErrNotFound = errors.New("hitl request not found")

// Notifier fans a new request out to sponsor channels. Implemented by
// the webhook dispatcher and the event bus.
type Notifier interface {
	HITLCreated(ctx context.Context, req *core.HITLRequest)
}

// Alerter pages humans for requests that clear the cost threshold.
type Alerter interface {
	HighCostApproval(ctx context.Context, req *core.HITLRequest)
}

const hitlColumns = `id, agent_id, sponsor_id, action_description, action_payload,
	estimated_cost_usd, status, decided_by, decision_note, created_at, decided_at, expires_at`

// Gateway owns the hitl_requests table.
type Gateway struct {
	db        *sql.DB
	notifiers []Notifier
	alerter   Alerter
	logger    *log.Logger
	now       func() time.Time
}

func NewGateway(db *sql.DB, alerter Alerter, notifiers ...Notifier) *Gateway {
	return &Gateway{
		db:        db,
		notifiers: notifiers,
		alerter:   alerter,
		logger:    log.New(log.Writer(), "[HITL] ", log.LstdFlags),
		now:       time.Now,
	}
}

// WithClock overrides the gateway clock. Test hook.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Create opens a pending request and notifies the sponsor's channels.
// Expensive actions additionally page on-call.
func (g *Gateway) Create(ctx context.Context, agentID, sponsorID uuid.UUID, description string, payload json.RawMessage, estimatedCost decimal.Decimal) (*core.HITLRequest, error) {
	if description == "" {
		return nil, errors.New("action description is required")
	}
	expires := g.now().UTC().Add(DefaultExpiry)
	row := g.db.QueryRowContext(ctx, `
		INSERT INTO hitl_requests (agent_id, sponsor_id, action_description, action_payload, estimated_cost_usd, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+hitlColumns,
		agentID, sponsorID, description, nullableJSON(payload), estimatedCost, expires)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("create hitl request: %w", err)
	}

	g.logger.Printf("⏸️ Approval needed for agent %s: %s ($%s)", agentID, description, estimatedCost.StringFixed(2))
	for _, n := range g.notifiers {
		n.HITLCreated(ctx, req)
	}
	if g.alerter != nil && estimatedCost.GreaterThan(costAlertThreshold) {
		g.alerter.HighCostApproval(ctx, req)
	}
	return req, nil
}

// Decide records an approval or rejection. Idempotent: an already
// decided request comes back unchanged, and a pending request past its
// deadline flips to expired no matter what the decider asked for.
func (g *Gateway) Decide(ctx context.Context, sponsorID, requestID uuid.UUID, approve bool, decidedBy, note string) (*core.HITLRequest, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+hitlColumns+` FROM hitl_requests WHERE id = $1 AND sponsor_id = $2 FOR UPDATE`,
		requestID, sponsorID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if req.Status != core.HITLPending {
		return req, tx.Commit()
	}

	now := g.now().UTC()
	if now.After(req.ExpiresAt) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE hitl_requests SET status = 'expired' WHERE id = $1`, requestID); err != nil {
			return nil, err
		}
		req.Status = core.HITLExpired
		return req, tx.Commit()
	}

	status := core.HITLRejected
	if approve {
		status = core.HITLApproved
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE hitl_requests SET status = $1, decided_by = $2, decision_note = $3, decided_at = $4
		WHERE id = $5`,
		status, decidedBy, note, now, requestID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	req.Status = status
	req.DecidedBy = decidedBy
	req.DecisionNote = note
	req.DecidedAt = &now
	g.logger.Printf("✅ Request %s %s by %s", requestID, status, decidedBy)
	return req, nil
}

// Get returns one request, sponsor-scoped.
func (g *Gateway) Get(ctx context.Context, sponsorID, requestID uuid.UUID) (*core.HITLRequest, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+hitlColumns+` FROM hitl_requests WHERE id = $1 AND sponsor_id = $2`,
		requestID, sponsorID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// ListPending returns a sponsor's open requests, oldest first so the
// console surfaces the ones closest to expiry.
func (g *Gateway) ListPending(ctx context.Context, sponsorID uuid.UUID) ([]core.HITLRequest, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+hitlColumns+` FROM hitl_requests
		WHERE sponsor_id = $1 AND status = 'pending' AND expires_at > $2
		ORDER BY created_at ASC`,
		sponsorID, g.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []core.HITLRequest{}
	for rows.Next() {
		req, err := scanRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// ExpireStale flips overdue pending requests to expired. Returns how
// many were flipped; the scheduler runs this every minute.
func (g *Gateway) ExpireStale(ctx context.Context) (int64, error) {
	res, err := g.db.ExecContext(ctx,
		`UPDATE hitl_requests SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`,
		g.now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Printf("⌛ Expired %d stale approval request(s)", n)
	}
	return n, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scan(r rowScanner) (*core.HITLRequest, error) {
	var (
		req     core.HITLRequest
		payload []byte
	)
	if err := r.Scan(&req.ID, &req.AgentID, &req.SponsorID, &req.ActionDescription, &payload,
		&req.EstimatedCostUSD, &req.Status, &req.DecidedBy, &req.DecisionNote,
		&req.CreatedAt, &req.DecidedAt, &req.ExpiresAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		req.ActionPayload = json.RawMessage(payload)
	}
	return &req, nil
}

func scanRequest(row *sql.Row) (*core.HITLRequest, error)      { return scan(row) }
func scanRequestRows(rows *sql.Rows) (*core.HITLRequest, error) { return scan(rows) }
