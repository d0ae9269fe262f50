// Package identity is the registry of non-human identities. Every
// agent belongs to a human sponsor; registration provisions the wallet
// and behavior profile in the same transaction so an agent can never
// exist half-configured.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/trust"
)

// ErrNotFound covers both a missing agent and a cross-sponsor lookup.
// Callers surface it as 404 either way, so tenancy is not probeable.
var ErrNotFound = errors.New("agent not found")

const agentColumns = `id, sponsor_id, name, description, agent_type, status,
	trust_score, identity_fingerprint, metadata, created_at, updated_at`

// RegisterSpec is the caller-supplied part of a new agent.
type RegisterSpec struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	AgentType       string                 `json:"agent_type"`
	Metadata        map[string]interface{} `json:"metadata"`
	DailyLimitUSD   decimal.Decimal        `json:"daily_limit_usd"`
	MonthlyLimitUSD decimal.Decimal        `json:"monthly_limit_usd"`
}

// Service owns the agents table and agent status transitions.
type Service struct {
	db     *sql.DB
	logger *log.Logger
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:     db,
		logger: log.New(log.Writer(), "[Identity] ", log.LstdFlags),
	}
}

// Register creates the agent, its wallet and an empty behavior profile
// atomically. The fingerprint is salted, so re-registering the same
// name yields a new identity.
func (s *Service) Register(ctx context.Context, sponsorID uuid.UUID, spec RegisterSpec) (*core.Agent, error) {
	if spec.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if spec.AgentType == "" {
		spec.AgentType = "api_agent"
	}
	if spec.DailyLimitUSD.IsZero() {
		spec.DailyLimitUSD = decimal.NewFromInt(10)
	}
	if spec.MonthlyLimitUSD.IsZero() {
		spec.MonthlyLimitUSD = decimal.NewFromInt(200)
	}
	meta, err := json.Marshal(spec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	fingerprint := crypto.IdentityFingerprint(spec.Name, sponsorID.String())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO agents (sponsor_id, name, description, agent_type, status, trust_score, identity_fingerprint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+agentColumns,
		sponsorID, spec.Name, spec.Description, spec.AgentType,
		core.AgentActive, trust.InitialScore, fingerprint, meta,
	)
	agent, err := scanAgent(row)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO micro_wallets (agent_id, daily_limit_usd, monthly_limit_usd)
		VALUES ($1, $2, $3)`,
		agent.ID, spec.DailyLimitUSD, spec.MonthlyLimitUSD); err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO behavior_profiles (agent_id) VALUES ($1)`, agent.ID); err != nil {
		return nil, fmt.Errorf("insert behavior profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Printf("🆕 Registered agent %s (%s) for sponsor %s", agent.Name, agent.ID, sponsorID)
	return agent, nil
}

// Get loads an agent regardless of sponsor. Internal callers only.
func (s *Service) Get(ctx context.Context, agentID uuid.UUID) (*core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// GetForSponsor loads an agent the sponsor owns. A wrong sponsor gets
// the same ErrNotFound as a missing agent.
func (s *Service) GetForSponsor(ctx context.Context, agentID, sponsorID uuid.UUID) (*core.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND sponsor_id = $2`,
		agentID, sponsorID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return agent, err
}

// List pages through a sponsor's agents, newest first.
func (s *Service) List(ctx context.Context, sponsorID uuid.UUID, limit, offset int) ([]core.Agent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		  FROM agents
		 WHERE sponsor_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		sponsorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []core.Agent
	for rows.Next() {
		agent, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// Suspend pauses an active agent. Sponsor-scoped.
func (s *Service) Suspend(ctx context.Context, agentID, sponsorID uuid.UUID) error {
	return s.setStatusForSponsor(ctx, agentID, sponsorID, core.AgentSuspended)
}

// Activate resumes a suspended agent. Revoked and panicked agents do
// not come back through this path: panic requires sponsor review via
// ClearPanic, revoked is terminal.
func (s *Service) Activate(ctx context.Context, agentID, sponsorID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND sponsor_id = $3 AND status = $4`,
		core.AgentActive, agentID, sponsorID, core.AgentSuspended)
	if err != nil {
		return err
	}
	return requireHit(res)
}

// ClearPanic is the sponsor's explicit acknowledgement after a circuit
// breaker trip. It reactivates the agent; unfreezing the wallet is the
// caller's separate decision.
func (s *Service) ClearPanic(ctx context.Context, agentID, sponsorID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND sponsor_id = $3 AND status = $4`,
		core.AgentActive, agentID, sponsorID, core.AgentPanic)
	if err != nil {
		return err
	}
	return requireHit(res)
}

// Revoke is terminal. The row stays for audit joins; the agent never
// executes again.
func (s *Service) Revoke(ctx context.Context, agentID, sponsorID uuid.UUID) error {
	return s.setStatusForSponsor(ctx, agentID, sponsorID, core.AgentRevoked)
}

// Panic moves the agent into containment. Reserved for the circuit
// breaker, which is why it is not sponsor-scoped.
func (s *Service) Panic(ctx context.Context, agentID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status != $3`,
		core.AgentPanic, agentID, core.AgentRevoked)
	if err != nil {
		return err
	}
	if err := requireHit(res); err != nil {
		return err
	}
	s.logger.Printf("🚨 Agent %s moved to PANIC", agentID)
	return nil
}

func (s *Service) setStatusForSponsor(ctx context.Context, agentID, sponsorID uuid.UUID, status core.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND sponsor_id = $3 AND status != $4`,
		status, agentID, sponsorID, core.AgentRevoked)
	if err != nil {
		return err
	}
	return requireHit(res)
}

func requireHit(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row *sql.Row) (*core.Agent, error) {
	return scanAgentRows(row)
}

func scanAgentRows(row rowScanner) (*core.Agent, error) {
	var a core.Agent
	var meta []byte
	err := row.Scan(
		&a.ID, &a.SponsorID, &a.Name, &a.Description, &a.AgentType, &a.Status,
		&a.TrustScore, &a.IdentityFingerprint, &meta, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &a.Metadata)
	}
	return &a, nil
}
