// Package snapshot captures reversible state around mutating proxy
// calls. The proxy saves a snapshot before PUT, POST, PATCH and DELETE
// dispatches; rolling one back marks it spent and hands the stored
// instructions to whoever performs the undo.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
)

const snapshotColumns = `id, agent_id, audit_log_id, snapshot_data, rollback_instructions,
	is_rolled_back, created_at, rolled_back_at`

var (
	ErrNotFound          = errors.New("snapshot not found")
	ErrAlreadyRolledBack = errors.New("already rolled back")
)

// RollbackPlan is what a rollback hands back. The service only marks
// the snapshot spent; each integration implements the actual undo from
// the instructions.
type RollbackPlan struct {
	SnapshotID   uuid.UUID       `json:"snapshot_id"`
	Instructions json.RawMessage `json:"instructions"`
	SnapshotData json.RawMessage `json:"snapshot_data"`
	Action       string          `json:"action"`
}

// Service owns the state_snapshots table.
type Service struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:     db,
		logger: log.New(log.Writer(), "[Snapshot] ", log.LstdFlags),
		now:    time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Save records one snapshot. Missing data or instructions default to
// empty objects so the columns stay non-null.
func (s *Service) Save(ctx context.Context, agentID uuid.UUID, auditLogID int64, data, instructions json.RawMessage) (*core.StateSnapshot, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if len(instructions) == 0 {
		instructions = json.RawMessage(`{}`)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO state_snapshots (agent_id, audit_log_id, snapshot_data, rollback_instructions)
		VALUES ($1, $2, $3, $4)
		RETURNING `+snapshotColumns,
		agentID, auditLogID, []byte(data), []byte(instructions))
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

// List returns an agent's snapshots, newest first.
func (s *Service) List(ctx context.Context, agentID uuid.UUID, limit int) ([]core.StateSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM state_snapshots
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []core.StateSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Rollback marks a snapshot spent, exactly once, and returns the plan
// for the undo. The snapshot must belong to the agent. A snapshot that
// was already rolled back refuses.
func (s *Service) Rollback(ctx context.Context, agentID, snapshotID uuid.UUID) (*RollbackPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM state_snapshots
		WHERE id = $1 AND agent_id = $2 FOR UPDATE`, snapshotID, agentID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if snap.IsRolledBack {
		return nil, ErrAlreadyRolledBack
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE state_snapshots SET is_rolled_back = TRUE, rolled_back_at = $1
		WHERE id = $2`, s.now().UTC(), snapshotID); err != nil {
		return nil, fmt.Errorf("mark rolled back: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Printf("⏪ Rolled back snapshot %s for agent %s", snap.ID, snap.AgentID)
	return &RollbackPlan{
		SnapshotID:   snap.ID,
		Instructions: snap.RollbackInstructions,
		SnapshotData: snap.SnapshotData,
		Action:       "rollback_ready",
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*core.StateSnapshot, error) {
	var (
		snap               core.StateSnapshot
		data, instructions []byte
	)
	if err := row.Scan(&snap.ID, &snap.AgentID, &snap.AuditLogID, &data, &instructions,
		&snap.IsRolledBack, &snap.CreatedAt, &snap.RolledBackAt); err != nil {
		return nil, err
	}
	snap.SnapshotData = json.RawMessage(data)
	snap.RollbackInstructions = json.RawMessage(instructions)
	return &snap, nil
}
