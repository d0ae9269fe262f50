package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore keeps trust scores on the agents table. The clamp
// happens inside the UPDATE so concurrent adjustments never race the
// bounds.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AdjustScore(ctx context.Context, agentID uuid.UUID, delta float64, reason string) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		UPDATE agents
		   SET trust_score = LEAST($1, GREATEST($2, trust_score + $3)),
		       updated_at = NOW()
		 WHERE id = $4
		 RETURNING trust_score`,
		MaxScore, MinScore, delta, agentID,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("agent %s not found", agentID)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust trust score: %w", err)
	}
	return score, nil
}

func (s *PostgresStore) Score(ctx context.Context, agentID uuid.UUID) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `SELECT trust_score FROM agents WHERE id = $1`, agentID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("agent %s not found", agentID)
	}
	if err != nil {
		return 0, fmt.Errorf("read trust score: %w", err)
	}
	return score, nil
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
