package trust

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// SpannerStore keeps trust scores in Cloud Spanner for deployments
// that mirror agent state into a global table. Rows are created lazily
// at the initial score: agent registration lives in Postgres, so the
// first trust touch is the first time Spanner hears about the agent.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

func NewSpannerStore(ctx context.Context, project, instance, dbName string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[TrustSpanner] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) AdjustScore(ctx context.Context, agentID uuid.UUID, delta float64, reason string) (float64, error) {
	var newScore float64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "AgentTrust", spanner.Key{agentID.String()}, []string{"TrustScore"})
		if err != nil {
			if spanner.ErrCode(err) == codes.NotFound {
				newScore = clamp(InitialScore + delta)
				return txn.BufferWrite([]*spanner.Mutation{
					spanner.Insert("AgentTrust",
						[]string{"AgentID", "TrustScore", "LastReason", "UpdatedAt"},
						[]interface{}{agentID.String(), newScore, reason, spanner.CommitTimestamp},
					),
				})
			}
			return err
		}

		var current float64
		if err := row.Columns(&current); err != nil {
			return err
		}

		newScore = clamp(current + delta)
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("AgentTrust",
				[]string{"AgentID", "TrustScore", "LastReason", "UpdatedAt"},
				[]interface{}{agentID.String(), newScore, reason, spanner.CommitTimestamp},
			),
		})
	})
	if err != nil {
		return 0, err
	}
	return newScore, nil
}

func (s *SpannerStore) Score(ctx context.Context, agentID uuid.UUID) (float64, error) {
	// Reads tolerate up to 15 seconds of staleness.
	roTx := s.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "AgentTrust", spanner.Key{agentID.String()}, []string{"TrustScore"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return InitialScore, nil
		}
		return 0, err
	}

	var score float64
	if err := row.Columns(&score); err != nil {
		return 0, err
	}
	return score, nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}

func clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
