package webhooks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/events"
)

var subColumns = []string{
	"id", "sponsor_id", "url", "secret", "event_types",
	"is_active", "failure_count", "created_at",
}

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db), mock
}

// ============================================================
// Registration
// ============================================================

func TestCreateInsertsSubscription(t *testing.T) {
	r, mock := newTestRegistry(t)
	sponsorID := uuid.New()
	types := []string{events.TypeHITLCreated, events.TypeAgentPanic}
	created := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO webhook_subscriptions \(sponsor_id, url, secret, event_types\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id, created_at`).
		WithArgs(sponsorID, "https://hooks.example.com/aegis", "whsec_1", pq.Array(types)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(uuid.NewString(), created))

	sub, err := r.Create(context.Background(), sponsorID, "https://hooks.example.com/aegis", "whsec_1", types)
	require.NoError(t, err)
	assert.Equal(t, sponsorID, sub.SponsorID)
	assert.Equal(t, types, sub.EventTypes)
	assert.True(t, sub.IsActive)
	assert.Equal(t, created, sub.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsUnknownEventType(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Create(context.Background(), uuid.New(), "https://x.example.com", "", []string{"aegis.made.up"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown event type "aegis.made.up"`)
}

func TestCreateRequiresURLAndEvents(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, uuid.New(), "", "", []string{events.TypeAgentPanic})
	assert.ErrorContains(t, err, "url is required")

	_, err = r.Create(ctx, uuid.New(), "https://x.example.com", "", nil)
	assert.ErrorContains(t, err, "at least one event type")
}

// ============================================================
// Lookup + teardown
// ============================================================

func TestListScansEventTypeArray(t *testing.T) {
	r, mock := newTestRegistry(t)
	sponsorID := uuid.New()

	mock.ExpectQuery(`FROM webhook_subscriptions WHERE sponsor_id = \$1 ORDER BY created_at DESC`).
		WithArgs(sponsorID).
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow(uuid.NewString(), sponsorID.String(), "https://hooks.example.com/a", "whsec_1",
				"{aegis.hitl.created,aegis.hitl.decided}", true, 0, time.Now()).
			AddRow(uuid.NewString(), sponsorID.String(), "https://hooks.example.com/b", "",
				"{aegis.agent.panic}", false, 10, time.Now()))

	subs, err := r.List(context.Background(), sponsorID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, []string{events.TypeHITLCreated, events.TypeHITLDecided}, subs[0].EventTypes)
	assert.False(t, subs[1].IsActive)
	assert.Equal(t, 10, subs[1].FailureCount)
}

func TestSubscribersMatchesSponsorAndType(t *testing.T) {
	r, mock := newTestRegistry(t)
	sponsorID := uuid.New()

	mock.ExpectQuery(`FROM webhook_subscriptions WHERE sponsor_id = \$1 AND is_active AND \$2 = ANY\(event_types\)`).
		WithArgs(sponsorID, events.TypeWalletFrozen).
		WillReturnRows(sqlmock.NewRows(subColumns).
			AddRow(uuid.NewString(), sponsorID.String(), "https://hooks.example.com/a", "whsec_1",
				"{aegis.wallet.frozen}", true, 0, time.Now()))

	subs, err := r.Subscribers(context.Background(), sponsorID, events.TypeWalletFrozen)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://hooks.example.com/a", subs[0].URL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIsSponsorScoped(t *testing.T) {
	r, mock := newTestRegistry(t)
	sponsorID, id := uuid.New(), uuid.New()

	mock.ExpectExec(`DELETE FROM webhook_subscriptions WHERE id = \$1 AND sponsor_id = \$2`).
		WithArgs(id, sponsorID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := r.Delete(context.Background(), sponsorID, id)
	assert.ErrorIs(t, err, ErrNotFound, "another sponsor's hook must look nonexistent")
}

func TestDeleteRemovesOwnHook(t *testing.T) {
	r, mock := newTestRegistry(t)
	sponsorID, id := uuid.New(), uuid.New()

	mock.ExpectExec(`DELETE FROM webhook_subscriptions`).
		WithArgs(id, sponsorID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.Delete(context.Background(), sponsorID, id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// Failure accounting
// ============================================================

func TestMarkFailedIncrementsAndDeactivates(t *testing.T) {
	r, mock := newTestRegistry(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE webhook_subscriptions SET failure_count = failure_count \+ 1, is_active = failure_count \+ 1 < \$2 WHERE id = \$1 RETURNING failure_count, is_active`).
		WithArgs(id, maxFailures).
		WillReturnRows(sqlmock.NewRows([]string{"failure_count", "is_active"}).AddRow(10, false))

	r.MarkFailed(context.Background(), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecretNeverSerializes(t *testing.T) {
	sub := &Subscription{ID: uuid.New(), URL: "https://x.example.com", Secret: "whsec_topsecret"}

	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "whsec_topsecret")
}
