package hitl

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/core"
)

var frozenNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct{ created []uuid.UUID }

func (f *fakeNotifier) HITLCreated(_ context.Context, req *core.HITLRequest) {
	f.created = append(f.created, req.ID)
}

type fakeAlerter struct{ paged []uuid.UUID }

func (f *fakeAlerter) HighCostApproval(_ context.Context, req *core.HITLRequest) {
	f.paged = append(f.paged, req.ID)
}

func newTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock, *fakeNotifier, *fakeAlerter) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notifier := &fakeNotifier{}
	alerter := &fakeAlerter{}
	g := NewGateway(db, alerter, notifier).WithClock(func() time.Time { return frozenNow })
	return g, mock, notifier, alerter
}

var hitlCols = []string{
	"id", "agent_id", "sponsor_id", "action_description", "action_payload",
	"estimated_cost_usd", "status", "decided_by", "decision_note",
	"created_at", "decided_at", "expires_at",
}

func hitlRow(id uuid.UUID, status string, cost string, expiresAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(hitlCols).AddRow(
		id.String(), uuid.NewString(), uuid.NewString(), "wire transfer", nil,
		cost, status, "", "", frozenNow.Add(-time.Minute), nil, expiresAt)
}

// ============================================================
// Create
// ============================================================

func TestCreateNotifiesChannels(t *testing.T) {
	g, mock, notifier, alerter := newTestGateway(t)
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO hitl_requests`).
		WillReturnRows(hitlRow(id, "pending", "2.50", frozenNow.Add(DefaultExpiry)))

	req, err := g.Create(context.Background(), uuid.New(), uuid.New(), "wire transfer", nil, decimal.NewFromFloat(2.50))
	require.NoError(t, err)
	assert.Equal(t, core.HITLPending, req.Status)
	assert.Equal(t, []uuid.UUID{id}, notifier.created)
	assert.Empty(t, alerter.paged, "cheap actions must not page on-call")
}

func TestCreateHighCostPagesOnCall(t *testing.T) {
	g, mock, notifier, alerter := newTestGateway(t)
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO hitl_requests`).
		WillReturnRows(hitlRow(id, "pending", "25.00", frozenNow.Add(DefaultExpiry)))

	_, err := g.Create(context.Background(), uuid.New(), uuid.New(), "bulk refund", nil, decimal.NewFromInt(25))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, notifier.created)
	assert.Equal(t, []uuid.UUID{id}, alerter.paged)
}

func TestCreateRequiresDescription(t *testing.T) {
	g, _, _, _ := newTestGateway(t)

	_, err := g.Create(context.Background(), uuid.New(), uuid.New(), "", nil, decimal.Zero)
	require.Error(t, err)
}

// ============================================================
// Decide
// ============================================================

func TestDecideApproves(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)
	requestID, sponsorID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM hitl_requests .* FOR UPDATE`).
		WithArgs(requestID, sponsorID).
		WillReturnRows(hitlRow(requestID, "pending", "2.50", frozenNow.Add(10*time.Minute)))
	mock.ExpectExec(`UPDATE hitl_requests SET status =`).
		WithArgs("approved", "ops@example.com", "looks fine", frozenNow, requestID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req, err := g.Decide(context.Background(), sponsorID, requestID, true, "ops@example.com", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, core.HITLApproved, req.Status)
	assert.Equal(t, "ops@example.com", req.DecidedBy)
	require.NotNil(t, req.DecidedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideIsIdempotentOnDecidedRequest(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)
	requestID, sponsorID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM hitl_requests .* FOR UPDATE`).
		WillReturnRows(hitlRow(requestID, "approved", "2.50", frozenNow.Add(10*time.Minute)))
	mock.ExpectCommit()

	// A second rejection attempt returns the original approval untouched.
	req, err := g.Decide(context.Background(), sponsorID, requestID, false, "other@example.com", "no")
	require.NoError(t, err)
	assert.Equal(t, core.HITLApproved, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecidePastDeadlineExpiresInsteadOfApproving(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)
	requestID, sponsorID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM hitl_requests .* FOR UPDATE`).
		WillReturnRows(hitlRow(requestID, "pending", "2.50", frozenNow.Add(-time.Second)))
	mock.ExpectExec(`UPDATE hitl_requests SET status = 'expired'`).
		WithArgs(requestID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req, err := g.Decide(context.Background(), sponsorID, requestID, true, "ops@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, core.HITLExpired, req.Status)
	assert.Empty(t, req.DecidedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDecideUnknownRequest(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM hitl_requests .* FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(hitlCols))
	mock.ExpectRollback()

	_, err := g.Decide(context.Background(), uuid.New(), uuid.New(), true, "ops@example.com", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================
// Sweeps
// ============================================================

func TestExpireStale(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)

	mock.ExpectExec(`UPDATE hitl_requests SET status = 'expired' WHERE status = 'pending'`).
		WithArgs(frozenNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := g.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	g, mock, _, _ := newTestGateway(t)
	sponsorID := uuid.New()

	rows := sqlmock.NewRows(hitlCols).
		AddRow(uuid.NewString(), uuid.NewString(), sponsorID.String(), "first", nil, "1.00", "pending", "", "", frozenNow.Add(-2*time.Hour), nil, frozenNow.Add(time.Minute)).
		AddRow(uuid.NewString(), uuid.NewString(), sponsorID.String(), "second", nil, "1.00", "pending", "", "", frozenNow.Add(-time.Hour), nil, frozenNow.Add(2*time.Minute))
	mock.ExpectQuery(`SELECT .* FROM hitl_requests\s+WHERE sponsor_id`).
		WillReturnRows(rows)

	pending, err := g.ListPending(context.Background(), sponsorID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].ActionDescription)
}
