package identity

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/core"
)

func agentRow(id, sponsorID uuid.UUID, status string, trust float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "sponsor_id", "name", "description", "agent_type", "status",
		"trust_score", "identity_fingerprint", "metadata", "created_at", "updated_at",
	}).AddRow(id.String(), sponsorID.String(), "billing-bot", "", "api_agent", status, trust,
		"f00d", []byte(`{"env":"test"}`), now, now)
}

// ============================================================================
// REGISTRATION
// ============================================================================

func TestRegisterCreatesAgentWalletAndProfile(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sponsorID := uuid.New()
	agentID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnRows(agentRow(agentID, sponsorID, "active", 50))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO micro_wallets")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO behavior_profiles")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	svc := NewService(db)
	agent, err := svc.Register(context.Background(), sponsorID, RegisterSpec{
		Name: "billing-bot", Metadata: map[string]interface{}{"env": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, agentID, agent.ID)
	assert.Equal(t, core.AgentActive, agent.Status)
	assert.Equal(t, 50.0, agent.TrustScore)
	assert.Equal(t, "test", agent.Metadata["env"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRollsBackOnWalletFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sponsorID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO agents")).
		WillReturnRows(agentRow(uuid.New(), sponsorID, "active", 50))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO micro_wallets")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	svc := NewService(db)
	_, err = svc.Register(context.Background(), sponsorID, RegisterSpec{Name: "billing-bot"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterRequiresName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewService(db).Register(context.Background(), uuid.New(), RegisterSpec{})
	assert.Error(t, err)
}

// ============================================================================
// SPONSOR SCOPING
// ============================================================================

func TestGetForSponsorCrossTenantIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agents WHERE id = $1 AND sponsor_id = $2")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewService(db).GetForSponsor(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsAgent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	agentID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM agents WHERE id = $1")).
		WithArgs(agentID).
		WillReturnRows(agentRow(agentID, uuid.New(), "active", 72.5))

	agent, err := NewService(db).Get(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, 72.5, agent.TrustScore)
}

// ============================================================================
// STATUS TRANSITIONS
// ============================================================================

func TestSuspendHitsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewService(db).Suspend(context.Background(), uuid.New(), uuid.New())
	assert.NoError(t, err)
}

func TestActivateOnlyFromSuspended(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// Zero rows hit: the agent was not in suspended state.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewService(db).Activate(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPanicSkipsRevokedAgents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE agents SET status")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewService(db).Panic(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// ============================================================================
// PERMISSIONS
// ============================================================================

type fakeInvalidator struct {
	calls []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, agentID uuid.UUID, serviceName string) error {
	f.calls = append(f.calls, serviceName)
	return nil
}

func permRow(agentID uuid.UUID, service string, hitl bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_id", "service_name", "allowed_actions", "max_requests_per_hour",
		"time_window_start", "time_window_end", "max_records_per_request",
		"requires_hitl", "custom_policy", "is_active", "created_at",
	}).AddRow(uuid.NewString(), agentID.String(), service, "{read,write}", 100,
		"00:00", "23:59", 100, hitl, "", true, time.Now())
}

func TestGrantInvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	agentID := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO agent_permissions")).
		WillReturnRows(permRow(agentID, "openai", false))

	inv := &fakeInvalidator{}
	perms := NewPermissions(db, inv)
	perm, err := perms.Grant(context.Background(), agentID, GrantSpec{
		ServiceName:    "openai",
		AllowedActions: []string{"read", "write"},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", perm.ServiceName)
	assert.Equal(t, []string{"openai"}, inv.calls)
}

func TestGetActiveMissingPermissionIsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_permissions")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	perm, err := NewPermissions(db, nil).GetActive(context.Background(), uuid.New(), "openai")
	require.NoError(t, err)
	assert.Nil(t, perm)
}

func TestRevokeInvalidatesCache(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE agent_permissions SET is_active = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inv := &fakeInvalidator{}
	err = NewPermissions(db, inv).Revoke(context.Background(), uuid.New(), "openai")
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, inv.calls)
}
