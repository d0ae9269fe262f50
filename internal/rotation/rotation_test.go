package rotation

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/jit"
)

var (
	testKey   = bytes.Repeat([]byte{0x42}, 32)
	frozenNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

var secretColumns = []string{
	"id", "sponsor_id", "service_name", "encrypted_secret", "secret_type",
	"rotation_interval_hours", "last_rotated_at", "created_at",
}

func sealed(t *testing.T, plaintext string) string {
	t.Helper()
	enc, err := crypto.EncryptSecret(testKey, plaintext)
	require.NoError(t, err)
	return enc
}

func newRotationService(t *testing.T, webhookURL string) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := New(jit.NewVault(db, testKey), config.RotationConfig{WebhookURL: webhookURL}, "hook-secret")
	svc.WithClock(func() time.Time { return frozenNow })
	return svc, mock
}

// sealedAs matches an argument that decrypts to the given plaintext.
type sealedAs struct {
	want string
}

func (a sealedAs) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := crypto.DecryptSecret(testKey, s)
	return err == nil && got == a.want
}

// sealedWithPrefix matches an argument whose decrypted value starts
// with the given prefix.
type sealedWithPrefix struct {
	prefix string
}

func (a sealedWithPrefix) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := crypto.DecryptSecret(testKey, s)
	return err == nil && strings.HasPrefix(got, a.prefix) && len(got) > len(a.prefix)
}

type fakeIAM struct {
	lastUsedKeyID string
	createUser    string
	updateKeyID   string
	updateStatus  iamtypes.StatusType
}

func (f *fakeIAM) GetAccessKeyLastUsed(_ context.Context, in *iam.GetAccessKeyLastUsedInput, _ ...func(*iam.Options)) (*iam.GetAccessKeyLastUsedOutput, error) {
	f.lastUsedKeyID = aws.ToString(in.AccessKeyId)
	return &iam.GetAccessKeyLastUsedOutput{UserName: aws.String("agent-bot")}, nil
}

func (f *fakeIAM) CreateAccessKey(_ context.Context, in *iam.CreateAccessKeyInput, _ ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	f.createUser = aws.ToString(in.UserName)
	return &iam.CreateAccessKeyOutput{AccessKey: &iamtypes.AccessKey{
		AccessKeyId:     aws.String("AKIANEW"),
		SecretAccessKey: aws.String("n3wsecret"),
	}}, nil
}

func (f *fakeIAM) UpdateAccessKey(_ context.Context, in *iam.UpdateAccessKeyInput, _ ...func(*iam.Options)) (*iam.UpdateAccessKeyOutput, error) {
	f.updateKeyID = aws.ToString(in.AccessKeyId)
	f.updateStatus = in.Status
	return &iam.UpdateAccessKeyOutput{}, nil
}

func expectRotatable(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(`SELECT .* FROM secret_vault\s+WHERE rotation_interval_hours > 0`).
		WillReturnRows(rows)
}

// ============================================================
// Sweep
// ============================================================

func TestSweepRotatesSelfManagedKey(t *testing.T) {
	svc, mock := newRotationService(t, "")
	id := uuid.New()

	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "internal_api", sealed(t, "sk-old"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WithArgs(sealedWithPrefix{"sk-"}, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalChecked)
	assert.Equal(t, 1, summary.Rotated)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, frozenNow, summary.Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepSkipsEntriesInsideInterval(t *testing.T) {
	svc, mock := newRotationService(t, "")

	rows := sqlmock.NewRows(secretColumns).AddRow(
		uuid.New().String(), uuid.New().String(), "internal_api", sealed(t, "sk-old"), "api_key",
		24, frozenNow.Add(-1*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalChecked)
	assert.Equal(t, 0, summary.Rotated)
	assert.Equal(t, 1, summary.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepCountsNeverRotatedFromCreation(t *testing.T) {
	svc, mock := newRotationService(t, "")
	id := uuid.New()

	// NULL last_rotated_at, created two days ago with a one day
	// interval. Due.
	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "webhook_target", sealed(t, "sk-old"), "api_key",
		24, nil, frozenNow.Add(-48*time.Hour))
	expectRotatable(mock, rows)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WithArgs(sealedWithPrefix{"sk-"}, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rotated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepLeavesServicesWithoutStrategyAlone(t *testing.T) {
	svc, mock := newRotationService(t, "")

	rows := sqlmock.NewRows(secretColumns).AddRow(
		uuid.New().String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Rotated)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenAIKeysNeverAutoRotate(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// Even with a rotation webhook configured, OpenAI entries are
	// left for operators.
	svc, mock := newRotationService(t, server.URL)

	rows := sqlmock.NewRows(secretColumns).AddRow(
		uuid.New().String(), uuid.New().String(), "openai", sealed(t, "sk-oai"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// Webhook strategy
// ============================================================

func TestWebhookStrategyFetchesReplacement(t *testing.T) {
	var gotSecret, gotContentType string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotSecret = r.Header.Get("X-Aegis-Webhook-Secret")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"new_secret": "rotated-123"})
	}))
	defer server.Close()

	svc, mock := newRotationService(t, server.URL)
	id := uuid.New()

	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WithArgs(sealedAs{"rotated-123"}, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rotated)
	assert.Equal(t, "hook-secret", gotSecret)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]string{
		"service_name": "stripe",
		"secret_type":  "api_key",
		"action":       "rotate",
	}, gotBody)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookFailureLandsInSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc, mock := newRotationService(t, server.URL)
	id := uuid.New()

	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Rotated)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, id, summary.Errors[0].SecretID)
	assert.Equal(t, "stripe", summary.Errors[0].Service)
	assert.Contains(t, summary.Errors[0].Error, "500")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRejectsEmptyReplacement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	svc, mock := newRotationService(t, server.URL)

	rows := sqlmock.NewRows(secretColumns).AddRow(
		uuid.New().String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0].Error, "no secret")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// AWS strategy
// ============================================================

func TestAWSStrategyRotatesAccessKey(t *testing.T) {
	svc, mock := newRotationService(t, "")
	fake := &fakeIAM{}
	svc.iam = fake
	id := uuid.New()

	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "aws", sealed(t, "AKIAOLD:oldsecret"), "api_key",
		24, frozenNow.Add(-48*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WithArgs(sealedAs{"AKIANEW:n3wsecret"}, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := svc.CheckAndRotate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Rotated)

	assert.Equal(t, "AKIAOLD", fake.lastUsedKeyID)
	assert.Equal(t, "agent-bot", fake.createUser)
	assert.Equal(t, "AKIAOLD", fake.updateKeyID)
	assert.Equal(t, iamtypes.StatusTypeInactive, fake.updateStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// Force rotation and status
// ============================================================

func TestForceRotateIgnoresSchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"new_secret": "fresh"})
	}))
	defer server.Close()

	svc, mock := newRotationService(t, server.URL)
	id := uuid.New()

	// Rotated an hour ago, nowhere near due.
	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-1*time.Hour), frozenNow.Add(-90*24*time.Hour))
	mock.ExpectQuery(`SELECT .* FROM secret_vault WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WithArgs(sealedAs{"fresh"}, id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.ForceRotate(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, id, result.SecretID)
	assert.Equal(t, "stripe", result.Service)
	assert.Equal(t, frozenNow, result.RotatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForceRotateUnknownSecret(t *testing.T) {
	svc, mock := newRotationService(t, "")
	mock.ExpectQuery(`SELECT .* FROM secret_vault WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(secretColumns))

	_, err := svc.ForceRotate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jit.ErrSecretNotFound)
}

func TestForceRotateWithoutStrategyFails(t *testing.T) {
	svc, mock := newRotationService(t, "")
	id := uuid.New()

	rows := sqlmock.NewRows(secretColumns).AddRow(
		id.String(), uuid.New().String(), "stripe", sealed(t, "sk-live"), "api_key",
		24, frozenNow.Add(-1*time.Hour), frozenNow.Add(-90*24*time.Hour))
	mock.ExpectQuery(`SELECT .* FROM secret_vault WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)

	_, err := svc.ForceRotate(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rotation strategy")
}

func TestStatusReportsDeadlines(t *testing.T) {
	svc, mock := newRotationService(t, "")
	overdueID := uuid.New()
	freshID := uuid.New()

	rows := sqlmock.NewRows(secretColumns).
		AddRow(overdueID.String(), uuid.New().String(), "aws", sealed(t, "AKIA:old"), "api_key",
			24, frozenNow.Add(-26*time.Hour), frozenNow.Add(-90*24*time.Hour)).
		AddRow(freshID.String(), uuid.New().String(), "internal_api", sealed(t, "sk-x"), "api_key",
			24, frozenNow.Add(-12*time.Hour), frozenNow.Add(-90*24*time.Hour))
	expectRotatable(mock, rows)

	statuses, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	overdue := statuses[0]
	assert.Equal(t, overdueID, overdue.ID)
	assert.True(t, overdue.IsOverdue)
	assert.Zero(t, overdue.HoursUntilRotation)
	assert.True(t, overdue.NextRotationAt.Equal(frozenNow.Add(-2*time.Hour)))

	fresh := statuses[1]
	assert.Equal(t, freshID, fresh.ID)
	assert.False(t, fresh.IsOverdue)
	assert.Equal(t, 12.0, fresh.HoursUntilRotation)
	assert.True(t, fresh.NextRotationAt.Equal(frozenNow.Add(12*time.Hour)))
}
