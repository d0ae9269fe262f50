package jit

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
)

func vaultRow(t *testing.T, id, sponsorID uuid.UUID, service, plaintext string, rotationHours int) *sqlmock.Rows {
	t.Helper()
	return sqlmock.NewRows([]string{
		"id", "sponsor_id", "service_name", "encrypted_secret", "secret_type",
		"rotation_interval_hours", "last_rotated_at", "created_at",
	}).AddRow(id.String(), sponsorID.String(), service, sealed(t, plaintext), "api_key", rotationHours, time.Now(), time.Now())
}

// sealedArg matches any argument that decrypts to the given plaintext.
type sealedArg struct {
	t         *testing.T
	plaintext string
}

func (a sealedArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	got, err := crypto.DecryptSecret(testKey, s)
	return err == nil && got == a.plaintext
}

// ============================================================
// Upsert / Get
// ============================================================

func TestUpsertSealsBeforeWriting(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	sponsorID := uuid.New()
	id := uuid.New()

	mock.ExpectQuery(`INSERT INTO secret_vault`).
		WithArgs(sponsorID, "openai", sealedArg{t, "sk-plain"}, "api_key", 720).
		WillReturnRows(vaultRow(t, id, sponsorID, "openai", "sk-plain", 720))

	secret, err := vault.Upsert(context.Background(), sponsorID, "openai", "sk-plain", core.SecretAPIKey, 720)
	require.NoError(t, err)
	assert.Equal(t, id, secret.ID)
	assert.NotEqual(t, "sk-plain", secret.EncryptedSecret)

	plain, err := vault.Decrypt(secret)
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", plain)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresValue(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	_, err = vault.Upsert(context.Background(), uuid.New(), "openai", "", core.SecretAPIKey, 0)
	require.Error(t, err)

	_, err = vault.Upsert(context.Background(), uuid.New(), "", "sk-plain", core.SecretAPIKey, 0)
	require.Error(t, err)
}

func TestGetMissingSecret(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	mock.ExpectQuery(`SELECT .* FROM secret_vault`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = vault.Get(context.Background(), uuid.New(), "openai")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

// ============================================================
// Rotation plumbing
// ============================================================

func TestRotatableListsEnabledEntries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	sponsorID := uuid.New()
	rows := vaultRow(t, uuid.New(), sponsorID, "openai", "old-key", 24)
	mock.ExpectQuery(`SELECT .* FROM secret_vault\s+WHERE rotation_interval_hours > 0`).
		WillReturnRows(rows)

	rotatable, err := vault.Rotatable(context.Background())
	require.NoError(t, err)
	require.Len(t, rotatable, 1)
	assert.Equal(t, "openai", rotatable[0].ServiceName)
}

func TestByIDMissingSecret(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	mock.ExpectQuery(`SELECT .* FROM secret_vault WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = vault.ByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestReplaceSecretUnknownID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	mock.ExpectExec(`UPDATE secret_vault SET encrypted_secret`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = vault.ReplaceSecret(context.Background(), uuid.New(), "new-plain")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestDeleteMissingSecret(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	vault := NewVault(db, testKey)
	mock.ExpectExec(`DELETE FROM secret_vault`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = vault.Delete(context.Background(), uuid.New(), "openai")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
