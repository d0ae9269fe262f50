package jit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
)

// ErrSecretNotFound is returned when a sponsor has no vault entry for
// the requested service.
var ErrSecretNotFound = errors.New("vault secret not found")

const vaultColumns = `id, sponsor_id, service_name, encrypted_secret, secret_type,
	rotation_interval_hours, last_rotated_at, created_at`

// Vault is the sponsor-scoped credential store backing the broker and
// the rotation sweep. Secrets are sealed with AES-256-GCM on the way
// in; plaintext never touches a table.
type Vault struct {
	db  *sql.DB
	key []byte
}

func NewVault(db *sql.DB, encryptionKey []byte) *Vault {
	return &Vault{db: db, key: encryptionKey}
}

// Upsert seals plaintext and writes (or replaces) the sponsor's entry
// for a service. Replacing counts as a rotation.
func (v *Vault) Upsert(ctx context.Context, sponsorID uuid.UUID, serviceName, plaintext string, secretType core.SecretType, rotationHours int) (*core.VaultSecret, error) {
	if serviceName == "" {
		return nil, errors.New("service name is required")
	}
	if plaintext == "" {
		return nil, errors.New("secret value is required")
	}
	if secretType == "" {
		secretType = core.SecretAPIKey
	}

	sealed, err := crypto.EncryptSecret(v.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}

	row := v.db.QueryRowContext(ctx, `
		INSERT INTO secret_vault (sponsor_id, service_name, encrypted_secret, secret_type, rotation_interval_hours, last_rotated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (sponsor_id, service_name) DO UPDATE SET
			encrypted_secret = EXCLUDED.encrypted_secret,
			secret_type = EXCLUDED.secret_type,
			rotation_interval_hours = EXCLUDED.rotation_interval_hours,
			last_rotated_at = now()
		RETURNING `+vaultColumns,
		sponsorID, serviceName, sealed, secretType, rotationHours)
	return scanVaultSecret(row)
}

// Get fetches the sponsor's entry for a service, sealed.
func (v *Vault) Get(ctx context.Context, sponsorID uuid.UUID, serviceName string) (*core.VaultSecret, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM secret_vault WHERE sponsor_id = $1 AND service_name = $2`,
		sponsorID, serviceName)
	secret, err := scanVaultSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	return secret, err
}

// List returns every entry a sponsor holds, newest first. Values stay
// sealed; listings are for inventory, not retrieval.
func (v *Vault) List(ctx context.Context, sponsorID uuid.UUID) ([]core.VaultSecret, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT `+vaultColumns+` FROM secret_vault WHERE sponsor_id = $1 ORDER BY created_at DESC`,
		sponsorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVaultSecrets(rows)
}

// Delete removes an entry. Tokens already minted from it ride out
// their TTL; nothing new can be minted.
func (v *Vault) Delete(ctx context.Context, sponsorID uuid.UUID, serviceName string) error {
	res, err := v.db.ExecContext(ctx,
		`DELETE FROM secret_vault WHERE sponsor_id = $1 AND service_name = $2`,
		sponsorID, serviceName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// Rotatable returns every entry with rotation enabled, stalest
// first. Entries with a zero interval never appear. The sweep decides
// due-ness itself so its summary can count skipped entries.
func (v *Vault) Rotatable(ctx context.Context) ([]core.VaultSecret, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT `+vaultColumns+` FROM secret_vault
		WHERE rotation_interval_hours > 0
		ORDER BY COALESCE(last_rotated_at, created_at) ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanVaultSecrets(rows)
}

// ByID fetches one entry by primary key. Rotation runs platform-wide,
// so it addresses secrets across sponsor boundaries.
func (v *Vault) ByID(ctx context.Context, id uuid.UUID) (*core.VaultSecret, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM secret_vault WHERE id = $1`, id)
	secret, err := scanVaultSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	return secret, err
}

// ReplaceSecret swaps in a freshly rotated value and stamps the
// rotation time. Used by the rotation strategies, which already hold
// plaintext for the new credential.
func (v *Vault) ReplaceSecret(ctx context.Context, id uuid.UUID, plaintext string) error {
	sealed, err := crypto.EncryptSecret(v.key, plaintext)
	if err != nil {
		return fmt.Errorf("seal rotated secret: %w", err)
	}
	res, err := v.db.ExecContext(ctx,
		`UPDATE secret_vault SET encrypted_secret = $1, last_rotated_at = now() WHERE id = $2`,
		sealed, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSecretNotFound
	}
	return nil
}

// Decrypt unseals an entry's value. Callers are the broker and the
// rotation strategies; handlers never see plaintext.
func (v *Vault) Decrypt(secret *core.VaultSecret) (string, error) {
	return crypto.DecryptSecret(v.key, secret.EncryptedSecret)
}

func scanVaultSecret(row *sql.Row) (*core.VaultSecret, error) {
	var s core.VaultSecret
	if err := row.Scan(&s.ID, &s.SponsorID, &s.ServiceName, &s.EncryptedSecret, &s.SecretType,
		&s.RotationIntervalHours, &s.LastRotatedAt, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanVaultSecrets(rows *sql.Rows) ([]core.VaultSecret, error) {
	out := []core.VaultSecret{}
	for rows.Next() {
		var s core.VaultSecret
		if err := rows.Scan(&s.ID, &s.SponsorID, &s.ServiceName, &s.EncryptedSecret, &s.SecretType,
			&s.RotationIntervalHours, &s.LastRotatedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
