package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
)

// ErrBadCredentials covers a missing, revoked or unknown API key.
// Callers surface it as 401 without detail.
var ErrBadCredentials = errors.New("invalid API key")

// ErrSponsorNotFound is returned for lookups of unknown sponsor IDs.
var ErrSponsorNotFound = errors.New("sponsor not found")

const sponsorColumns = `id, email, role, created_at`

const apiKeyColumns = `id, sponsor_id, name, key_hash, is_active,
	last_used_at, created_at`

// Sponsors manages the humans behind the agents: accounts and the API
// keys that authenticate them on the management surface.
type Sponsors struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSponsors(db *sql.DB) *Sponsors {
	return &Sponsors{
		db:     db,
		logger: log.New(log.Writer(), "[Sponsors] ", log.LstdFlags),
	}
}

// CreateSponsor registers a sponsor account. Role defaults to "sponsor".
func (s *Sponsors) CreateSponsor(ctx context.Context, email, role string) (*core.Sponsor, error) {
	if email == "" {
		return nil, errors.New("email is required")
	}
	if role == "" {
		role = "sponsor"
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sponsors (email, role)
		VALUES ($1, $2)
		RETURNING `+sponsorColumns,
		email, role,
	)
	sponsor, err := scanSponsor(row)
	if err != nil {
		return nil, fmt.Errorf("insert sponsor: %w", err)
	}

	s.logger.Printf("👤 Sponsor registered: %s (%s)", sponsor.Email, sponsor.ID)
	return sponsor, nil
}

// GetSponsor loads one sponsor account.
func (s *Sponsors) GetSponsor(ctx context.Context, id uuid.UUID) (*core.Sponsor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sponsorColumns+`
		FROM sponsors WHERE id = $1`, id)
	sponsor, err := scanSponsor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSponsorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sponsor: %w", err)
	}
	return sponsor, nil
}

// CreateAPIKey mints a management key for the sponsor. The plaintext is
// returned exactly once; only its digest is stored.
func (s *Sponsors) CreateAPIKey(ctx context.Context, sponsorID uuid.UUID, name string) (*core.APIKey, string, error) {
	plaintext, digest, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (sponsor_id, name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING `+apiKeyColumns,
		sponsorID, name, digest,
	)
	key, err := scanAPIKey(row)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}

	s.logger.Printf("🔑 API key %s issued for sponsor %s (%s)", key.ID, sponsorID, crypto.Redact(plaintext))
	return key, plaintext, nil
}

// Authenticate resolves a raw API key to its sponsor. Unknown and
// revoked keys fail identically.
func (s *Sponsors) Authenticate(ctx context.Context, rawKey string) (*core.Sponsor, error) {
	if rawKey == "" {
		return nil, ErrBadCredentials
	}

	var keyID uuid.UUID
	sponsor := &core.Sponsor{}
	err := s.db.QueryRowContext(ctx, `
		SELECT k.id, s.id, s.email, s.role, s.created_at
		FROM api_keys k
		JOIN sponsors s ON s.id = k.sponsor_id
		WHERE k.key_hash = $1 AND k.is_active = TRUE`,
		crypto.HashAPIKey(rawKey),
	).Scan(&keyID, &sponsor.ID, &sponsor.Email, &sponsor.Role, &sponsor.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	// Best effort. Authentication does not depend on the bump landing.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID); err != nil {
		s.logger.Printf("⚠️ last_used_at update failed for key %s: %v", keyID, err)
	}

	return sponsor, nil
}

// ListAPIKeys returns the sponsor's keys, newest first. Digests are
// included in the struct but json-omitted.
func (s *Sponsors) ListAPIKeys(ctx context.Context, sponsorID uuid.UUID) ([]core.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+`
		FROM api_keys WHERE sponsor_id = $1
		ORDER BY created_at DESC`, sponsorID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := []core.APIKey{}
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deactivates one key. Scoped to the owning sponsor so a
// key ID leaked across tenants is useless here.
func (s *Sponsors) RevokeAPIKey(ctx context.Context, sponsorID, keyID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE
		WHERE id = $1 AND sponsor_id = $2`, keyID, sponsorID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBadCredentials
	}
	s.logger.Printf("🔒 API key %s revoked by sponsor %s", keyID, sponsorID)
	return nil
}

func scanSponsor(row rowScanner) (*core.Sponsor, error) {
	sponsor := &core.Sponsor{}
	if err := row.Scan(&sponsor.ID, &sponsor.Email, &sponsor.Role, &sponsor.CreatedAt); err != nil {
		return nil, err
	}
	return sponsor, nil
}

func scanAPIKey(row rowScanner) (*core.APIKey, error) {
	key := &core.APIKey{}
	var lastUsed sql.NullTime
	if err := row.Scan(
		&key.ID, &key.SponsorID, &key.Name, &key.KeyHash,
		&key.IsActive, &lastUsed, &key.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	return key, nil
}
