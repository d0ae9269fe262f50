// Package rotation keeps vault credentials fresh. A scheduled sweep
// walks every entry with a rotation interval, picks a strategy for
// the service behind it and swaps the stored value in place. Old
// credentials are retired, never destroyed, so requests already in
// flight drain cleanly.
package rotation

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/jit"
)

// Summary is the outcome of one sweep. Skipped covers entries still
// inside their interval and entries no strategy can rotate.
type Summary struct {
	TotalChecked int             `json:"total_checked"`
	Rotated      int             `json:"rotated"`
	Skipped      int             `json:"skipped"`
	Errors       []RotationError `json:"errors"`
	Timestamp    time.Time       `json:"timestamp"`
}

// RotationError records one entry the sweep could not rotate.
type RotationError struct {
	SecretID uuid.UUID `json:"secret_id"`
	Service  string    `json:"service"`
	Error    string    `json:"error"`
}

// ForceResult reports an operator-initiated rotation.
type ForceResult struct {
	Success   bool      `json:"success"`
	SecretID  uuid.UUID `json:"secret_id"`
	Service   string    `json:"service"`
	RotatedAt time.Time `json:"rotated_at"`
}

// SecretStatus is one row of the rotation schedule report.
type SecretStatus struct {
	ID                    uuid.UUID       `json:"id"`
	ServiceName           string          `json:"service_name"`
	SecretType            core.SecretType `json:"secret_type"`
	RotationIntervalHours int             `json:"rotation_interval_hours"`
	LastRotatedAt         *time.Time      `json:"last_rotated_at,omitempty"`
	NextRotationAt        time.Time       `json:"next_rotation_at"`
	IsOverdue             bool            `json:"is_overdue"`
	HoursUntilRotation    float64         `json:"hours_until_rotation"`
}

// Service owns the rotation sweep and the strategies behind it.
type Service struct {
	vault      *jit.Vault
	webhookURL string
	hmacSecret string
	awsRegion  string
	iam        iamAPI // built on first use unless a test injects one
	client     *http.Client
	logger     *log.Logger
	now        func() time.Time
}

// New wires a rotation service over the vault. hmacSecret
// authenticates outbound requests to the rotation webhook.
func New(vault *jit.Vault, cfg config.RotationConfig, hmacSecret string) *Service {
	return &Service{
		vault:      vault,
		webhookURL: cfg.WebhookURL,
		hmacSecret: hmacSecret,
		awsRegion:  cfg.AWSRegion,
		client:     &http.Client{Timeout: webhookTimeout},
		logger:     log.New(log.Writer(), "[Rotation] ", log.LstdFlags),
		now:        time.Now,
	}
}

// WithClock pins the sweep's idea of now. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckAndRotate walks every rotation-enabled entry and rotates the
// ones past their deadline. Per-entry failures land in the summary
// instead of aborting the sweep.
func (s *Service) CheckAndRotate(ctx context.Context) (*Summary, error) {
	secrets, err := s.vault.Rotatable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rotatable secrets: %w", err)
	}

	summary := &Summary{
		TotalChecked: len(secrets),
		Errors:       []RotationError{},
		Timestamp:    s.now().UTC(),
	}
	for i := range secrets {
		secret := &secrets[i]
		if s.deadline(secret).After(s.now()) {
			summary.Skipped++
			continue
		}
		rotated, err := s.rotate(ctx, secret)
		switch {
		case err != nil:
			s.logger.Printf("⚠️ Rotation failed for %s (%s): %v", secret.ServiceName, secret.ID, err)
			summary.Errors = append(summary.Errors, RotationError{
				SecretID: secret.ID,
				Service:  secret.ServiceName,
				Error:    err.Error(),
			})
		case rotated:
			summary.Rotated++
		default:
			summary.Skipped++
		}
	}

	if summary.Rotated > 0 || len(summary.Errors) > 0 {
		s.logger.Printf("🔁 Sweep rotated %d of %d secrets (%d errors)",
			summary.Rotated, summary.TotalChecked, len(summary.Errors))
	}
	return summary, nil
}

// ForceRotate rotates one entry immediately, schedule or not. An
// entry no strategy covers is an error here rather than a skip.
func (s *Service) ForceRotate(ctx context.Context, secretID uuid.UUID) (*ForceResult, error) {
	secret, err := s.vault.ByID(ctx, secretID)
	if err != nil {
		return nil, err
	}
	rotated, err := s.rotate(ctx, secret)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, fmt.Errorf("no rotation strategy for service %s", secret.ServiceName)
	}
	return &ForceResult{
		Success:   true,
		SecretID:  secret.ID,
		Service:   secret.ServiceName,
		RotatedAt: s.now().UTC(),
	}, nil
}

// Status reports the rotation schedule for every enabled entry.
func (s *Service) Status(ctx context.Context) ([]SecretStatus, error) {
	secrets, err := s.vault.Rotatable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rotatable secrets: %w", err)
	}

	now := s.now()
	out := make([]SecretStatus, 0, len(secrets))
	for i := range secrets {
		secret := &secrets[i]
		deadline := s.deadline(secret)
		hoursLeft := deadline.Sub(now).Hours()
		if hoursLeft < 0 {
			hoursLeft = 0
		}
		out = append(out, SecretStatus{
			ID:                    secret.ID,
			ServiceName:           secret.ServiceName,
			SecretType:            secret.SecretType,
			RotationIntervalHours: secret.RotationIntervalHours,
			LastRotatedAt:         secret.LastRotatedAt,
			NextRotationAt:        deadline,
			IsOverdue:             !deadline.After(now),
			HoursUntilRotation:    math.Round(hoursLeft*10) / 10,
		})
	}
	return out, nil
}

// deadline is when an entry next comes due. A never-rotated entry
// counts from creation.
func (s *Service) deadline(secret *core.VaultSecret) time.Time {
	since := secret.CreatedAt
	if secret.LastRotatedAt != nil {
		since = *secret.LastRotatedAt
	}
	return since.Add(time.Duration(secret.RotationIntervalHours) * time.Hour)
}

// rotate swaps one entry's value using whatever strategy fits. A
// false return with a nil error means no strategy covers the service.
func (s *Service) rotate(ctx context.Context, secret *core.VaultSecret) (bool, error) {
	current, err := s.vault.Decrypt(secret)
	if err != nil {
		return false, fmt.Errorf("unseal current value: %w", err)
	}
	next, err := s.newSecretFor(ctx, secret, current)
	if err != nil {
		return false, err
	}
	if next == "" {
		return false, nil
	}
	if err := s.vault.ReplaceSecret(ctx, secret.ID, next); err != nil {
		return false, fmt.Errorf("store rotated value: %w", err)
	}
	s.logger.Printf("🔑 Rotated %s credential for %s", secret.SecretType, secret.ServiceName)
	return true, nil
}
