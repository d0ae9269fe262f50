package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/aegisproxy/backend/internal/core"
)

// CacheInvalidator drops the cached permission fingerprint for an
// (agent, service) pair. Satisfied by permcache.Cache.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, agentID uuid.UUID, serviceName string) error
}

const permColumns = `id, agent_id, service_name, allowed_actions, max_requests_per_hour,
	time_window_start, time_window_end, max_records_per_request, requires_hitl,
	custom_policy, is_active, created_at`

// Permissions is the grant store. Every write invalidates the cache
// fingerprint before returning, so a stale grant is never served past
// the write.
type Permissions struct {
	db    *sql.DB
	cache CacheInvalidator
}

func NewPermissions(db *sql.DB, cache CacheInvalidator) *Permissions {
	return &Permissions{db: db, cache: cache}
}

// GrantSpec is the caller-supplied shape of a permission.
type GrantSpec struct {
	ServiceName          string   `json:"service_name"`
	AllowedActions       []string `json:"allowed_actions"`
	MaxRequestsPerHour   int      `json:"max_requests_per_hour"`
	TimeWindowStart      string   `json:"time_window_start"`
	TimeWindowEnd        string   `json:"time_window_end"`
	MaxRecordsPerRequest int      `json:"max_records_per_request"`
	RequiresHITL         bool     `json:"requires_hitl"`
	CustomPolicy         string   `json:"custom_policy"`
}

// Grant upserts the one permission an agent may hold per service.
func (p *Permissions) Grant(ctx context.Context, agentID uuid.UUID, spec GrantSpec) (*core.Permission, error) {
	if spec.ServiceName == "" {
		return nil, errors.New("service_name is required")
	}
	if spec.MaxRequestsPerHour <= 0 {
		spec.MaxRequestsPerHour = 100
	}
	if spec.TimeWindowStart == "" {
		spec.TimeWindowStart = "00:00"
	}
	if spec.TimeWindowEnd == "" {
		spec.TimeWindowEnd = "23:59"
	}
	if spec.MaxRecordsPerRequest <= 0 {
		spec.MaxRecordsPerRequest = 100
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO agent_permissions (agent_id, service_name, allowed_actions, max_requests_per_hour,
			time_window_start, time_window_end, max_records_per_request, requires_hitl, custom_policy, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		ON CONFLICT (agent_id, service_name) DO UPDATE SET
			allowed_actions = EXCLUDED.allowed_actions,
			max_requests_per_hour = EXCLUDED.max_requests_per_hour,
			time_window_start = EXCLUDED.time_window_start,
			time_window_end = EXCLUDED.time_window_end,
			max_records_per_request = EXCLUDED.max_records_per_request,
			requires_hitl = EXCLUDED.requires_hitl,
			custom_policy = EXCLUDED.custom_policy,
			is_active = TRUE
		RETURNING `+permColumns,
		agentID, spec.ServiceName, pq.Array(spec.AllowedActions), spec.MaxRequestsPerHour,
		spec.TimeWindowStart, spec.TimeWindowEnd, spec.MaxRecordsPerRequest,
		spec.RequiresHITL, spec.CustomPolicy,
	)
	perm, err := scanPermission(row)
	if err != nil {
		return nil, fmt.Errorf("grant permission: %w", err)
	}
	if err := p.invalidate(ctx, agentID, spec.ServiceName); err != nil {
		return nil, err
	}
	return perm, nil
}

// GetActive returns the active permission for (agent, service), or nil.
func (p *Permissions) GetActive(ctx context.Context, agentID uuid.UUID, serviceName string) (*core.Permission, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+permColumns+`
		  FROM agent_permissions
		 WHERE agent_id = $1 AND service_name = $2 AND is_active = TRUE`,
		agentID, serviceName)
	perm, err := scanPermission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return perm, err
}

// List returns every permission row for an agent, active or not.
func (p *Permissions) List(ctx context.Context, agentID uuid.UUID) ([]core.Permission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+permColumns+`
		  FROM agent_permissions
		 WHERE agent_id = $1
		 ORDER BY service_name`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []core.Permission
	for rows.Next() {
		perm, err := scanPermissionRows(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, *perm)
	}
	return perms, rows.Err()
}

// Revoke deactivates the grant. The row survives for audit joins.
func (p *Permissions) Revoke(ctx context.Context, agentID uuid.UUID, serviceName string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_permissions SET is_active = FALSE
		 WHERE agent_id = $1 AND service_name = $2`,
		agentID, serviceName)
	if err != nil {
		return err
	}
	if err := requireHit(res); err != nil {
		return fmt.Errorf("permission for %s: %w", serviceName, err)
	}
	return p.invalidate(ctx, agentID, serviceName)
}

// invalidate must succeed before a write is reported as done;
// otherwise a cached copy could outlive the grant it mirrors.
func (p *Permissions) invalidate(ctx context.Context, agentID uuid.UUID, serviceName string) error {
	if p.cache == nil {
		return nil
	}
	if err := p.cache.Invalidate(ctx, agentID, serviceName); err != nil {
		return fmt.Errorf("invalidate permission cache: %w", err)
	}
	return nil
}

func scanPermission(row *sql.Row) (*core.Permission, error) {
	return scanPermissionRows(row)
}

func scanPermissionRows(row rowScanner) (*core.Permission, error) {
	var perm core.Permission
	err := row.Scan(
		&perm.ID, &perm.AgentID, &perm.ServiceName, pq.Array(&perm.AllowedActions),
		&perm.MaxRequestsPerHour, &perm.TimeWindowStart, &perm.TimeWindowEnd,
		&perm.MaxRecordsPerRequest, &perm.RequiresHITL, &perm.CustomPolicy,
		&perm.IsActive, &perm.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &perm, nil
}
