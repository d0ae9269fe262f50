// Package audit writes the hash-chained execution log. Entries buffer
// in the ephemeral store and land in Postgres in batches, each row
// sealed to its predecessor by a SHA3-256 link. The flush path is
// crash-safe: entries move buffer -> processing -> table, and the
// processing list is only cleared after the database commit.
package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
	"github.com/aegisproxy/backend/internal/infra"
)

const (
	bufferKey     = "audit:buffer"
	processingKey = "audit:processing"
	flushLockKey  = "audit:flush"
	flushLockTTL  = 15 * time.Second

	maxBatch   = 200
	snippetLen = 500
)

// RFC3339Micro pins serialized timestamps to microsecond precision,
// matching what TIMESTAMPTZ round-trips. Chain material and forensic
// export payloads both format with it.
const RFC3339Micro = "2006-01-02T15:04:05.000000Z07:00"

// Columns is the audit_logs select list ScanEntry decodes. The
// forensic exporter reads the same table and shares both.
const Columns = `id, log_hash, previous_hash, agent_id, sponsor_id, action_type, service_name,
	prompt_snippet, model_used, permission_granted, policy_evaluation, cost_usd, response_code,
	ip_address, duration_ms, metadata, timestamp, tsa_token, exported_at`

// VerifyResult reports a linkage check over the chain prefix.
type VerifyResult struct {
	Valid    bool    `json:"valid"`
	Checked  int     `json:"checked"`
	BrokenAt []int64 `json:"broken_at"`
}

// QueryFilter narrows a sponsor's audit query.
type QueryFilter struct {
	AgentID     *uuid.UUID
	ServiceName string
	Since       *time.Time
	Limit       int
	Offset      int
}

// Service owns the buffer keys and the audit_logs table.
type Service struct {
	db     *sql.DB
	store  infra.RedisStore
	logger *log.Logger
	now    func() time.Time
}

func NewService(db *sql.DB, store infra.RedisStore) *Service {
	return &Service{
		db:     db,
		store:  store,
		logger: log.New(log.Writer(), "[Audit] ", log.LstdFlags),
		now:    time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// chainFields is the subset of an entry that participates in the hash
// chain. Adding a field here invalidates every existing chain, so
// don't.
type chainFields struct {
	AgentID           string `json:"agent_id"`
	SponsorID         string `json:"sponsor_id"`
	ActionType        string `json:"action_type"`
	ServiceName       string `json:"service_name"`
	PermissionGranted bool   `json:"permission_granted"`
	CostUSD           string `json:"cost_usd"`
	Timestamp         string `json:"timestamp"`
}

// ChainMaterial renders the canonical bytes an entry is hashed over.
// Deep verification recomputes this from table columns, so the
// rendering must be stable: fixed-precision cost, microsecond UTC
// timestamps, RFC 8785 key ordering.
func ChainMaterial(e *core.AuditEntry) (string, error) {
	m := chainFields{
		AgentID:           e.AgentID.String(),
		SponsorID:         e.SponsorID.String(),
		ActionType:        string(e.ActionType),
		ServiceName:       e.ServiceName,
		PermissionGranted: e.PermissionGranted,
		CostUSD:           e.CostUSD.StringFixed(6),
		Timestamp:         e.Timestamp.UTC().Truncate(time.Microsecond).Format(RFC3339Micro),
	}
	raw, err := crypto.CanonicalJSON(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Log buffers one entry. The prompt snippet is truncated to 500 chars
// before it leaves the process. Buffer failures are logged and
// swallowed: an audit hiccup must never fail the execution it records.
func (s *Service) Log(ctx context.Context, e core.AuditEntry) core.AuditEntry {
	if len(e.PromptSnippet) > snippetLen {
		e.PromptSnippet = e.PromptSnippet[:snippetLen]
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)

	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.Printf("❌ drop unencodable audit entry: %v", err)
		return e
	}
	if err := s.store.RPush(ctx, bufferKey, string(raw)); err != nil {
		s.logger.Printf("❌ audit buffer push failed: %v", err)
	}
	return e
}

// FlushBuffer drains buffered entries into the chain. Single flusher
// at a time via the audit:flush lock; a held lock means another
// instance is on it and this cycle is skipped. Returns rows written.
func (s *Service) FlushBuffer(ctx context.Context) (int, error) {
	bufLen, err := s.store.LLen(ctx, bufferKey)
	if err != nil {
		return 0, err
	}
	procLen, err := s.store.LLen(ctx, processingKey)
	if err != nil {
		return 0, err
	}
	if bufLen == 0 && procLen == 0 {
		return 0, nil
	}

	token := uuid.NewString()
	locked, err := s.store.SetNX(ctx, flushLockKey, token, flushLockTTL)
	if err != nil {
		return 0, err
	}
	if !locked {
		return 0, nil
	}
	defer func() {
		if _, err := s.store.DelIfEquals(context.WithoutCancel(ctx), flushLockKey, token); err != nil {
			s.logger.Printf("⚠️ flush lock release failed: %v", err)
		}
	}()

	if bufLen > 0 {
		if _, err := s.store.LMoveBatch(ctx, bufferKey, processingKey, maxBatch); err != nil {
			return 0, err
		}
	}

	// Processing may also hold leftovers from a crashed cycle.
	rawEntries, err := s.store.LRange(ctx, processingKey, 0, -1)
	if err != nil {
		return 0, err
	}
	if len(rawEntries) == 0 {
		return 0, nil
	}

	entries := make([]core.AuditEntry, 0, len(rawEntries))
	for _, raw := range rawEntries {
		var e core.AuditEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			s.logger.Printf("⚠️ skipping malformed audit entry")
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		if err := s.store.Del(ctx, processingKey); err != nil {
			return 0, err
		}
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	previous, err := s.lastHash(ctx, tx)
	if err != nil {
		return 0, err
	}

	for i := range entries {
		e := &entries[i]
		material, err := ChainMaterial(e)
		if err != nil {
			return 0, err
		}
		e.PreviousHash = previous
		e.LogHash = crypto.ChainHash(previous, material)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_logs (log_hash, previous_hash, agent_id, sponsor_id, action_type, service_name,
				prompt_snippet, model_used, permission_granted, policy_evaluation, cost_usd, response_code,
				ip_address, duration_ms, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (log_hash) DO NOTHING`,
			e.LogHash, e.PreviousHash, e.AgentID, e.SponsorID, e.ActionType, e.ServiceName,
			e.PromptSnippet, e.ModelUsed, e.PermissionGranted, nullableJSON(e.PolicyEvaluation),
			e.CostUSD, e.ResponseCode, e.IPAddress, e.DurationMs, nullableJSON(e.Metadata),
			e.Timestamp); err != nil {
			return 0, fmt.Errorf("insert audit row: %w", err)
		}
		previous = e.LogHash
	}

	if err := tx.Commit(); err != nil {
		// Entries stay in processing and retry next cycle.
		return 0, err
	}
	if err := s.store.Del(ctx, processingKey); err != nil {
		return len(entries), err
	}

	s.logger.Printf("💾 Flushed %d audit entries", len(entries))
	return len(entries), nil
}

// VerifyChain walks linkage over the first limit rows: genesis anchor
// plus each row pointing at its predecessor's hash. Cheap check; the
// forensic exporter recomputes the hashes themselves.
func (s *Service) VerifyChain(ctx context.Context, limit int) (*VerifyResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, log_hash, previous_hash FROM audit_logs ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &VerifyResult{Valid: true, BrokenAt: []int64{}}
	var prevHash string
	for rows.Next() {
		var (
			id                int64
			logHash, previous string
		)
		if err := rows.Scan(&id, &logHash, &previous); err != nil {
			return nil, err
		}
		if res.Checked == 0 {
			if previous != crypto.GenesisHash {
				res.BrokenAt = append(res.BrokenAt, id)
			}
		} else if previous != prevHash {
			res.BrokenAt = append(res.BrokenAt, id)
		}
		prevHash = logHash
		res.Checked++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.Valid = len(res.BrokenAt) == 0
	return res, nil
}

// Query returns a sponsor's entries, newest first.
func (s *Service) Query(ctx context.Context, sponsorID uuid.UUID, f QueryFilter) ([]core.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var (
		where = []string{"sponsor_id = $1"}
		args  = []interface{}{sponsorID}
	)
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.ServiceName != "" {
		args = append(args, f.ServiceName)
		where = append(where, fmt.Sprintf("service_name = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		Columns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []core.AuditEntry{}
	for rows.Next() {
		e, err := ScanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountRecent counts an agent's entries in the trailing window. The
// trust engine's clean-audit bonus keys off this.
func (s *Service) CountRecent(ctx context.Context, agentID uuid.UUID, hours int) (int, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(id) FROM audit_logs WHERE agent_id = $1 AND timestamp >= $2`,
		agentID, cutoff).Scan(&n)
	return n, err
}

// LatestID returns the newest durable entry id for an agent. Entries
// still sitting in the Redis buffer are invisible here, so callers get
// the most recent flushed row, or 1 when none has landed yet.
func (s *Service) LatestID(ctx context.Context, agentID uuid.UUID) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM audit_logs WHERE agent_id = $1`, agentID).Scan(&id)
	if err != nil {
		return 0, err
	}
	if !id.Valid || id.Int64 == 0 {
		return 1, nil
	}
	return id.Int64, nil
}

// ExportCSV renders a sponsor's window as CSV, capped at 50000 rows.
// The header is a stable contract with downstream spreadsheets.
func (s *Service) ExportCSV(ctx context.Context, sponsorID uuid.UUID, since, until time.Time) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+Columns+` FROM audit_logs
		WHERE sponsor_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp ASC LIMIT 50000`,
		sponsorID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"id", "timestamp", "agent_id", "action_type", "service_name",
		"granted", "cost_usd", "response_code", "hash"}); err != nil {
		return nil, err
	}
	for rows.Next() {
		e, err := ScanEntry(rows)
		if err != nil {
			return nil, err
		}
		if err := w.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(time.RFC3339),
			e.AgentID.String(),
			string(e.ActionType),
			e.ServiceName,
			strconv.FormatBool(e.PermissionGranted),
			e.CostUSD.String(),
			strconv.Itoa(e.ResponseCode),
			e.LogHash,
		}); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	w.Flush()
	return []byte(buf.String()), w.Error()
}

// BufferDepth reports buffered + in-flight entries, for health checks.
func (s *Service) BufferDepth(ctx context.Context) (int64, error) {
	buffered, err := s.store.LLen(ctx, bufferKey)
	if err != nil {
		return 0, err
	}
	processing, err := s.store.LLen(ctx, processingKey)
	if err != nil {
		return 0, err
	}
	return buffered + processing, nil
}

func (s *Service) lastHash(ctx context.Context, tx *sql.Tx) (string, error) {
	var h string
	err := tx.QueryRowContext(ctx,
		`SELECT log_hash FROM audit_logs ORDER BY id DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return crypto.GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return h, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// ScanEntry decodes one row selected with Columns.
func ScanEntry(rows *sql.Rows) (*core.AuditEntry, error) {
	var (
		e                core.AuditEntry
		policyEval, meta []byte
	)
	if err := rows.Scan(&e.ID, &e.LogHash, &e.PreviousHash, &e.AgentID, &e.SponsorID, &e.ActionType,
		&e.ServiceName, &e.PromptSnippet, &e.ModelUsed, &e.PermissionGranted, &policyEval,
		&e.CostUSD, &e.ResponseCode, &e.IPAddress, &e.DurationMs, &meta,
		&e.Timestamp, &e.TSAToken, &e.ExportedAt); err != nil {
		return nil, err
	}
	if len(policyEval) > 0 {
		e.PolicyEvaluation = json.RawMessage(policyEval)
	}
	if len(meta) > 0 {
		e.Metadata = json.RawMessage(meta)
	}
	return &e, nil
}
