// Package forensic archives the audit chain to write-once storage and
// recomputes it end to end. An export selects a contiguous batch,
// verifies linkage, seals the canonical payload with a SHA3-256 batch
// hash and an optional RFC 3161 timestamp, then uploads before any row
// is marked exported.
package forensic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/crypto"
)

const (
	defaultBatchSize  = 10000
	defaultVerifyRows = 10000
)

// ErrNoEntries means the requested ID range holds no audit rows.
var ErrNoEntries = errors.New("no audit entries in range")

// ExportRequest bounds one archival batch. A nil ToID selects rows not
// yet exported; an explicit range re-exports regardless.
type ExportRequest struct {
	FromID     *int64
	ToID       *int64
	BatchSize  int
	ExportedBy string
}

// ExportResult describes a completed batch. A zero RecordCount means
// there was nothing to export.
type ExportResult struct {
	RecordCount int    `json:"record_count"`
	BatchHash   string `json:"batch_hash"`
	StoragePath string `json:"storage_path"`
	TSAToken    []byte `json:"tsa_token,omitempty"`
	FromID      int64  `json:"from_id"`
	ToID        int64  `json:"to_id"`
}

// ChainBrokenError aborts an export whose batch fails linkage. Nothing
// is uploaded when this fires.
type ChainBrokenError struct {
	FromID   int64
	ToID     int64
	BrokenAt []int64
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("chain integrity broken at IDs %v in range %d..%d", e.BrokenAt, e.FromID, e.ToID)
}

// BatchIntegrity is the linkage check over one loaded batch.
type BatchIntegrity struct {
	Valid    bool    `json:"valid"`
	Checked  int     `json:"checked"`
	BrokenAt []int64 `json:"broken_at"`
}

// ChainBreak is a linkage failure found during deep verification.
type ChainBreak struct {
	ID       int64  `json:"id"`
	Issue    string `json:"issue"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Tampered is a row whose stored hash no longer matches its content.
type Tampered struct {
	ID           int64  `json:"id"`
	Issue        string `json:"issue"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
}

// DeepVerifyResult is the full recomputation report.
type DeepVerifyResult struct {
	Valid       bool         `json:"valid"`
	Checked     int          `json:"checked"`
	Tampered    []Tampered   `json:"tampered"`
	ChainBreaks []ChainBreak `json:"chain_breaks"`
	FirstID     *int64       `json:"first_id"`
	LastID      *int64       `json:"last_id"`
}

// IDRange is an inclusive audit row range.
type IDRange struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
}

// TimeRange spans the first and last entry timestamps of a report.
type TimeRange struct {
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// ReportStats summarizes a report range.
type ReportStats struct {
	DeniedActions  int             `json:"denied_actions"`
	GrantedActions int             `json:"granted_actions"`
	TotalCostUSD   decimal.Decimal `json:"total_cost_usd"`
	UniqueAgents   int             `json:"unique_agents"`
	UniqueServices int             `json:"unique_services"`
	TimeRange      TimeRange       `json:"time_range"`
}

// Report is a point-in-time forensic summary of an ID range.
type Report struct {
	Range          IDRange        `json:"range"`
	RecordCount    int            `json:"record_count"`
	BatchHash      string         `json:"batch_hash"`
	ChainIntegrity BatchIntegrity `json:"chain_integrity"`
	Statistics     ReportStats    `json:"statistics"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Exporter reads audit_logs and writes immutable_exports. Its only
// write against audit_logs is stamping exported_at and tsa_token.
type Exporter struct {
	db       *sql.DB
	uploader Uploader
	tsa      *TSAClient
	logger   *log.Logger
	now      func() time.Time
}

// NewExporter wires the exporter. tsa may be nil when no timestamp
// authority is configured.
func NewExporter(db *sql.DB, uploader Uploader, tsa *TSAClient) *Exporter {
	return &Exporter{
		db:       db,
		uploader: uploader,
		tsa:      tsa,
		logger:   log.New(log.Writer(), "[Forensic] ", log.LstdFlags),
		now:      time.Now,
	}
}

// WithClock overrides the exporter clock. Test hook.
func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// exportRecord is the serialization contract for archived entries.
// Changing a field changes every future batch hash, so treat it as
// frozen.
type exportRecord struct {
	ID                int64  `json:"id"`
	LogHash           string `json:"log_hash"`
	PreviousHash      string `json:"previous_hash"`
	AgentID           string `json:"agent_id"`
	SponsorID         string `json:"sponsor_id"`
	ActionType        string `json:"action_type"`
	ServiceName       string `json:"service_name"`
	PermissionGranted bool   `json:"permission_granted"`
	CostUSD           string `json:"cost_usd"`
	ResponseCode      int    `json:"response_code"`
	IPAddress         string `json:"ip_address"`
	DurationMs        int    `json:"duration_ms"`
	Timestamp         string `json:"timestamp"`
}

// ExportBatch archives one batch of audit rows. Broken linkage inside
// the batch aborts with a ChainBrokenError before anything leaves the
// database.
func (e *Exporter) ExportBatch(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = defaultBatchSize
	}
	if req.ExportedBy == "" {
		req.ExportedBy = "system"
	}

	entries, err := e.selectBatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return &ExportResult{}, nil
	}

	fromID := entries[0].ID
	toID := entries[len(entries)-1].ID

	if integrity := verifyBatch(entries); !integrity.Valid {
		e.logger.Printf("❌ Export aborted: chain broken at %v (%d..%d)", integrity.BrokenAt, fromID, toID)
		return nil, &ChainBrokenError{FromID: fromID, ToID: toID, BrokenAt: integrity.BrokenAt}
	}

	payload, err := serializeBatch(entries)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}
	batchHash := crypto.BatchHash(payload)

	// Timestamping is best-effort. An unreachable TSA produces an
	// unsigned export, not a failed one.
	var tsaToken []byte
	if e.tsa != nil {
		token, err := e.tsa.Timestamp(ctx, batchHash)
		if err != nil {
			e.logger.Printf("⚠️ TSA timestamp failed: %v", err)
		} else {
			tsaToken = token
		}
	}

	filename := fmt.Sprintf("aegis_audit_%d_%d_%s.json", fromID, toID, e.now().UTC().Format("20060102_150405"))
	storagePath, err := e.uploader.Upload(ctx, filename, payload, batchHash)
	if err != nil {
		return nil, fmt.Errorf("upload export: %w", err)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE audit_logs SET exported_at = $1, tsa_token = $2
		WHERE id >= $3 AND id <= $4`,
		e.now().UTC(), tsaToken, fromID, toID); err != nil {
		return nil, fmt.Errorf("mark exported: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO immutable_exports (batch_hash, from_id, to_id, record_count, storage_url, tsa_token, exported_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		batchHash, fromID, toID, len(entries), storagePath, tsaToken, req.ExportedBy); err != nil {
		return nil, fmt.Errorf("record export: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.logger.Printf("📦 Exported %d entries (%d..%d) -> %s", len(entries), fromID, toID, storagePath)
	return &ExportResult{
		RecordCount: len(entries),
		BatchHash:   batchHash,
		StoragePath: storagePath,
		TSAToken:    tsaToken,
		FromID:      fromID,
		ToID:        toID,
	}, nil
}

// DeepVerifyChain recomputes every hash from source columns, not just
// linkage. The cheap linkage walk lives in the audit service; this is
// the one that catches a row edited in place.
func (e *Exporter) DeepVerifyChain(ctx context.Context, limit, offset int) (*DeepVerifyResult, error) {
	if limit <= 0 {
		limit = defaultVerifyRows
	}
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM audit_logs ORDER BY id ASC LIMIT $1 OFFSET $2`, audit.Columns), limit, offset)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	res := &DeepVerifyResult{Valid: true, Tampered: []Tampered{}, ChainBreaks: []ChainBreak{}}
	if len(entries) == 0 {
		return res, nil
	}

	for i := range entries {
		entry := &entries[i]

		if i == 0 {
			// Only an offset-zero walk can see the genesis anchor.
			if offset == 0 && entry.PreviousHash != crypto.GenesisHash {
				res.ChainBreaks = append(res.ChainBreaks, ChainBreak{
					ID:       entry.ID,
					Issue:    "first_entry_not_genesis",
					Expected: crypto.GenesisHash,
					Actual:   entry.PreviousHash,
				})
			}
		} else if entry.PreviousHash != entries[i-1].LogHash {
			res.ChainBreaks = append(res.ChainBreaks, ChainBreak{
				ID:       entry.ID,
				Issue:    "chain_link_broken",
				Expected: entries[i-1].LogHash,
				Actual:   entry.PreviousHash,
			})
		}

		material, err := audit.ChainMaterial(entry)
		if err != nil {
			return nil, fmt.Errorf("chain material for id %d: %w", entry.ID, err)
		}
		if computed := crypto.ChainHash(entry.PreviousHash, material); computed != entry.LogHash {
			res.Tampered = append(res.Tampered, Tampered{
				ID:           entry.ID,
				Issue:        "hash_mismatch",
				StoredHash:   entry.LogHash,
				ComputedHash: computed,
			})
		}
	}

	res.Checked = len(entries)
	res.FirstID = &entries[0].ID
	res.LastID = &entries[len(entries)-1].ID
	res.Valid = len(res.Tampered) == 0 && len(res.ChainBreaks) == 0
	if !res.Valid {
		e.logger.Printf("🚨 Deep verify: %d tampered, %d chain breaks across %d rows",
			len(res.Tampered), len(res.ChainBreaks), res.Checked)
	}
	return res, nil
}

// GenerateReport summarizes an inclusive ID range: batch hash, linkage
// state and spend statistics.
func (e *Exporter) GenerateReport(ctx context.Context, fromID, toID int64) (*Report, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM audit_logs WHERE id >= $1 AND id <= $2 ORDER BY id ASC`, audit.Columns), fromID, toID)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	payload, err := serializeBatch(entries)
	if err != nil {
		return nil, fmt.Errorf("serialize batch: %w", err)
	}

	var (
		denied   int
		total    = decimal.Zero
		agents   = map[uuid.UUID]struct{}{}
		services = map[string]struct{}{}
	)
	for i := range entries {
		entry := &entries[i]
		if !entry.PermissionGranted {
			denied++
		}
		total = total.Add(entry.CostUSD)
		agents[entry.AgentID] = struct{}{}
		if entry.ServiceName != "" {
			services[entry.ServiceName] = struct{}{}
		}
	}

	return &Report{
		Range:          IDRange{FromID: fromID, ToID: toID},
		RecordCount:    len(entries),
		BatchHash:      crypto.BatchHash(payload),
		ChainIntegrity: verifyBatch(entries),
		Statistics: ReportStats{
			DeniedActions:  denied,
			GrantedActions: len(entries) - denied,
			TotalCostUSD:   total.Round(4),
			UniqueAgents:   len(agents),
			UniqueServices: len(services),
			TimeRange: TimeRange{
				First: entries[0].Timestamp,
				Last:  entries[len(entries)-1].Timestamp,
			},
		},
		GeneratedAt: e.now().UTC(),
	}, nil
}

func (e *Exporter) selectBatch(ctx context.Context, req ExportRequest) ([]core.AuditEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if req.FromID != nil {
		args = append(args, *req.FromID)
		where = append(where, fmt.Sprintf("id >= $%d", len(args)))
	}
	if req.ToID != nil {
		args = append(args, *req.ToID)
		where = append(where, fmt.Sprintf("id <= $%d", len(args)))
	} else {
		where = append(where, "exported_at IS NULL")
	}
	args = append(args, req.BatchSize)

	query := fmt.Sprintf(`SELECT %s FROM audit_logs WHERE %s ORDER BY id ASC LIMIT $%d`,
		audit.Columns, strings.Join(where, " AND "), len(args))
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func verifyBatch(entries []core.AuditEntry) BatchIntegrity {
	broken := []int64{}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].LogHash {
			broken = append(broken, entries[i].ID)
		}
	}
	return BatchIntegrity{Valid: len(broken) == 0, Checked: len(entries), BrokenAt: broken}
}

func serializeBatch(entries []core.AuditEntry) ([]byte, error) {
	records := make([]exportRecord, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		records = append(records, exportRecord{
			ID:                entry.ID,
			LogHash:           entry.LogHash,
			PreviousHash:      entry.PreviousHash,
			AgentID:           entry.AgentID.String(),
			SponsorID:         entry.SponsorID.String(),
			ActionType:        string(entry.ActionType),
			ServiceName:       entry.ServiceName,
			PermissionGranted: entry.PermissionGranted,
			CostUSD:           entry.CostUSD.StringFixed(6),
			ResponseCode:      entry.ResponseCode,
			IPAddress:         entry.IPAddress,
			DurationMs:        entry.DurationMs,
			Timestamp:         entry.Timestamp.UTC().Truncate(time.Microsecond).Format(audit.RFC3339Micro),
		})
	}
	return crypto.CanonicalJSON(records)
}

func scanEntries(rows *sql.Rows) ([]core.AuditEntry, error) {
	defer rows.Close()
	var out []core.AuditEntry
	for rows.Next() {
		entry, err := audit.ScanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}
