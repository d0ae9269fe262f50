package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/forensic"
)

// HandleAuditLogs queries the sponsor's audit trail.
// GET /api/v1/audit/logs?agent_id=&service=&since=&limit=&offset=
func HandleAuditLogs(trail *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		var f audit.QueryFilter
		if raw := q.Get("agent_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid agent_id")
				return
			}
			f.AgentID = &id
		}
		f.ServiceName = q.Get("service")
		if raw := q.Get("since"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "since must be RFC3339")
				return
			}
			f.Since = &ts
		}
		f.Limit, _ = strconv.Atoi(q.Get("limit"))
		f.Offset, _ = strconv.Atoi(q.Get("offset"))

		entries, err := trail.Query(r.Context(), sp.ID, f)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not query audit trail")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"logs":  entries,
			"total": len(entries),
		})
	}
}

// HandleVerifyChain walks recent hash linkage.
// GET /api/v1/audit/verify?limit=
func HandleVerifyChain(trail *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := sponsor(w, r); !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := trail.VerifyChain(r.Context(), limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Verification failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleAuditExport streams the sponsor's trail as CSV.
// GET /api/v1/audit/export?since=&until=
func HandleAuditExport(trail *audit.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		until := time.Now().UTC()
		since := until.AddDate(0, -1, 0)
		if raw := q.Get("since"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "since must be RFC3339")
				return
			}
			since = ts
		}
		if raw := q.Get("until"); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "until must be RFC3339")
				return
			}
			until = ts
		}

		csv, err := trail.ExportCSV(r.Context(), sp.ID, since, until)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Export failed")
			return
		}
		name := fmt.Sprintf("audit_%s_%s.csv", since.Format("20060102"), until.Format("20060102"))
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename="+name)
		w.WriteHeader(http.StatusOK)
		w.Write(csv)
	}
}

// HandleForensicExport archives a batch of audit rows to cold storage.
// A batch whose internal linkage is broken is refused, nothing leaves
// the database.
// POST /api/v1/audit/forensic/export
func HandleForensicExport(exporter *forensic.Exporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		var body struct {
			FromID    *int64 `json:"from_id"`
			ToID      *int64 `json:"to_id"`
			BatchSize int    `json:"batch_size"`
		}
		if err := decode(r, &body); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		result, err := exporter.ExportBatch(r.Context(), forensic.ExportRequest{
			FromID:     body.FromID,
			ToID:       body.ToID,
			BatchSize:  body.BatchSize,
			ExportedBy: sp.Email,
		})
		if err != nil {
			var broken *forensic.ChainBrokenError
			if errors.As(err, &broken) {
				writeErr(w, http.StatusConflict, "CHAIN_BROKEN", broken.Error())
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Export failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleDeepVerify recomputes every hash in a window instead of only
// checking linkage.
// GET /api/v1/audit/forensic/verify?limit=&offset=
func HandleDeepVerify(exporter *forensic.Exporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := sponsor(w, r); !ok {
			return
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))

		result, err := exporter.DeepVerifyChain(r.Context(), limit, offset)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Verification failed")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// HandleForensicReport summarizes an ID range for an investigator.
// GET /api/v1/audit/forensic/report?from_id=&to_id=
func HandleForensicReport(exporter *forensic.Exporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := sponsor(w, r); !ok {
			return
		}
		q := r.URL.Query()
		fromID, err1 := strconv.ParseInt(q.Get("from_id"), 10, 64)
		toID, err2 := strconv.ParseInt(q.Get("to_id"), 10, 64)
		if err1 != nil || err2 != nil || fromID > toID {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "from_id and to_id must be a valid range")
			return
		}

		report, err := exporter.GenerateReport(r.Context(), fromID, toID)
		if err != nil {
			if errors.Is(err, forensic.ErrNoEntries) {
				writeErr(w, http.StatusNotFound, "NO_ENTRIES", "No audit entries in range")
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Report failed")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
