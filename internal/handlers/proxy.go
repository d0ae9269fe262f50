package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/middleware"
	"github.com/aegisproxy/backend/internal/proxy"
)

// HandleExecute runs one request through the decision pipeline. The
// outcome is always a Decision with HTTP 200; a block is not a
// transport error. Only unroutable requests get error statuses.
// POST /api/v1/proxy/execute
func HandleExecute(pipeline *proxy.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		var req core.ExecuteRequest
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}
		if req.AgentID == uuid.Nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "agent_id is required")
			return
		}
		if req.ServiceName == "" || req.URL == "" {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "service_name and url are required")
			return
		}

		decision, err := pipeline.Execute(r.Context(), sp.ID, &req,
			middleware.ClientIP(r), r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrNotFound):
				writeErr(w, http.StatusNotFound, "AGENT_NOT_FOUND", "Agent not found")
			case errors.Is(err, proxy.ErrDuplicateRequest):
				writeErr(w, http.StatusConflict, "DUPLICATE_REQUEST", "Duplicate request in progress")
			default:
				writeErr(w, http.StatusInternalServerError, "INTERNAL", "Execution failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, decision)
	}
}
