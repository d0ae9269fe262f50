package handlers

import (
	"errors"
	"net/http"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/metrics"
)

// HandleHITLPending lists requests awaiting a decision.
// GET /api/v1/hitl/pending
func HandleHITLPending(gateway *hitl.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		reqs, err := gateway.ListPending(r.Context(), sp.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list requests")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"requests": reqs,
			"total":    len(reqs),
		})
	}
}

// HandleHITLGet returns one approval request.
// GET /api/v1/hitl/{id}
func HandleHITLGet(gateway *hitl.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		req, err := gateway.Get(r.Context(), sp.ID, id)
		if err != nil {
			if errors.Is(err, hitl.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "HITL_NOT_FOUND", "Approval request not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not load request")
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// HandleHITLDecide records an approve or deny. Deciding an
// already-decided request returns it unchanged.
// POST /api/v1/hitl/{id}/decide
func HandleHITLDecide(gateway *hitl.Gateway, bridge *events.Bridge, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		var body struct {
			Approve   bool   `json:"approve"`
			DecidedBy string `json:"decided_by"`
			Note      string `json:"note"`
		}
		if err := decode(r, &body); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}
		if body.DecidedBy == "" {
			body.DecidedBy = sp.Email
		}

		req, err := gateway.Decide(r.Context(), sp.ID, id, body.Approve, body.DecidedBy, body.Note)
		if err != nil {
			if errors.Is(err, hitl.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "HITL_NOT_FOUND", "Approval request not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not record decision")
			return
		}
		if req.Status != core.HITLPending {
			if m != nil {
				m.HITLRequests.WithLabelValues(string(req.Status)).Inc()
			}
			if bridge != nil {
				bridge.HITLDecided(r.Context(), req)
			}
		}
		writeJSON(w, http.StatusOK, req)
	}
}
