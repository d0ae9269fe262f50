package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/snapshot"
)

// HandleListSnapshots returns pre-execution snapshots for one agent,
// newest first.
// GET /api/v1/agents/{id}/snapshots?limit=
func HandleListSnapshots(agents *identity.Service, snapshots *snapshot.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		snaps, err := snapshots.List(r.Context(), agent.ID, limit)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list snapshots")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"snapshots": snaps,
			"total":     len(snaps),
		})
	}
}

// HandleRollback marks a snapshot spent and returns the undo plan.
// Replay of the plan against the upstream service is the caller's job.
// POST /api/v1/agents/{id}/snapshots/{snapshot_id}/rollback
func HandleRollback(agents *identity.Service, snapshots *snapshot.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		snapshotID, ok := pathID(w, r, "snapshot_id")
		if !ok {
			return
		}

		plan, err := snapshots.Rollback(r.Context(), agent.ID, snapshotID)
		if err != nil {
			switch {
			case errors.Is(err, snapshot.ErrNotFound):
				writeErr(w, http.StatusNotFound, "SNAPSHOT_NOT_FOUND", "Snapshot not found")
			case errors.Is(err, snapshot.ErrAlreadyRolledBack):
				writeErr(w, http.StatusConflict, "ALREADY_ROLLED_BACK", "Snapshot was already rolled back")
			default:
				writeErr(w, http.StatusInternalServerError, "INTERNAL", "Rollback failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}
