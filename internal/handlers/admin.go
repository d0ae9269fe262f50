package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/rotation"
)

// requireAdmin gates the operator-only routes.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	sp, ok := sponsor(w, r)
	if !ok {
		return false
	}
	if sp.Role != "admin" {
		writeErr(w, http.StatusForbidden, "FORBIDDEN", "Admin role required")
		return false
	}
	return true
}

// HandleRotationStatus reports the rotation schedule across the whole
// vault.
// GET /api/v1/admin/rotation/status
func HandleRotationStatus(rotator *rotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		statuses, err := rotator.Status(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not load rotation status")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"secrets": statuses,
			"total":   len(statuses),
		})
	}
}

// HandleForceRotation rotates one vault entry now, schedule or not.
// POST /api/v1/admin/rotation/force
func HandleForceRotation(rotator *rotation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		var req struct {
			SecretID uuid.UUID `json:"secret_id"`
		}
		if err := decode(r, &req); err != nil || req.SecretID == uuid.Nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "secret_id is required")
			return
		}

		result, err := rotator.ForceRotate(r.Context(), req.SecretID)
		if err != nil {
			if errors.Is(err, jit.ErrSecretNotFound) {
				writeErr(w, http.StatusNotFound, "SECRET_NOT_FOUND", "Secret not found")
				return
			}
			writeErr(w, http.StatusBadRequest, "ROTATION_FAILED", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
