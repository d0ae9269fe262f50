package handlers

import (
	"errors"
	"net/http"

	"github.com/aegisproxy/backend/internal/identity"
)

// HandleRegisterSponsor bootstraps an account: a sponsor row plus its
// first API key. The plaintext key appears only in this response.
// POST /api/v1/auth/register
func HandleRegisterSponsor(sponsors *identity.Sponsors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email   string `json:"email"`
			Role    string `json:"role"`
			KeyName string `json:"key_name"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		sp, err := sponsors.CreateSponsor(r.Context(), req.Email, req.Role)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		if req.KeyName == "" {
			req.KeyName = "default"
		}
		key, plaintext, err := sponsors.CreateAPIKey(r.Context(), sp.ID, req.KeyName)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not issue API key")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"sponsor": sp,
			"key_id":  key.ID,
			"api_key": plaintext,
		})
	}
}

// HandleCreateKey mints an additional API key for the caller.
// POST /api/v1/auth/keys
func HandleCreateKey(sponsors *identity.Sponsors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		var req struct {
			Name string `json:"name"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		key, plaintext, err := sponsors.CreateAPIKey(r.Context(), sp.ID, req.Name)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not issue API key")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"key":     key,
			"api_key": plaintext,
		})
	}
}

// HandleListKeys lists the caller's keys. Digests stay server-side.
// GET /api/v1/auth/keys
func HandleListKeys(sponsors *identity.Sponsors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		keys, err := sponsors.ListAPIKeys(r.Context(), sp.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list keys")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"keys":  keys,
			"total": len(keys),
		})
	}
}

// HandleRevokeKey deactivates one of the caller's keys.
// DELETE /api/v1/auth/keys/{id}
func HandleRevokeKey(sponsors *identity.Sponsors) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		keyID, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := sponsors.RevokeAPIKey(r.Context(), sp.ID, keyID); err != nil {
			if errors.Is(err, identity.ErrBadCredentials) {
				writeErr(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not revoke key")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}
