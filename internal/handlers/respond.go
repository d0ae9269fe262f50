// Package handlers implements the management REST surface. Routes are
// mounted by internal/api; every handler below the auth middleware can
// assume a resolved sponsor on the request context.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func decode(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// sponsor pulls the authenticated sponsor. Absence means the route was
// mounted outside the auth middleware.
func sponsor(w http.ResponseWriter, r *http.Request) (*core.Sponsor, bool) {
	s, ok := middleware.SponsorFrom(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
	}
	return s, ok
}

// pathID parses the named UUID path variable.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
