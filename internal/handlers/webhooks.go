package handlers

import (
	"errors"
	"net/http"

	"github.com/aegisproxy/backend/internal/webhooks"
)

// HandleCreateWebhook registers a delivery endpoint for the sponsor's
// events.
// POST /api/v1/webhooks
func HandleCreateWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		var req struct {
			URL        string   `json:"url"`
			Secret     string   `json:"secret"`
			EventTypes []string `json:"event_types"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		sub, err := registry.Create(r.Context(), sp.ID, req.URL, req.Secret, req.EventTypes)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

// HandleListWebhooks returns the sponsor's subscriptions, secrets
// omitted.
// GET /api/v1/webhooks
func HandleListWebhooks(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		subs, err := registry.List(r.Context(), sp.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list webhooks")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"webhooks": subs,
			"total":    len(subs),
		})
	}
}

// HandleDeleteWebhook removes a subscription.
// DELETE /api/v1/webhooks/{id}
func HandleDeleteWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		if err := registry.Delete(r.Context(), sp.ID, id); err != nil {
			if errors.Is(err, webhooks.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "WEBHOOK_NOT_FOUND", "Webhook not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not delete webhook")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
