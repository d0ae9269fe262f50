package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/trust"
)

// ownedAgent resolves {id} to an agent the caller sponsors. Unknown and
// cross-tenant IDs both come back 404.
func ownedAgent(w http.ResponseWriter, r *http.Request, agents *identity.Service) (*core.Agent, *core.Sponsor, bool) {
	sp, ok := sponsor(w, r)
	if !ok {
		return nil, nil, false
	}
	agentID, ok := pathID(w, r, "id")
	if !ok {
		return nil, nil, false
	}
	agent, err := agents.GetForSponsor(r.Context(), agentID, sp.ID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "AGENT_NOT_FOUND", "Agent not found")
			return nil, nil, false
		}
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not load agent")
		return nil, nil, false
	}
	return agent, sp, true
}

// HandleRegisterAgent creates an agent with its wallet and behavior
// profile in one shot.
// POST /api/v1/agents
func HandleRegisterAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		var spec identity.RegisterSpec
		if err := decode(r, &spec); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		agent, err := agents.Register(r.Context(), sp.ID, spec)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, agent)
	}
}

// HandleListAgents lists the caller's fleet.
// GET /api/v1/agents?limit=&offset=
func HandleListAgents(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sp, ok := sponsor(w, r)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		list, err := agents.List(r.Context(), sp.ID, limit, offset)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list agents")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agents": list,
			"total":  len(list),
		})
	}
}

// HandleGetAgent returns one agent.
// GET /api/v1/agents/{id}
func HandleGetAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

// HandleAgentTrust reports the trust score and the autonomy tier it
// currently buys.
// GET /api/v1/agents/{id}/trust
func HandleAgentTrust(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"agent_id":    agent.ID,
			"trust_score": agent.TrustScore,
			"autonomy":    trust.AutonomyFor(agent.TrustScore),
		})
	}
}

// HandleSuspendAgent pauses an agent. Suspended agents fail the proxy
// preflight until reactivated.
// POST /api/v1/agents/{id}/suspend
func HandleSuspendAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := agents.Suspend(r.Context(), agent.ID, sp.ID); err != nil {
			writeAgentStatusErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
	}
}

// HandleActivateAgent resumes a suspended agent. Agents in panic must
// go through clear-panic instead.
// POST /api/v1/agents/{id}/activate
func HandleActivateAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := agents.Activate(r.Context(), agent.ID, sp.ID); err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeErr(w, http.StatusConflict, "NOT_SUSPENDED", "Agent is not suspended")
				return
			}
			writeAgentStatusErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

// HandleClearPanic lifts a circuit breaker panic after human review.
// The wallet stays frozen; unfreezing is a separate decision.
// POST /api/v1/agents/{id}/clear-panic
func HandleClearPanic(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := agents.ClearPanic(r.Context(), agent.ID, sp.ID); err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeErr(w, http.StatusConflict, "NOT_PANICKED", "Agent is not in panic")
				return
			}
			writeAgentStatusErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

// HandleRevokeAgent permanently retires an agent.
// DELETE /api/v1/agents/{id}
func HandleRevokeAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		if err := agents.Revoke(r.Context(), agent.ID, sp.ID); err != nil {
			writeAgentStatusErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

func writeAgentStatusErr(w http.ResponseWriter, err error) {
	if errors.Is(err, identity.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "AGENT_NOT_FOUND", "Agent not found")
		return
	}
	writeErr(w, http.StatusInternalServerError, "INTERNAL", "Status change failed")
}

// ============================================================================
// Permissions
// ============================================================================

// HandleGrantPermission grants or replaces the agent's permission for
// one upstream service and drops the permission cache entry.
// POST /api/v1/agents/{id}/permissions
func HandleGrantPermission(agents *identity.Service, perms *identity.Permissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		var spec identity.GrantSpec
		if err := decode(r, &spec); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		perm, err := perms.Grant(r.Context(), agent.ID, spec)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, perm)
	}
}

// HandleListPermissions lists the agent's grants.
// GET /api/v1/agents/{id}/permissions
func HandleListPermissions(agents *identity.Service, perms *identity.Permissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		list, err := perms.List(r.Context(), agent.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list permissions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"permissions": list,
			"total":       len(list),
		})
	}
}

// HandleRevokePermission deactivates the grant for one service.
// DELETE /api/v1/agents/{id}/permissions/{service}
func HandleRevokePermission(agents *identity.Service, perms *identity.Permissions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		service := mux.Vars(r)["service"]
		if err := perms.Revoke(r.Context(), agent.ID, service); err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeErr(w, http.StatusNotFound, "PERMISSION_NOT_FOUND", "No active permission for "+service)
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not revoke permission")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

// ============================================================================
// Vault secrets
// ============================================================================

// HandleUpsertSecret stores the real credential the proxy will inject
// for this agent's calls. Vault entries are sponsor-scoped per service;
// the agent in the path anchors the ownership check.
// POST /api/v1/agents/{id}/secrets
func HandleUpsertSecret(agents *identity.Service, vault *jit.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		var req struct {
			ServiceName           string          `json:"service_name"`
			Secret                string          `json:"secret"`
			SecretType            core.SecretType `json:"secret_type"`
			RotationIntervalHours int             `json:"rotation_interval_hours"`
		}
		if err := decode(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		secret, err := vault.Upsert(r.Context(), sp.ID, req.ServiceName, req.Secret,
			req.SecretType, req.RotationIntervalHours)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, secret)
	}
}

// HandleListSecrets lists vault entries (metadata only, never values).
// GET /api/v1/agents/{id}/secrets
func HandleListSecrets(agents *identity.Service, vault *jit.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		secrets, err := vault.List(r.Context(), sp.ID)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not list secrets")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"secrets": secrets,
			"total":   len(secrets),
		})
	}
}

// HandleDeleteSecret removes the vault entry for one service.
// DELETE /api/v1/agents/{id}/secrets/{service}
func HandleDeleteSecret(agents *identity.Service, vault *jit.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, sp, ok := ownedAgent(w, r, agents)
		if !ok {
			return
		}
		service := mux.Vars(r)["service"]
		if err := vault.Delete(r.Context(), sp.ID, service); err != nil {
			if errors.Is(err, jit.ErrSecretNotFound) {
				writeErr(w, http.StatusNotFound, "SECRET_NOT_FOUND", "No secret stored for "+service)
				return
			}
			writeErr(w, http.StatusInternalServerError, "INTERNAL", "Could not delete secret")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}
