// Package api mounts the management surface: the execution proxy
// endpoint plus the REST routes sponsors use to run their fleet. Auth,
// rate limiting and instrumentation wrap everything below /api/v1;
// the probes and the event feed stay outside the authenticated tree.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/forensic"
	"github.com/aegisproxy/backend/internal/handlers"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/infra"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/metrics"
	"github.com/aegisproxy/backend/internal/middleware"
	"github.com/aegisproxy/backend/internal/policy"
	"github.com/aegisproxy/backend/internal/proxy"
	"github.com/aegisproxy/backend/internal/rotation"
	"github.com/aegisproxy/backend/internal/snapshot"
	"github.com/aegisproxy/backend/internal/wallet"
	"github.com/aegisproxy/backend/internal/webhooks"
)

// Version is reported by /health and stamped on outgoing responses.
const Version = "1.4.0"

// Deps bundles every service the route table serves. Metrics, Limiter
// and Bus may be nil, which drops the corresponding layer; the rest
// are required.
type Deps struct {
	DB          *sql.DB
	Store       infra.RedisStore
	OPA         *policy.Client
	Metrics     *metrics.Metrics
	Bus         *events.Bus
	Bridge      *events.Bridge
	Trail       *audit.Service
	Sponsors    *identity.Sponsors
	Agents      *identity.Service
	Permissions *identity.Permissions
	Wallets     *wallet.Service
	Pipeline    *proxy.Pipeline
	HITL        *hitl.Gateway
	Exporter    *forensic.Exporter
	Webhooks    *webhooks.Registry
	Snapshots   *snapshot.Service
	Vault       *jit.Vault
	Rotator     *rotation.Service
	Limiter     *middleware.RateLimiter
}

// APIServer exposes the proxy and the sponsor console over REST/JSON.
type APIServer struct {
	cfg    *config.Config
	deps   Deps
	logger *log.Logger
	srv    *http.Server
}

func NewAPIServer(cfg *config.Config, deps Deps) *APIServer {
	return &APIServer{
		cfg:    cfg,
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Handler wraps the route table with the layers that must run on
// every request, matched or not: preflights need CORS headers and 404s
// still get a request ID.
func (s *APIServer) Handler() http.Handler {
	h := http.Handler(s.Router())
	h = s.cors()(h)
	h = middleware.SecurityHeaders(h)
	h = middleware.RequestID(h)
	return h
}

// Router builds the route table. Exported so tests can drive the
// server through httptest without binding a port.
func (s *APIServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.BodyLimit)
	if s.deps.Metrics != nil {
		r.Use(middleware.Instrument(s.deps.Metrics))
	}
	if s.deps.Limiter != nil {
		r.Use(s.deps.Limiter.Middleware)
	}

	// Probes and the live feed sit outside authentication. The feed
	// checks its own origin allowlist on upgrade.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleDocs).Methods(http.MethodGet)
	if s.deps.Bus != nil {
		r.Handle("/ws", events.NewFeed(s.deps.Bus, s.cfg.Server.Env, s.cfg.Server.CORSOrigins))
	}
	r.HandleFunc("/api/v1/auth/register",
		handlers.HandleRegisterSponsor(s.deps.Sponsors)).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.APIKeyAuth(s.deps.Sponsors))

	v1.HandleFunc("/proxy/execute",
		handlers.HandleExecute(s.deps.Pipeline)).Methods(http.MethodPost)

	v1.HandleFunc("/agents",
		handlers.HandleRegisterAgent(s.deps.Agents)).Methods(http.MethodPost)
	v1.HandleFunc("/agents",
		handlers.HandleListAgents(s.deps.Agents)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}",
		handlers.HandleGetAgent(s.deps.Agents)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}",
		handlers.HandleRevokeAgent(s.deps.Agents)).Methods(http.MethodDelete)
	v1.HandleFunc("/agents/{id}/trust",
		handlers.HandleAgentTrust(s.deps.Agents)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/suspend",
		handlers.HandleSuspendAgent(s.deps.Agents)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/activate",
		handlers.HandleActivateAgent(s.deps.Agents)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/clear-panic",
		handlers.HandleClearPanic(s.deps.Agents)).Methods(http.MethodPost)

	v1.HandleFunc("/agents/{id}/permissions",
		handlers.HandleGrantPermission(s.deps.Agents, s.deps.Permissions)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/permissions",
		handlers.HandleListPermissions(s.deps.Agents, s.deps.Permissions)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/permissions/{service}",
		handlers.HandleRevokePermission(s.deps.Agents, s.deps.Permissions)).Methods(http.MethodDelete)

	v1.HandleFunc("/agents/{id}/secrets",
		handlers.HandleUpsertSecret(s.deps.Agents, s.deps.Vault)).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/secrets",
		handlers.HandleListSecrets(s.deps.Agents, s.deps.Vault)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/secrets/{service}",
		handlers.HandleDeleteSecret(s.deps.Agents, s.deps.Vault)).Methods(http.MethodDelete)

	v1.HandleFunc("/agents/{id}/snapshots",
		handlers.HandleListSnapshots(s.deps.Agents, s.deps.Snapshots)).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/snapshots/{snapshot_id}/rollback",
		handlers.HandleRollback(s.deps.Agents, s.deps.Snapshots)).Methods(http.MethodPost)

	v1.HandleFunc("/wallets/{id}",
		handlers.HandleGetWallet(s.deps.Agents, s.deps.Wallets)).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{id}/topup",
		handlers.HandleTopUp(s.deps.Agents, s.deps.Wallets)).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{id}/configure",
		handlers.HandleConfigureWallet(s.deps.Agents, s.deps.Wallets)).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{id}/freeze",
		handlers.HandleFreezeWallet(s.deps.Agents, s.deps.Wallets, s.deps.Bridge)).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{id}/unfreeze",
		handlers.HandleUnfreezeWallet(s.deps.Agents, s.deps.Wallets)).Methods(http.MethodPost)
	v1.HandleFunc("/wallets/{id}/transactions",
		handlers.HandleListTransactions(s.deps.Agents, s.deps.Wallets)).Methods(http.MethodGet)

	v1.HandleFunc("/hitl/pending",
		handlers.HandleHITLPending(s.deps.HITL)).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/{id}",
		handlers.HandleHITLGet(s.deps.HITL)).Methods(http.MethodGet)
	v1.HandleFunc("/hitl/{id}/decide",
		handlers.HandleHITLDecide(s.deps.HITL, s.deps.Bridge, s.deps.Metrics)).Methods(http.MethodPost)

	v1.HandleFunc("/audit/logs",
		handlers.HandleAuditLogs(s.deps.Trail)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/verify",
		handlers.HandleVerifyChain(s.deps.Trail)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/export",
		handlers.HandleAuditExport(s.deps.Trail)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/forensic/export",
		handlers.HandleForensicExport(s.deps.Exporter)).Methods(http.MethodPost)
	v1.HandleFunc("/audit/forensic/verify",
		handlers.HandleDeepVerify(s.deps.Exporter)).Methods(http.MethodGet)
	v1.HandleFunc("/audit/forensic/report",
		handlers.HandleForensicReport(s.deps.Exporter)).Methods(http.MethodGet)

	v1.HandleFunc("/webhooks",
		handlers.HandleCreateWebhook(s.deps.Webhooks)).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks",
		handlers.HandleListWebhooks(s.deps.Webhooks)).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/{id}",
		handlers.HandleDeleteWebhook(s.deps.Webhooks)).Methods(http.MethodDelete)

	v1.HandleFunc("/auth/keys",
		handlers.HandleCreateKey(s.deps.Sponsors)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/keys",
		handlers.HandleListKeys(s.deps.Sponsors)).Methods(http.MethodGet)
	v1.HandleFunc("/auth/keys/{id}",
		handlers.HandleRevokeKey(s.deps.Sponsors)).Methods(http.MethodDelete)

	v1.HandleFunc("/admin/rotation/status",
		handlers.HandleRotationStatus(s.deps.Rotator)).Methods(http.MethodGet)
	v1.HandleFunc("/admin/rotation/force",
		handlers.HandleForceRotation(s.deps.Rotator)).Methods(http.MethodPost)

	return r
}

// Start binds the listener and serves until Shutdown.
func (s *APIServer) Start() error {
	addr := ":" + s.cfg.Server.Port
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Printf("🚀 AEGIS gateway %s listening on %s (%s)", Version, addr, s.cfg.Server.Env)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// cors mirrors the configured origins. Development allows everything
// so local consoles work without ceremony.
func (s *APIServer) cors() mux.MiddlewareFunc {
	allowAll := s.cfg.Server.Env == "development" || s.cfg.Server.CORSOrigins == "*"
	origins := map[string]bool{}
	for _, o := range strings.Split(s.cfg.Server.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origins[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, X-API-Key, Authorization, X-Request-ID, X-Idempotency-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleHealth reports per-dependency state. Postgres down means the
// proxy cannot decide anything, so that alone flips the status to 503;
// Redis and OPA outages degrade (the pipeline fails closed) but the
// process keeps serving.
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	overall := "ok"
	code := http.StatusOK
	checks := map[string]string{}

	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			checks["postgres"] = fmt.Sprintf("down: %v", err)
			overall = "down"
			code = http.StatusServiceUnavailable
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["redis"] = fmt.Sprintf("down: %v", err)
			if overall == "ok" {
				overall = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}
	if s.deps.OPA != nil {
		if err := s.deps.OPA.Health(ctx); err != nil {
			checks["opa"] = fmt.Sprintf("down: %v", err)
			if overall == "ok" {
				overall = "degraded"
			}
		} else {
			checks["opa"] = "ok"
		}
	}

	body := map[string]interface{}{
		"status":  overall,
		"version": Version,
		"env":     s.cfg.Server.Env,
		"checks":  checks,
	}
	if s.deps.Trail != nil {
		if depth, err := s.deps.Trail.BufferDepth(ctx); err == nil {
			body["audit_buffer_depth"] = depth
		}
	}
	if s.deps.Bus != nil {
		body["ws_subscribers"] = s.deps.Bus.SubscriberCount()
	}

	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleDocs is a machine-readable route index for tooling and the
// console's command palette.
func (s *APIServer) handleDocs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "AEGIS Execution Proxy",
		"version": Version,
		"endpoints": []string{
			"POST /api/v1/auth/register",
			"POST /api/v1/proxy/execute",
			"GET  /api/v1/agents",
			"POST /api/v1/agents",
			"GET  /api/v1/agents/{id}",
			"GET  /api/v1/hitl/pending",
			"POST /api/v1/hitl/{id}/decide",
			"GET  /api/v1/audit/logs",
			"GET  /api/v1/audit/verify",
			"GET  /health",
			"GET  /metrics",
			"GET  /ws",
		},
	})
}
