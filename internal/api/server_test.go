package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/infra"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/snapshot"
	"github.com/aegisproxy/backend/internal/wallet"
	"github.com/aegisproxy/backend/internal/webhooks"
)

// downStore simulates a Redis outage for the health probe.
type downStore struct {
	*infra.MemoryStore
}

func (d *downStore) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func newTestServer(t *testing.T, db *sql.DB, store infra.RedisStore) *APIServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Port = "0"
	cfg.Server.Env = "development"

	return NewAPIServer(cfg, Deps{
		DB:          db,
		Store:       store,
		Bus:         events.NewBus(),
		Sponsors:    identity.NewSponsors(db),
		Agents:      identity.NewService(db),
		Permissions: identity.NewPermissions(db, nil),
		Wallets:     wallet.NewService(db),
		HITL:        hitl.NewGateway(db, nil),
		Webhooks:    webhooks.NewRegistry(db),
		Snapshots:   snapshot.NewService(db),
		Vault:       jit.NewVault(db, make([]byte, 32)),
	})
}

// ============================================================
// HEALTH
// ============================================================

func TestHealthDegradesOnRedisOutage(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	srv := newTestServer(t, db, &downStore{infra.NewMemoryStore()})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, Version, body.Version)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Contains(t, body.Checks["redis"], "down")
}

func TestHealthWholeStackUp(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	srv := newTestServer(t, db, infra.NewMemoryStore())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status        string `json:"status"`
		WSSubscribers *int   `json:"ws_subscribers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.WSSubscribers)
	assert.Equal(t, 0, *body.WSSubscribers)
}

// ============================================================
// ROUTE GUARDS
// ============================================================

func TestManagementRoutesRequireAPIKey(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, infra.NewMemoryStore())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"code":"UNAUTHORIZED","message":"Invalid or missing API key"}`, rec.Body.String())
}

func TestRegisterStaysPublic(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Reaching the INSERT proves the route skipped auth. A bad body
	// never touches the database, so an expectation failure here would
	// mean the middleware swallowed the request instead.
	mock.ExpectQuery(`INSERT INTO sponsors`).
		WithArgs("new@example.com", "sponsor").
		WillReturnError(errors.New("boom"))

	srv := newTestServer(t, db, infra.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register",
		strings.NewReader(`{"email":"new@example.com"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// CROSS-CUTTING LAYERS
// ============================================================

func TestPreflightShortCircuitsBeforeAuth(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, infra.NewMemoryStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/agents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestUnknownRouteStillGetsRequestID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	srv := newTestServer(t, db, infra.NewMemoryStore())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
