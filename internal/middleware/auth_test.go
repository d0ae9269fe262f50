package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/identity"
)

type stubAuth struct {
	keys map[string]*core.Sponsor
	err  error
}

func (s *stubAuth) Authenticate(_ context.Context, rawKey string) (*core.Sponsor, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sponsor, ok := s.keys[rawKey]; ok {
		return sponsor, nil
	}
	return nil, identity.ErrBadCredentials
}

func TestAuthRejectsMissingKey(t *testing.T) {
	h := APIKeyAuth(&stubAuth{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"code":"UNAUTHORIZED","message":"Invalid or missing API key"}`, rec.Body.String())
}

func TestAuthInjectsSponsorIntoContext(t *testing.T) {
	sponsor := &core.Sponsor{ID: uuid.New(), Email: "ops@example.com", Role: "sponsor"}
	auth := &stubAuth{keys: map[string]*core.Sponsor{"aegis_good": sponsor}}

	var got *core.Sponsor
	h := APIKeyAuth(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = SponsorFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "aegis_good")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, sponsor.ID, got.ID)
	assert.Equal(t, "ops@example.com", got.Email)
}

func TestAuthAcceptsBearerFallback(t *testing.T) {
	sponsor := &core.Sponsor{ID: uuid.New()}
	auth := &stubAuth{keys: map[string]*core.Sponsor{"aegis_good": sponsor}}

	called := false
	h := APIKeyAuth(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer aegis_good")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}

func TestAuthBackendOutageIsNot401(t *testing.T) {
	auth := &stubAuth{err: errors.New("pg down")}
	h := APIKeyAuth(auth)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("X-API-Key", "aegis_good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "AUTH_UNAVAILABLE")
}
