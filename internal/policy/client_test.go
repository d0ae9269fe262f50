package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opaStub(t *testing.T, result string, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/data/aegis/main", r.URL.Path)
		if capture != nil {
			var envelope struct {
				Input map[string]any `json:"input"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
			*capture = envelope.Input
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": ` + result + `}`))
	}))
}

// ============================================================
// Verdict decoding
// ============================================================

func TestEvaluateAllowed(t *testing.T) {
	srv := opaStub(t, `{"allowed": true, "requires_hitl": false}`, nil)
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.True(t, v.Allowed)
	assert.False(t, v.RequiresHITL)
	assert.Empty(t, v.DenyReasons)
}

func TestEvaluateDeniedWithReasons(t *testing.T) {
	srv := opaStub(t, `{"allowed": false, "deny_reasons": ["outside time window"]}`, nil)
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"outside time window"}, v.DenyReasons)
}

func TestEvaluateHITLEscalation(t *testing.T) {
	srv := opaStub(t, `{"allowed": true, "requires_hitl": true}`, nil)
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.True(t, v.Allowed)
	assert.True(t, v.RequiresHITL)
}

func TestMissingAllowedFieldDenies(t *testing.T) {
	srv := opaStub(t, `{"requires_hitl": false}`, nil)
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"Denied by policy"}, v.DenyReasons)
}

func TestNullResultDenies(t *testing.T) {
	srv := opaStub(t, `null`, nil)
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	require.Len(t, v.DenyReasons, 1)
	assert.Contains(t, v.DenyReasons[0], "Policy engine error")
}

// ============================================================
// Fail closed
// ============================================================

func TestUnreachableOPADenies(t *testing.T) {
	v := NewClient("http://127.0.0.1:1", &http.Client{Timeout: 200 * time.Millisecond}).
		Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	require.Len(t, v.DenyReasons, 1)
	assert.Contains(t, v.DenyReasons[0], "Policy engine error")
}

func TestNon200Denies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.DenyReasons[0], "HTTP 500")
}

func TestGarbageBodyDenies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	v := NewClient(srv.URL, srv.Client()).Evaluate(context.Background(), Input{})
	assert.False(t, v.Allowed)
	assert.Contains(t, v.DenyReasons[0], "Policy engine error")
}

// ============================================================
// Input document
// ============================================================

func TestBuildInputFillsClockAndMoney(t *testing.T) {
	var seen map[string]any
	srv := opaStub(t, `{"allowed": true}`, &seen)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client()).WithClock(func() time.Time {
		return time.Date(2026, 8, 25, 14, 42, 0, 0, time.UTC) // a Tuesday
	})

	agentID := uuid.New()
	input := c.BuildInput(agentID, "llm_assistant", 72.5, "openai", "api_call",
		[]string{"api_call", "read"}, "09:00", "18:00", 100, 50,
		7, decimal.NewFromFloat(4.25), decimal.NewFromFloat(0.10), false)
	c.Evaluate(context.Background(), input)

	assert.Equal(t, agentID.String(), seen["agent_id"])
	assert.Equal(t, "llm_assistant", seen["agent_type"])
	assert.Equal(t, float64(14), seen["current_hour"])
	assert.Equal(t, float64(42), seen["current_minute"])
	assert.Equal(t, "tuesday", seen["day_of_week"])
	assert.Equal(t, "09:00", seen["time_window_start"])
	assert.Equal(t, float64(7), seen["current_hour_requests"])
	assert.Equal(t, 4.25, seen["wallet_balance"])
	assert.Equal(t, 0.1, seen["estimated_cost"])
	assert.Equal(t, false, seen["requires_hitl"])
}
