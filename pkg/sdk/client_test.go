package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// EXECUTE
// ============================================================

func TestExecuteSendsAuthAndIdempotencyHeaders(t *testing.T) {
	agentID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/proxy/execute", r.URL.Path)
		assert.Equal(t, "aegis_test_key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "retry-7", r.Header.Get("X-Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"request_id":"req-1","status":"executed",
			"response_code":200,"response_body":{"ok":true},
			"cost_charged_usd":"0.02","policy_result":{"allowed":true},
			"message":"OK","duration_ms":41}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "aegis_test_key"})
	d, err := client.Execute(context.Background(), ExecuteRequest{
		AgentID:        agentID,
		ServiceName:    "openai",
		URL:            "https://api.openai.com/v1/chat/completions",
		Method:         "POST",
		IdempotencyKey: "retry-7",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, d.Status)
	assert.Equal(t, "req-1", d.RequestID)
	assert.Equal(t, "0.02", d.CostChargedUSD.String())
	assert.Equal(t, 200, d.ResponseCode)
	assert.JSONEq(t, `{"ok":true}`, string(d.ResponseBody))
}

func TestExecuteFiresOnBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"request_id":"req-2","status":"blocked",
			"message":"model not allowed","cost_charged_usd":"0",
			"policy_result":{"error_code":"POLICY_DENIED","allowed":false,
			"deny_reasons":["model not allowed"]}}`)
	}))
	defer srv.Close()

	var blocked, hitl *Decision
	client := NewClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "k",
		OnBlocked: func(d *Decision) { blocked = d },
		OnHITL:    func(d *Decision) { hitl = d },
	})

	d, err := client.Execute(context.Background(), ExecuteRequest{AgentID: uuid.New()})
	require.NoError(t, err, "a refusal is a decision, not a transport error")
	assert.True(t, d.Blocked())
	require.NotNil(t, blocked)
	assert.Equal(t, CodePolicyDenied, blocked.ErrorCode())
	assert.Nil(t, hitl)
}

func TestExecuteFiresOnHITLNotOnBlocked(t *testing.T) {
	reqID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"request_id":"req-3","status":"hitl_pending",
			"message":"HITL: `+reqID.String()+`","cost_charged_usd":"0"}`)
	}))
	defer srv.Close()

	var blocked, hitl *Decision
	client := NewClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "k",
		OnBlocked: func(d *Decision) { blocked = d },
		OnHITL:    func(d *Decision) { hitl = d },
	})

	d, err := client.Execute(context.Background(), ExecuteRequest{AgentID: uuid.New()})
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval())
	require.NotNil(t, hitl)
	assert.Equal(t, reqID, hitl.HITLRequestID())
	assert.Nil(t, blocked)
}

// ============================================================
// ERROR ENVELOPE
// ============================================================

func TestGatewayErrorBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code":"WALLET_NOT_FOUND","message":"No wallet found"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := client.Wallet(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "WALLET_NOT_FOUND", apiErr.Code)
	assert.Equal(t, "No wallet found", apiErr.Message)
}

func TestNonJSONErrorStillSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream proxy melted")
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := client.PendingApprovals(context.Background())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "UNKNOWN", apiErr.Code)
	assert.Equal(t, "upstream proxy melted", apiErr.Message)
}

// ============================================================
// MANAGEMENT CALLS
// ============================================================

func TestDecidePostsApproval(t *testing.T) {
	reqID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/hitl/"+reqID.String()+"/decide", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"approve":true,"note":"looks fine"}`, string(body))
		io.WriteString(w, `{"id":"`+reqID.String()+`","status":"approved",
			"decided_by":"ops@example.com","estimated_cost_usd":"25"}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	req, err := client.Decide(context.Background(), reqID, true, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, HITLApproved, req.Status)
	assert.Equal(t, "ops@example.com", req.DecidedBy)
}

func TestTrustScoreDecodesAutonomy(t *testing.T) {
	agentID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/"+agentID.String()+"/trust", r.URL.Path)
		io.WriteString(w, `{"agent_id":"`+agentID.String()+`","trust_score":82,
			"autonomy":{"level":"high","spending_multiplier":2,"hitl_bypass":true,
			"max_cost_without_hitl":10}}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	report, err := client.TrustScore(context.Background(), agentID)
	require.NoError(t, err)
	assert.Equal(t, 82.0, report.TrustScore)
	assert.Equal(t, "high", report.Autonomy.Level)
	assert.True(t, report.Autonomy.HITLBypass)
}

// ============================================================
// TRANSPARENT TRANSPORT
// ============================================================

func TestWrappedClientSynthesizesRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"request_id":"req-9","status":"blocked",
			"message":"balance exhausted","cost_charged_usd":"0",
			"policy_result":{"error_code":"WALLET_INSUFFICIENT_FUNDS"}}`)
	}))
	defer srv.Close()

	governed := WrapHTTPClient(NewClient(Config{BaseURL: srv.URL, APIKey: "k"}), uuid.New(), nil)
	// The target URL is never dialed; the gateway decides first.
	resp, err := governed.Get("https://api.stripe.com/v1/charges")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "WALLET_INSUFFICIENT_FUNDS", resp.Header.Get("X-Aegis-Code"))
	assert.Equal(t, "req-9", resp.Header.Get("X-Aegis-Decision"))
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "balance exhausted")
}

func TestWrappedClientReplaysUpstreamReply(t *testing.T) {
	var got ExecuteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		io.WriteString(w, `{"request_id":"req-10","status":"executed",
			"response_code":201,"response_body":"created",
			"cost_charged_usd":"0.10","message":"OK"}`)
	}))
	defer srv.Close()

	agentID := uuid.New()
	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k"})
	governed := &http.Client{Transport: &Transport{
		Client:  client,
		AgentID: agentID,
		CostFor: func(*http.Request) decimal.Decimal { return decimal.NewFromFloat(0.10) },
	}}

	resp, err := governed.Get("https://api.example.com/widgets")
	require.NoError(t, err)
	defer resp.Body.Close()

	// A JSON-string body unwraps back to the upstream's plain text.
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "created", string(body))

	assert.Equal(t, agentID, got.AgentID)
	assert.Equal(t, "api.example.com", got.ServiceName)
	assert.Equal(t, "get", got.Action)
	assert.Equal(t, "https://api.example.com/widgets", got.URL)
	assert.Equal(t, "0.1", got.EstimatedCostUSD.String())
}

func TestWrappedClientKeepsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"request_id":"req-11","status":"executed",
			"response_code":200,"response_body":{"id":9,"state":"created"},
			"cost_charged_usd":"0","message":"OK"}`)
	}))
	defer srv.Close()

	governed := WrapHTTPClient(NewClient(Config{BaseURL: srv.URL, APIKey: "k"}), uuid.New(), nil)
	resp, err := governed.Get("https://api.example.com/widgets/9")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"id":9,"state":"created"}`, string(body))
}
