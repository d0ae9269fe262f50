// Package sdk is the Go client for the AEGIS execution proxy.
//
// Agents never call upstream services directly. Every tool call goes
// through the gateway, which authenticates the agent, checks its
// permissions and wallet, screens the payload, and only then executes
// and audits the call.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://aegis.yourcompany.com",
//	    APIKey:  os.Getenv("AEGIS_API_KEY"),
//	})
//
//	decision, err := client.Execute(ctx, sdk.ExecuteRequest{
//	    AgentID:          agentID,
//	    ServiceName:      "openai",
//	    Action:           "completion",
//	    URL:              "https://api.openai.com/v1/chat/completions",
//	    Method:           "POST",
//	    EstimatedCostUSD: decimal.NewFromFloat(0.02),
//	})
//	if err != nil {
//	    // transport or gateway failure, not a refusal
//	}
//	if decision.Status == sdk.StatusExecuted {
//	    // decision.ResponseBody carries the upstream reply
//	}
//
// Two integration patterns:
//
//  1. Direct: wrap each tool call in client.Execute.
//  2. Transparent: WrapHTTPClient returns an *http.Client whose every
//     request is routed through the gateway, so existing HTTP code
//     needs no changes.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the gateway endpoint (required).
	// Examples: "https://aegis.yourcompany.com", "http://localhost:8000"
	BaseURL string

	// APIKey authenticates the sponsor account (required). Sent as
	// X-API-Key on every request.
	APIKey string

	// Timeout covers one full round trip through the pipeline,
	// upstream call included (default 30s).
	Timeout time.Duration

	// OnBlocked is called whenever a decision comes back denied for
	// any reason other than pending human approval.
	OnBlocked func(*Decision)

	// OnHITL is called when an execution is parked for human approval.
	OnHITL func(*Decision)

	// HTTPClient overrides the default client. Timeout is ignored
	// when set.
	HTTPClient *http.Client
}

// Client talks to the AEGIS gateway. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Execute sends one tool call through the gateway pipeline. This is
// the primary integration point. A refusal is not an error: err is
// nil and the decision comes back blocked, with ErrorCode saying why.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Decision, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/proxy/execute", req)
	if err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}

	var d Decision
	if err := c.send(httpReq, &d); err != nil {
		return nil, err
	}

	switch {
	case d.RequiresApproval():
		if c.cfg.OnHITL != nil {
			c.cfg.OnHITL(&d)
		}
	case d.Blocked():
		if c.cfg.OnBlocked != nil {
			c.cfg.OnBlocked(&d)
		}
	}
	return &d, nil
}

// Wallet returns the agent's spending account.
func (c *Client) Wallet(ctx context.Context, agentID uuid.UUID) (*Wallet, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/wallets/"+agentID.String(), nil)
	if err != nil {
		return nil, err
	}
	var w Wallet
	if err := c.send(req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// TopUp credits the agent's wallet and returns the updated balance.
func (c *Client) TopUp(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) (*Wallet, error) {
	body := map[string]decimal.Decimal{"amount_usd": amount}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/wallets/"+agentID.String()+"/topup", body)
	if err != nil {
		return nil, err
	}
	var w Wallet
	if err := c.send(req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Transactions lists the agent's most recent wallet movements.
func (c *Client) Transactions(ctx context.Context, agentID uuid.UUID, limit int) ([]Transaction, error) {
	path := fmt.Sprintf("/api/v1/wallets/%s/transactions?limit=%d", agentID, limit)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// PendingApprovals lists the sponsor's open human approval requests.
func (c *Client) PendingApprovals(ctx context.Context) ([]HITLRequest, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/hitl/pending", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Requests []HITLRequest `json:"requests"`
	}
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// Decide resolves a pending approval. The gateway credits the decider
// as the sponsor's email unless decidedBy is set on the server side.
func (c *Client) Decide(ctx context.Context, requestID uuid.UUID, approve bool, note string) (*HITLRequest, error) {
	body := map[string]interface{}{"approve": approve, "note": note}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/hitl/"+requestID.String()+"/decide", body)
	if err != nil {
		return nil, err
	}
	var out HITLRequest
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrustScore returns the agent's current score and autonomy tier.
func (c *Client) TrustScore(ctx context.Context, agentID uuid.UUID) (*TrustReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/agents/"+agentID.String()+"/trust", nil)
	if err != nil {
		return nil, err
	}
	var out TrustReport
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, in interface{}) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("aegis: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("aegis: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	return req, nil
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aegis: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("aegis: read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = "UNKNOWN"
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("aegis: decode response: %w", err)
	}
	return nil
}
