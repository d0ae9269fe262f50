// Package policy evaluates execution requests against an OPA sidecar.
// The client fails closed: if OPA is unreachable, slow, or returns
// something unparseable, the request is denied.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const evalTimeout = 5 * time.Second

// Input is the document OPA evaluates. Field names are part of the
// Rego contract; renaming one silently breaks every deployed policy.
type Input struct {
	AgentID             uuid.UUID `json:"agent_id"`
	AgentType           string    `json:"agent_type"`
	ServiceName         string    `json:"service_name"`
	Action              string    `json:"action"`
	TrustScore          float64   `json:"trust_score"`
	CurrentHour         int       `json:"current_hour"`
	CurrentMinute       int       `json:"current_minute"`
	DayOfWeek           string    `json:"day_of_week"` // lowercase, e.g. "tuesday"
	TimeWindowStart     string    `json:"time_window_start"`
	TimeWindowEnd       string    `json:"time_window_end"`
	AllowedActions      []string  `json:"allowed_actions"`
	MaxRequestsPerHour  int       `json:"max_requests_per_hour"`
	CurrentHourRequests int64     `json:"current_hour_requests"`
	MaxRecords          int       `json:"max_records_per_request"`
	WalletBalance       float64   `json:"wallet_balance"`
	EstimatedCost       float64   `json:"estimated_cost"`
	RequiresHITL        bool      `json:"requires_hitl"`
}

// Verdict is OPA's answer, with absent fields read as deny.
type Verdict struct {
	Allowed      bool            `json:"allowed"`
	RequiresHITL bool            `json:"requires_hitl"`
	DenyReasons  []string        `json:"deny_reasons"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Client talks to one OPA data endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
	now     func() time.Time
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: evalTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  log.New(log.Writer(), "[Policy] ", log.LstdFlags),
		now:     time.Now,
	}
}

// WithClock overrides the clock used to fill time fields. Test hook.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// BuildInput assembles the OPA document from the loaded entities.
func (c *Client) BuildInput(agentID uuid.UUID, agentType string, trust float64, serviceName, action string,
	allowedActions []string, windowStart, windowEnd string, maxPerHour, maxRecords int,
	hourCount int64, balance, estimatedCost decimal.Decimal, requiresHITL bool) Input {

	now := c.now().UTC()
	bal, _ := balance.Float64()
	cost, _ := estimatedCost.Float64()
	if allowedActions == nil {
		allowedActions = []string{}
	}
	return Input{
		AgentID:             agentID,
		AgentType:           agentType,
		ServiceName:         serviceName,
		Action:              action,
		TrustScore:          trust,
		CurrentHour:         now.Hour(),
		CurrentMinute:       now.Minute(),
		DayOfWeek:           strings.ToLower(now.Weekday().String()),
		TimeWindowStart:     windowStart,
		TimeWindowEnd:       windowEnd,
		AllowedActions:      allowedActions,
		MaxRequestsPerHour:  maxPerHour,
		CurrentHourRequests: hourCount,
		MaxRecords:          maxRecords,
		WalletBalance:       bal,
		EstimatedCost:       cost,
		RequiresHITL:        requiresHITL,
	}
}

// Evaluate posts the input to /v1/data/aegis/main and decodes the
// result. Every failure mode comes back as a denial, never an error:
// the pipeline treats policy outages exactly like policy denials.
func (c *Client) Evaluate(ctx context.Context, input Input) Verdict {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return failClosed(err)
	}

	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/data/aegis/main", bytes.NewReader(body))
	if err != nil {
		return failClosed(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("❌ OPA unreachable: %v", err)
		return failClosed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("OPA returned HTTP %d", resp.StatusCode)
		c.logger.Printf("❌ %v", err)
		return failClosed(err)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return failClosed(fmt.Errorf("decode OPA response: %w", err))
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		// No aegis/main document loaded. Deny rather than guess.
		return failClosed(fmt.Errorf("no policy document at aegis/main"))
	}

	var result struct {
		Allowed      *bool    `json:"allowed"`
		RequiresHITL bool     `json:"requires_hitl"`
		DenyReasons  []string `json:"deny_reasons"`
	}
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return failClosed(fmt.Errorf("decode policy result: %w", err))
	}

	v := Verdict{
		RequiresHITL: result.RequiresHITL,
		DenyReasons:  result.DenyReasons,
		Raw:          envelope.Result,
	}
	if v.DenyReasons == nil {
		v.DenyReasons = []string{}
	}
	if result.Allowed != nil {
		v.Allowed = *result.Allowed
	}
	if !v.Allowed && len(v.DenyReasons) == 0 {
		v.DenyReasons = []string{"Denied by policy"}
	}
	return v
}

// Health probes OPA's health endpoint. Used by the readiness check,
// not the decision path.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OPA health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func failClosed(err error) Verdict {
	return Verdict{
		Allowed:     false,
		DenyReasons: []string{fmt.Sprintf("Policy engine error: %v", err)},
	}
}
