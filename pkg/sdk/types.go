package sdk

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Error codes carried in blocked decisions. Stable API surface; a held
// call is the hitl_pending status, not a code.
const (
	CodeSSRFBlocked       = "SSRF_BLOCKED"
	CodeAgentSuspended    = "AGENT_SUSPENDED"
	CodeAgentPanic        = "AGENT_PANIC"
	CodePromptInjection   = "PROMPT_INJECTION"
	CodeAnomalyDetected   = "ANOMALY_DETECTED"
	CodeNoPermission      = "NO_PERMISSION"
	CodeInsufficientFunds = "WALLET_INSUFFICIENT_FUNDS"
	CodeCircuitBreaker    = "CIRCUIT_BREAKER"
	CodePolicyDenied      = "POLICY_DENIED"
)

// ExecuteRequest is one tool call for the gateway to vet and run.
type ExecuteRequest struct {
	// AgentID is the registered identity making the call (required).
	AgentID uuid.UUID `json:"agent_id"`

	// ServiceName is the upstream the call targets, e.g. "openai",
	// "stripe" (required). Permissions and secrets are keyed on it.
	ServiceName string `json:"service_name"`

	// Action is what the call does, e.g. "completion", "charge".
	Action string `json:"action"`

	// URL is the full upstream endpoint (required).
	URL string `json:"url"`

	// Method defaults to GET.
	Method string `json:"method,omitempty"`

	// Headers are forwarded upstream after firewall screening.
	Headers map[string]string `json:"headers,omitempty"`

	// Body is the upstream request payload.
	Body json.RawMessage `json:"body,omitempty"`

	// Prompt and Model describe LLM calls, for injection screening
	// and audit.
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model,omitempty"`

	// EstimatedCostUSD is what the call is expected to cost. The
	// wallet reserves it before execution.
	EstimatedCostUSD decimal.Decimal `json:"estimated_cost_usd"`

	// MaxRecords caps how many records a data action may touch.
	MaxRecords int `json:"max_records,omitempty"`

	// IdempotencyKey deduplicates retries. It travels in the
	// X-Idempotency-Key header, not the body.
	IdempotencyKey string `json:"-"`
}

// DecisionStatus is the outcome class of one proxied execution.
type DecisionStatus string

const (
	StatusExecuted    DecisionStatus = "executed"
	StatusBlocked     DecisionStatus = "blocked"
	StatusHITLPending DecisionStatus = "hitl_pending"
)

// PolicyResult is the policy block attached to a decision. ErrorCode
// names the guard that refused; the verdict fields are present when
// the policy engine was consulted before the outcome.
type PolicyResult struct {
	ErrorCode    string          `json:"error_code,omitempty"`
	Allowed      *bool           `json:"allowed,omitempty"`
	RequiresHITL *bool           `json:"requires_hitl,omitempty"`
	DenyReasons  []string        `json:"deny_reasons,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Decision is the gateway's verdict on one execution. A blocked call
// is still HTTP 200 on the wire; Status plus PolicyResult.ErrorCode
// carry the refusal. ResponseBody holds the upstream reply, either
// JSON as-is or non-JSON text as a JSON string.
type Decision struct {
	RequestID      string          `json:"request_id"`
	Status         DecisionStatus  `json:"status"`
	ResponseCode   int             `json:"response_code,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CostChargedUSD decimal.Decimal `json:"cost_charged_usd"`
	PolicyResult   *PolicyResult   `json:"policy_result,omitempty"`
	Message        string          `json:"message"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
}

// Blocked reports whether the gateway refused the call.
func (d *Decision) Blocked() bool { return d.Status == StatusBlocked }

// RequiresApproval reports whether the call is parked for a human
// decision. Poll PendingApprovals or subscribe to the event feed to
// learn the outcome.
func (d *Decision) RequiresApproval() bool { return d.Status == StatusHITLPending }

// ErrorCode returns the refusal code on a blocked decision, "" otherwise.
func (d *Decision) ErrorCode() string {
	if d.PolicyResult == nil {
		return ""
	}
	return d.PolicyResult.ErrorCode
}

// HITLRequestID extracts the approval request ID from a held decision.
// uuid.Nil when the decision is not hitl_pending.
func (d *Decision) HITLRequestID() uuid.UUID {
	if d.Status != StatusHITLPending {
		return uuid.Nil
	}
	id, err := uuid.Parse(strings.TrimPrefix(d.Message, "HITL: "))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// Wallet is an agent's spending account as the gateway sees it.
type Wallet struct {
	ID                uuid.UUID       `json:"id"`
	AgentID           uuid.UUID       `json:"agent_id"`
	BalanceUSD        decimal.Decimal `json:"balance_usd"`
	DailyLimitUSD     decimal.Decimal `json:"daily_limit_usd"`
	MonthlyLimitUSD   decimal.Decimal `json:"monthly_limit_usd"`
	SpentTodayUSD     decimal.Decimal `json:"spent_today_usd"`
	SpentThisMonthUSD decimal.Decimal `json:"spent_this_month_usd"`
	IsFrozen          bool            `json:"is_frozen"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Transaction is one wallet movement. Negative amounts are debits.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	WalletID    uuid.UUID       `json:"wallet_id"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	Description string          `json:"description"`
	ServiceName string          `json:"service_name"`
	ActionType  string          `json:"action_type"`
	Timestamp   time.Time       `json:"timestamp"`
}

// HITLStatus tracks a human approval request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
	HITLExpired  HITLStatus = "expired"
)

// HITLRequest is a pending (or decided) human approval.
type HITLRequest struct {
	ID                uuid.UUID       `json:"id"`
	AgentID           uuid.UUID       `json:"agent_id"`
	SponsorID         uuid.UUID       `json:"sponsor_id"`
	ActionDescription string          `json:"action_description"`
	ActionPayload     json.RawMessage `json:"action_payload,omitempty"`
	EstimatedCostUSD  decimal.Decimal `json:"estimated_cost_usd"`
	Status            HITLStatus      `json:"status"`
	DecidedBy         string          `json:"decided_by,omitempty"`
	DecisionNote      string          `json:"decision_note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// Autonomy is what a trust score buys an agent.
type Autonomy struct {
	Level              string  `json:"level"`
	SpendingMultiplier float64 `json:"spending_multiplier"`
	HITLBypass         bool    `json:"hitl_bypass"`
	MaxCostWithoutHITL float64 `json:"max_cost_without_hitl"`
}

// TrustReport is an agent's current score and the autonomy it earns.
type TrustReport struct {
	AgentID    uuid.UUID `json:"agent_id"`
	TrustScore float64   `json:"trust_score"`
	Autonomy   Autonomy  `json:"autonomy"`
}

// APIError is a non-2xx gateway response, decoded from the standard
// error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aegis: %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}
