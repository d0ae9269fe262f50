package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgentStatus is the lifecycle state of a non-human identity.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentRevoked   AgentStatus = "revoked"
	AgentPanic     AgentStatus = "panic" // circuit breaker tripped
)

// ActionType classifies what an execution did, for audit and billing.
type ActionType string

const (
	ActionAPICall      ActionType = "api_call"
	ActionDataRead     ActionType = "data_read"
	ActionDataWrite    ActionType = "data_write"
	ActionDataDelete   ActionType = "data_delete"
	ActionTransaction  ActionType = "transaction"
	ActionLLMInference ActionType = "llm_inference"
)

// HITLStatus tracks a human approval request.
type HITLStatus string

const (
	HITLPending  HITLStatus = "pending"
	HITLApproved HITLStatus = "approved"
	HITLRejected HITLStatus = "rejected"
	HITLExpired  HITLStatus = "expired"
)

// SecretType describes what kind of credential a vault entry holds.
type SecretType string

const (
	SecretAPIKey      SecretType = "api_key"
	SecretOAuthToken  SecretType = "oauth_token"
	SecretCertificate SecretType = "certificate"
)

// Error codes carried in blocked decisions. Stable API surface; a held
// request is the hitl_pending status, not a code.
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

// Agent is a registered non-human identity acting on behalf of a sponsor.
type Agent struct {
	ID                  uuid.UUID              `json:"id"`
	SponsorID           uuid.UUID              `json:"sponsor_id"`
	Name                string                 `json:"name"`
	Description         string                 `json:"description,omitempty"`
	AgentType           string                 `json:"agent_type"` // e.g. "llm_assistant", "etl_worker"
	Status              AgentStatus            `json:"status"`
	TrustScore          float64                `json:"trust_score"` // 0-100
	IdentityFingerprint string                 `json:"identity_fingerprint"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Sponsor is the human (or org) accountable for a set of agents.
type Sponsor struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"` // admin, sponsor, viewer
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates a sponsor on the management surface. Only the
// sha256 digest is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	SponsorID  uuid.UUID  `json:"sponsor_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Permission grants an agent access to one upstream service.
type Permission struct {
	ID                   uuid.UUID `json:"id"`
	AgentID              uuid.UUID `json:"agent_id"`
	ServiceName          string    `json:"service_name"`
	AllowedActions       []string  `json:"allowed_actions"`
	MaxRequestsPerHour   int       `json:"max_requests_per_hour"`
	TimeWindowStart      string    `json:"time_window_start"` // "HH:MM"
	TimeWindowEnd        string    `json:"time_window_end"`
	MaxRecordsPerRequest int       `json:"max_records_per_request"`
	RequiresHITL         bool      `json:"requires_hitl"`
	CustomPolicy         string    `json:"custom_policy,omitempty"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
}

// Wallet is an agent's spending account. Amounts are USD with 6
// decimal places of precision.
type Wallet struct {
	ID                uuid.UUID       `json:"id"`
	AgentID           uuid.UUID       `json:"agent_id"`
	BalanceUSD        decimal.Decimal `json:"balance_usd"`
	DailyLimitUSD     decimal.Decimal `json:"daily_limit_usd"`
	MonthlyLimitUSD   decimal.Decimal `json:"monthly_limit_usd"`
	SpentTodayUSD     decimal.Decimal `json:"spent_today_usd"`
	SpentThisMonthUSD decimal.Decimal `json:"spent_this_month_usd"`
	LastResetDaily    time.Time       `json:"last_reset_daily"`
	LastResetMonthly  time.Time       `json:"last_reset_monthly"`
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
	ActionType  ActionType      `json:"action_type"`
	Timestamp   time.Time       `json:"timestamp"`
}

// VaultSecret is an encrypted upstream credential owned by a sponsor.
// The plaintext only ever exists in memory during JIT minting.
type VaultSecret struct {
	ID                    uuid.UUID  `json:"id"`
	SponsorID             uuid.UUID  `json:"sponsor_id"`
	ServiceName           string     `json:"service_name"`
	EncryptedSecret       string     `json:"-"`
	SecretType            SecretType `json:"secret_type"`
	RotationIntervalHours int        `json:"rotation_interval_hours"` // 0 disables rotation
	LastRotatedAt         *time.Time `json:"last_rotated_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// AuditEntry is one link of the hash chain. Rows are append-only;
// only tsa_token and exported_at may be updated after insert.
type AuditEntry struct {
	ID                int64           `json:"id"`
	LogHash           string          `json:"log_hash"`
	PreviousHash      string          `json:"previous_hash"`
	AgentID           uuid.UUID       `json:"agent_id"`
	SponsorID         uuid.UUID       `json:"sponsor_id"`
	ActionType        ActionType      `json:"action_type"`
	ServiceName       string          `json:"service_name"`
	PromptSnippet     string          `json:"prompt_snippet,omitempty"` // first 500 chars
	ModelUsed         string          `json:"model_used,omitempty"`
	PermissionGranted bool            `json:"permission_granted"`
	PolicyEvaluation  json.RawMessage `json:"policy_evaluation,omitempty"`
	CostUSD           decimal.Decimal `json:"cost_usd"`
	ResponseCode      int             `json:"response_code"`
	IPAddress         string          `json:"ip_address,omitempty"`
	DurationMs        int             `json:"duration_ms"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	TSAToken          []byte          `json:"-"`
	ExportedAt        *time.Time      `json:"exported_at,omitempty"`
}

// HITLRequest is a pending human approval for a high-stakes action.
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

// BehaviorProfile is the learned baseline used by anomaly detection.
type BehaviorProfile struct {
	ID                 uuid.UUID      `json:"id"`
	AgentID            uuid.UUID      `json:"agent_id"`
	TypicalServices    []string       `json:"typical_services"`
	TypicalHours       map[string]int `json:"typical_hours"` // UTC hour -> observation count
	AvgRequestsPerHour float64        `json:"avg_requests_per_hour"`
	AvgCostPerAction   float64        `json:"avg_cost_per_action"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// StateSnapshot captures enough of a mutating call to reverse it.
type StateSnapshot struct {
	ID                   uuid.UUID       `json:"id"`
	AgentID              uuid.UUID       `json:"agent_id"`
	AuditLogID           int64           `json:"audit_log_id"`
	SnapshotData         json.RawMessage `json:"snapshot_data"`
	RollbackInstructions json.RawMessage `json:"rollback_instructions"`
	IsRolledBack         bool            `json:"is_rolled_back"`
	CreatedAt            time.Time       `json:"created_at"`
	RolledBackAt         *time.Time      `json:"rolled_back_at,omitempty"`
}

// ExecuteRequest is the payload for POST /api/v1/proxy/execute.
type ExecuteRequest struct {
	AgentID          uuid.UUID         `json:"agent_id"`
	ServiceName      string            `json:"service_name"`
	Action           string            `json:"action"`
	URL              string            `json:"url"`
	Method           string            `json:"method"` // defaults to GET
	Headers          map[string]string `json:"headers,omitempty"`
	Body             json.RawMessage   `json:"body,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	Model            string            `json:"model,omitempty"`
	EstimatedCostUSD decimal.Decimal   `json:"estimated_cost_usd"`
	MaxRecords       int               `json:"max_records,omitempty"`
}

// UpstreamResponse is what came back from the proxied service.
type UpstreamResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"` // truncated to 5000 chars
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
// the policy engine was actually consulted.
type PolicyResult struct {
	ErrorCode    string          `json:"error_code,omitempty"`
	Allowed      *bool           `json:"allowed,omitempty"`
	RequiresHITL *bool           `json:"requires_hitl,omitempty"`
	DenyReasons  []string        `json:"deny_reasons,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Decision is the proxy's verdict on one execution. A blocked request
// is still HTTP 200; Status plus PolicyResult.ErrorCode carry the
// refusal. A held request travels as hitl_pending with the approval
// request ID in Message.
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

// RequiresApproval reports whether the call is parked for a human.
func (d *Decision) RequiresApproval() bool { return d.Status == StatusHITLPending }

// ErrorCode returns the refusal code on a blocked decision, "" otherwise.
func (d *Decision) ErrorCode() string {
	if d.PolicyResult == nil {
		return ""
	}
	return d.PolicyResult.ErrorCode
}

// HITLRequestID extracts the approval request ID from a held decision's
// message. uuid.Nil when the decision is not hitl_pending.
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

// ActionTypeFor picks the audit classification for an execution.
// Anything that named a model is inference, the rest are plain calls.
func ActionTypeFor(model string) ActionType {
	if model != "" {
		return ActionLLMInference
	}
	return ActionAPICall
}
