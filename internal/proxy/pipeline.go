// Package proxy is the execution pipeline. Every agent action enters
// through Execute, walks the guard chain in a fixed order and leaves
// as a Decision that has already been audited, charged and counted.
// Refusals are not errors: a blocked call is a normal outcome with a
// stable code, and only infrastructure faults surface as Go errors.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegisproxy/backend/internal/anomaly"
	"github.com/aegisproxy/backend/internal/audit"
	"github.com/aegisproxy/backend/internal/circuitbreaker"
	"github.com/aegisproxy/backend/internal/core"
	"github.com/aegisproxy/backend/internal/counters"
	"github.com/aegisproxy/backend/internal/events"
	"github.com/aegisproxy/backend/internal/firewall"
	"github.com/aegisproxy/backend/internal/hitl"
	"github.com/aegisproxy/backend/internal/idempotency"
	"github.com/aegisproxy/backend/internal/identity"
	"github.com/aegisproxy/backend/internal/jit"
	"github.com/aegisproxy/backend/internal/metrics"
	"github.com/aegisproxy/backend/internal/permcache"
	"github.com/aegisproxy/backend/internal/policy"
	"github.com/aegisproxy/backend/internal/snapshot"
	"github.com/aegisproxy/backend/internal/ssrf"
	"github.com/aegisproxy/backend/internal/trust"
	"github.com/aegisproxy/backend/internal/wallet"
)

// ErrDuplicateRequest reports an idempotency key whose first execution
// is still in flight. The HTTP layer maps it to 409.
var ErrDuplicateRequest = errors.New("duplicate request in progress")

// Deps wires the pipeline to every enforcement service. All fields are
// required unless noted.
type Deps struct {
	Agents    *identity.Service
	Perms     *identity.Permissions
	PermCache *permcache.Cache
	Wallets   *wallet.Service
	Breaker   *circuitbreaker.Breaker
	Policy    *policy.Client
	HITL      *hitl.Gateway
	Vault     *jit.Vault
	Broker    *jit.Broker
	Guard     *ssrf.Guard
	Detector  *anomaly.Detector
	Trust     *trust.Engine
	Audit     *audit.Service
	Snapshots *snapshot.Service
	Idem      *idempotency.Manager
	Counters  *counters.Hourly
	Upstream  Caller
	Metrics   *metrics.Metrics
	Bridge    *events.Bridge
}

// Pipeline runs proxied executions.
type Pipeline struct {
	Deps
	logger *log.Logger
	now    func() time.Time
}

func NewPipeline(deps Deps) *Pipeline {
	return &Pipeline{
		Deps:   deps,
		logger: log.New(log.Writer(), "[Proxy] ", log.LstdFlags),
		now:    time.Now,
	}
}

// WithClock pins the pipeline clock, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// requestCtx carries the per-request constants every stage needs.
type requestCtx struct {
	requestID  string
	sponsorID  uuid.UUID
	req        *core.ExecuteRequest
	actionType core.ActionType
	ip         string
}

// refusal describes one blocked outcome for the refuse helper. verdict
// is only set when the policy engine ran before the block.
type refusal struct {
	code    string
	reason  string
	meta    map[string]interface{}
	prompt  string
	verdict *policy.Verdict
	cost    decimal.Decimal
}

// Execute runs the full guard chain for one agent action. sponsorID is
// the authenticated caller, clientIP goes into the audit trail and
// idemKey may be empty. identity.ErrNotFound means the agent does not
// exist for this sponsor; ErrDuplicateRequest means another request
// holds the idempotency lock.
func (p *Pipeline) Execute(ctx context.Context, sponsorID uuid.UUID, req *core.ExecuteRequest, clientIP, idemKey string) (*core.Decision, error) {
	started := p.now()
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	rc := &requestCtx{
		requestID:  uuid.NewString(),
		sponsorID:  sponsorID,
		req:        req,
		actionType: core.ActionTypeFor(req.Model),
		ip:         clientIP,
	}

	// Idempotency: replay a finished response, or take the lock.
	if idemKey != "" {
		var cached core.Decision
		hit, err := p.Idem.Check(ctx, idemKey, &cached)
		if err != nil {
			p.logger.Printf("⚠️ Idempotency check failed: %v", err)
		} else if hit {
			return &cached, nil
		}
		token, err := p.Idem.Lock(ctx, idemKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lock: %w", err)
		}
		if token == "" {
			return nil, ErrDuplicateRequest
		}
		// The lock must release even when the request context died.
		defer func() {
			if err := p.Idem.Unlock(context.WithoutCancel(ctx), idemKey, token); err != nil {
				p.logger.Printf("⚠️ Idempotency unlock failed: %v", err)
			}
		}()
	}

	// SSRF. The resolved addresses pin the outbound dial later so a
	// DNS flip cannot reroute the call.
	urlOK, ssrfReason, pins := p.Guard.ValidateURL(ctx, req.URL)
	if !urlOK {
		return p.refuse(ctx, rc, refusal{
			code:   core.CodeSSRFBlocked,
			reason: "URL blocked: " + ssrfReason,
			meta:   map[string]interface{}{"ssrf": ssrfReason},
		}), nil
	}

	// Identity, scoped to the calling sponsor.
	agent, err := p.Agents.GetForSponsor(ctx, req.AgentID, sponsorID)
	if err != nil {
		return nil, err
	}
	if agent.Status != core.AgentActive {
		code := core.CodeAgentSuspended
		if agent.Status == core.AgentPanic {
			code = core.CodeAgentPanic
		}
		return p.refuse(ctx, rc, refusal{
			code:   code,
			reason: fmt.Sprintf("Agent is %s", agent.Status),
			meta:   map[string]interface{}{"reason": "agent_" + string(agent.Status)},
		}), nil
	}

	// Prompt firewall.
	if req.Prompt != "" {
		fw := firewall.Analyze(req.Prompt)
		if !fw.Safe {
			p.penalize(ctx, agent.ID, p.Trust.PenalizeInjection)
			return p.refuse(ctx, rc, refusal{
				code:   core.CodePromptInjection,
				reason: "Injection: " + strings.Join(fw.Threats, ", "),
				meta:   map[string]interface{}{"threats": fw.Threats, "risk_score": fw.RiskScore},
				prompt: req.Prompt,
			}), nil
		}
	}

	// Anomaly detector. Detection is a heuristic layered on top of the
	// hard guards, so an unreachable profile store degrades to a pass.
	anom, err := p.Detector.Detect(ctx, agent.ID, req.ServiceName)
	if err != nil {
		p.logger.Printf("⚠️ Anomaly detection unavailable: %v", err)
	} else if anom.Anomalous {
		p.penalize(ctx, agent.ID, p.Trust.PenalizeAnomaly)
		p.Bridge.AnomalyDetected(ctx, agent.ID, sponsorID, req.ServiceName, anom.RiskScore, anom.Factors)
		return p.refuse(ctx, rc, refusal{
			code:   core.CodeAnomalyDetected,
			reason: "Anomaly: " + strings.Join(anom.Factors, ", "),
			meta:   map[string]interface{}{"anomaly": anom.Factors, "risk_score": anom.RiskScore},
		}), nil
	}

	// Permission, cache first.
	perm, err := p.permission(ctx, agent.ID, req.ServiceName)
	if err != nil {
		return nil, err
	}
	if perm == nil {
		return p.refuse(ctx, rc, refusal{
			code:   core.CodeNoPermission,
			reason: "No permission: " + req.ServiceName,
			meta:   map[string]interface{}{"reason": "no_permission"},
		}), nil
	}

	// Wallet preflight.
	okSpend, spendReason, err := p.Wallets.CanSpend(ctx, agent.ID, req.EstimatedCostUSD)
	if err != nil {
		return nil, err
	}
	if !okSpend {
		return p.refuse(ctx, rc, refusal{
			code:   core.CodeInsufficientFunds,
			reason: spendReason,
			meta:   map[string]interface{}{"wallet": spendReason},
			cost:   req.EstimatedCostUSD,
		}), nil
	}

	// Circuit breaker. Trip events reach the sponsor through the
	// breaker's own listener, not from here.
	verdict, err := p.Breaker.CheckAndTrip(ctx, agent.ID, req.EstimatedCostUSD)
	if err != nil {
		return nil, err
	}
	if verdict.Tripped {
		p.penalize(ctx, agent.ID, p.Trust.PenalizeCircuitBreak)
		return p.refuse(ctx, rc, refusal{
			code:   core.CodeCircuitBreaker,
			reason: "Agent in PANIC mode",
			meta:   map[string]interface{}{"reason": "circuit_breaker", "trip_reason": verdict.Reason},
		}), nil
	}

	// Policy engine, fail-closed.
	hourCount, err := p.Counters.Count(ctx, agent.ID, req.ServiceName)
	if err != nil {
		p.logger.Printf("⚠️ Hourly counter read failed: %v", err)
	}
	w, err := p.Wallets.Get(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	balance := decimal.Zero
	if w != nil {
		balance = w.BalanceUSD
	}
	input := p.Policy.BuildInput(agent.ID, agent.AgentType, agent.TrustScore,
		req.ServiceName, req.Action, perm.AllowedActions,
		perm.TimeWindowStart, perm.TimeWindowEnd,
		perm.MaxRequestsPerHour, perm.MaxRecordsPerRequest,
		hourCount, balance, req.EstimatedCostUSD, perm.RequiresHITL)
	pv := p.Policy.Evaluate(ctx, input)
	policyJSON, _ := json.Marshal(pv)

	if !pv.Allowed && !pv.RequiresHITL {
		p.penalize(ctx, agent.ID, p.Trust.PenalizeViolation)
		return p.refuse(ctx, rc, refusal{
			code:    core.CodePolicyDenied,
			reason:  strings.Join(pv.DenyReasons, "; "),
			verdict: &pv,
		}), nil
	}

	// HITL branch. The trust ladder can lift the requirement for
	// high-trust agents and impose it above their autonomous budget.
	autonomy := trust.AutonomyFor(agent.TrustScore)
	needsApproval := pv.RequiresHITL || perm.RequiresHITL ||
		req.EstimatedCostUSD.GreaterThan(decimal.NewFromFloat(autonomy.MaxCostWithoutHITL))
	if needsApproval && !autonomy.HITLBypass {
		payload, _ := json.Marshal(map[string]string{"url": req.URL, "method": req.Method})
		hreq, err := p.HITL.Create(ctx, agent.ID, sponsorID,
			fmt.Sprintf("%s -> %s", req.Action, req.ServiceName), payload, req.EstimatedCostUSD)
		if err != nil {
			return nil, err
		}
		p.Metrics.ProxyExecutions.WithLabelValues(string(core.StatusHITLPending)).Inc()
		p.Metrics.HITLRequests.WithLabelValues("created").Inc()
		decision := &core.Decision{
			RequestID: rc.requestID,
			Status:    core.StatusHITLPending,
			Message:   "HITL: " + hreq.ID.String(),
		}
		p.storeIdem(ctx, idemKey, decision)
		return decision, nil
	}

	// JIT credential. Absence of a vault entry is not a failure; the
	// call simply goes out with the caller's own headers.
	var bearer, mintedToken string
	secret, err := p.Vault.Get(ctx, sponsorID, req.ServiceName)
	switch {
	case errors.Is(err, jit.ErrSecretNotFound):
	case err != nil:
		return nil, err
	default:
		token, err := p.Broker.Mint(ctx, agent.ID, req.ServiceName, secret.EncryptedSecret, 0)
		if err != nil {
			return nil, err
		}
		mintedToken = token
		grant, err := p.Broker.Resolve(ctx, agent.ID, token)
		if err != nil {
			p.logger.Printf("⚠️ Token resolve failed: %v", err)
		} else if grant != nil {
			bearer = grant.RealSecret
		}
	}

	// Outbound call. Transport failures become synthetic gateway
	// responses so the execution is still charged and audited.
	upstreamStart := p.now()
	resp, upErr := p.Upstream.Do(ctx, req, pins, bearer)
	p.Metrics.ProxyDuration.Observe(p.now().Sub(upstreamStart).Seconds())
	if upErr != nil {
		status := http.StatusBadGateway
		kind := "upstream unreachable"
		if isTimeout(upErr) {
			status = http.StatusGatewayTimeout
			kind = "upstream timeout"
		}
		p.logger.Printf("❌ Upstream call failed (%d): %v", status, upErr)
		body, _ := json.Marshal(map[string]string{"error": kind})
		resp = &core.UpstreamResponse{StatusCode: status, Body: string(body)}
	}

	// Tokens are single-use.
	if mintedToken != "" {
		if err := p.Broker.Revoke(ctx, agent.ID, mintedToken); err != nil {
			p.logger.Printf("⚠️ Token revoke failed: %v", err)
		}
	}

	// Settlement. A refused charge is logged, not re-raised; the agent
	// already consumed the upstream call.
	cost := decimal.Zero
	if req.EstimatedCostUSD.IsPositive() {
		charged, chargeReason, _, err := p.Wallets.ReserveAndCharge(ctx, agent.ID, req.EstimatedCostUSD,
			fmt.Sprintf("%s@%s", req.Action, req.ServiceName), req.ServiceName, rc.actionType)
		switch {
		case err != nil:
			p.logger.Printf("⚠️ Settlement failed for %s: %v", agent.ID, err)
		case !charged:
			p.logger.Printf("⚠️ Settlement refused for %s: %s", agent.ID, chargeReason)
		default:
			cost = req.EstimatedCostUSD
			if err := p.Breaker.RecordSpend(ctx, agent.ID, cost); err != nil {
				p.logger.Printf("⚠️ Spend window update failed: %v", err)
			}
			costF, _ := cost.Float64()
			p.Metrics.ProxyCostUSD.Add(costF)
		}
	}

	// Behavior baseline.
	estF, _ := req.EstimatedCostUSD.Float64()
	if err := p.Detector.RecordAction(ctx, agent.ID, req.ServiceName, req.Action, estF); err != nil {
		p.logger.Printf("⚠️ Behavior record failed: %v", err)
	}

	// Trust reward on upstream success.
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		if _, err := p.Trust.RewardSuccess(ctx, agent.ID); err != nil {
			p.logger.Printf("⚠️ Trust reward failed: %v", err)
		}
	}

	if _, err := p.Counters.Increment(ctx, agent.ID, req.ServiceName); err != nil {
		p.logger.Printf("⚠️ Hourly counter increment failed: %v", err)
	}

	durationMs := p.now().Sub(started).Milliseconds()

	meta, _ := json.Marshal(map[string]interface{}{"request_id": rc.requestID})
	p.Audit.Log(ctx, core.AuditEntry{
		AgentID:           agent.ID,
		SponsorID:         sponsorID,
		ActionType:        rc.actionType,
		ServiceName:       req.ServiceName,
		PromptSnippet:     req.Prompt,
		ModelUsed:         req.Model,
		PermissionGranted: true,
		PolicyEvaluation:  policyJSON,
		CostUSD:           cost,
		ResponseCode:      resp.StatusCode,
		IPAddress:         clientIP,
		DurationMs:        int(durationMs),
		Metadata:          meta,
	})

	if mutating(req.Method) {
		p.saveSnapshot(ctx, agent.ID, req, resp.StatusCode)
	}

	p.Metrics.ProxyExecutions.WithLabelValues(string(core.StatusExecuted)).Inc()
	decision := &core.Decision{
		RequestID:      rc.requestID,
		Status:         core.StatusExecuted,
		ResponseCode:   resp.StatusCode,
		ResponseBody:   responseBody(resp.Body),
		CostChargedUSD: cost,
		PolicyResult:   policyResult("", &pv),
		Message:        "OK",
		DurationMs:     durationMs,
	}
	p.storeIdem(ctx, idemKey, decision)
	return decision, nil
}

// permission reads the cache and falls back to the persistent store,
// repopulating on miss. nil means no active grant exists.
func (p *Pipeline) permission(ctx context.Context, agentID uuid.UUID, serviceName string) (*permcache.Entry, error) {
	entry, hit, err := p.PermCache.Get(ctx, agentID, serviceName)
	if err != nil {
		p.logger.Printf("⚠️ Permission cache read failed: %v", err)
	} else if hit {
		return entry, nil
	}

	perm, err := p.Perms.GetActive(ctx, agentID, serviceName)
	if err != nil {
		return nil, err
	}
	if perm == nil {
		return nil, nil
	}
	entry = permcache.FromPermission(perm)
	if err := p.PermCache.Set(ctx, agentID, serviceName, entry); err != nil {
		p.logger.Printf("⚠️ Permission cache write failed: %v", err)
	}
	return entry, nil
}

// refuse audits a blocked outcome, emits the sponsor-facing event and
// shapes the decision. Every refusal leaves a permission_granted=false
// entry in the chain.
func (p *Pipeline) refuse(ctx context.Context, rc *requestCtx, r refusal) *core.Decision {
	meta := map[string]interface{}{"request_id": rc.requestID}
	for k, v := range r.meta {
		meta[k] = v
	}
	metaJSON, _ := json.Marshal(meta)

	var policyJSON json.RawMessage
	if r.verdict != nil {
		policyJSON, _ = json.Marshal(r.verdict)
	}

	p.Audit.Log(ctx, core.AuditEntry{
		AgentID:           rc.req.AgentID,
		SponsorID:         rc.sponsorID,
		ActionType:        rc.actionType,
		ServiceName:       rc.req.ServiceName,
		PromptSnippet:     r.prompt,
		PermissionGranted: false,
		PolicyEvaluation:  policyJSON,
		CostUSD:           r.cost,
		IPAddress:         rc.ip,
		Metadata:          metaJSON,
	})
	p.Bridge.ExecutionBlocked(ctx, rc.req.AgentID, rc.sponsorID, rc.req.ServiceName, r.reason)
	p.Metrics.ProxyExecutions.WithLabelValues(string(core.StatusBlocked)).Inc()
	p.logger.Printf("🛡️ Blocked %s for agent %s: %s", r.code, rc.req.AgentID, r.reason)

	return &core.Decision{
		RequestID:    rc.requestID,
		Status:       core.StatusBlocked,
		PolicyResult: policyResult(r.code, r.verdict),
		Message:      r.reason,
	}
}

// policyResult shapes the decision's policy block. With a verdict the
// engine's fields ride along; without one only the code is set.
func policyResult(code string, pv *policy.Verdict) *core.PolicyResult {
	pr := &core.PolicyResult{ErrorCode: code}
	if pv != nil {
		pr.Allowed = &pv.Allowed
		pr.RequiresHITL = &pv.RequiresHITL
		pr.DenyReasons = pv.DenyReasons
		pr.Raw = pv.Raw
	}
	return pr
}

// responseBody carries upstream JSON through intact and wraps anything
// else as a JSON string.
func responseBody(body string) json.RawMessage {
	if body == "" {
		return nil
	}
	if json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(body)
	return quoted
}

// penalize applies a trust delta and downgrades failures to warnings;
// a dead trust store must not mask the refusal being built.
func (p *Pipeline) penalize(ctx context.Context, agentID uuid.UUID, fn func(context.Context, uuid.UUID) (float64, error)) {
	if _, err := fn(ctx, agentID); err != nil {
		p.logger.Printf("⚠️ Trust penalty failed for %s: %v", agentID, err)
	}
}

// saveSnapshot records a rollback point for a mutating call. The entry
// for the current execution may still be in the audit buffer, so the
// reference points at the newest durable row.
func (p *Pipeline) saveSnapshot(ctx context.Context, agentID uuid.UUID, req *core.ExecuteRequest, status int) {
	auditID, err := p.Audit.LatestID(ctx, agentID)
	if err != nil {
		p.logger.Printf("⚠️ Snapshot skipped: %v", err)
		return
	}
	data, _ := json.Marshal(map[string]interface{}{
		"method": req.Method, "url": req.URL, "status": status,
	})
	instructions, _ := json.Marshal(map[string]string{
		"service": req.ServiceName, "method": req.Method, "url": req.URL,
	})
	if _, err := p.Snapshots.Save(ctx, agentID, auditID, data, instructions); err != nil {
		p.logger.Printf("⚠️ Snapshot save failed: %v", err)
	}
}

func (p *Pipeline) storeIdem(ctx context.Context, key string, d *core.Decision) {
	if key == "" {
		return
	}
	if err := p.Idem.Store(ctx, key, d); err != nil {
		p.logger.Printf("⚠️ Idempotency store failed: %v", err)
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
