// Package alerting pages on-call humans through PagerDuty Events v2 or
// OpsGenie. Delivery is best-effort: a dead paging provider logs and
// moves on, it never blocks or fails the execution path.
package alerting

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

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/core"
)

// Severity follows the PagerDuty Events v2 vocabulary.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

const (
	pagerDutyEndpoint = "https://events.pagerduty.com/v2/enqueue"
	opsGenieEndpoint  = "https://api.opsgenie.com/v2/alerts"
	sendTimeout       = 10 * time.Second
)

// opsGeniePriority maps severities onto OpsGenie's P1..P5 scale.
var opsGeniePriority = map[Severity]string{
	SeverityCritical: "P1",
	SeverityError:    "P2",
	SeverityWarning:  "P3",
	SeverityInfo:     "P5",
}

// Service routes incidents to whichever providers the config names.
// The provider string may name both, "pagerduty,opsgenie".
type Service struct {
	cfg    config.AlertingConfig
	client *http.Client
	logger *log.Logger

	pagerDutyURL string
	opsGenieURL  string
}

func NewService(cfg config.AlertingConfig) *Service {
	return &Service{
		cfg:          cfg,
		client:       &http.Client{Timeout: sendTimeout},
		logger:       log.New(log.Writer(), "[Alerting] ", log.LstdFlags),
		pagerDutyURL: pagerDutyEndpoint,
		opsGenieURL:  opsGenieEndpoint,
	}
}

// Send routes one alert to every configured provider.
func (s *Service) Send(ctx context.Context, severity Severity, summary, source string, details map[string]interface{}) {
	provider := strings.ToLower(s.cfg.Provider)
	if provider == "" {
		s.logger.Printf("⚠️ No alert provider configured, dropping: %s", summary)
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}

	if strings.Contains(provider, "pagerduty") && s.cfg.PagerDutyRouting != "" {
		s.sendPagerDuty(ctx, severity, summary, source, details)
	}
	if strings.Contains(provider, "opsgenie") && s.cfg.OpsGenieAPIKey != "" {
		s.sendOpsGenie(ctx, severity, summary, source, details)
	}
}

func (s *Service) sendPagerDuty(ctx context.Context, severity Severity, summary, source string, details map[string]interface{}) {
	payload := map[string]interface{}{
		"routing_key":  s.cfg.PagerDutyRouting,
		"event_action": "trigger",
		"payload": map[string]interface{}{
			"summary":        "[AEGIS] " + summary,
			"severity":       string(severity),
			"source":         source,
			"component":      "aegis-platform",
			"custom_details": details,
		},
	}
	s.post(ctx, "PagerDuty", s.pagerDutyURL, nil, payload, http.StatusAccepted)
}

func (s *Service) sendOpsGenie(ctx context.Context, severity Severity, summary, source string, details map[string]interface{}) {
	priority, ok := opsGeniePriority[severity]
	if !ok {
		priority = "P3"
	}
	payload := map[string]interface{}{
		"message":  "[AEGIS] " + summary,
		"priority": priority,
		"source":   source,
		"tags":     []string{"aegis", "automated"},
		"details":  details,
	}
	headers := map[string]string{"Authorization": "GenieKey " + s.cfg.OpsGenieAPIKey}
	s.post(ctx, "OpsGenie", s.opsGenieURL, headers, payload, http.StatusOK, http.StatusAccepted)
}

func (s *Service) post(ctx context.Context, provider, url string, headers map[string]string, payload interface{}, okCodes ...int) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("❌ %s payload: %v", provider, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Printf("❌ %s request: %v", provider, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Printf("❌ %s send failed: %v", provider, err)
		return
	}
	defer resp.Body.Close()

	for _, code := range okCodes {
		if resp.StatusCode == code {
			s.logger.Printf("📟 %s accepted alert", provider)
			return
		}
	}
	s.logger.Printf("❌ %s returned HTTP %d", provider, resp.StatusCode)
}

// CircuitTripped pages a critical incident after the panic cascade.
func (s *Service) CircuitTripped(ctx context.Context, agentID, sponsorID uuid.UUID, reason string) {
	details := map[string]interface{}{
		"agent_id": agentID.String(),
		"reason":   reason,
	}
	if sponsorID != uuid.Nil {
		details["sponsor_id"] = sponsorID.String()
	}
	s.Send(ctx, SeverityCritical,
		fmt.Sprintf("Circuit breaker tripped for agent %s: %s", agentID, reason),
		"circuit-breaker", details)
}

// HighCostApproval pages a warning for approvals that clear the HITL
// cost bar.
func (s *Service) HighCostApproval(ctx context.Context, req *core.HITLRequest) {
	s.Send(ctx, SeverityWarning,
		fmt.Sprintf("HITL approval required: %s (est. $%s)", req.ActionDescription, req.EstimatedCostUSD.StringFixed(2)),
		"hitl-gateway", map[string]interface{}{
			"agent_id":       req.AgentID.String(),
			"request_id":     req.ID.String(),
			"estimated_cost": req.EstimatedCostUSD.String(),
		})
}
