package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/aegisproxy/backend/internal/config"
	"github.com/aegisproxy/backend/internal/core"
)

// ChatNotifier posts new approval requests to Slack and Teams incoming
// webhooks, so sponsors see them where they already work. Like the
// paging providers, delivery is best-effort.
type ChatNotifier struct {
	slackURL string
	teamsURL string
	client   *http.Client
	logger   *log.Logger
}

func NewChatNotifier(cfg config.WebhookConfig) *ChatNotifier {
	return &ChatNotifier{
		slackURL: cfg.SlackWebhookURL,
		teamsURL: cfg.TeamsWebhookURL,
		client:   &http.Client{Timeout: sendTimeout},
		logger:   log.New(log.Writer(), "[ChatNotify] ", log.LstdFlags),
	}
}

// Configured reports whether at least one chat channel is set.
func (c *ChatNotifier) Configured() bool {
	return c.slackURL != "" || c.teamsURL != ""
}

// HITLCreated satisfies the approval gateway's Notifier. Both Slack
// and Teams accept the plain {"text": ...} incoming-webhook payload.
func (c *ChatNotifier) HITLCreated(ctx context.Context, req *core.HITLRequest) {
	text := fmt.Sprintf("🔔 Approval needed: %s (agent %s, est. $%s, expires %s)",
		req.ActionDescription, req.AgentID, req.EstimatedCostUSD.StringFixed(2),
		req.ExpiresAt.Format("15:04 MST"))

	if c.slackURL != "" {
		c.post(ctx, "Slack", c.slackURL, text)
	}
	if c.teamsURL != "" {
		c.post(ctx, "Teams", c.teamsURL, text)
	}
}

func (c *ChatNotifier) post(ctx context.Context, channel, url, text string) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.logger.Printf("❌ %s request: %v", channel, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Printf("❌ %s send failed: %v", channel, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Printf("❌ %s returned HTTP %d", channel, resp.StatusCode)
		return
	}
	c.logger.Printf("💬 %s notified", channel)
}
