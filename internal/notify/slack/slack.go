// Package slack delivers incident alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/notify"
)

const httpTimeout = 10 * time.Second

// Channel posts alerts to a Slack webhook.
type Channel struct {
	name           string
	webhookURL     string
	minSeverity    incident.Severity
	escalationOnly bool
	client         *http.Client
}

// New creates a Slack channel.
func New(name, webhookURL string, minSeverity incident.Severity, escalationOnly bool) *Channel {
	return &Channel{
		name:           name,
		webhookURL:     webhookURL,
		minSeverity:    minSeverity,
		escalationOnly: escalationOnly,
		client:         &http.Client{Timeout: httpTimeout},
	}
}

func (c *Channel) Name() string                   { return c.name }
func (c *Channel) MinSeverity() incident.Severity { return c.minSeverity }
func (c *Channel) EscalationOnly() bool           { return c.escalationOnly }

// Send posts the alert to the configured webhook.
func (c *Channel) Send(ctx context.Context, a *notify.Alert) error {
	body, err := json.Marshal(buildMessage(a))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(a *notify.Alert) map[string]any {
	blocks := []map[string]any{
		headerBlock(a),
		{"type": "divider"},
		fieldsBlock(a),
	}
	if a.Hypothesis.Class != "" {
		blocks = append(blocks, map[string]any{"type": "divider"}, hypothesisBlock(a))
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(a))
	return map[string]any{"blocks": blocks}
}

func headerBlock(a *notify.Alert) map[string]any {
	text := fmt.Sprintf("%s %s", severityEmoji(a.Severity, a.Escalation), a.Title())
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(a *notify.Alert) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Endpoint:* %s", a.Endpoint)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Opened:* %s", a.OpenedAt.Format(time.RFC3339))},
	}
	if a.ErrorMsg != "" {
		fields = append(fields, map[string]any{
			"type": "mrkdwn", "text": fmt.Sprintf("*Failure:* %s", truncate(a.ErrorMsg, 200)),
		})
	}
	return map[string]any{"type": "section", "fields": fields}
}

func hypothesisBlock(a *notify.Alert) map[string]any {
	var b strings.Builder
	fmt.Fprintf(&b, "*Root cause:* %s\n*Confidence:* %.2f (%s)", a.Hypothesis.Description, a.Hypothesis.Confidence, a.Label)
	if len(a.Hypothesis.Actions) > 0 {
		b.WriteString("\n*Actions:*")
		for _, ac := range a.Hypothesis.Actions {
			fmt.Fprintf(&b, "\n• %s", ac)
		}
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": truncate(b.String(), 3000)},
	}
}

func contextBlock(a *notify.Alert) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("incident `%s` | %s", a.IncidentID, a.URL)},
		},
	}
}

func severityEmoji(sev incident.Severity, escalation bool) string {
	if escalation {
		return ":rotating_light:"
	}
	switch sev {
	case incident.SeverityCritical:
		return ":red_circle:"
	case incident.SeverityHigh:
		return ":large_orange_circle:"
	case incident.SeverityMedium:
		return ":large_yellow_circle:"
	default:
		return ":white_circle:"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
