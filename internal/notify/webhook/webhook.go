// Package webhook delivers incident alerts as a JSON POST to an arbitrary
// endpoint, covering Teams-style connectors and home-grown receivers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/notify"
)

const httpTimeout = 10 * time.Second

// Channel posts the alert as a flat JSON document.
type Channel struct {
	name           string
	url            string
	minSeverity    incident.Severity
	escalationOnly bool
	client         *http.Client
}

// New creates a webhook channel.
func New(name, url string, minSeverity incident.Severity, escalationOnly bool) *Channel {
	return &Channel{
		name:           name,
		url:            url,
		minSeverity:    minSeverity,
		escalationOnly: escalationOnly,
		client:         &http.Client{Timeout: httpTimeout},
	}
}

func (c *Channel) Name() string                   { return c.name }
func (c *Channel) MinSeverity() incident.Severity { return c.minSeverity }
func (c *Channel) EscalationOnly() bool           { return c.escalationOnly }

// Send posts the alert. Any 2xx response counts as delivered.
func (c *Channel) Send(ctx context.Context, a *notify.Alert) error {
	payload := map[string]any{
		"incident_id": a.IncidentID,
		"endpoint":    a.Endpoint,
		"url":         a.URL,
		"severity":    string(a.Severity),
		"escalation":  a.Escalation,
		"title":       a.Title(),
		"body":        a.Body(),
		"root_cause":  a.Hypothesis.Description,
		"confidence":  a.Hypothesis.Confidence,
		"label":       a.Label,
		"opened_at":   a.OpenedAt.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
