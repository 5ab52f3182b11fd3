// Package pagerduty delivers incident alerts through the PagerDuty Events
// API v2.
package pagerduty

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

const (
	defaultEventsURL = "https://events.pagerduty.com/v2/enqueue"
	httpTimeout      = 10 * time.Second
)

// Channel triggers PagerDuty events. The incident ID doubles as the dedup
// key so PagerDuty collapses repeated sends for the same incident.
type Channel struct {
	name           string
	routingKey     string
	eventsURL      string
	minSeverity    incident.Severity
	escalationOnly bool
	client         *http.Client
}

// New creates a PagerDuty channel.
func New(name, routingKey string, minSeverity incident.Severity, escalationOnly bool) *Channel {
	return &Channel{
		name:           name,
		routingKey:     routingKey,
		eventsURL:      defaultEventsURL,
		minSeverity:    minSeverity,
		escalationOnly: escalationOnly,
		client:         &http.Client{Timeout: httpTimeout},
	}
}

func (c *Channel) Name() string                   { return c.name }
func (c *Channel) MinSeverity() incident.Severity { return c.minSeverity }
func (c *Channel) EscalationOnly() bool           { return c.escalationOnly }

// Send enqueues a trigger event for the alert.
func (c *Channel) Send(ctx context.Context, a *notify.Alert) error {
	event := map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    a.IncidentID,
		"payload": map[string]any{
			"summary":   a.Title(),
			"source":    a.Endpoint,
			"severity":  pdSeverity(a.Severity),
			"timestamp": a.OpenedAt.Format(time.RFC3339),
			"custom_details": map[string]any{
				"url":        a.URL,
				"root_cause": a.Hypothesis.Description,
				"confidence": a.Hypothesis.Confidence,
				"label":      a.Label,
				"error":      a.ErrorMsg,
				"escalation": a.Escalation,
			},
		},
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pagerduty: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty: post event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pagerduty: events api returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// pdSeverity maps to the Events v2 vocabulary, which has no "low".
func pdSeverity(sev incident.Severity) string {
	switch sev {
	case incident.SeverityCritical:
		return "critical"
	case incident.SeverityHigh:
		return "error"
	case incident.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}
