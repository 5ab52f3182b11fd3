// Package notify formats analyzed incidents into alerts and delivers them
// to configured channels with cooldown, escalation, and idempotent retry
// semantics.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Alert is the channel-independent rendering of an analyzed incident.
// Channels decorate it with their own markup.
type Alert struct {
	IncidentID string
	Endpoint   string
	URL        string
	Severity   incident.Severity
	Escalation bool

	Hypothesis incident.Hypothesis
	Label      string

	StatusCode int
	LatencyMS  float64
	ErrorMsg   string
	OpenedAt   time.Time
}

// Channel delivers alerts to one destination. Implementations must honor
// ctx and return an error only for this channel's own failure.
type Channel interface {
	Name() string
	MinSeverity() incident.Severity
	EscalationOnly() bool
	Send(ctx context.Context, a *Alert) error
}

// BuildAlert renders the incident's current state into an Alert using its
// top hypothesis.
func BuildAlert(inc *incident.Incident, escalation bool) *Alert {
	a := &Alert{
		IncidentID: inc.ID,
		Endpoint:   inc.Endpoint,
		URL:        inc.URL,
		Severity:   inc.Severity,
		Escalation: escalation,
		Label:      inc.ConfidenceLabel,
		StatusCode: inc.StatusCode,
		LatencyMS:  inc.LatencyMS,
		ErrorMsg:   inc.ErrorMsg,
		OpenedAt:   inc.OpenedAt,
	}
	if top, ok := inc.TopHypothesis(); ok {
		a.Hypothesis = top
	}
	return a
}

// Title is the one-line alert headline.
func (a *Alert) Title() string {
	prefix := "Incident"
	if a.Escalation {
		prefix = "ESCALATED incident"
	}
	return fmt.Sprintf("%s %s: %s [%s]", prefix, a.IncidentID, a.Endpoint, strings.ToUpper(string(a.Severity)))
}

// Body is a plain-text rendering used by channels without native markup.
func (a *Alert) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Endpoint: %s (%s)\n", a.Endpoint, a.URL)
	fmt.Fprintf(&b, "Opened: %s\n", a.OpenedAt.Format(time.RFC3339))
	if a.ErrorMsg != "" {
		fmt.Fprintf(&b, "Failure: %s", a.ErrorMsg)
		if a.StatusCode != 0 {
			fmt.Fprintf(&b, " (status %d, latency %.0fms)", a.StatusCode, a.LatencyMS)
		}
		b.WriteString("\n")
	}
	if a.Hypothesis.Class != "" {
		fmt.Fprintf(&b, "\nRoot cause: %s (confidence %.2f, %s)\n", a.Hypothesis.Description, a.Hypothesis.Confidence, a.Label)
		for _, ev := range a.Hypothesis.Evidence {
			fmt.Fprintf(&b, "  - %s\n", ev)
		}
		if len(a.Hypothesis.Actions) > 0 {
			b.WriteString("\nRecommended actions:\n")
			for _, ac := range a.Hypothesis.Actions {
				fmt.Fprintf(&b, "  - %s\n", ac)
			}
		}
	}
	return b.String()
}
