package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/incident/memstore"
)

type fakeChannel struct {
	name           string
	minSeverity    incident.Severity
	escalationOnly bool
	err            error
	sent           []*Alert
}

func (c *fakeChannel) Name() string                   { return c.name }
func (c *fakeChannel) MinSeverity() incident.Severity { return c.minSeverity }
func (c *fakeChannel) EscalationOnly() bool           { return c.escalationOnly }

func (c *fakeChannel) Send(_ context.Context, a *Alert) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, a)
	return nil
}

func newDispatcher(t *testing.T, store incident.Store, channels ...Channel) *Dispatcher {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(store, channels, 30*time.Minute, metrics, log.Nop())
}

func openIncident(t *testing.T, store incident.Store, sev incident.Severity) *incident.Incident {
	t.Helper()
	now := time.Now().UTC()
	inc, _, err := store.Open(context.Background(), &incident.Incident{
		ID:       incident.NewID("api", now),
		Endpoint: "api",
		URL:      "https://api.example.com/health",
		Kind:     incident.KindFailure,
		State:    incident.StateOpen,
		Severity: sev,
		ErrorMsg: "HTTP 503 error",
		OpenedAt: now,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return inc
}

func TestDispatch_DeliversAndRecords(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, slack)
	inc := openIncident(t, store, incident.SeverityHigh)

	records, err := d.Dispatch(context.Background(), inc, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != incident.OutcomeDelivered {
		t.Fatalf("records = %+v", records)
	}
	if len(slack.sent) != 1 || slack.sent[0].IncidentID != inc.ID {
		t.Fatalf("sent = %+v", slack.sent)
	}

	stored, err := store.Get(context.Background(), inc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(stored.Notifications) != 1 || stored.Notifications[0].Channel != "slack" {
		t.Errorf("stored notifications = %+v", stored.Notifications)
	}
}

func TestDispatch_CooldownSuppresses(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, slack)

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	first := openIncident(t, store, incident.SeverityHigh)
	if _, err := d.Dispatch(context.Background(), first, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// second alert for the same endpoint at equal severity within the window
	now = base.Add(10 * time.Minute)
	second := *first
	records, err := d.Dispatch(context.Background(), &second, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != incident.OutcomeSuppressed {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Detail != "cooldown window active" {
		t.Errorf("detail = %q", records[0].Detail)
	}
	if len(slack.sent) != 1 {
		t.Errorf("sent = %d, want the first delivery only", len(slack.sent))
	}

	// lower severity is also covered by the high-severity delivery
	lower := *first
	lower.Severity = incident.SeverityMedium
	records, _ = d.Dispatch(context.Background(), &lower, false)
	if len(records) != 1 || records[0].Outcome != incident.OutcomeSuppressed {
		t.Fatalf("lower severity records = %+v", records)
	}

	// after the window expires delivery resumes
	now = base.Add(31 * time.Minute)
	fresh := *first
	fresh.Notifications = nil
	records, _ = d.Dispatch(context.Background(), &fresh, false)
	if len(records) != 1 || records[0].Outcome != incident.OutcomeDelivered {
		t.Fatalf("post-window records = %+v", records)
	}
}

func TestDispatch_CooldownSurvivesRestart(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, slack)

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return base })

	inc := openIncident(t, store, incident.SeverityHigh)
	if _, err := d.Dispatch(context.Background(), inc, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// a fresh dispatcher over the same store stands in for a restarted
	// process: the cooldown is read back from the notification log
	restarted := newDispatcher(t, store, slack)
	restarted.SetClock(func() time.Time { return base.Add(10 * time.Minute) })

	second := *inc
	second.Notifications = nil
	records, err := restarted.Dispatch(context.Background(), &second, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != incident.OutcomeSuppressed {
		t.Fatalf("records = %+v, want suppressed", records)
	}
	if len(slack.sent) != 1 {
		t.Errorf("sent = %d, want the pre-restart delivery only", len(slack.sent))
	}
}

func TestDispatch_HigherSeverityBreaksCooldown(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, slack)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	inc := openIncident(t, store, incident.SeverityMedium)
	if _, err := d.Dispatch(context.Background(), inc, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	worse := *inc
	worse.Severity = incident.SeverityCritical
	records, err := d.Dispatch(context.Background(), &worse, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != incident.OutcomeDelivered {
		t.Fatalf("records = %+v", records)
	}
}

func TestDispatch_EscalationBypassesCooldown(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	pager := &fakeChannel{name: "pagerduty", minSeverity: incident.SeverityHigh, escalationOnly: true}
	d := newDispatcher(t, store, slack, pager)

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })

	inc := openIncident(t, store, incident.SeverityHigh)
	if _, err := d.Dispatch(context.Background(), inc, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(pager.sent) != 0 {
		t.Fatal("escalation-only channel received a normal alert")
	}

	esc := *inc
	esc.Severity = incident.SeverityCritical
	records, err := d.Dispatch(context.Background(), &esc, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}
	for _, rec := range records {
		if rec.Outcome != incident.OutcomeDelivered {
			t.Errorf("record = %+v", rec)
		}
	}
	if len(pager.sent) != 1 || !pager.sent[0].Escalation {
		t.Errorf("pager sent = %+v", pager.sent)
	}
}

func TestDispatch_IdempotentPerSeverity(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, slack)
	d.cooldown = 0 // isolate the idempotency guarantee from the cooldown

	inc := openIncident(t, store, incident.SeverityHigh)
	if _, err := d.Dispatch(context.Background(), inc, false); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// redelivery of the same incident at the same severity is a no-op
	records, err := d.Dispatch(context.Background(), inc, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}
	if len(slack.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(slack.sent))
	}

	// a raised severity is a new delivery
	inc.Severity = incident.SeverityCritical
	records, _ = d.Dispatch(context.Background(), inc, false)
	if len(records) != 1 || records[0].Outcome != incident.OutcomeDelivered {
		t.Fatalf("raised severity records = %+v", records)
	}
}

func TestDispatch_ChannelFailureIsolated(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	broken := &fakeChannel{name: "webhook", minSeverity: incident.SeverityLow, err: errors.New("connection refused")}
	slack := &fakeChannel{name: "slack", minSeverity: incident.SeverityLow}
	d := newDispatcher(t, store, broken, slack)

	inc := openIncident(t, store, incident.SeverityHigh)
	records, err := d.Dispatch(context.Background(), inc, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v", records)
	}

	byChannel := make(map[string]incident.NotificationRecord)
	for _, rec := range records {
		byChannel[rec.Channel] = rec
	}
	if byChannel["webhook"].Outcome != incident.OutcomeFailed || byChannel["webhook"].Detail != "connection refused" {
		t.Errorf("webhook record = %+v", byChannel["webhook"])
	}
	if byChannel["slack"].Outcome != incident.OutcomeDelivered {
		t.Errorf("slack record = %+v", byChannel["slack"])
	}
	if len(slack.sent) != 1 {
		t.Errorf("slack sent = %d", len(slack.sent))
	}
}

func TestDispatch_MinSeverityFilters(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	pager := &fakeChannel{name: "pagerduty", minSeverity: incident.SeverityCritical}
	d := newDispatcher(t, store, pager)

	inc := openIncident(t, store, incident.SeverityHigh)
	records, err := d.Dispatch(context.Background(), inc, false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if records != nil {
		t.Fatalf("records = %+v, want none", records)
	}
	if len(pager.sent) != 0 {
		t.Errorf("pager sent = %d", len(pager.sent))
	}
}

func TestBuildAlert(t *testing.T) {
	t.Parallel()

	inc := &incident.Incident{
		ID:              "inc-1",
		Endpoint:        "api",
		URL:             "https://api.example.com/health",
		Severity:        incident.SeverityCritical,
		ConfidenceLabel: "high confidence",
		StatusCode:      503,
		LatencyMS:       412,
		ErrorMsg:        "HTTP 503 error",
		OpenedAt:        time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
		Hypotheses: []incident.Hypothesis{
			{Class: "database_connection_error", Description: "pool exhausted", Confidence: 0.8,
				Actions: []string{"Check pool size"}},
		},
	}

	a := BuildAlert(inc, true)
	if !a.Escalation || a.Hypothesis.Class != "database_connection_error" {
		t.Errorf("alert = %+v", a)
	}
	if got := a.Title(); got != "ESCALATED incident inc-1: api [CRITICAL]" {
		t.Errorf("Title = %q", got)
	}
	body := a.Body()
	for _, want := range []string{"pool exhausted", "confidence 0.80", "Check pool size", "status 503"} {
		if !strings.Contains(body, want) {
			t.Errorf("Body missing %q:\n%s", want, body)
		}
	}
}
