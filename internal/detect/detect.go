// Package detect turns a stream of health-check results into incident
// lifecycle events. It owns the per-endpoint consecutive-failure counters
// and is the only component that opens or resolves incidents.
package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/probe"
)

// EventType describes what a single observation did to incident state.
type EventType string

const (
	EventOpened   EventType = "opened"
	EventResolved EventType = "resolved"
	EventAdvisory EventType = "advisory"
)

// Event is emitted when an observation changes incident state. Observations
// that only move a counter produce no event.
type Event struct {
	Type     EventType
	Incident *incident.Incident
}

// Detector applies the consecutive-failure state machine to probe results.
// Observe must be called serially per endpoint; the scheduler guarantees
// this by running one loop per endpoint.
type Detector struct {
	store          incident.Store
	defaultThresh  int
	sslWarningDays int
	now            func() time.Time
	logger         log.Logger

	mu        sync.Mutex
	endpoints map[string]*incident.Endpoint
	sslWarned map[string]time.Time
}

// New creates a Detector over the given endpoints. A zero sslWarningDays
// disables certificate advisories.
func New(store incident.Store, endpoints []*incident.Endpoint, defaultThresh, sslWarningDays int, logger log.Logger) *Detector {
	byName := make(map[string]*incident.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byName[ep.Name] = ep
	}
	return &Detector{
		store:          store,
		defaultThresh:  defaultThresh,
		sslWarningDays: sslWarningDays,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger,
		endpoints:      byName,
		sslWarned:      make(map[string]time.Time),
	}
}

// SetClock overrides the time source. Test hook.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// Endpoints returns a snapshot of all endpoints with their runtime state,
// sorted by name.
func (d *Detector) Endpoints() []incident.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]incident.Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Observe folds one check result into endpoint and incident state and
// returns the events it produced: at most one opened or resolved event for
// the failure incident, plus at most one certificate advisory event
// (opened when the expiry enters the warning window, resolved when it
// leaves it).
func (d *Detector) Observe(ctx context.Context, res probe.Result) ([]Event, error) {
	d.mu.Lock()
	ep, ok := d.endpoints[res.Endpoint]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("observe: unknown endpoint %q", res.Endpoint)
	}
	ep.LastCheck = res.CheckedAt
	ep.LastStatus = res.StatusCode
	ep.LastError = res.ErrorMsg
	if res.OK {
		ep.ConsecutiveFails = 0
	} else {
		ep.ConsecutiveFails++
	}
	fails := ep.ConsecutiveFails
	threshold := ep.FailThreshold
	d.mu.Unlock()

	if threshold <= 0 {
		threshold = d.defaultThresh
	}

	var events []Event
	if res.OK {
		ev, err := d.resolveLive(ctx, ep, res.CheckedAt)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	} else if fails >= threshold {
		ev, err := d.openFailure(ctx, ep, res)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if adv, err := d.checkCertificate(ctx, ep, res); err != nil {
		return events, err
	} else if adv != nil {
		events = append(events, *adv)
	}
	return events, nil
}

func (d *Detector) openFailure(ctx context.Context, ep *incident.Endpoint, res probe.Result) (*Event, error) {
	openedAt := d.now()
	inc := &incident.Incident{
		ID:         incident.NewID(ep.Name, openedAt),
		Endpoint:   ep.Name,
		URL:        ep.URL,
		Kind:       incident.KindFailure,
		State:      incident.StateOpen,
		Severity:   severityFor(res),
		OpenedAt:   openedAt,
		StatusCode: res.StatusCode,
		LatencyMS:  res.LatencyMS,
		ErrorMsg:   res.ErrorMsg,
	}
	got, reused, err := d.store.Open(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("open incident for %q: %w", ep.Name, err)
	}
	if reused {
		return nil, nil
	}
	d.logger.Warn(ctx, "incident opened",
		"incident_id", got.ID,
		"endpoint", ep.Name,
		"severity", string(got.Severity),
		"error", res.ErrorMsg,
	)
	return &Event{Type: EventOpened, Incident: got}, nil
}

func (d *Detector) resolveLive(ctx context.Context, ep *incident.Endpoint, at time.Time) (*Event, error) {
	live, ok, err := d.store.OpenForEndpoint(ctx, ep.Name, incident.KindFailure)
	if err != nil {
		return nil, fmt.Errorf("lookup live incident for %q: %w", ep.Name, err)
	}
	if !ok {
		return nil, nil
	}
	if err := d.store.Resolve(ctx, live.ID, at); err != nil {
		return nil, fmt.Errorf("resolve incident %s: %w", live.ID, err)
	}
	live.State = incident.StateResolved
	live.ResolvedAt = at
	d.logger.Info(ctx, "incident resolved", "incident_id", live.ID, "endpoint", ep.Name)
	return &Event{Type: EventResolved, Incident: live}, nil
}

// checkCertificate opens an advisory incident when the endpoint's
// certificate is within the warning window and resolves the live advisory
// once the expiry moves back out of it (the cert was renewed). Advisories
// never touch the consecutive-failure counter, and an endpoint is warned
// at most once per day.
func (d *Detector) checkCertificate(ctx context.Context, ep *incident.Endpoint, res probe.Result) (*Event, error) {
	if d.sslWarningDays <= 0 || res.SSLExpiryDays < 0 {
		return nil, nil
	}
	if res.SSLExpiryDays > d.sslWarningDays {
		return d.resolveAdvisory(ctx, ep, res.CheckedAt)
	}
	now := d.now()

	d.mu.Lock()
	last, warned := d.sslWarned[ep.Name]
	if warned && now.Sub(last) < 24*time.Hour {
		d.mu.Unlock()
		return nil, nil
	}
	d.sslWarned[ep.Name] = now
	d.mu.Unlock()

	inc := &incident.Incident{
		ID:       incident.NewID(ep.Name+"/ssl", now),
		Endpoint: ep.Name,
		URL:      ep.URL,
		Kind:     incident.KindAdvisory,
		State:    incident.StateOpen,
		Severity: incident.SeverityMedium,
		OpenedAt: now,
		ErrorMsg: fmt.Sprintf("certificate expires in %d days", res.SSLExpiryDays),
	}
	got, reused, err := d.store.Open(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("open advisory for %q: %w", ep.Name, err)
	}
	if reused {
		return nil, nil
	}
	d.logger.Warn(ctx, "certificate advisory opened",
		"incident_id", got.ID,
		"endpoint", ep.Name,
		"days_until_expiry", res.SSLExpiryDays,
	)
	return &Event{Type: EventAdvisory, Incident: got}, nil
}

// resolveAdvisory closes the live certificate advisory, if any. Clearing the
// warn gate lets a later slide back into the window warn immediately.
func (d *Detector) resolveAdvisory(ctx context.Context, ep *incident.Endpoint, at time.Time) (*Event, error) {
	live, ok, err := d.store.OpenForEndpoint(ctx, ep.Name, incident.KindAdvisory)
	if err != nil {
		return nil, fmt.Errorf("lookup live advisory for %q: %w", ep.Name, err)
	}
	if !ok {
		return nil, nil
	}
	if err := d.store.Resolve(ctx, live.ID, at); err != nil {
		return nil, fmt.Errorf("resolve advisory %s: %w", live.ID, err)
	}
	live.State = incident.StateResolved
	live.ResolvedAt = at

	d.mu.Lock()
	delete(d.sslWarned, ep.Name)
	d.mu.Unlock()

	d.logger.Info(ctx, "certificate advisory resolved", "incident_id", live.ID, "endpoint", ep.Name)
	return &Event{Type: EventResolved, Incident: live}, nil
}

// severityFor maps a failed check to an initial severity. Timeouts rank
// high, server errors critical, client errors medium.
func severityFor(res probe.Result) incident.Severity {
	switch {
	case strings.Contains(strings.ToLower(res.ErrorMsg), "timeout"):
		return incident.SeverityHigh
	case res.StatusCode >= 500:
		return incident.SeverityCritical
	case res.StatusCode >= 400:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}
