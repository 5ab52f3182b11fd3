package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Dispatcher fans alerts out to channels. It owns the cooldown window and
// the delivery idempotency guarantee: a (incident, channel, severity) triple
// already recorded as delivered is never re-sent.
type Dispatcher struct {
	store    incident.Store
	channels []Channel
	cooldown time.Duration
	now      func() time.Time
	metrics  *Metrics
	logger   log.Logger
}

// NewDispatcher creates a Dispatcher over the enabled channels.
func NewDispatcher(store incident.Store, channels []Channel, cooldown time.Duration, metrics *Metrics, logger log.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		channels: channels,
		cooldown: cooldown,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  metrics,
		logger:   logger,
	}
}

// SetClock overrides the time source. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// inCooldown reports whether a delivery at sev or higher happened for the
// endpoint within the window. The check reads the store's notification log
// rather than process memory, so cooldowns survive restarts. Escalations
// bypass this check entirely.
func (d *Dispatcher) inCooldown(ctx context.Context, endpoint string, sev incident.Severity, now time.Time) (bool, error) {
	if d.cooldown <= 0 {
		return false, nil
	}
	recs, err := d.store.RecentDeliveries(ctx, endpoint, now.Add(-d.cooldown))
	if err != nil {
		return false, fmt.Errorf("cooldown lookup for %q: %w", endpoint, err)
	}
	for _, rec := range recs {
		if rec.Severity.AtLeast(sev) {
			return true, nil
		}
	}
	return false, nil
}

// eligible returns the channels that should carry this alert: enabled for
// the severity, and escalation-only channels only during escalation.
func (d *Dispatcher) eligible(sev incident.Severity, escalation bool) []Channel {
	var out []Channel
	for _, ch := range d.channels {
		if ch.EscalationOnly() && !escalation {
			continue
		}
		if !sev.AtLeast(ch.MinSeverity()) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// alreadyDelivered reports whether the incident already records a delivery
// on this channel at this severity.
func alreadyDelivered(inc *incident.Incident, channel string, sev incident.Severity) bool {
	for _, r := range inc.Notifications {
		if r.Channel == channel && r.Severity == sev && r.Outcome == incident.OutcomeDelivered {
			return true
		}
	}
	return false
}

// Dispatch delivers the incident's alert to every eligible channel and
// records one NotificationRecord per attempt in the store. Channel failures
// are isolated; Dispatch returns an error only when the store does.
func (d *Dispatcher) Dispatch(ctx context.Context, inc *incident.Incident, escalation bool) ([]incident.NotificationRecord, error) {
	now := d.now()
	sev := inc.Severity
	channels := d.eligible(sev, escalation)
	if len(channels) == 0 {
		d.logger.Warn(ctx, "no eligible channels", "incident_id", inc.ID, "severity", string(sev))
		return nil, nil
	}

	var records []incident.NotificationRecord

	if !escalation {
		cooled, err := d.inCooldown(ctx, inc.Endpoint, sev, now)
		if err != nil {
			return nil, err
		}
		if cooled {
			for _, ch := range channels {
				records = append(records, incident.NotificationRecord{
					Channel:   ch.Name(),
					Timestamp: now,
					Outcome:   incident.OutcomeSuppressed,
					Severity:  sev,
					Detail:    "cooldown window active",
				})
				d.metrics.SuppressedTotal.Inc()
			}
			if err := d.record(ctx, inc, records); err != nil {
				return records, err
			}
			d.logger.Info(ctx, "alert suppressed by cooldown", "incident_id", inc.ID, "endpoint", inc.Endpoint)
			return records, nil
		}
	}

	alert := BuildAlert(inc, escalation)
	delivered := false
	for _, ch := range channels {
		if alreadyDelivered(inc, ch.Name(), sev) {
			continue
		}
		rec := incident.NotificationRecord{
			Channel:   ch.Name(),
			Timestamp: now,
			Severity:  sev,
		}
		if err := ch.Send(ctx, alert); err != nil {
			rec.Outcome = incident.OutcomeFailed
			rec.Detail = err.Error()
			d.logger.Error(ctx, err, "channel delivery failed", "incident_id", inc.ID, "channel", ch.Name())
		} else {
			rec.Outcome = incident.OutcomeDelivered
			delivered = true
		}
		d.metrics.DeliveriesTotal.WithLabelValues(ch.Name(), string(rec.Outcome)).Inc()
		records = append(records, rec)
	}

	if delivered && escalation {
		d.metrics.EscalationsTotal.Inc()
	}
	if err := d.record(ctx, inc, records); err != nil {
		return records, err
	}

	d.logger.Info(ctx, "dispatch complete",
		"incident_id", inc.ID,
		"channels", len(channels),
		"attempts", len(records),
		"escalation", escalation,
	)
	return records, nil
}

func (d *Dispatcher) record(ctx context.Context, inc *incident.Incident, records []incident.NotificationRecord) error {
	for _, rec := range records {
		if err := d.store.AppendNotification(ctx, inc.ID, rec); err != nil {
			return fmt.Errorf("record notification for %s: %w", inc.ID, err)
		}
		inc.Notifications = append(inc.Notifications, rec)
	}
	return nil
}
