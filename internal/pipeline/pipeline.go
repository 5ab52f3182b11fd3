// Package pipeline drives an incident from open to notified. It receives
// probe results, feeds them through the failure detector, and runs the
// triage stages (collect, analyze, dispatch) asynchronously per incident.
// It also owns the periodic escalation and retirement sweeps.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/correlate"
	"github.com/linnemanlabs/sentinel/internal/detect"
	"github.com/linnemanlabs/sentinel/internal/diag"
	"github.com/linnemanlabs/sentinel/internal/incident"
	"github.com/linnemanlabs/sentinel/internal/notify"
	"github.com/linnemanlabs/sentinel/internal/probe"
)

// Service coordinates the incident lifecycle stages. Each opened incident
// is triaged on its own goroutine; state transitions in the store are
// compare-and-set, so a redelivered event is a no-op.
type Service struct {
	store         incident.Store
	detector      *detect.Detector
	collector     *diag.Collector
	engine        *correlate.Engine
	dispatcher    *notify.Dispatcher
	escalateAfter time.Duration
	retireAfter   time.Duration
	sweepEvery    time.Duration
	now           func() time.Time
	logger        log.Logger

	wg sync.WaitGroup
}

// New creates the pipeline service. escalateAfter is how long a notified
// incident may stay unresolved before it is escalated; retireAfter is how
// long resolved incidents are kept before the retirement sweep drops them.
func New(store incident.Store, detector *detect.Detector, collector *diag.Collector, engine *correlate.Engine, dispatcher *notify.Dispatcher, escalateAfter, retireAfter time.Duration, logger log.Logger) *Service {
	return &Service{
		store:         store,
		detector:      detector,
		collector:     collector,
		engine:        engine,
		dispatcher:    dispatcher,
		escalateAfter: escalateAfter,
		retireAfter:   retireAfter,
		sweepEvery:    time.Minute,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetSweepInterval overrides the sweep cadence. Test hook.
func (s *Service) SetSweepInterval(d time.Duration) { s.sweepEvery = d }

// HandleResult folds one probe result into incident state and starts triage
// for any incident it opened. Implements probe.Handler.
func (s *Service) HandleResult(ctx context.Context, res probe.Result) {
	events, err := s.detector.Observe(ctx, res)
	if err != nil {
		s.logger.Error(ctx, err, "observe failed", "endpoint", res.Endpoint)
		return
	}
	for _, ev := range events {
		switch ev.Type {
		case detect.EventOpened, detect.EventAdvisory:
			s.wg.Add(1)
			// detach from the probe loop's lifetime so an in-flight triage
			// survives the next tick.
			go s.runTriage(context.WithoutCancel(ctx), ev.Incident)
		case detect.EventResolved:
			s.logger.Info(ctx, "incident resolved",
				"incident_id", ev.Incident.ID,
				"endpoint", ev.Incident.Endpoint,
			)
		}
	}
}

// Run executes the escalation and retirement sweeps until ctx is canceled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Drain blocks until all in-flight triage goroutines finish.
func (s *Service) Drain() { s.wg.Wait() }

func (s *Service) runTriage(ctx context.Context, inc *incident.Incident) {
	defer s.wg.Done()
	L := s.logger.With("incident_id", inc.ID, "endpoint", inc.Endpoint)

	if err := s.store.Transition(ctx, inc.ID, incident.StateOpen, incident.StateTriaging); err != nil {
		if errors.Is(err, incident.ErrConflict) {
			// another worker already claimed it
			return
		}
		L.Error(ctx, err, "failed to claim incident for triage")
		return
	}

	started := s.now()
	bundle := s.collector.Collect(ctx, diag.Request{
		IncidentID: inc.ID,
		Endpoint:   inc.Endpoint,
		URL:        inc.URL,
	})
	if err := s.store.AttachBundle(ctx, inc.ID, bundle); err != nil && !errors.Is(err, incident.ErrConflict) {
		L.Error(ctx, err, "failed to attach diagnostic bundle")
		return
	}
	inc.Bundle = bundle

	hs, label := s.engine.Analyze(ctx, inc, bundle)
	sev := inc.Severity
	if len(hs) > 0 {
		// analysis can raise the detected severity but never lower it
		if analyzed := correlate.SeverityFor(hs[0].Confidence); analyzed.AtLeast(sev) {
			sev = analyzed
		}
	}
	if err := s.store.AttachHypotheses(ctx, inc.ID, hs, label, sev); err != nil {
		L.Error(ctx, err, "failed to attach hypotheses")
		return
	}
	inc.Hypotheses = hs
	inc.ConfidenceLabel = label
	inc.Severity = sev

	if err := s.store.Transition(ctx, inc.ID, incident.StateTriaging, incident.StateAnalyzed); err != nil {
		if errors.Is(err, incident.ErrConflict) {
			// resolved out from under us; drop the remaining stages
			return
		}
		L.Error(ctx, err, "failed to mark incident analyzed")
		return
	}
	inc.State = incident.StateAnalyzed

	if _, err := s.dispatcher.Dispatch(ctx, inc, false); err != nil {
		L.Error(ctx, err, "failed to record dispatch outcome")
		return
	}

	if err := s.store.Transition(ctx, inc.ID, incident.StateAnalyzed, incident.StateNotified); err != nil {
		if errors.Is(err, incident.ErrConflict) {
			return
		}
		L.Error(ctx, err, "failed to mark incident notified")
		return
	}
	inc.State = incident.StateNotified

	// advisories are a lower-urgency signal and never escalate
	if inc.Kind != incident.KindAdvisory {
		deadline := s.now().Add(s.escalateAfter)
		if err := s.store.SetEscalateAfter(ctx, inc.ID, deadline); err != nil {
			L.Error(ctx, err, "failed to set escalation deadline")
			return
		}
		inc.EscalateAfter = deadline
	}

	L.Info(ctx, "triage complete",
		"severity", string(sev),
		"label", label,
		"duration", s.now().Sub(started),
	)
}

// Sweep runs one escalation pass and one retirement pass. Exported so the
// caller can force a pass outside the ticker.
func (s *Service) Sweep(ctx context.Context) {
	s.sweepEscalations(ctx)
	s.sweepRetired(ctx)
}

// sweepEscalations escalates notified incidents that outlived their
// deadline: severity is raised one step and the alert is re-dispatched to
// escalation channels, bypassing the cooldown.
func (s *Service) sweepEscalations(ctx context.Context) {
	open, err := s.store.Unresolved(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "escalation sweep: list unresolved")
		return
	}
	now := s.now()
	for _, inc := range open {
		if inc.Kind == incident.KindAdvisory {
			continue
		}
		if inc.State != incident.StateNotified || inc.EscalateAfter.IsZero() || now.Before(inc.EscalateAfter) {
			continue
		}
		raised := inc.Severity.Raise()
		if err := s.store.Escalate(ctx, inc.ID, raised); err != nil {
			if errors.Is(err, incident.ErrConflict) {
				continue
			}
			s.logger.Error(ctx, err, "escalation sweep: escalate", "incident_id", inc.ID)
			continue
		}
		inc.State = incident.StateEscalated
		inc.Severity = raised
		s.logger.Warn(ctx, "incident escalated",
			"incident_id", inc.ID,
			"endpoint", inc.Endpoint,
			"severity", string(raised),
		)
		if _, err := s.dispatcher.Dispatch(ctx, inc, true); err != nil {
			s.logger.Error(ctx, err, "escalation sweep: dispatch", "incident_id", inc.ID)
		}
	}
}

func (s *Service) sweepRetired(ctx context.Context) {
	if s.retireAfter <= 0 {
		return
	}
	n, err := s.store.Retire(ctx, s.now().Add(-s.retireAfter))
	if err != nil {
		s.logger.Error(ctx, err, "retirement sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info(ctx, "retired resolved incidents", "count", n)
	}
}
