// Package correlate turns a diagnostic bundle into a ranked, non-empty
// list of root-cause hypotheses from three techniques: deterministic
// pattern matching, historical correlation, and external inference.
package correlate

import (
	"context"
	"sort"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Confidence labels attached to the analyzed incident. The label is
// advisory; it never gates notification.
const (
	LabelHigh = "high confidence"
	LabelLow  = "low confidence - manual review suggested"
)

// Provider is an external inference capability. Implementations must honor
// ctx; the engine enforces a hard timeout around every call.
type Provider interface {
	Infer(ctx context.Context, inc *incident.Incident, bundle *incident.Bundle) ([]incident.Hypothesis, error)
}

// Engine merges the three analysis techniques. A nil provider disables
// inference.
type Engine struct {
	matcher      *Matcher
	history      *History
	provider     Provider
	inferTimeout time.Duration
	threshold    float64
	metrics      *Metrics
	logger       log.Logger
}

// NewEngine creates an analysis engine. threshold is the confidence at or
// above which the top hypothesis earns the high-confidence label.
func NewEngine(matcher *Matcher, history *History, provider Provider, inferTimeout time.Duration, threshold float64, metrics *Metrics, logger log.Logger) *Engine {
	return &Engine{
		matcher:      matcher,
		history:      history,
		provider:     provider,
		inferTimeout: inferTimeout,
		threshold:    threshold,
		metrics:      metrics,
		logger:       logger,
	}
}

// sourcePriority breaks confidence ties: pattern beats history beats
// inference.
func sourcePriority(s incident.HypothesisSource) int {
	switch s {
	case incident.SourcePattern:
		return 0
	case incident.SourceHistory:
		return 1
	default:
		return 2
	}
}

// Analyze produces the ranked hypothesis list and its confidence label.
// The list is never empty: when every technique comes up dry, a single
// zero-confidence placeholder is returned. Analyze also feeds the incident
// into history for future correlation.
func (e *Engine) Analyze(ctx context.Context, inc *incident.Incident, bundle *incident.Bundle) ([]incident.Hypothesis, string) {
	start := time.Now()

	hypotheses := e.matcher.Match(inc, bundle)
	hypotheses = append(hypotheses, e.history.Hypotheses(inc)...)
	hypotheses = append(hypotheses, e.infer(ctx, inc, bundle)...)

	hypotheses = dedupe(hypotheses)
	sort.SliceStable(hypotheses, func(i, j int) bool {
		if hypotheses[i].Confidence != hypotheses[j].Confidence {
			return hypotheses[i].Confidence > hypotheses[j].Confidence
		}
		pi, pj := sourcePriority(hypotheses[i].Source), sourcePriority(hypotheses[j].Source)
		if pi != pj {
			return pi < pj
		}
		return hypotheses[i].Class < hypotheses[j].Class
	})

	if len(hypotheses) == 0 {
		hypotheses = []incident.Hypothesis{{
			Class:       "unknown",
			Description: "unable to determine root cause",
			Confidence:  0,
			Source:      incident.SourcePattern,
		}}
	}

	label := LabelLow
	if hypotheses[0].Confidence >= e.threshold {
		label = LabelHigh
	}

	analyzed := *inc
	analyzed.Hypotheses = hypotheses
	e.history.Record(&analyzed)

	e.metrics.AnalysesTotal.WithLabelValues(label).Inc()
	e.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	e.metrics.TopConfidence.Observe(hypotheses[0].Confidence)

	e.logger.Info(ctx, "analysis complete",
		"incident_id", inc.ID,
		"hypotheses", len(hypotheses),
		"top_class", hypotheses[0].Class,
		"top_confidence", hypotheses[0].Confidence,
		"label", label,
	)
	return hypotheses, label
}

func (e *Engine) infer(ctx context.Context, inc *incident.Incident, bundle *incident.Bundle) []incident.Hypothesis {
	if e.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.inferTimeout)
	defer cancel()

	start := time.Now()
	hs, err := e.provider.Infer(ctx, inc, bundle)
	e.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.InferenceFailures.Inc()
		e.logger.Warn(ctx, "inference unavailable", "incident_id", inc.ID, "error", err.Error())
		return nil
	}
	for i := range hs {
		hs[i].Source = incident.SourceInference
		if hs[i].Confidence < 0 {
			hs[i].Confidence = 0
		}
		if hs[i].Confidence > 1 {
			hs[i].Confidence = 1
		}
	}
	return hs
}

// dedupe collapses hypotheses sharing a class, keeping the maximum
// confidence. On equal confidence the higher-priority source wins.
func dedupe(hs []incident.Hypothesis) []incident.Hypothesis {
	byClass := make(map[string]int, len(hs))
	out := make([]incident.Hypothesis, 0, len(hs))
	for _, h := range hs {
		idx, seen := byClass[h.Class]
		if !seen {
			byClass[h.Class] = len(out)
			out = append(out, h)
			continue
		}
		kept := out[idx]
		if h.Confidence > kept.Confidence ||
			(h.Confidence == kept.Confidence && sourcePriority(h.Source) < sourcePriority(kept.Source)) {
			out[idx] = h
		}
	}
	return out
}

// SeverityFor maps the top hypothesis confidence to the severity an
// analyzed incident is notified at.
func SeverityFor(confidence float64) incident.Severity {
	switch {
	case confidence >= 0.8:
		return incident.SeverityCritical
	case confidence >= 0.5:
		return incident.SeverityHigh
	default:
		return incident.SeverityMedium
	}
}
