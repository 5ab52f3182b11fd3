package incident

import (
	"crypto/sha256"
	"time"

	"github.com/oklog/ulid/v2"
)

// State tracks where an incident is in its lifecycle. Transitions are strictly
// forward (OPEN -> TRIAGING -> ANALYZED -> NOTIFIED -> ESCALATED) except for
// StateResolved, which is reachable from any non-resolved state on recovery.
type State string

const (
	StateOpen      State = "open"
	StateTriaging  State = "triaging"
	StateAnalyzed  State = "analyzed"
	StateNotified  State = "notified"
	StateEscalated State = "escalated"
	StateResolved  State = "resolved"
)

// Kind separates hard failures from advisory signals (SSL expiry warnings).
type Kind string

const (
	KindFailure  Kind = "failure"
	KindAdvisory Kind = "advisory"
)

// Severity levels, ordered. Compare with AtLeast.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric ordering of a severity. Unknown severities rank as medium.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return severityRank[SeverityMedium]
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// Raise returns the next severity up, topping out at critical.
func (s Severity) Raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Severities lists all severities in ascending order.
func Severities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// ParseSeverity maps a config string to a Severity. Empty maps to low.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "":
		return SeverityLow, true
	case "low", "medium", "high", "critical":
		return Severity(s), true
	}
	return SeverityLow, false
}

// HypothesisSource tags which correlation technique produced a hypothesis.
type HypothesisSource string

const (
	SourcePattern   HypothesisSource = "pattern"
	SourceHistory   HypothesisSource = "history"
	SourceInference HypothesisSource = "inference"
)

// SourceResult is one diagnostic source's contribution to a bundle: either a
// payload or an explicit unavailable marker with the reason.
type SourceResult struct {
	Source      string        `json:"source"`
	Payload     []byte        `json:"payload,omitempty"`
	Unavailable bool          `json:"unavailable,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns,omitempty"`
}

// Bundle is the collected, possibly-partial evidence set for an incident.
// It always has one entry per configured source and is immutable once attached.
type Bundle struct {
	IncidentID  string         `json:"incident_id"`
	CollectedAt time.Time      `json:"collected_at"`
	Results     []SourceResult `json:"results"`
}

// Result returns the entry for a source name.
func (b *Bundle) Result(source string) (SourceResult, bool) {
	for _, r := range b.Results {
		if r.Source == source {
			return r, true
		}
	}
	return SourceResult{}, false
}

// Available counts sources that produced a payload.
func (b *Bundle) Available() int {
	n := 0
	for _, r := range b.Results {
		if !r.Unavailable {
			n++
		}
	}
	return n
}

// Hypothesis is a scored candidate explanation for an incident's root cause.
type Hypothesis struct {
	Class       string           `json:"class"`
	Description string           `json:"description"`
	Confidence  float64          `json:"confidence"`
	Source      HypothesisSource `json:"source"`
	Evidence    []string         `json:"evidence,omitempty"`
	Actions     []string         `json:"actions,omitempty"`
}

// DeliveryOutcome records what happened to one channel attempt.
type DeliveryOutcome string

const (
	OutcomeDelivered  DeliveryOutcome = "delivered"
	OutcomeFailed     DeliveryOutcome = "failed"
	OutcomeSuppressed DeliveryOutcome = "suppressed"
)

// NotificationRecord is one entry in an incident's append-only delivery log.
type NotificationRecord struct {
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   DeliveryOutcome `json:"outcome"`
	Severity  Severity        `json:"severity"`
	Detail    string          `json:"detail,omitempty"`
}

// Incident is the lifecycle record tracking one detected failure episode for
// one endpoint. All mutation goes through the Store so that transitions are
// serialized per incident.
type Incident struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	URL        string    `json:"url"`
	Kind       Kind      `json:"kind"`
	State      State     `json:"state"`
	Severity   Severity  `json:"severity"`
	OpenedAt   time.Time `json:"opened_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`

	// Probe context captured at open time.
	StatusCode int     `json:"status_code,omitempty"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
	ErrorMsg   string  `json:"error,omitempty"`

	Bundle          *Bundle              `json:"bundle,omitempty"`
	Hypotheses      []Hypothesis         `json:"hypotheses,omitempty"`
	ConfidenceLabel string               `json:"confidence_label,omitempty"`
	Notifications   []NotificationRecord `json:"notifications,omitempty"`

	// EscalateAfter is the deadline past which an unresolved incident is
	// re-notified at raised severity. Checked by the pipeline sweep.
	EscalateAfter time.Time `json:"escalate_after,omitempty"`
}

// Resolved reports whether the incident has reached its terminal state.
func (i *Incident) Resolved() bool { return i.State == StateResolved }

// TopHypothesis returns the highest-confidence hypothesis, if any.
func (i *Incident) TopHypothesis() (Hypothesis, bool) {
	if len(i.Hypotheses) == 0 {
		return Hypothesis{}, false
	}
	return i.Hypotheses[0], true
}

// NewID derives an incident ID from the endpoint name and open time. The ULID
// timestamp comes from openedAt and the entropy from a hash of the endpoint, so
// the same (endpoint, open time) pair always produces the same ID.
func NewID(endpoint string, openedAt time.Time) string {
	sum := sha256.Sum256([]byte(endpoint))
	var entropy [10]byte
	copy(entropy[:], sum[:10])
	id := ulid.ULID{}
	if err := id.SetTime(ulid.Timestamp(openedAt)); err != nil {
		// openedAt beyond the ULID epoch range; clamp to max.
		_ = id.SetTime(ulid.MaxTime())
	}
	_ = id.SetEntropy(entropy[:])
	return id.String()
}

// Endpoint is a monitored target plus the runtime counters the failure
// detector maintains for it. Counters are mutated only by the detector.
type Endpoint struct {
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	Method          string        `json:"method"`
	Timeout         time.Duration `json:"timeout"`
	ExpectedStatus  []int         `json:"expected_status"`
	LatencyBudgetMS float64       `json:"latency_budget_ms"`
	FailThreshold   int           `json:"fail_threshold"`

	// Runtime counters.
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastCheck        time.Time `json:"last_check,omitempty"`
	LastStatus       int       `json:"last_status,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// StatusExpected reports whether code is in the endpoint's expected status set.
func (e *Endpoint) StatusExpected(code int) bool {
	for _, s := range e.ExpectedStatus {
		if s == code {
			return true
		}
	}
	return false
}
