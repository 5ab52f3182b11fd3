package correlate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

const (
	historyCapacity     = 100
	similarityThreshold = 0.3
	maxSimilar          = 5
)

// record is the condensed form of a past incident kept for similarity
// scoring.
type record struct {
	Endpoint string
	ErrorMsg string
	Class    string
	Actions  []string
	OpenedAt time.Time
}

// History is a bounded, most-recent-first memory of analyzed incidents used
// for the historical-correlation technique. Safe for concurrent use.
type History struct {
	halfLife time.Duration
	now      func() time.Time

	mu      sync.Mutex
	records []record
}

// NewHistory creates a History whose recency weighting decays around
// halfLife: matches younger than halfLife score the full recency bonus,
// matches younger than four half-lives score half of it.
func NewHistory(halfLife time.Duration) *History {
	return &History{
		halfLife: halfLife,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (h *History) SetClock(now func() time.Time) { h.now = now }

// Record remembers an analyzed incident, evicting the oldest past capacity.
func (h *History) Record(inc *incident.Incident) {
	r := record{
		Endpoint: inc.Endpoint,
		ErrorMsg: strings.ToLower(inc.ErrorMsg),
		OpenedAt: inc.OpenedAt,
	}
	if top, ok := inc.TopHypothesis(); ok {
		r.Class = top.Class
		r.Actions = top.Actions
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	if len(h.records) > historyCapacity {
		h.records = h.records[len(h.records)-historyCapacity:]
	}
}

// Len reports the number of remembered incidents.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Hypotheses scores the incident against remembered ones and, when at least
// two score above the similarity threshold, returns a single recurring-
// incident hypothesis whose confidence grows with the match count.
func (h *History) Hypotheses(inc *incident.Incident) []incident.Hypothesis {
	matches := h.similar(inc)
	if len(matches) < 2 {
		return nil
	}

	conf := float64(len(matches)) * 0.1
	if conf > 0.7 {
		conf = 0.7
	}
	return []incident.Hypothesis{{
		Class:       "recurring_incident",
		Description: fmt.Sprintf("Similar incident pattern detected (occurred %d times historically)", len(matches)),
		Confidence:  conf,
		Source:      incident.SourceHistory,
		Evidence:    []string{fmt.Sprintf("Found %d similar historical incidents", len(matches))},
		Actions: []string{
			"Investigate root cause of recurring incidents",
			"Implement preventive measures",
			"Consider system architecture review",
		},
	}}
}

func (h *History) similar(inc *incident.Incident) []record {
	now := h.now()
	errWords := wordSet(strings.ToLower(inc.ErrorMsg))

	h.mu.Lock()
	defer h.mu.Unlock()

	type scored struct {
		rec   record
		score float64
	}
	var matches []scored
	for _, r := range h.records {
		score := 0.0
		if r.Endpoint == inc.Endpoint {
			score += 0.5
		}
		if len(errWords) > 0 && r.ErrorMsg != "" {
			for w := range wordSet(r.ErrorMsg) {
				if errWords[w] {
					score += 0.1
				}
			}
		}
		age := now.Sub(r.OpenedAt)
		switch {
		case age < h.halfLife:
			score += 0.2
		case age < 4*h.halfLife:
			score += 0.1
		}
		if score > similarityThreshold {
			matches = append(matches, scored{rec: r, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > maxSimilar {
		matches = matches[:maxSimilar]
	}
	out := make([]record, len(matches))
	for i, m := range matches {
		out[i] = m.rec
	}
	return out
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}
