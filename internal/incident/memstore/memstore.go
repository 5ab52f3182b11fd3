// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing and for
// deployments that don't need incident history to survive restarts.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> record
	live      map[string]string             // endpoint+kind -> live incident ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		live:      make(map[string]string),
	}
}

func liveKey(endpoint string, kind incident.Kind) string {
	return endpoint + "\x00" + string(kind)
}

// Open records a new incident unless a live one already exists for the
// endpoint, in which case the existing record is returned.
func (s *Store) Open(_ context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := liveKey(inc.Endpoint, inc.Kind)
	if id, ok := s.live[key]; ok {
		if existing := s.incidents[id]; existing != nil && !existing.Resolved() {
			cp := *existing
			return &cp, true, nil
		}
	}

	cp := *inc
	s.incidents[inc.ID] = &cp
	s.live[key] = inc.ID
	out := cp
	return &out, false, nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	cp := *inc
	return &cp, nil
}

// OpenForEndpoint returns the live incident of the given kind for an endpoint.
func (s *Store) OpenForEndpoint(_ context.Context, endpoint string, kind incident.Kind) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.live[liveKey(endpoint, kind)]
	if !ok {
		return nil, false, nil
	}
	inc, ok := s.incidents[id]
	if !ok || inc.Resolved() {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// Transition applies a compare-and-set state change.
func (s *Store) Transition(_ context.Context, id string, from, to incident.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	if inc.State != from {
		return incident.ErrConflict
	}
	inc.State = to
	return nil
}

// Resolve moves the incident to resolved and clears the live slot.
func (s *Store) Resolve(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	if inc.Resolved() {
		return nil
	}
	inc.State = incident.StateResolved
	inc.ResolvedAt = at
	key := liveKey(inc.Endpoint, inc.Kind)
	if s.live[key] == id {
		delete(s.live, key)
	}
	return nil
}

// AttachBundle attaches the diagnostic bundle exactly once.
func (s *Store) AttachBundle(_ context.Context, id string, b *incident.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	if inc.Bundle != nil {
		return incident.ErrConflict
	}
	inc.Bundle = b
	return nil
}

// AttachHypotheses records the ranked hypotheses, confidence label, and
// the severity derived from the analysis.
func (s *Store) AttachHypotheses(_ context.Context, id string, hs []incident.Hypothesis, label string, sev incident.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.Hypotheses = append([]incident.Hypothesis(nil), hs...)
	inc.ConfidenceLabel = label
	inc.Severity = sev
	return nil
}

// Escalate moves a notified incident to escalated and raises its severity.
func (s *Store) Escalate(_ context.Context, id string, sev incident.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	if inc.State != incident.StateNotified {
		return incident.ErrConflict
	}
	inc.State = incident.StateEscalated
	inc.Severity = sev
	return nil
}

// AppendNotification appends one delivery record.
func (s *Store) AppendNotification(_ context.Context, id string, rec incident.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.Notifications = append(inc.Notifications, rec)
	return nil
}

// RecentDeliveries returns the endpoint's delivered records newer than since.
func (s *Store) RecentDeliveries(_ context.Context, endpoint string, since time.Time) ([]incident.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []incident.NotificationRecord
	for _, inc := range s.incidents {
		if inc.Endpoint != endpoint {
			continue
		}
		for _, rec := range inc.Notifications {
			if rec.Outcome == incident.OutcomeDelivered && rec.Timestamp.After(since) {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

// SetEscalateAfter stores the escalation deadline.
func (s *Store) SetEscalateAfter(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.EscalateAfter = at
	return nil
}

// List returns incidents newest first.
func (s *Store) List(_ context.Context, limit int) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Unresolved returns all non-resolved incidents.
func (s *Store) Unresolved(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.Incident
	for _, inc := range s.incidents {
		if !inc.Resolved() {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// Retire deletes resolved incidents whose resolve time is before cutoff.
func (s *Store) Retire(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inc := range s.incidents {
		if inc.Resolved() && !inc.ResolvedAt.IsZero() && inc.ResolvedAt.Before(cutoff) {
			delete(s.incidents, id)
			n++
		}
	}
	return n, nil
}
