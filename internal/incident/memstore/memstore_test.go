package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

func newIncident(id, endpoint string, at time.Time) *incident.Incident {
	return &incident.Incident{
		ID:       id,
		Endpoint: endpoint,
		Kind:     incident.KindFailure,
		State:    incident.StateOpen,
		Severity: incident.SeverityHigh,
		OpenedAt: at,
	}
}

func TestStore_OpenAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	got, reused, err := s.Open(ctx, newIncident("i-1", "api", at))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reused {
		t.Fatal("first open should not reuse")
	}
	if got.ID != "i-1" {
		t.Errorf("ID = %q, want i-1", got.ID)
	}

	fetched, err := s.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Endpoint != "api" || fetched.State != incident.StateOpen {
		t.Errorf("Get = %+v", fetched)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestStore_OpenReusesLiveIncident(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	first, _, err := s.Open(ctx, newIncident("i-1", "api", at))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	second, reused, err := s.Open(ctx, newIncident("i-2", "api", at.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reused {
		t.Fatal("second open for same endpoint should reuse")
	}
	if second.ID != first.ID {
		t.Errorf("reused ID = %q, want %q", second.ID, first.ID)
	}

	// a different kind for the same endpoint opens independently
	adv := newIncident("i-3", "api", at)
	adv.Kind = incident.KindAdvisory
	_, reused, err = s.Open(ctx, adv)
	if err != nil {
		t.Fatalf("Open advisory: %v", err)
	}
	if reused {
		t.Error("advisory should not reuse the failure incident")
	}
}

func TestStore_ResolveClearsLiveSlot(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	_, _, err := s.Open(ctx, newIncident("i-1", "api", at))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Resolve(ctx, "i-1", at.Add(time.Minute)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// resolving again is a no-op
	if err := s.Resolve(ctx, "i-1", at.Add(2*time.Minute)); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	got, err := s.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ResolvedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("ResolvedAt = %v, want first resolve time", got.ResolvedAt)
	}

	// endpoint is free for a new incident
	_, reused, err := s.Open(ctx, newIncident("i-2", "api", at.Add(3*time.Minute)))
	if err != nil {
		t.Fatalf("Open after resolve: %v", err)
	}
	if reused {
		t.Error("open after resolve should create a new incident")
	}
}

func TestStore_OpenForEndpoint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, ok, err := s.OpenForEndpoint(ctx, "api", incident.KindFailure)
	if err != nil {
		t.Fatalf("OpenForEndpoint: %v", err)
	}
	if ok {
		t.Fatal("no live incident expected")
	}

	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))
	live, ok, err := s.OpenForEndpoint(ctx, "api", incident.KindFailure)
	if err != nil {
		t.Fatalf("OpenForEndpoint: %v", err)
	}
	if !ok || live.ID != "i-1" {
		t.Errorf("live = %+v, %v", live, ok)
	}
}

func TestStore_TransitionCAS(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	if err := s.Transition(ctx, "i-1", incident.StateOpen, incident.StateTriaging); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// second claim loses
	err := s.Transition(ctx, "i-1", incident.StateOpen, incident.StateTriaging)
	if !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("Transition = %v, want ErrConflict", err)
	}
	if err := s.Transition(ctx, "missing", incident.StateOpen, incident.StateTriaging); !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("Transition missing = %v, want ErrNotFound", err)
	}
}

func TestStore_AttachBundleOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	b := &incident.Bundle{IncidentID: "i-1"}
	if err := s.AttachBundle(ctx, "i-1", b); err != nil {
		t.Fatalf("AttachBundle: %v", err)
	}
	if err := s.AttachBundle(ctx, "i-1", b); !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("second AttachBundle = %v, want ErrConflict", err)
	}
}

func TestStore_AttachHypothesesSetsSeverity(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	hs := []incident.Hypothesis{{Class: "database_connection_error", Confidence: 0.9}}
	if err := s.AttachHypotheses(ctx, "i-1", hs, "high confidence", incident.SeverityCritical); err != nil {
		t.Fatalf("AttachHypotheses: %v", err)
	}

	got, _ := s.Get(ctx, "i-1")
	if len(got.Hypotheses) != 1 || got.Hypotheses[0].Class != "database_connection_error" {
		t.Errorf("Hypotheses = %+v", got.Hypotheses)
	}
	if got.ConfidenceLabel != "high confidence" {
		t.Errorf("ConfidenceLabel = %q", got.ConfidenceLabel)
	}
	if got.Severity != incident.SeverityCritical {
		t.Errorf("Severity = %s, want critical", got.Severity)
	}
}

func TestStore_Escalate(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	// not yet notified
	if err := s.Escalate(ctx, "i-1", incident.SeverityCritical); !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("Escalate open incident = %v, want ErrConflict", err)
	}

	_ = s.Transition(ctx, "i-1", incident.StateOpen, incident.StateTriaging)
	_ = s.Transition(ctx, "i-1", incident.StateTriaging, incident.StateAnalyzed)
	_ = s.Transition(ctx, "i-1", incident.StateAnalyzed, incident.StateNotified)

	if err := s.Escalate(ctx, "i-1", incident.SeverityCritical); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	got, _ := s.Get(ctx, "i-1")
	if got.State != incident.StateEscalated || got.Severity != incident.SeverityCritical {
		t.Errorf("after escalate: state=%s severity=%s", got.State, got.Severity)
	}

	// escalating twice conflicts
	if err := s.Escalate(ctx, "i-1", incident.SeverityCritical); !errors.Is(err, incident.ErrConflict) {
		t.Fatalf("second Escalate = %v, want ErrConflict", err)
	}
}

func TestStore_AppendNotification(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	rec := incident.NotificationRecord{Channel: "slack", Outcome: incident.OutcomeDelivered, Severity: incident.SeverityHigh}
	if err := s.AppendNotification(ctx, "i-1", rec); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}
	if err := s.AppendNotification(ctx, "i-1", rec); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}

	got, _ := s.Get(ctx, "i-1")
	if len(got.Notifications) != 2 {
		t.Errorf("Notifications = %d, want 2", len(got.Notifications))
	}
}

func TestStore_RecentDeliveries(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	_, _, _ = s.Open(ctx, newIncident("i-1", "api", base.Add(-2*time.Hour)))
	_ = s.AppendNotification(ctx, "i-1", incident.NotificationRecord{
		Channel: "slack", Timestamp: base.Add(-90 * time.Minute),
		Outcome: incident.OutcomeDelivered, Severity: incident.SeverityHigh,
	})
	_ = s.Resolve(ctx, "i-1", base.Add(-time.Hour))

	// the log spans incidents: a later incident's delivery counts too
	_, _, _ = s.Open(ctx, newIncident("i-2", "api", base))
	_ = s.AppendNotification(ctx, "i-2", incident.NotificationRecord{
		Channel: "slack", Timestamp: base,
		Outcome: incident.OutcomeDelivered, Severity: incident.SeverityHigh,
	})
	_ = s.AppendNotification(ctx, "i-2", incident.NotificationRecord{
		Channel: "email", Timestamp: base,
		Outcome: incident.OutcomeSuppressed, Severity: incident.SeverityHigh,
	})

	recent, err := s.RecentDeliveries(ctx, "api", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(recent) != 1 || recent[0].Channel != "slack" || !recent[0].Timestamp.Equal(base) {
		t.Errorf("RecentDeliveries = %+v", recent)
	}

	all, err := s.RecentDeliveries(ctx, "api", base.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("RecentDeliveries: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("deliveries across incidents = %d, want 2", len(all))
	}

	none, _ := s.RecentDeliveries(ctx, "other", base.Add(-3*time.Hour))
	if len(none) != 0 {
		t.Errorf("unrelated endpoint returned %+v", none)
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		inc := newIncident(fmt.Sprintf("i-%d", i), fmt.Sprintf("ep-%d", i), base.Add(time.Duration(i)*time.Minute))
		_, _, _ = s.Open(ctx, inc)
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].OpenedAt.After(all[i-1].OpenedAt) {
			t.Fatal("List not sorted newest first")
		}
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List limited: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "i-4" {
		t.Errorf("limited = %v", limited)
	}
}

func TestStore_UnresolvedAndRetire(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	_, _, _ = s.Open(ctx, newIncident("i-old", "ep-a", base.Add(-2*time.Hour)))
	_, _, _ = s.Open(ctx, newIncident("i-live", "ep-b", base))
	_ = s.Resolve(ctx, "i-old", base.Add(-time.Hour))

	open, err := s.Unresolved(ctx)
	if err != nil {
		t.Fatalf("Unresolved: %v", err)
	}
	if len(open) != 1 || open[0].ID != "i-live" {
		t.Errorf("Unresolved = %v", open)
	}

	n, err := s.Retire(ctx, base)
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if n != 1 {
		t.Errorf("Retire = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "i-old"); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("retired incident still present: %v", err)
	}
	if _, err := s.Get(ctx, "i-live"); err != nil {
		t.Errorf("live incident dropped: %v", err)
	}
}

func TestStore_CopySemantics(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, _, _ = s.Open(ctx, newIncident("i-1", "api", time.Now().UTC()))

	got, _ := s.Get(ctx, "i-1")
	got.State = incident.StateResolved

	again, _ := s.Get(ctx, "i-1")
	if again.State != incident.StateOpen {
		t.Error("mutating a returned copy leaked into the store")
	}
}

func TestStore_ConcurrentOpens(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	at := time.Now().UTC()

	var wg sync.WaitGroup
	reusedCount := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, reused, err := s.Open(ctx, newIncident(fmt.Sprintf("i-%d", i), "api", at))
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			reusedCount <- reused
		}(i)
	}
	wg.Wait()
	close(reusedCount)

	fresh := 0
	for reused := range reusedCount {
		if !reused {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("fresh opens = %d, want exactly 1", fresh)
	}
}
