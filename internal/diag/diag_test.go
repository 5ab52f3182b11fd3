package diag

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

type fakeSource struct {
	name    string
	payload json.RawMessage
	err     error
	delay   time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Collect(ctx context.Context, _ Request) (json.RawMessage, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.payload, f.err
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&fakeSource{name: "network"})
	r.Register(&fakeSource{name: "logs"})

	if _, ok := r.Get("logs"); !ok {
		t.Error("Get(logs) not found")
	}
	if _, ok := r.Get("metrics"); ok {
		t.Error("Get(metrics) found unregistered source")
	}

	all := r.All()
	if len(all) != 2 || all[0].Name() != "logs" || all[1].Name() != "network" {
		t.Errorf("All() order wrong: %v", names(all))
	}
}

func names(sources []Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Name()
	}
	return out
}

func TestCollect_OneEntryPerSource(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&fakeSource{name: "logs", payload: json.RawMessage(`{"line_count":3}`)})
	r.Register(&fakeSource{name: "network", payload: json.RawMessage(`{"dns_ok":true}`)})

	c := NewCollector(r, time.Second, 500*time.Millisecond, log.Nop())
	bundle := c.Collect(context.Background(), Request{IncidentID: "inc-1", Endpoint: "api"})

	if bundle.IncidentID != "inc-1" {
		t.Errorf("IncidentID = %q", bundle.IncidentID)
	}
	if len(bundle.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(bundle.Results))
	}
	if bundle.Results[0].Source != "logs" || bundle.Results[1].Source != "network" {
		t.Errorf("results out of registry order: %+v", bundle.Results)
	}
	for _, res := range bundle.Results {
		if res.Unavailable {
			t.Errorf("source %s unavailable: %s", res.Source, res.Reason)
		}
		if res.Payload == nil {
			t.Errorf("source %s has no payload", res.Source)
		}
	}
	if got := bundle.Available(); got != 2 {
		t.Errorf("Available() = %d, want 2", got)
	}
}

func TestCollect_FailingSourceIsolated(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&fakeSource{name: "logs", err: errors.New("loki returned 502")})
	r.Register(&fakeSource{name: "network", payload: json.RawMessage(`{}`)})

	c := NewCollector(r, time.Second, 500*time.Millisecond, log.Nop())
	bundle := c.Collect(context.Background(), Request{IncidentID: "inc-2"})

	logsRes, ok := bundle.Result("logs")
	if !ok || !logsRes.Unavailable || logsRes.Reason != "loki returned 502" {
		t.Errorf("logs result = %+v", logsRes)
	}
	netRes, ok := bundle.Result("network")
	if !ok || netRes.Unavailable {
		t.Errorf("network result = %+v", netRes)
	}
}

func TestCollect_HungSourceHitsDeadline(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(&fakeSource{name: "slow", delay: 5 * time.Second})
	r.Register(&fakeSource{name: "fast", payload: json.RawMessage(`{}`)})

	c := NewCollector(r, 100*time.Millisecond, 50*time.Millisecond, log.Nop())

	start := time.Now()
	bundle := c.Collect(context.Background(), Request{IncidentID: "inc-3"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Collect ran %v, deadline not enforced", elapsed)
	}

	slowRes, ok := bundle.Result("slow")
	if !ok || !slowRes.Unavailable {
		t.Fatalf("slow result = %+v", slowRes)
	}
	fastRes, ok := bundle.Result("fast")
	if !ok || fastRes.Unavailable {
		t.Errorf("fast result = %+v", fastRes)
	}
}

func TestCollect_EmptyRegistry(t *testing.T) {
	t.Parallel()

	c := NewCollector(NewRegistry(), time.Second, time.Second, log.Nop())
	bundle := c.Collect(context.Background(), Request{IncidentID: "inc-4"})
	if len(bundle.Results) != 0 {
		t.Errorf("results = %+v, want none", bundle.Results)
	}
	if bundle.Available() != 0 {
		t.Errorf("Available() = %d", bundle.Available())
	}
}
