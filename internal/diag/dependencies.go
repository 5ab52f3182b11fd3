package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Dependency names an upstream service and its health endpoint.
type Dependency struct {
	Name      string
	HealthURL string
}

// DependencySource probes the health endpoints of the failing service's
// configured upstream dependencies to tell a local fault from a cascade.
type DependencySource struct {
	deps       []Dependency
	httpClient *http.Client
}

// NewDependencySource creates a dependency health source.
func NewDependencySource(deps []Dependency) *DependencySource {
	return &DependencySource{
		deps:       deps,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DependencySource) Name() string { return "dependencies" }

type depStatus struct {
	Name       string  `json:"name"`
	Healthy    bool    `json:"healthy"`
	StatusCode int     `json:"status_code,omitempty"`
	LatencyMS  float64 `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// Collect checks every configured dependency. An unreachable dependency is
// recorded as unhealthy, not treated as a source failure.
func (d *DependencySource) Collect(ctx context.Context, req Request) (json.RawMessage, error) {
	statuses := make([]depStatus, 0, len(d.deps))
	unhealthy := 0
	for _, dep := range d.deps {
		st := d.check(ctx, dep)
		if !st.Healthy {
			unhealthy++
		}
		statuses = append(statuses, st)
	}

	output := map[string]any{
		"service":         req.Endpoint,
		"dependencies":    statuses,
		"unhealthy_count": unhealthy,
	}
	return json.Marshal(output)
}

func (d *DependencySource) check(ctx context.Context, dep Dependency) depStatus {
	st := depStatus{Name: dep.Name}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, dep.HealthURL, nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}

	start := time.Now()
	resp, err := d.httpClient.Do(hreq)
	st.LatencyMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer resp.Body.Close()

	st.StatusCode = resp.StatusCode
	st.Healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	return st
}
