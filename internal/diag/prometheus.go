package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// MetricsSource runs a fixed set of instant PromQL queries scoped to the
// failing service: availability, request error rate, latency, and resource
// saturation.
type MetricsSource struct {
	endpoint   string
	tenantID   string
	httpClient *http.Client
}

// NewMetricsSource creates a Prometheus-backed metrics source.
func NewMetricsSource(endpoint, tenantID string) *MetricsSource {
	return &MetricsSource{
		endpoint: endpoint,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (m *MetricsSource) Name() string { return "metrics" }

// queriesFor builds the per-service query set. Results are keyed by the
// short names here so the correlation layer can reference them.
func queriesFor(service string) map[string]string {
	return map[string]string{
		"up":            fmt.Sprintf(`up{service=%q}`, service),
		"error_rate":    fmt.Sprintf(`sum(rate(http_requests_total{service=%q,code=~"5.."}[5m]))`, service),
		"p99_latency":   fmt.Sprintf(`histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{service=%q}[5m])) by (le))`, service),
		"cpu_usage":     fmt.Sprintf(`sum(rate(container_cpu_usage_seconds_total{service=%q}[5m]))`, service),
		"memory_bytes":  fmt.Sprintf(`sum(container_memory_working_set_bytes{service=%q})`, service),
		"restart_count": fmt.Sprintf(`sum(increase(kube_pod_container_status_restarts_total{service=%q}[1h]))`, service),
	}
}

// Collect runs every query and returns the slimmed instant results keyed by
// query name. A failing Prometheus makes the whole source unavailable; an
// individual empty result is recorded as such.
func (m *MetricsSource) Collect(ctx context.Context, req Request) (json.RawMessage, error) {
	results := make(map[string]any)
	for name, q := range queriesFor(req.Endpoint) {
		res, err := m.query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", name, err)
		}
		results[name] = res
	}

	output := map[string]any{
		"service": req.Endpoint,
		"queries": results,
	}
	return json.Marshal(output)
}

func (m *MetricsSource) query(ctx context.Context, query string) (any, error) {
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = "/api/v1/query"

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if m.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", m.tenantID)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prometheus query failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus returned %d: %s", resp.StatusCode, string(body))
	}

	// parse and slim down the response so bundles stay small
	var promResp struct {
		Status string `json:"status"`
		Data   struct {
			ResultType string            `json:"resultType"`
			Result     []json.RawMessage `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &promResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if promResp.Status != successStatus {
		return nil, fmt.Errorf("prometheus query failed: %s", string(body))
	}

	results := promResp.Data.Result
	truncated := false
	if len(results) > 50 {
		results = results[:50]
		truncated = true
	}

	return map[string]any{
		"result_type":  promResp.Data.ResultType,
		"result_count": len(promResp.Data.Result),
		"results":      results,
		"truncated":    truncated,
	}, nil
}
