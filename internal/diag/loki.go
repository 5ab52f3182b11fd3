package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	successStatus = "success"
	maxLogLines   = 500
)

// errorKeywords are substrings counted as notable error patterns in
// collected log lines.
var errorKeywords = []string{
	"connection refused", "timeout", "out of memory",
	"database error", "null pointer", "stack overflow",
	"authentication failed", "authorization failed",
}

// LogSource queries Loki for the failing service's recent log lines and
// summarizes error density alongside the raw tail.
type LogSource struct {
	endpoint   string
	tenantID   string
	window     time.Duration
	httpClient *http.Client
}

type logLine struct {
	Timestamp string            `json:"ts"`
	Line      string            `json:"line"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

type errorPattern struct {
	Pattern   string `json:"pattern"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewLogSource creates a Loki-backed log source scanning the trailing window.
func NewLogSource(endpoint, tenantID string, window time.Duration) *LogSource {
	return &LogSource{
		endpoint:   endpoint,
		tenantID:   tenantID,
		window:     window,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (l *LogSource) Name() string { return "logs" }

// Collect fetches the trailing log window for the incident's service and
// returns line counts, error/warning totals, and matched error patterns.
func (l *LogSource) Collect(ctx context.Context, req Request) (json.RawMessage, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	now := time.Now().UTC()
	q := u.Query()
	q.Set("query", fmt.Sprintf("{service=%q}", req.Endpoint))
	q.Set("start", now.Add(-l.window).Format(time.RFC3339Nano))
	q.Set("end", now.Format(time.RFC3339Nano))
	q.Set("limit", fmt.Sprintf("%d", maxLogLines))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req2, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if l.tenantID != "" {
		req2.Header.Set("X-Scope-OrgID", l.tenantID)
	}

	resp, err := l.httpClient.Do(req2)
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20)) // 5 MB
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, string(body))
	}

	var lokiResp lokiResponse
	if err := json.Unmarshal(body, &lokiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if lokiResp.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	lines := flattenStreams(lokiResp.Data.Result, maxLogLines)
	errorCount, warningCount, patterns := analyzeLines(lines)

	output := map[string]any{
		"service":        req.Endpoint,
		"window_minutes": int(l.window.Minutes()),
		"line_count":     len(lines),
		"error_count":    errorCount,
		"warning_count":  warningCount,
		"error_patterns": patterns,
		"lines":          lines,
		"truncated":      len(lines) >= maxLogLines,
	}
	return json.Marshal(output)
}

func flattenStreams(results []lokiStream, limit int) []logLine {
	lines := make([]logLine, 0, limit)

	for _, stream := range results {
		includeLabels := true
		for _, entry := range stream.Values {
			if len(entry) < 2 {
				continue
			}
			ll := logLine{
				Timestamp: entry[0],
				Line:      entry[1],
			}
			if includeLabels {
				ll.Labels = stream.Stream
				includeLabels = false
			}
			lines = append(lines, ll)
			if len(lines) >= limit {
				return lines
			}
		}
	}
	return lines
}

// analyzeLines counts error and warning lines and records up to ten matches
// against the known error keywords.
func analyzeLines(lines []logLine) (errorCount, warningCount int, patterns []errorPattern) {
	for _, ll := range lines {
		upper := strings.ToUpper(ll.Line)
		switch {
		case strings.Contains(upper, "ERROR"):
			errorCount++
		case strings.Contains(upper, "WARN"):
			warningCount++
		}

		lower := strings.ToLower(ll.Line)
		for _, kw := range errorKeywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			msg := ll.Line
			if len(msg) > 200 {
				msg = msg[:200]
			}
			if len(patterns) < 10 {
				patterns = append(patterns, errorPattern{
					Pattern:   kw,
					Timestamp: ll.Timestamp,
					Message:   msg,
				})
			}
		}
	}
	return errorCount, warningCount, patterns
}
