package claude

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

func TestParseHypotheses(t *testing.T) {
	t.Parallel()

	body := `[
		{"class": "database_connection_error", "description": "pool exhausted", "confidence": 0.8,
		 "evidence": ["connection refused in logs"], "actions": ["check pool size"]},
		{"class": "network_connectivity", "description": "lossy path", "confidence": 0.3}
	]`

	tests := []struct {
		name string
		text string
	}{
		{"bare array", body},
		{"json fence", "```json\n" + body + "\n```"},
		{"plain fence", "```\n" + body + "\n```"},
		{"surrounding whitespace", "\n  " + body + "  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hs, err := parseHypotheses(tt.text)
			if err != nil {
				t.Fatalf("parseHypotheses: %v", err)
			}
			if len(hs) != 2 {
				t.Fatalf("hypotheses = %+v", hs)
			}
			if hs[0].Class != "database_connection_error" || hs[0].Confidence != 0.8 {
				t.Errorf("first = %+v", hs[0])
			}
			if hs[0].Source != incident.SourceInference {
				t.Errorf("source = %s", hs[0].Source)
			}
			if len(hs[0].Evidence) != 1 || len(hs[0].Actions) != 1 {
				t.Errorf("evidence/actions = %+v", hs[0])
			}
		})
	}
}

func TestParseHypotheses_SkipsIncomplete(t *testing.T) {
	t.Parallel()

	hs, err := parseHypotheses(`[
		{"class": "", "description": "no class", "confidence": 0.5},
		{"class": "no_description", "confidence": 0.5},
		{"class": "kept", "description": "complete", "confidence": 0.5}
	]`)
	if err != nil {
		t.Fatalf("parseHypotheses: %v", err)
	}
	if len(hs) != 1 || hs[0].Class != "kept" {
		t.Fatalf("hypotheses = %+v", hs)
	}
}

func TestParseHypotheses_EmptyArray(t *testing.T) {
	t.Parallel()

	hs, err := parseHypotheses("[]")
	if err != nil {
		t.Fatalf("parseHypotheses: %v", err)
	}
	if len(hs) != 0 {
		t.Fatalf("hypotheses = %+v", hs)
	}
}

func TestParseHypotheses_BadJSON(t *testing.T) {
	t.Parallel()

	for _, text := range []string{"not json", `{"class": "object_not_array"}`, ""} {
		if _, err := parseHypotheses(text); err == nil {
			t.Errorf("parseHypotheses(%q) accepted invalid input", text)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	inc := &incident.Incident{
		ID:         "inc-1",
		Endpoint:   "api",
		URL:        "https://api.example.com/health",
		ErrorMsg:   "HTTP 503 error",
		StatusCode: 503,
		LatencyMS:  412,
		OpenedAt:   time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
	}
	bundle := &incident.Bundle{
		IncidentID: "inc-1",
		Results: []incident.SourceResult{
			{Source: "logs", Payload: json.RawMessage(`{"error_count":12}`)},
			{Source: "metrics", Unavailable: true, Reason: "prometheus returned 502"},
		},
	}

	prompt := buildPrompt(inc, bundle)
	for _, want := range []string{
		"Incident inc-1",
		"api (https://api.example.com/health)",
		"HTTP 503 error (status 503, latency 412ms)",
		`- logs: {"error_count":12}`,
		"- metrics: unavailable (prometheus returned 502)",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_NilBundle(t *testing.T) {
	t.Parallel()

	prompt := buildPrompt(&incident.Incident{ID: "inc-2", Endpoint: "api"}, nil)
	if strings.Contains(prompt, "Diagnostic evidence") {
		t.Errorf("evidence section rendered without a bundle:\n%s", prompt)
	}
	if !strings.Contains(prompt, "root cause") {
		t.Errorf("prompt = %q", prompt)
	}
}
