// Package claude implements root-cause inference on the Anthropic API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sentinel/internal/incident"
)

const responseTokens = 2048

// Client asks Claude for root-cause hypotheses over a diagnostic bundle.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude inference client.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

const systemPrompt = `You are an SRE assistant analyzing a service incident from collected diagnostic evidence.

Respond ONLY with a JSON array of root cause hypotheses, most likely first:
[{"class": "snake_case_failure_class", "description": "one sentence explanation",
  "confidence": 0.0-1.0, "evidence": ["supporting observation"], "actions": ["recommended step"]}]

Report confidence honestly: use low values when the evidence is thin. Return [] if the
evidence supports no hypothesis at all.`

// Infer sends the incident and bundle to the model and parses its
// hypotheses. The caller owns the timeout on ctx.
func (c *Client) Infer(ctx context.Context, inc *incident.Incident, bundle *incident.Bundle) ([]incident.Hypothesis, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: responseTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(inc, bundle))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("inference call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("inference returned no text content")
	}
	return parseHypotheses(text)
}

// buildPrompt renders the incident and each available source payload. Raw
// payloads are already size-capped by the collector's sources.
func buildPrompt(inc *incident.Incident, bundle *incident.Bundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s\n", inc.ID)
	fmt.Fprintf(&b, "Endpoint: %s (%s)\n", inc.Endpoint, inc.URL)
	fmt.Fprintf(&b, "Opened: %s\n", inc.OpenedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&b, "Failure: %s (status %d, latency %.0fms)\n", inc.ErrorMsg, inc.StatusCode, inc.LatencyMS)

	if bundle != nil {
		b.WriteString("\nDiagnostic evidence:\n")
		for _, res := range bundle.Results {
			if res.Unavailable {
				fmt.Fprintf(&b, "- %s: unavailable (%s)\n", res.Source, res.Reason)
				continue
			}
			fmt.Fprintf(&b, "- %s: %s\n", res.Source, string(res.Payload))
		}
	}
	b.WriteString("\nWhat is the most likely root cause?")
	return b.String()
}

type rawHypothesis struct {
	Class       string   `json:"class"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
	Actions     []string `json:"actions"`
}

// parseHypotheses decodes the model's JSON array, tolerating markdown code
// fences around it.
func parseHypotheses(text string) ([]incident.Hypothesis, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var raw []rawHypothesis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse inference response: %w", err)
	}

	out := make([]incident.Hypothesis, 0, len(raw))
	for _, r := range raw {
		if r.Class == "" || r.Description == "" {
			continue
		}
		out = append(out, incident.Hypothesis{
			Class:       r.Class,
			Description: r.Description,
			Confidence:  r.Confidence,
			Source:      incident.SourceInference,
			Evidence:    r.Evidence,
			Actions:     r.Actions,
		})
	}
	return out, nil
}
