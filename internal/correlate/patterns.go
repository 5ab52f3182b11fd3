package correlate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/cfg"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Rule is one deterministic failure signature. Keyword hits and regex hits
// each contribute up to 0.4 of the confidence; the rule's boost and any
// context boost make up the rest, capped at 1.0.
type Rule struct {
	Class       string
	Description string
	Keywords    []string
	Patterns    []*regexp.Regexp
	Boost       float64
	Actions     []string
}

// minPatternConfidence is the floor below which a rule produces no hypothesis.
const minPatternConfidence = 0.1

// DefaultRules returns the built-in failure pattern library.
func DefaultRules() []Rule {
	return []Rule{
		{
			Class:       "database_connection_error",
			Description: "Database connectivity issue detected",
			Keywords:    []string{"connection refused", "timeout", "connection pool", "database", "sql"},
			Patterns: compile(
				`connection.*refused`,
				`database.*timeout`,
				`connection.*pool.*exhausted`,
				`sql.*error`,
			),
			Boost: 0.3,
			Actions: []string{
				"Check database server availability",
				"Verify connection string and credentials",
				"Check connection pool settings",
				"Monitor database server resources",
			},
		},
		{
			Class:       "memory_leak",
			Description: "Memory leak or excessive memory usage detected",
			Keywords:    []string{"out of memory", "memory", "heap", "oom", "allocation"},
			Patterns: compile(
				`out of memory`,
				`memory.*usage.*high`,
				`heap.*space`,
				`allocation.*failed`,
			),
			Boost: 0.25,
			Actions: []string{
				"Analyze memory usage patterns",
				"Check for memory leaks in application code",
				"Increase heap size if appropriate",
				"Monitor garbage collection metrics",
			},
		},
		{
			Class:       "network_connectivity",
			Description: "Network connectivity problem identified",
			Keywords:    []string{"network", "connection", "timeout", "unreachable", "dns"},
			Patterns: compile(
				`network.*unreachable`,
				`connection.*timeout`,
				`dns.*resolution.*failed`,
				`host.*unreachable`,
			),
			Boost: 0.2,
			Actions: []string{
				"Verify network connectivity between services",
				"Check DNS resolution",
				"Verify firewall rules",
				"Test network latency and packet loss",
			},
		},
		{
			Class:       "ssl_certificate",
			Description: "SSL/TLS certificate issue detected",
			Keywords:    []string{"ssl", "certificate", "tls", "handshake", "expired"},
			Patterns: compile(
				`ssl.*certificate.*expired`,
				`certificate.*error`,
				`tls.*handshake.*failed`,
				`certificate.*invalid`,
			),
			Boost: 0.4,
			Actions: []string{
				"Renew SSL certificate",
				"Verify certificate chain",
				"Check certificate installation",
				"Update certificate trust store",
			},
		},
		{
			Class:       "service_overload",
			Description: "Service overload or resource exhaustion detected",
			Keywords:    []string{"overload", "too many requests", "rate limit", "high cpu", "high memory"},
			Patterns: compile(
				`too many requests`,
				`rate limit.*exceeded`,
				`cpu.*usage.*high`,
				`memory.*usage.*high`,
			),
			Boost: 0.2,
			Actions: []string{
				"Scale up service resources",
				"Implement rate limiting",
				"Optimize application performance",
				"Add load balancing",
			},
		},
		{
			Class:       "deployment_issue",
			Description: "Recent deployment-related issue detected",
			Keywords:    []string{"deployment", "release", "version", "rollback", "config"},
			Patterns: compile(
				`deployment.*failed`,
				`version.*mismatch`,
				`configuration.*error`,
				`rollback.*required`,
			),
			Boost: 0.35,
			Actions: []string{
				"Review recent deployment changes",
				"Consider rolling back to previous version",
				"Verify configuration files",
				"Check deployment logs",
			},
		},
	}
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// RulesFromConfig converts user-defined rules and appends them to the
// built-in library. Patterns were validated at config load, so a compile
// failure here is a programming error.
func RulesFromConfig(defs []cfg.RuleDef) ([]Rule, error) {
	rules := DefaultRules()
	for _, d := range defs {
		r := Rule{
			Class:       d.Class,
			Description: d.Description,
			Keywords:    d.Keywords,
			Boost:       d.Boost,
			Actions:     d.Actions,
		}
		if r.Description == "" {
			r.Description = fmt.Sprintf("Pattern %s detected", d.Class)
		}
		for _, p := range d.Patterns {
			re, err := regexp.Compile(`(?i)` + p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: bad pattern %q: %w", d.Class, p, err)
			}
			r.Patterns = append(r.Patterns, re)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Matcher scores incidents against the pattern library.
type Matcher struct {
	rules []Rule
}

// NewMatcher creates a Matcher over the given rules.
func NewMatcher(rules []Rule) *Matcher {
	return &Matcher{rules: rules}
}

// Match evaluates every rule against the incident's combined evidence text
// and returns one hypothesis per rule that clears the floor.
func (m *Matcher) Match(inc *incident.Incident, bundle *incident.Bundle) []incident.Hypothesis {
	text := evidenceText(inc, bundle)

	var out []incident.Hypothesis
	for _, r := range m.rules {
		conf, evidence := r.score(text, inc, bundle)
		if conf <= minPatternConfidence {
			continue
		}
		desc := r.Description
		if len(evidence) > 0 {
			desc = fmt.Sprintf("%s (based on %d evidence points)", desc, len(evidence))
		}
		out = append(out, incident.Hypothesis{
			Class:       r.Class,
			Description: desc,
			Confidence:  conf,
			Source:      incident.SourcePattern,
			Evidence:    evidence,
			Actions:     r.Actions,
		})
	}
	return out
}

func (r Rule) score(text string, inc *incident.Incident, bundle *incident.Bundle) (float64, []string) {
	conf := 0.0
	var evidence []string

	if len(r.Keywords) > 0 {
		hits := 0
		for _, kw := range r.Keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		conf += float64(hits) / float64(len(r.Keywords)) * 0.4
	}

	if len(r.Patterns) > 0 {
		hits := 0
		for _, re := range r.Patterns {
			if m := re.FindString(text); m != "" {
				hits++
				if len(evidence) < 5 {
					evidence = append(evidence, "Pattern match: "+m)
				}
			}
		}
		conf += float64(hits) / float64(len(r.Patterns)) * 0.4
	}

	conf += contextBoost(r.Class, inc, bundle)
	conf += r.Boost

	if conf > 1.0 {
		conf = 1.0
	}
	return conf, evidence
}

// contextBoost adds class-specific weight from structured bundle evidence
// that plain text matching misses.
func contextBoost(class string, inc *incident.Incident, bundle *incident.Bundle) float64 {
	switch class {
	case "database_connection_error":
		if n, ok := bundleInt(bundle, "dependencies", "unhealthy_count"); ok && n > 0 {
			return 0.2
		}
	case "network_connectivity":
		if networkTestsFailed(bundle) {
			return 0.3
		}
	case "ssl_certificate":
		if inc.Kind == incident.KindAdvisory || strings.Contains(strings.ToLower(inc.ErrorMsg), "certificate") {
			return 0.4
		}
	case "deployment_issue":
		if n, ok := bundleInt(bundle, "changes", "deploy_count"); ok && n > 0 {
			return 0.3
		}
	case "memory_leak", "service_overload":
		if n, ok := bundleInt(bundle, "logs", "error_count"); ok && n > 20 {
			return 0.3
		}
	}
	return 0
}

// evidenceText flattens the incident error, the collected log tail, and
// network test errors into one lowercase haystack.
func evidenceText(inc *incident.Incident, bundle *incident.Bundle) string {
	var parts []string
	if inc.ErrorMsg != "" {
		parts = append(parts, inc.ErrorMsg)
	}

	if bundle != nil {
		if res, ok := bundle.Result("logs"); ok && !res.Unavailable {
			var payload struct {
				Lines []struct {
					Line string `json:"line"`
				} `json:"lines"`
			}
			if json.Unmarshal(res.Payload, &payload) == nil {
				for i, l := range payload.Lines {
					if i >= 20 {
						break
					}
					parts = append(parts, l.Line)
				}
			}
		}
		if res, ok := bundle.Result("network"); ok && !res.Unavailable {
			var payload struct {
				Tests map[string]struct {
					Status string `json:"status"`
					Error  string `json:"error"`
				} `json:"tests"`
			}
			if json.Unmarshal(res.Payload, &payload) == nil {
				for name, t := range payload.Tests {
					if t.Error != "" {
						parts = append(parts, fmt.Sprintf("%s: %s", name, t.Error))
					}
				}
			}
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func networkTestsFailed(bundle *incident.Bundle) bool {
	if bundle == nil {
		return false
	}
	res, ok := bundle.Result("network")
	if !ok || res.Unavailable {
		return false
	}
	var payload struct {
		Tests map[string]struct {
			Status string `json:"status"`
		} `json:"tests"`
	}
	if json.Unmarshal(res.Payload, &payload) != nil {
		return false
	}
	for _, t := range payload.Tests {
		if t.Status == "failed" || t.Status == "timeout" {
			return true
		}
	}
	return false
}

func bundleInt(bundle *incident.Bundle, source, field string) (int, bool) {
	if bundle == nil {
		return 0, false
	}
	res, ok := bundle.Result(source)
	if !ok || res.Unavailable {
		return 0, false
	}
	var payload map[string]json.RawMessage
	if json.Unmarshal(res.Payload, &payload) != nil {
		return 0, false
	}
	raw, ok := payload[field]
	if !ok {
		return 0, false
	}
	var n int
	if json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	return n, true
}
