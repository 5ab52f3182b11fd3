package cfg

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// File is the YAML document holding the monitored endpoints, the
// notification channels, and any extra correlation rules. It is loaded
// once at startup; the engine does not watch it for changes.
type File struct {
	Endpoints    []EndpointDef   `yaml:"endpoints"`
	Channels     []ChannelDef    `yaml:"channels"`
	Rules        []RuleDef       `yaml:"rules"`
	Dependencies []DependencyDef `yaml:"dependencies"`
	ChangeFeed   string          `yaml:"change_feed"`
}

// EndpointDef describes one monitored HTTP endpoint.
type EndpointDef struct {
	Name            string `yaml:"name"`
	URL             string `yaml:"url"`
	Method          string `yaml:"method"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	ExpectedStatus  []int  `yaml:"expected_status"`
	LatencyBudgetMS int    `yaml:"latency_budget_ms"`
	// FailureThreshold overrides the global threshold when positive.
	FailureThreshold int `yaml:"failure_threshold"`
}

// ChannelDef describes one notification channel. Type selects the
// implementation; the remaining fields are consumed by the matching type.
type ChannelDef struct {
	Name           string   `yaml:"name"`
	Type           string   `yaml:"type"` // slack | email | pagerduty | webhook
	Enabled        *bool    `yaml:"enabled"`
	MinSeverity    string   `yaml:"min_severity"`
	EscalationOnly bool     `yaml:"escalation_only"`
	WebhookURL     string   `yaml:"webhook_url"`
	RoutingKey     string   `yaml:"routing_key"`
	SMTPAddr       string   `yaml:"smtp_addr"`
	SMTPUser       string   `yaml:"smtp_user"`
	SMTPPassword   string   `yaml:"smtp_password"`
	From           string   `yaml:"from"`
	Recipients     []string `yaml:"recipients"`
}

// On reports whether the channel is enabled. Channels default to enabled
// when the field is omitted.
func (c ChannelDef) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// RuleDef is a user-supplied correlation rule merged with the built-in
// pattern library. Keywords match as substrings; patterns are RE2.
type RuleDef struct {
	Class       string   `yaml:"class"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Patterns    []string `yaml:"patterns"`
	Boost       float64  `yaml:"boost"`
	Actions     []string `yaml:"actions"`
}

// DependencyDef names an upstream service whose health endpoint is probed
// during diagnostic collection.
type DependencyDef struct {
	Name      string `yaml:"name"`
	HealthURL string `yaml:"health_url"`
}

// LoadFile reads, parses, and validates the YAML config at path.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate config file: %w", err)
	}
	return &f, nil
}

// Validate checks the parsed document. It returns an error joining every
// invalid entry, or nil if the document is usable.
func (f *File) Validate() error {
	var errs []error

	if len(f.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required"))
	}
	seen := make(map[string]bool, len(f.Endpoints))
	for i, e := range f.Endpoints {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("endpoint %d: name is required", i))
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("endpoint %q: duplicate name", e.Name))
		}
		seen[e.Name] = true
		if e.URL == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: url is required", e.Name))
		}
		if e.Method != "" && e.Method != "GET" && e.Method != "POST" && e.Method != "HEAD" {
			errs = append(errs, fmt.Errorf("endpoint %q: unsupported method %q", e.Name, e.Method))
		}
		if e.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("endpoint %q: timeout_seconds must be >= 0", e.Name))
		}
		if e.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("endpoint %q: failure_threshold must be >= 0", e.Name))
		}
	}

	for i, ch := range f.Channels {
		name := ch.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		switch ch.Type {
		case "slack", "webhook":
			if ch.WebhookURL == "" {
				errs = append(errs, fmt.Errorf("channel %s: webhook_url is required for type %q", name, ch.Type))
			}
		case "pagerduty":
			if ch.RoutingKey == "" {
				errs = append(errs, fmt.Errorf("channel %s: routing_key is required for type pagerduty", name))
			}
		case "email":
			if ch.SMTPAddr == "" || ch.From == "" || len(ch.Recipients) == 0 {
				errs = append(errs, fmt.Errorf("channel %s: smtp_addr, from, and recipients are required for type email", name))
			}
		default:
			errs = append(errs, fmt.Errorf("channel %s: unknown type %q", name, ch.Type))
		}
		switch ch.MinSeverity {
		case "", "low", "medium", "high", "critical":
		default:
			errs = append(errs, fmt.Errorf("channel %s: unknown min_severity %q", name, ch.MinSeverity))
		}
	}

	for i, r := range f.Rules {
		if r.Class == "" {
			errs = append(errs, fmt.Errorf("rule %d: class is required", i))
		}
		if len(r.Keywords) == 0 && len(r.Patterns) == 0 {
			errs = append(errs, fmt.Errorf("rule %q: at least one keyword or pattern is required", r.Class))
		}
		for _, p := range r.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				errs = append(errs, fmt.Errorf("rule %q: bad pattern %q: %v", r.Class, p, err))
			}
		}
	}

	for i, d := range f.Dependencies {
		if d.Name == "" || d.HealthURL == "" {
			errs = append(errs, fmt.Errorf("dependency %d: name and health_url are required", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
