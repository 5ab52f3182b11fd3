package cfg

import (
	"flag"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	_ = fs.Parse(nil)
	c.ConfigFile = "/etc/sentinel/monitor.yaml"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.PollIntervalSeconds != 60 {
		t.Errorf("PollIntervalSeconds = %d, want 60", c.PollIntervalSeconds)
	}
	if c.FailureThreshold != 2 {
		t.Errorf("FailureThreshold = %d, want 2", c.FailureThreshold)
	}
	if c.SSLWarningDays != 30 {
		t.Errorf("SSLWarningDays = %d, want 30", c.SSLWarningDays)
	}
	if c.DiagTimeoutSeconds != 120 {
		t.Errorf("DiagTimeoutSeconds = %d, want 120", c.DiagTimeoutSeconds)
	}
	if c.DiagSourceTimeoutSeconds != 30 {
		t.Errorf("DiagSourceTimeoutSeconds = %d, want 30", c.DiagSourceTimeoutSeconds)
	}
	if c.ConfidenceThreshold != 0.7 {
		t.Errorf("ConfidenceThreshold = %g, want 0.7", c.ConfidenceThreshold)
	}
	if c.CooldownMinutes != 15 {
		t.Errorf("CooldownMinutes = %d, want 15", c.CooldownMinutes)
	}
	if c.EscalationMinutes != 30 {
		t.Errorf("EscalationMinutes = %d, want 30", c.EscalationMinutes)
	}
	if c.ClaudeModel != "claude-sonnet-4-20250514" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-sonnet-4-20250514")
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-config-file", "/tmp/monitor.yaml",
		"-poll-interval-seconds", "15",
		"-failure-threshold", "3",
		"-loki-endpoint", "http://loki:3100",
		"-claude-api-key", "sk-override",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.ConfigFile != "/tmp/monitor.yaml" {
		t.Errorf("ConfigFile = %q, want %q", c.ConfigFile, "/tmp/monitor.yaml")
	}
	if c.PollIntervalSeconds != 15 {
		t.Errorf("PollIntervalSeconds = %d, want 15", c.PollIntervalSeconds)
	}
	if c.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", c.FailureThreshold)
	}
	if c.LokiEndpoint != "http://loki:3100" {
		t.Errorf("LokiEndpoint = %q, want %q", c.LokiEndpoint, "http://loki:3100")
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:      "missing config file",
			mutate:    func(c *Config) { c.ConfigFile = "" },
			wantErr:   true,
			errSubstr: []string{"CONFIG_FILE"},
		},
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain too large",
			mutate:    func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget not greater than drain",
			mutate:    func(c *Config) { c.DrainSeconds = 90; c.ShutdownBudgetSeconds = 90 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS", "DRAIN_SECONDS"},
		},
		{
			name:      "port out of range",
			mutate:    func(c *Config) { c.APIPort = 70000 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "poll interval zero",
			mutate:    func(c *Config) { c.PollIntervalSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"POLL_INTERVAL_SECONDS"},
		},
		{
			name:      "failure threshold zero",
			mutate:    func(c *Config) { c.FailureThreshold = 0 },
			wantErr:   true,
			errSubstr: []string{"FAILURE_THRESHOLD"},
		},
		{
			name:      "negative ssl warning days",
			mutate:    func(c *Config) { c.SSLWarningDays = -1 },
			wantErr:   true,
			errSubstr: []string{"SSL_WARNING_DAYS"},
		},
		{
			name:    "zero ssl warning days disables advisories",
			mutate:  func(c *Config) { c.SSLWarningDays = 0 },
			wantErr: false,
		},
		{
			name:      "source timeout above collection timeout",
			mutate:    func(c *Config) { c.DiagSourceTimeoutSeconds = 200 },
			wantErr:   true,
			errSubstr: []string{"DIAG_SOURCE_TIMEOUT_SECONDS"},
		},
		{
			name:      "confidence threshold above one",
			mutate:    func(c *Config) { c.ConfidenceThreshold = 1.5 },
			wantErr:   true,
			errSubstr: []string{"CONFIDENCE_THRESHOLD"},
		},
		{
			name:    "zero cooldown disables suppression",
			mutate:  func(c *Config) { c.CooldownMinutes = 0 },
			wantErr: false,
		},
		{
			name:      "negative cooldown",
			mutate:    func(c *Config) { c.CooldownMinutes = -1 },
			wantErr:   true,
			errSubstr: []string{"COOLDOWN_MINUTES"},
		},
		{
			name:      "escalation zero",
			mutate:    func(c *Config) { c.EscalationMinutes = 0 },
			wantErr:   true,
			errSubstr: []string{"ESCALATION_MINUTES"},
		},
		{
			name:      "retire hours zero",
			mutate:    func(c *Config) { c.RetireHours = 0 },
			wantErr:   true,
			errSubstr: []string{"RETIRE_HOURS"},
		},
		{
			name:      "infer timeout zero",
			mutate:    func(c *Config) { c.InferTimeoutSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"INFER_TIMEOUT_SECONDS"},
		},
		{
			name: "multiple errors joined",
			mutate: func(c *Config) {
				c.ConfigFile = ""
				c.PollIntervalSeconds = 0
				c.FailureThreshold = -1
			},
			wantErr:   true,
			errSubstr: []string{"CONFIG_FILE", "POLL_INTERVAL_SECONDS", "FAILURE_THRESHOLD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			for _, sub := range tt.errSubstr {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q missing substring %q", err, sub)
				}
			}
		})
	}
}
