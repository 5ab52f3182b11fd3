package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the engine-level tunables. Endpoint, channel, and pattern
// rule definitions live in the YAML file named by ConfigFile; everything
// here is a scalar knob suitable for a flag or env var.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	ConfigFile            string

	PollIntervalSeconds int
	FailureThreshold    int
	SSLWarningDays      int

	DiagWindowMinutes        int
	DiagTimeoutSeconds       int
	DiagSourceTimeoutSeconds int

	ConfidenceThreshold float64
	HistoryHalfLifeDays int
	CooldownMinutes     int
	EscalationMinutes   int
	RetireHours         int

	PrometheusEndpoint  string
	PrometheusTenantID  string
	LokiEndpoint        string
	LokiTenantID        string
	ClaudeAPIKey        string
	ClaudeModel         string
	InferTimeoutSeconds int
	DatabaseURL         string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the incident API (empty = no auth)")
	fs.StringVar(&c.ConfigFile, "config-file", "", "path to the YAML file defining endpoints, channels, and pattern rules (required)")

	fs.IntVar(&c.PollIntervalSeconds, "poll-interval-seconds", 60, "seconds between health checks per endpoint")
	fs.IntVar(&c.FailureThreshold, "failure-threshold", 2, "consecutive failed checks before an incident opens (endpoints may override)")
	fs.IntVar(&c.SSLWarningDays, "ssl-warning-days", 30, "days before certificate expiry at which an advisory opens (0 = disabled)")

	fs.IntVar(&c.DiagWindowMinutes, "diag-window-minutes", 15, "trailing log window queried during triage")
	fs.IntVar(&c.DiagTimeoutSeconds, "diag-timeout-seconds", 120, "overall deadline for diagnostic collection")
	fs.IntVar(&c.DiagSourceTimeoutSeconds, "diag-source-timeout-seconds", 30, "per-source sub-timeout during diagnostic collection")

	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.7, "top-hypothesis confidence at or above which an incident is labeled high confidence")
	fs.IntVar(&c.HistoryHalfLifeDays, "history-half-life-days", 7, "recency half-life for historical similarity weighting")
	fs.IntVar(&c.CooldownMinutes, "cooldown-minutes", 15, "suppression window after a delivered alert, per endpoint and severity")
	fs.IntVar(&c.EscalationMinutes, "escalation-minutes", 30, "minutes an incident may stay unresolved before escalation re-notifies")
	fs.IntVar(&c.RetireHours, "retire-hours", 24, "hours after resolution before an incident is retired from the store")

	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for the metrics diagnostic source (empty = source disabled)")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for the log diagnostic source (empty = source disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude inference provider (empty = inference disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for root-cause inference")
	fs.IntVar(&c.InferTimeoutSeconds, "infer-timeout-seconds", 30, "hard timeout on a single inference call")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Endpoint and channel definitions come from the config file
	if c.ConfigFile == "" {
		errs = append(errs, errors.New("CONFIG_FILE is required"))
	}

	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_SECONDS %d (must be positive)", c.PollIntervalSeconds))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid FAILURE_THRESHOLD %d (must be positive)", c.FailureThreshold))
	}
	if c.SSLWarningDays < 0 {
		errs = append(errs, fmt.Errorf("invalid SSL_WARNING_DAYS %d (must be >= 0)", c.SSLWarningDays))
	}

	if c.DiagWindowMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid DIAG_WINDOW_MINUTES %d (must be positive)", c.DiagWindowMinutes))
	}
	if c.DiagTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid DIAG_TIMEOUT_SECONDS %d (must be positive)", c.DiagTimeoutSeconds))
	}
	if c.DiagSourceTimeoutSeconds <= 0 || c.DiagSourceTimeoutSeconds > c.DiagTimeoutSeconds {
		errs = append(errs, fmt.Errorf("invalid DIAG_SOURCE_TIMEOUT_SECONDS %d (must be 1..DIAG_TIMEOUT_SECONDS)", c.DiagSourceTimeoutSeconds))
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %g (must be 0..1)", c.ConfidenceThreshold))
	}
	if c.HistoryHalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("invalid HISTORY_HALF_LIFE_DAYS %d (must be positive)", c.HistoryHalfLifeDays))
	}
	if c.CooldownMinutes < 0 {
		errs = append(errs, fmt.Errorf("invalid COOLDOWN_MINUTES %d (must be >= 0)", c.CooldownMinutes))
	}
	if c.EscalationMinutes <= 0 {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_MINUTES %d (must be positive)", c.EscalationMinutes))
	}
	if c.RetireHours <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETIRE_HOURS %d (must be positive)", c.RetireHours))
	}
	if c.InferTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid INFER_TIMEOUT_SECONDS %d (must be positive)", c.InferTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
