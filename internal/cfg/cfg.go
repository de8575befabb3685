package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/sieve/internal/compat"
	"github.com/linnemanlabs/sieve/internal/rollout"
)

// Config holds all server configuration, bound to flags and filled from
// the environment by go-core cfg.FillFromEnv.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	InferenceBaseURL    string
	InferenceAPIKey     string
	InferenceTimeoutMS  int
	InferenceMaxRetries int
	InferenceBackoffMS  int
	InferenceCAFile     string
	InferenceCertFile   string
	InferenceKeyFile    string

	ModelVersion        string
	ConfidenceThreshold float64
	CanaryPercent       int
	ShadowMode          bool
	ArchiveEnabled      bool
	FailOpen            bool
	BlocklistEnabled    bool
	LegacyRulesEnabled  bool

	RuntimeVersion           string
	SupportedRuntimeVersions string

	DatabaseURL   string
	SQLitePath    string
	TelemetryPath string
	BlocklistPath string

	ArchiveEndpoint string
	ArchiveToken    string

	APIToken        string
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.InferenceBaseURL, "inference-base-url", "", "base URL of the email classification service")
	fs.StringVar(&c.InferenceAPIKey, "inference-api-key", "", "bearer token for the classification service")
	fs.IntVar(&c.InferenceTimeoutMS, "inference-timeout-ms", 1500, "per-attempt classification timeout in milliseconds")
	fs.IntVar(&c.InferenceMaxRetries, "inference-max-retries", 2, "retries after the first classification attempt (0..10)")
	fs.IntVar(&c.InferenceBackoffMS, "inference-backoff-ms", 200, "base backoff between classification retries in milliseconds")
	fs.StringVar(&c.InferenceCAFile, "inference-ca-file", "", "PEM CA bundle for the classification service (empty = system roots)")
	fs.StringVar(&c.InferenceCertFile, "inference-cert-file", "", "client certificate for mTLS to the classification service")
	fs.StringVar(&c.InferenceKeyFile, "inference-key-file", "", "client key for mTLS to the classification service")

	fs.StringVar(&c.ModelVersion, "model-version", "v1", "model version label recorded with each decision")
	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.995, "minimum confidence for an archive action (0..1)")
	fs.IntVar(&c.CanaryPercent, "canary-percent", 100, "percentage of messages routed to the model (0..100)")
	fs.BoolVar(&c.ShadowMode, "shadow-mode", false, "compute decisions but suppress all actions")
	fs.BoolVar(&c.ArchiveEnabled, "archive-enabled", true, "master kill switch for the archive action")
	fs.BoolVar(&c.FailOpen, "fail-open", true, "keep messages in the inbox when inference fails")
	fs.BoolVar(&c.BlocklistEnabled, "blocklist-enabled", true, "honor the sender blocklist override")
	fs.BoolVar(&c.LegacyRulesEnabled, "legacy-rules-enabled", false, "defer non-canary messages to the legacy rule engine")

	fs.StringVar(&c.RuntimeVersion, "runtime-version", "", "version string reported by the host mail runtime")
	fs.StringVar(&c.SupportedRuntimeVersions, "supported-runtime-versions", ">=1.8.0,<2.0.0", "host runtime version range this build activates against")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the decision ledger (empty = sqlite or in-memory)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite file for the decision ledger (used when database-url is empty)")
	fs.StringVar(&c.TelemetryPath, "telemetry-path", "", "JSONL decision log path (empty = telemetry disabled)")
	fs.StringVar(&c.BlocklistPath, "blocklist-path", "", "sender blocklist file, one address or domain per line")

	fs.StringVar(&c.ArchiveEndpoint, "archive-endpoint", "", "host mail integration endpoint for the archive action")
	fs.StringVar(&c.ArchiveToken, "archive-token", "", "bearer token for the archive endpoint")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on the triage API (empty = unauthenticated)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
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
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.InferenceBaseURL == "" {
		errs = append(errs, errors.New("INFERENCE_BASE_URL is required"))
	}
	if c.InferenceTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("invalid INFERENCE_TIMEOUT_MS %d (must be positive)", c.InferenceTimeoutMS))
	}
	if c.InferenceMaxRetries < 0 || c.InferenceMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid INFERENCE_MAX_RETRIES %d (must be 0..10)", c.InferenceMaxRetries))
	}
	if c.InferenceBackoffMS <= 0 {
		errs = append(errs, fmt.Errorf("invalid INFERENCE_BACKOFF_MS %d (must be positive)", c.InferenceBackoffMS))
	}
	if (c.InferenceCertFile == "") != (c.InferenceKeyFile == "") {
		errs = append(errs, errors.New("INFERENCE_CERT_FILE and INFERENCE_KEY_FILE must be set together"))
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v (must be 0..1)", c.ConfidenceThreshold))
	}
	if c.CanaryPercent < 0 || c.CanaryPercent > 100 {
		errs = append(errs, fmt.Errorf("invalid CANARY_PERCENT %d (must be 0..100)", c.CanaryPercent))
	}

	if c.RuntimeVersion == "" {
		errs = append(errs, errors.New("RUNTIME_VERSION is required"))
	}
	if _, err := compat.ParseRange(c.SupportedRuntimeVersions); err != nil {
		errs = append(errs, fmt.Errorf("invalid SUPPORTED_RUNTIME_VERSIONS %q: %w", c.SupportedRuntimeVersions, err))
	}

	if c.ArchiveEnabled && !c.ShadowMode && c.ArchiveEndpoint == "" {
		errs = append(errs, errors.New("ARCHIVE_ENDPOINT is required when archiving is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Snapshot builds the immutable rollout snapshot handed to each request.
func (c *Config) Snapshot() *rollout.Snapshot {
	return &rollout.Snapshot{
		ShadowMode:          c.ShadowMode,
		CanaryPercent:       c.CanaryPercent,
		LegacyRulesEnabled:  c.LegacyRulesEnabled,
		ArchiveEnabled:      c.ArchiveEnabled,
		FailOpen:            c.FailOpen,
		BlocklistEnabled:    c.BlocklistEnabled,
		ConfidenceThreshold: c.ConfidenceThreshold,
		ModelVersion:        c.ModelVersion,
		SupportedVersions:   c.SupportedRuntimeVersions,
	}
}

// InferenceTimeout returns the per-attempt timeout as a duration.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.InferenceTimeoutMS) * time.Millisecond
}

// InferenceBackoff returns the base retry backoff as a duration.
func (c *Config) InferenceBackoff() time.Duration {
	return time.Duration(c.InferenceBackoffMS) * time.Millisecond
}
