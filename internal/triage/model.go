package triage

import "time"

// Decision values emitted by the core.
const (
	DecisionArchive = "archive"
	DecisionKeep    = "keep"
)

// Source identifies what produced a decision.
type Source string

const (
	// SourceModel means the remote scorer produced the decision.
	SourceModel Source = "model"

	// SourceBlocklist means the blocklist override forced a keep.
	SourceBlocklist Source = "blocklist"

	// SourceFailOpen means inference failed and the fail-open policy
	// synthesized a keep.
	SourceFailOpen Source = "fail_open"
)

// ActionStatus is the externally visible outcome of one triage request.
type ActionStatus string

const (
	// StatusArchived means the archive action was dispatched and succeeded.
	StatusArchived ActionStatus = "archived"

	// StatusKept means the decision was keep; nothing was dispatched.
	StatusKept ActionStatus = "kept_in_inbox"

	// StatusShadowKept means a decision was computed for observation only.
	StatusShadowKept ActionStatus = "shadow_kept"

	// StatusArchiveDisabled means the decision was archive but the archive
	// kill switch suppressed the action.
	StatusArchiveDisabled ActionStatus = "archive_disabled_kept"

	// StatusActionFailed means a hard failure (inference with fail-open
	// off, ledger outage, or dispatch failure) prevented the action.
	StatusActionFailed ActionStatus = "action_failed"

	// StatusDuplicateSkipped means the ledger already holds a record for
	// this message; no second action was taken.
	StatusDuplicateSkipped ActionStatus = "duplicate_skipped"
)

// Outcome is the command's return value, one per request. It is produced
// once and never mutated after emission.
type Outcome struct {
	ActionStatus  ActionStatus `json:"action_status,omitempty"`
	Decision      string       `json:"decision,omitempty"`
	Confidence    float64      `json:"confidence"`
	Source        Source       `json:"source,omitempty"`
	Rule          string       `json:"rule,omitempty"`
	Reasoning     string       `json:"reasoning,omitempty"`
	ModelVersion  string       `json:"model_version,omitempty"`
	ThresholdUsed float64      `json:"threshold_used"`
	LatencyMS     int64        `json:"latency_ms"`
	RolloutPath   string       `json:"rollout_path,omitempty"`

	// Deferred is set on the legacy path: the legacy rule engine owns the
	// message and the core emits no decision.
	Deferred bool `json:"deferred,omitempty"`
}

// Record is one idempotency ledger entry. Exactly one record is ever
// written per message identity.
type Record struct {
	MessageID    string       `json:"message_id"`
	Decision     string       `json:"decision"`
	Confidence   float64      `json:"confidence"`
	Source       Source       `json:"source"`
	Rule         string       `json:"rule,omitempty"`
	ModelVersion string       `json:"model_version"`
	ActionStatus ActionStatus `json:"action_status"`
	RecordedAt   time.Time    `json:"recorded_at"`
}
