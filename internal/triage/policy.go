package triage

import (
	"fmt"

	"github.com/linnemanlabs/sieve/internal/rollout"
)

// PolicyInput carries everything Decide needs. The struct is plain data so
// identical inputs always produce identical outputs, which keeps historic
// decisions replayable during audits.
type PolicyInput struct {
	Path    rollout.Path
	Blocked bool

	// scorer verdict (or the fail-open synthetic)
	Decision     string
	Confidence   float64
	Source       Source
	Rule         string
	Reasoning    string
	ModelVersion string

	Threshold      float64
	ArchiveEnabled bool
}

// PolicyResult is the computed action before dispatch.
type PolicyResult struct {
	Decision   string
	Confidence float64
	Source     Source
	Rule       string
	Reasoning  string

	// Status assumes dispatch (if any) succeeds; the service downgrades it
	// on dispatch failure.
	Status ActionStatus

	// Dispatch reports whether the archive capability must be invoked.
	Dispatch bool
}

// Decide combines treatment path, blocklist verdict, model decision, and
// config into the final action. Pure function; precedence highest first:
//
//  1. blocklist-positive forces keep, overriding any model confidence
//  2. shadow path computes but never dispatches
//  3. confidence below threshold demotes archive to keep
//  4. archive with the kill switch off is computed but suppressed
func Decide(in PolicyInput) PolicyResult {
	out := PolicyResult{
		Decision:   in.Decision,
		Confidence: in.Confidence,
		Source:     in.Source,
		Rule:       in.Rule,
		Reasoning:  in.Reasoning,
	}

	// zero archive actions for blocklist-positive senders, no matter what
	// the model said
	if in.Blocked {
		out.Decision = DecisionKeep
		out.Source = SourceBlocklist
		out.Rule = "blocklist"
		out.Reasoning = "sender is blocklisted; archive suppressed"
	}

	// threshold re-check applies even when the scorer already checked:
	// the plugin layer owns the final threshold
	if out.Decision == DecisionArchive && out.Confidence < in.Threshold {
		out.Decision = DecisionKeep
		out.Reasoning = fmt.Sprintf("archive confidence below threshold (%.3f < %.3f)", out.Confidence, in.Threshold)
	}

	if in.Path == rollout.PathShadow {
		out.Status = StatusShadowKept
		return out
	}

	if out.Decision != DecisionArchive {
		out.Status = StatusKept
		return out
	}

	if !in.ArchiveEnabled {
		// decision stands for telemetry, action suppressed (dry run)
		out.Status = StatusArchiveDisabled
		return out
	}

	out.Status = StatusArchived
	out.Dispatch = true
	return out
}
