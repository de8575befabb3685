package triage

import (
	"testing"

	"github.com/linnemanlabs/sieve/internal/rollout"
)

func policyInput(mut func(*PolicyInput)) PolicyInput {
	in := PolicyInput{
		Path:           rollout.PathFull,
		Decision:       DecisionArchive,
		Confidence:     0.998,
		Source:         SourceModel,
		ModelVersion:   "v1",
		Threshold:      0.995,
		ArchiveEnabled: true,
	}
	if mut != nil {
		mut(&in)
	}
	return in
}

func TestDecide_ArchiveAboveThreshold(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(nil))
	if got.Decision != DecisionArchive || got.Status != StatusArchived || !got.Dispatch {
		t.Errorf("got %+v, want dispatched archive", got)
	}
}

func TestDecide_BlocklistOverridesAnyConfidence(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) {
		in.Blocked = true
		in.Confidence = 0.999
	}))
	if got.Decision != DecisionKeep {
		t.Errorf("decision = %q, want keep", got.Decision)
	}
	if got.Source != SourceBlocklist || got.Rule != "blocklist" {
		t.Errorf("source/rule = %q/%q", got.Source, got.Rule)
	}
	if got.Status == StatusArchived || got.Dispatch {
		t.Error("blocklist-positive email must never dispatch an archive")
	}
}

func TestDecide_ShadowNeverDispatches(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) { in.Path = rollout.PathShadow }))
	if got.Status != StatusShadowKept {
		t.Errorf("status = %q, want shadow_kept", got.Status)
	}
	if got.Dispatch {
		t.Error("shadow path must not dispatch")
	}
	// the decision itself is still computed for observation
	if got.Decision != DecisionArchive {
		t.Errorf("decision = %q, want archive computed", got.Decision)
	}
}

func TestDecide_BelowThresholdDemotes(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) { in.Confidence = 0.990 }))
	if got.Decision != DecisionKeep || got.Status != StatusKept || got.Dispatch {
		t.Errorf("got %+v, want demoted keep", got)
	}
	if got.Reasoning == "" {
		t.Error("expected below-threshold reasoning")
	}
}

func TestDecide_ArchiveDisabledSuppresses(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) { in.ArchiveEnabled = false }))
	if got.Status != StatusArchiveDisabled || got.Dispatch {
		t.Errorf("got %+v, want suppressed archive", got)
	}
	if got.Decision != DecisionArchive {
		t.Errorf("decision = %q, want archive preserved for telemetry", got.Decision)
	}
}

func TestDecide_KeepDecisionStaysKept(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) {
		in.Decision = DecisionKeep
		in.Confidence = 0.1
	}))
	if got.Status != StatusKept || got.Dispatch {
		t.Errorf("got %+v, want kept", got)
	}
}

func TestDecide_FailOpenSynthetic(t *testing.T) {
	t.Parallel()

	got := Decide(policyInput(func(in *PolicyInput) {
		in.Decision = DecisionKeep
		in.Confidence = 0
		in.Source = SourceFailOpen
	}))
	if got.Status != StatusKept || got.Source != SourceFailOpen {
		t.Errorf("got %+v, want kept fail_open", got)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	t.Parallel()

	in := policyInput(func(in *PolicyInput) { in.Confidence = 0.996 })
	first := Decide(in)
	for i := 0; i < 10; i++ {
		if Decide(in) != first {
			t.Fatal("Decide not deterministic for identical input")
		}
	}
}
