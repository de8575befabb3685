// Package rollout holds the staged-deployment configuration snapshot and
// the deterministic router that assigns each message a treatment path.
package rollout

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Path is the treatment path assigned to a single message.
type Path string

const (
	// PathLegacy defers the message to the legacy rule engine; the triage
	// core emits no decision for it.
	PathLegacy Path = "legacy"

	// PathShadow computes and logs a decision but never dispatches the
	// archive action.
	PathShadow Path = "shadow"

	// PathCanary processes the message live as part of the canary slice.
	PathCanary Path = "canary"

	// PathFull processes the message live at 100% rollout. Processing is
	// identical to canary; the label differs only for telemetry.
	PathFull Path = "full_live"
)

// Live reports whether the path dispatches real actions.
func (p Path) Live() bool { return p == PathCanary || p == PathFull }

// Snapshot is an immutable view of the rollout configuration. Requests
// always read a fully-formed snapshot; reloads publish a new one whole.
type Snapshot struct {
	ShadowMode          bool
	CanaryPercent       int
	LegacyRulesEnabled  bool
	ArchiveEnabled      bool
	FailOpen            bool
	BlocklistEnabled    bool
	ConfidenceThreshold float64
	ModelVersion        string
	SupportedVersions   string
}

// Validate checks snapshot fields that cannot be expressed by their types.
func (s *Snapshot) Validate() error {
	if s.CanaryPercent < 0 || s.CanaryPercent > 100 {
		return fmt.Errorf("invalid canary_percent %d (must be 0..100)", s.CanaryPercent)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid confidence_threshold %g (must be 0..1)", s.ConfidenceThreshold)
	}
	return nil
}

// Holder publishes snapshots atomically. Readers calling Load during a
// reload see either the old snapshot or the new one, never a torn mix.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// NewHolder returns a holder publishing the given initial snapshot.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.p.Store(s)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot { return h.p.Load() }

// Store publishes a new snapshot.
func (h *Holder) Store(s *Snapshot) { h.p.Store(s) }

// Bucket maps a message ID onto a stable 0..99 bucket. The hash is
// sha256-based so the same message lands in the same bucket across process
// restarts and redeliveries, which makes percentage ramps monotonic
// supersets: every message inside a 5% slice stays inside the 25% slice.
func Bucket(messageID string) int {
	sum := sha256.Sum256([]byte(messageID))
	return int(binary.BigEndian.Uint32(sum[:4]) % 100)
}

// InCanary reports whether messageID falls inside the canary slice of the
// given width.
func InCanary(messageID string, canaryPercent int) bool {
	if canaryPercent >= 100 {
		return true
	}
	if canaryPercent <= 0 {
		return false
	}
	return Bucket(messageID) < canaryPercent
}

// Route deterministically maps a message onto its treatment path. It is a
// pure function of its inputs and performs no I/O.
func Route(messageID string, snap *Snapshot) Path {
	member := InCanary(messageID, snap.CanaryPercent)

	// legacy rules keep everything outside the canary slice
	if snap.LegacyRulesEnabled && !member {
		return PathLegacy
	}

	// shadow overrides live dispatch regardless of slice membership
	if snap.ShadowMode {
		return PathShadow
	}

	if member {
		if snap.CanaryPercent >= 100 {
			return PathFull
		}
		return PathCanary
	}

	return PathLegacy
}
