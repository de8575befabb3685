// Package rollback evaluates the false-positive kill criterion over the
// accumulated decision and correction logs. Each run is stateless: the
// same logs and options always yield the same verdict.
package rollback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/linnemanlabs/sieve/internal/telemetry"
)

// Correction is one human-confirmed false positive: a message that was
// archived but should have stayed in the inbox.
type Correction struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
}

// Options controls a single evaluation run.
type Options struct {
	// Window bounds the evaluation, anchored at the newest decision
	// timestamp rather than wall-clock time so replays are stable.
	Window time.Duration

	// Threshold is the fp_rate above which rollback triggers.
	Threshold float64

	// MinSample is the smallest in-window archive count that can
	// trigger rollback. Below it the verdict is always not-triggered.
	MinSample int
}

// Verdict is the outcome of one evaluation run.
type Verdict struct {
	Cutoff             time.Time      `json:"cutoff"`
	TotalArchived      int            `json:"total_archived"`
	ConfirmedFP        int            `json:"confirmed_fp"`
	FPRate             float64        `json:"fp_rate"`
	RollbackThreshold  float64        `json:"rollback_threshold"`
	MinSample          int            `json:"min_sample"`
	RollbackTriggered  bool           `json:"rollback_triggered"`
	ActionCounts       map[string]int `json:"action_counts"`
}

// ReadCorrections loads the correction feed from a JSONL file.
// Malformed lines are skipped, matching the telemetry reader.
func ReadCorrections(path string) ([]Correction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corrections: %w", err)
	}
	defer f.Close()

	var out []Correction
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c Correction
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corrections: %w", err)
	}
	return out, nil
}

// Evaluate computes the verdict over the given logs. The window is
// anchored at the newest decision so re-running over a frozen log
// reproduces the verdict exactly.
func Evaluate(decisions []telemetry.Event, corrections []Correction, opts Options) Verdict {
	v := Verdict{
		RollbackThreshold: opts.Threshold,
		MinSample:         opts.MinSample,
		ActionCounts:      map[string]int{},
	}
	if len(decisions) == 0 {
		return v
	}

	newest := decisions[0].Timestamp
	for _, d := range decisions[1:] {
		if d.Timestamp.After(newest) {
			newest = d.Timestamp
		}
	}
	cutoff := newest.Add(-opts.Window)
	v.Cutoff = cutoff

	archivedIDs := make(map[string]struct{})
	for _, d := range decisions {
		if d.Timestamp.Before(cutoff) {
			continue
		}
		v.ActionCounts[d.ActionStatus]++
		if d.ActionStatus == "archived" {
			archivedIDs[d.MessageID] = struct{}{}
			v.TotalArchived++
		}
	}

	for _, c := range corrections {
		if c.Timestamp.Before(cutoff) {
			continue
		}
		if _, ok := archivedIDs[c.MessageID]; ok {
			v.ConfirmedFP++
		}
	}

	if v.TotalArchived > 0 {
		v.FPRate = float64(v.ConfirmedFP) / float64(v.TotalArchived)
	}
	v.RollbackTriggered = v.FPRate > opts.Threshold && v.TotalArchived >= opts.MinSample
	return v
}

// Overrides returns the key=value lines the deployment layer sources
// when a rollback is triggered. Ordering is fixed for diff-friendly
// artifacts.
func Overrides() []string {
	return []string{
		"SIEVE_ARCHIVE_ENABLED=false",
		"SIEVE_CANARY_PERCENT=0",
		"SIEVE_FAIL_OPEN=true",
		"SIEVE_BLOCKLIST_ENABLED=true",
		"SIEVE_LEGACY_RULES_ENABLED=false",
	}
}

// WriteOverrides persists the override artifact to path.
func WriteOverrides(path string) error {
	data := strings.Join(Overrides(), "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write overrides: %w", err)
	}
	return nil
}
