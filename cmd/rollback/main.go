// Rollback evaluates the false-positive kill criterion over the decision
// telemetry log and the human correction feed. It prints a JSON report to
// stdout and, when triggered, writes the env override artifact consumed
// by the deployment tooling.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/linnemanlabs/sieve/internal/notify/slack"
	"github.com/linnemanlabs/sieve/internal/rollback"
	"github.com/linnemanlabs/sieve/internal/telemetry"
)

type report struct {
	OK                 bool   `json:"ok"`
	WindowHours        int    `json:"window_hours"`
	EnvOverrideWritten string `json:"env_override_written,omitempty"`
	rollback.Verdict
}

func main() {
	if err := run(); err != nil {
		printJSON(map[string]any{"ok": false, "error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	var (
		decisionsPath   string
		correctionsPath string
		windowHours     int
		threshold       float64
		minSample       int
		writeEnv        string
		slackWebhookURL string
	)
	flag.StringVar(&decisionsPath, "decisions", "", "path to the decision telemetry JSONL")
	flag.StringVar(&correctionsPath, "corrections", "", "path to the confirmed false-positive JSONL")
	flag.IntVar(&windowHours, "window-hours", 24, "evaluation window, anchored at the newest decision")
	flag.Float64Var(&threshold, "rollback-threshold", 0.002, "fp_rate above which rollback triggers")
	flag.IntVar(&minSample, "min-sample", 50, "minimum in-window archive count for a trigger")
	flag.StringVar(&writeEnv, "write-env", "", "write rollback env overrides to this file if triggered")
	flag.StringVar(&slackWebhookURL, "slack-webhook-url", "", "announce the verdict to this Slack webhook")
	flag.Parse()

	if decisionsPath == "" || correctionsPath == "" {
		return fmt.Errorf("-decisions and -corrections are required")
	}

	decisions, err := telemetry.ReadEvents(decisionsPath)
	if err != nil {
		return fmt.Errorf("read decisions: %w", err)
	}
	corrections, err := rollback.ReadCorrections(correctionsPath)
	if err != nil {
		return err
	}

	if len(decisions) == 0 {
		printJSON(map[string]any{"ok": true, "reason": "no decisions"})
		return nil
	}

	verdict := rollback.Evaluate(decisions, corrections, rollback.Options{
		Window:    time.Duration(windowHours) * time.Hour,
		Threshold: threshold,
		MinSample: minSample,
	})

	rep := report{OK: true, WindowHours: windowHours, Verdict: verdict}

	if verdict.RollbackTriggered && writeEnv != "" {
		if err := rollback.WriteOverrides(writeEnv); err != nil {
			return err
		}
		rep.EnvOverrideWritten = writeEnv
	}

	if slackWebhookURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := slack.New(slackWebhookURL).Send(ctx, verdict); err != nil {
			// the verdict still stands; the report itself is the artifact
			fmt.Fprintln(os.Stderr, "slack notify failed:", err)
		}
	}

	printJSON(rep)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
