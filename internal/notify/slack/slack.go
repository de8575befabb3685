// Package slack announces rollback verdicts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/sieve/internal/rollback"
)

const httpTimeout = 10 * time.Second

// Notifier sends rollback verdicts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts an evaluation verdict to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, v rollback.Verdict) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(v))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(v rollback.Verdict) map[string]any {
	blocks := []map[string]any{
		headerBlock(v),
		{"type": "divider"},
		fieldsBlock(v),
	}
	if v.RollbackTriggered {
		blocks = append(blocks, map[string]any{"type": "divider"}, overridesBlock())
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(v))

	return map[string]any{"blocks": blocks}
}

func headerBlock(v rollback.Verdict) map[string]any {
	emoji := "\U0001f7e2" // green circle
	title := "Rollout Healthy"
	if v.RollbackTriggered {
		emoji = "\U0001f534" // red circle
		title = "Rollback Triggered"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", emoji, title),
		},
	}
}

func fieldsBlock(v rollback.Verdict) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*FP rate:* %.4f", v.FPRate),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Threshold:* %.4f", v.RollbackThreshold),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Archived:* %d", v.TotalArchived),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confirmed FP:* %d", v.ConfirmedFP),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Min sample:* %d", v.MinSample),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Window from:* %s", v.Cutoff.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func overridesBlock() map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Recommended overrides*\n```%s```", strings.Join(rollback.Overrides(), "\n")),
		},
	}
}

func contextBlock(v rollback.Verdict) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("sieve • rollback evaluator • %s", time.Now().UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}
