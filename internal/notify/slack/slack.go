// Package slack posts critical renewal escalations to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/coverwatch/internal/renewal"
	"github.com/linnemanlabs/coverwatch/internal/stage"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier sends critical escalations to a Slack webhook. It implements
// renewal.Notifier.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Critical reports whether a stage is posted to Slack.
func Critical(s stage.Stage) bool {
	return s == stage.Days1 || s == stage.Expired
}

// Notify posts ev when its stage is critical. Other stages are ignored.
func (n *Notifier) Notify(ctx context.Context, ev *renewal.EscalationEvent) error {
	if n.webhookURL == "" || !Critical(ev.Stage) {
		return nil
	}

	body, err := json.Marshal(buildMessage(ev))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack escalation posted", "policy_id", ev.PolicyID, "stage", ev.Stage.String())
	return nil
}

func buildMessage(ev *renewal.EscalationEvent) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(ev),
			{"type": "divider"},
			fieldsBlock(ev),
			{"type": "divider"},
			contextBlock(ev),
		},
	}
}

func headerBlock(ev *renewal.EscalationEvent) map[string]any {
	title := "Coverage expires within 1 day"
	if ev.Stage == stage.Expired {
		title = "Coverage EXPIRED"
	}
	coverage := ev.CoverageType
	if coverage == "" {
		coverage = "Policy"
	}
	text := fmt.Sprintf("%s %s: %s for vendor %s", stageEmoji(ev.Stage), title, coverage, ev.VendorID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(ev *renewal.EscalationEvent) map[string]any {
	days := fmt.Sprintf("%d", ev.DaysLeft)
	if ev.DaysLeft < 0 {
		days = fmt.Sprintf("expired %d day(s) ago", -ev.DaysLeft)
	}
	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*Org:* %s", ev.OrgID)),
		mrkdwn(fmt.Sprintf("*Policy:* %s", ev.PolicyID)),
		mrkdwn(fmt.Sprintf("*Expires:* %s", ev.ExpirationDate.UTC().Format("2006-01-02"))),
		mrkdwn(fmt.Sprintf("*Days left:* %s", days)),
		mrkdwn(fmt.Sprintf("*Alert:* %s (%s)", ev.AlertType, ev.Severity)),
		mrkdwn(fmt.Sprintf("*Previous stage:* %s", ev.PreviousStage)),
	}
	for _, f := range fields {
		f["text"] = truncate(f["text"].(string), maxMessageLen)
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(ev *renewal.EscalationEvent) map[string]any {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now()
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn(fmt.Sprintf("coverwatch • alert %s • %s", ev.AlertID, ts.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func stageEmoji(s stage.Stage) string {
	if s == stage.Expired {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e0" // orange circle
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
