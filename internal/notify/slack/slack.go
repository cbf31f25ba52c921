// Package slack posts backfill summaries to Slack via incoming webhooks.
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

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/fwtriage/internal/triage"
)

const (
	maxConditionsLen = 2000
	httpTimeout      = 10 * time.Second
	// largeBackfill marks a reclassification big enough to flag in red.
	largeBackfill = 100
)

// Notifier implements triage.Notifier against a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

var _ triage.Notifier = (*Notifier)(nil)

// New creates a Slack notifier. If webhookURL is empty, notifications are
// dropped.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

// IssueBackfilled posts a summary of the reports an issue just reclassified.
func (n *Notifier) IssueBackfilled(ctx context.Context, issue *triage.Issue, reclassified int) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(issue, reclassified, n.now()))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "issue_id", issue.ID, "reclassified", reclassified)
	return nil
}

func buildMessage(is *triage.Issue, reclassified int, at time.Time) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(is, reclassified),
			{"type": "divider"},
			fieldsBlock(is, reclassified),
			{"type": "divider"},
			conditionsBlock(is),
			{"type": "divider"},
			contextBlock(is, at),
		},
	}
}

func headerBlock(is *triage.Issue, reclassified int) map[string]any {
	name := is.Name
	if name == "" {
		name = is.URL
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s Issue reclassified reports: %s", countEmoji(reclassified), name),
		},
	}
}

func fieldsBlock(is *triage.Issue, reclassified int) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Reclassified:* %d", reclassified)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %d", is.Priority)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Conditions:* %d", len(is.Conditions))},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Issue:* <%s>", is.URL)},
		},
	}
}

func conditionsBlock(is *triage.Issue) map[string]any {
	var b strings.Builder
	for _, c := range is.Conditions {
		fmt.Fprintf(&b, "• `%s` %s `%s`\n", c.Key, c.Compare, c.Value)
	}
	text := truncate(strings.TrimSuffix(b.String(), "\n"), maxConditionsLen)
	if text == "" {
		text = "_No conditions._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": "*Conditions*\n\n" + text,
		},
	}
}

func contextBlock(is *triage.Issue, at time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("fwtriage • issue %d • %s", is.ID, at.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func countEmoji(n int) string {
	switch {
	case n >= largeBackfill:
		return "\U0001f534" // red circle
	case n > 1:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
