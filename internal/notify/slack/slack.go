// Package slack delivers doctor alerts to Slack via incoming webhooks.
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
	"github.com/linnemanlabs/lookout/internal/account"
	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/screening"
)

const httpTimeout = 10 * time.Second

// Notifier posts doctor alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, AlertDoctor is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		now:        time.Now,
		logger:     logger,
	}
}

// AlertDoctor posts the alert for a to the configured webhook. 4xx responses
// are permanent failures; 5xx and network errors are transient.
func (n *Notifier) AlertDoctor(ctx context.Context, doc *account.Doctor, a escalation.Action) error {
	if n.webhookURL == "" {
		n.logger.Warn(ctx, "slack webhook not configured, dropping doctor alert", "record_id", a.RecordID)
		return nil
	}

	body, err := json.Marshal(buildMessage(doc, a, n.now()))
	if err != nil {
		return notify.Permanent(fmt.Errorf("slack: marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return notify.Permanent(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return notify.Transient(fmt.Errorf("slack: post webhook: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return notify.Permanent(err)
		}
		return notify.Transient(err)
	}
	return nil
}

func buildMessage(doc *account.Doctor, a escalation.Action, now time.Time) map[string]any {
	return map[string]any{
		"text": a.Message().Title,
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(doc, a),
			bodyBlock(a),
			{"type": "divider"},
			contextBlock(a, now),
		},
	}
}

func headerBlock(a escalation.Action) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s", priorityEmoji(a.New), a.Message().Title),
		},
	}
}

func fieldsBlock(doc *account.Doctor, a escalation.Action) map[string]any {
	name := doc.ID
	if doc.Name != "" {
		name = doc.Name
	}
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", a.New)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Previous:* %s", a.Old)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Doctor:* %s", name)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", a.SubjectID)},
	}
	if a.Manual {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": "*Source:* doctor override"})
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func bodyBlock(a escalation.Action) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": a.Message().Body,
		},
	}
}

func contextBlock(a escalation.Action, now time.Time) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("lookout • screening %s • %s", a.RecordID, now.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func priorityEmoji(p screening.PriorityLevel) string {
	switch p {
	case screening.PriorityCritical:
		return "\U0001f534" // red circle
	case screening.PriorityUrgent:
		return "\U0001f7e0" // orange circle
	case screening.PriorityModerate:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}
