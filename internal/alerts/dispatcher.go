package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogDispatcher logs the alert as a structured line and always succeeds —
// the default sink when no webhook is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher builds a dispatcher that writes alerts to logger.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	d.logger.Warn("alert fired", "event", "alert_fired", "alert_id", alert.AlertID, "node_id", alert.NodeID, "severity", alert.Severity, "metric", alert.MetricName, "value", alert.Value, "threshold", alert.Threshold, "message", alert.Message)
	return nil
}

// WebhookDispatcher posts a Slack-blocks-style JSON payload to a configured
// URL, subject to the engine's own retry/backoff wrapper.
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
}

// NewWebhookDispatcher builds a dispatcher posting to url with a 5s timeout.
func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{url: url, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

type slackBlock struct {
	Type string         `json:"type"`
	Text *slackText     `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackPayload struct {
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

const (
	colorCritical = "#EF4444"
	colorWarning  = "#F59E0B"
)

func (d *WebhookDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	color := colorWarning
	if alert.Severity == SeverityCritical {
		color = colorCritical
	}

	payload := slackPayload{Attachments: []slackAttachment{{
		Color: color,
		Blocks: []slackBlock{
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s*: %s", alert.Severity, alert.Message)}},
			{Type: "context", Elements: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("Node: `%s` | Time: %s", alert.NodeID, alert.Timestamp)}}},
		},
	}}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
