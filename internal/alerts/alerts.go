// Package alerts posts best-effort Slack webhook notifications for the
// two conditions that need an operator's attention: reconciliation drift
// and a fatal engine error. It never blocks or retries; a failed POST is
// logged and dropped, since alerting must not become another failure mode.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// SlackMessage is the minimal incoming-webhook payload Slack accepts.
type SlackMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Notifier posts messages to a configured Slack incoming webhook. A
// Notifier with an empty WebhookURL is a no-op, so it is always safe to
// construct and call regardless of whether alerting is configured.
type Notifier struct {
	WebhookURL string
	Channel    string
	Client     *http.Client
}

// New constructs a Notifier with a bounded HTTP timeout.
func New(webhookURL, channel string) *Notifier {
	return &Notifier{WebhookURL: webhookURL, Channel: channel, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Notify posts text to the webhook. It returns immediately (nil) if no
// webhook is configured. Delivery failures are logged, not returned,
// since a broken alert channel must not affect trading.
func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil || n.WebhookURL == "" {
		return
	}
	body, err := json.Marshal(SlackMessage{Channel: n.Channel, Text: text})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		observ.Log("alert_post_failed", map[string]any{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		observ.Log("alert_post_failed", map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		observ.Log("alert_post_failed", map[string]any{"status": resp.StatusCode})
	}
}

// FatalError formats and sends a fatal-engine-error alert.
func (n *Notifier) FatalError(ctx context.Context, err error) {
	n.Notify(ctx, fmt.Sprintf(":rotating_light: engine fatal error: %v", err))
}

// ReconciliationDrift formats and sends a reconciliation-drift alert.
func (n *Notifier) ReconciliationDrift(ctx context.Context, extrasLocal, extrasBroker, mismatches int, equityDelta float64) {
	n.Notify(ctx, fmt.Sprintf(
		":warning: reconciliation drift: %d extra local, %d extra broker, %d share mismatches, equity delta %.2f",
		extrasLocal, extrasBroker, mismatches, equityDelta,
	))
}
