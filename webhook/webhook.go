// Package webhook delivers run notifications to an HTTP endpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/use-agent/postpulse/models"
)

// EventRunCompleted is sent once a run reaches a terminal state.
const EventRunCompleted = "run.completed"

// SignatureHeader carries "sha256=<hex>" of the body when a secret is set.
const SignatureHeader = "X-Postpulse-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string            `json:"type"`
	RunID     string            `json:"run_id"`
	Timestamp int64             `json:"timestamp"`
	Data      models.RunSummary `json:"data"`
}

// NewRunCompleted wraps a run summary in a run.completed event. The event
// carries the summary's run ID, or a fresh one if the summary has none.
func NewRunCompleted(summary models.RunSummary) *Event {
	runID := summary.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Event{
		Type:      EventRunCompleted,
		RunID:     runID,
		Timestamp: time.Now().Unix(),
		Data:      summary,
	}
}

// Notifier posts events to a single endpoint. Delivery is retried up to
// three times on transport errors and 5xx responses.
type Notifier struct {
	url    string
	secret string
	client *resty.Client
}

// NewNotifier creates a Notifier. An empty secret disables signing.
func NewNotifier(url, secret string) *Notifier {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("User-Agent", "Postpulse-Webhook/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Notifier{url: url, secret: secret, client: client}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver sends event synchronously.
func (n *Notifier) Deliver(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if n.secret != "" {
		req.SetHeader(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := req.Post(n.url)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode())
	}
	return nil
}

// Notify delivers event and logs the outcome. Delivery failures never
// affect the run.
func (n *Notifier) Notify(ctx context.Context, event *Event) {
	if err := n.Deliver(ctx, event); err != nil {
		slog.Warn("webhook delivery failed",
			"url", n.url,
			"event", event.Type,
			"run_id", event.RunID,
			"error", err,
		)
		return
	}
	slog.Info("webhook delivered",
		"url", n.url,
		"event", event.Type,
		"run_id", event.RunID,
	)
}
