// Package notify delivers operator alerts for failures that need attention.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertETLInfrastructure AlertType = "etl_infrastructure_failure"
	AlertETLListFailure    AlertType = "etl_list_failure"
)

// SeverityCritical is the only severity currently emitted.
const SeverityCritical = "critical"

// Alert is a single alert payload.
type Alert struct {
	ID        string         `json:"id"`
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Critical builds a critical alert stamped with a fresh id and the current time.
func Critical(t AlertType, msg string, details map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Type:      t,
		Severity:  SeverityCritical,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier sends alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// New returns a webhook notifier, or Nop when url is empty.
func New(url string) Notifier {
	if url == "" {
		return Nop{}
	}
	return NewWebhook(url)
}

// Nop drops alerts.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Alert) error { return nil }

// Webhook posts alerts as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "notify: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: send webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}

	zap.L().Info("notify: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("alert_id", alert.ID),
	)
	return nil
}
