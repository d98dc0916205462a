// Package notify delivers best-effort operational notifications for runbook
// lifecycle events. Delivery failures never block a state transition; the
// caller logs and counts them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event type constants for runbook lifecycle notifications.
const (
	EventPendingApproval = "runbook.pending_approval"
	EventCompleted       = "runbook.completed"
	EventFailed          = "runbook.failed"
	EventRejected        = "runbook.rejected"
	EventCancelled       = "runbook.cancelled"
)

// Notification is one lifecycle event to deliver.
type Notification struct {
	EventType string                 `json:"event_type"`
	Summary   string                 `json:"summary"`
	Severity  Severity               `json:"severity"`
	Resource  string                 `json:"resource_name"`
	Actor     string                 `json:"actor"`
	Details   map[string]interface{} `json:"details,omitempty"`
	FiredAt   time.Time              `json:"fired_at"`
}

// Notifier delivers notifications. Implementations must treat delivery as
// best-effort and return an error rather than retrying internally.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no external channel is configured.
type LogNotifier struct {
	zlog zerolog.Logger
}

// NewLogNotifier creates a notifier writing to the given zerolog logger.
func NewLogNotifier(zlog zerolog.Logger) *LogNotifier {
	return &LogNotifier{zlog: zlog}
}

// Send implements Notifier.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	event := l.zlog.Info()
	switch n.Severity {
	case SeverityWarning:
		event = l.zlog.Warn()
	case SeverityCritical:
		event = l.zlog.Error()
	}

	event.
		Str("event_type", n.EventType).
		Str("severity", string(n.Severity)).
		Str("resource", n.Resource).
		Str("actor", n.Actor).
		Interface("details", n.Details).
		Msg(n.Summary)

	return nil
}

// WebhookNotifier POSTs notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	client *resty.Client
}

// NewWebhookNotifier creates a notifier targeting the given base URL. The
// notification is POSTed to <baseURL>/notifications.
func NewWebhookNotifier(baseURL string, timeout time.Duration, headers map[string]string) *WebhookNotifier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeaders(headers)

	return &WebhookNotifier{client: client}
}

// Send implements Notifier.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Post("/notifications")
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// Fanout delivers each notification to every underlying notifier and
// reports the first failure.
type Fanout struct {
	notifiers []Notifier
}

// NewFanout creates a fan-out over the given notifiers.
func NewFanout(notifiers ...Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

// Send implements Notifier.
func (f *Fanout) Send(ctx context.Context, n Notification) error {
	var firstErr error
	for _, target := range f.notifiers {
		if err := target.Send(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
