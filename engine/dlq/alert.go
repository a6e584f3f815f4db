package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// AlertSink delivers a DLQ alert to an external channel. Delivery
// transport is pluggable; leaves the channel itself out of
// scope and only fixes the firing conditions.
type AlertSink interface {
	Alert(ctx context.Context, alert Alert) error
}

// AlertReason names which firing condition triggered the alert. More
// than one may apply to the same entry.
type AlertReason string

const (
	AlertReasonCritical     AlertReason = "critical_severity"
	AlertReasonRecurring    AlertReason = "recurring_kind_24h"
	AlertReasonQueueBacklog AlertReason = "dlq_backlog_threshold"
)

// Alert is the payload handed to an AlertSink.
type Alert struct {
	Reasons   []AlertReason
	Entry     *Entry
	QueueSize int
}

// EvaluateAlert implements the firing conditions: severity critical, OR
// same-kind count >= 5 in the trailing 24h, OR the open DLQ backlog at
// or above backlogThreshold.
func EvaluateAlert(e *Entry, openBacklog, backlogThreshold int) (Alert, bool) {
	var reasons []AlertReason
	if e.Analysis.Severity == SeverityCritical {
		reasons = append(reasons, AlertReasonCritical)
	}
	if e.Analysis.Similar24h >= 5 {
		reasons = append(reasons, AlertReasonRecurring)
	}
	if backlogThreshold > 0 && openBacklog >= backlogThreshold {
		reasons = append(reasons, AlertReasonQueueBacklog)
	}
	if len(reasons) == 0 {
		return Alert{}, false
	}
	return Alert{Reasons: reasons, Entry: e, QueueSize: openBacklog}, true
}

// SlackAlertSink posts alerts to an incoming webhook via slack-go/slack.
type SlackAlertSink struct {
	WebhookURL string
	Logger     *slog.Logger
}

// NewSlackAlertSink builds a sink targeting the given webhook URL.
func NewSlackAlertSink(webhookURL string, logger *slog.Logger) *SlackAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackAlertSink{WebhookURL: webhookURL, Logger: logger}
}

// Alert posts a formatted message describing the dead-lettered job and
// why it alerted.
func (s *SlackAlertSink) Alert(_ context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf(
			"DLQ alert (%v): job %s in project %s failed with %s after %d attempts — %s",
			a.Reasons, a.Entry.JobID, a.Entry.ProjectID, a.Entry.ErrorKind,
			a.Entry.AttemptCount, a.Entry.Analysis.Recommendation,
		),
	}
	if err := slack.PostWebhook(s.WebhookURL, msg); err != nil {
		s.Logger.Error("dlq: slack alert failed", "error", err, "job_id", a.Entry.JobID)
		return fmt.Errorf("dlq: slack alert: %w", err)
	}
	return nil
}

// NoopAlertSink discards alerts; used when no webhook is configured.
type NoopAlertSink struct{}

func (NoopAlertSink) Alert(context.Context, Alert) error { return nil }
