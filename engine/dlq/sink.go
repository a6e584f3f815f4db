package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/ingest"
)

// BacklogThreshold is the default open-DLQ-size alert trigger.
const BacklogThreshold = 200

// MetricsRecorder observes DLQ backlog size and fired alerts for the
// ambient metrics stack (pkg/obsmetrics.DLQRecorder). Optional: a nil
// Sink.metrics simply skips every call below.
type MetricsRecorder interface {
	QueueSize(n int)
	Alert(reason string)
}

// Sink satisfies ingest.DeadLetterSink: it snapshots the permanently
// failed job, runs it through the Analyzer, persists the entry, and
// fires an alert when the firing conditions in EvaluateAlert match.
type Sink struct {
	store   *Store
	analyze Analyzer
	alerts  AlertSink
	logger  *slog.Logger
	metrics MetricsRecorder

	backlogThreshold int
}

// NewSink wires a Store and AlertSink into the DeadLetterSink the
// executor calls on terminal failure. alerts may be nil, which uses
// NoopAlertSink. metrics may be nil to skip instrumentation.
func NewSink(store *Store, alerts AlertSink, logger *slog.Logger, metrics MetricsRecorder) *Sink {
	if alerts == nil {
		alerts = NoopAlertSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, analyze: Analyzer{}, alerts: alerts, logger: logger, metrics: metrics, backlogThreshold: BacklogThreshold}
}

// Send implements ingest.DeadLetterSink.
func (s *Sink) Send(ctx context.Context, job *ingest.Job, cause *ingesterrors.IngestError) error {
	since := time.Now().UTC().Add(-24 * time.Hour)
	similar, err := s.store.CountSimilar24h(ctx, cause.Kind, since)
	if err != nil {
		s.logger.Warn("dlq: count similar failed, proceeding with 0", "error", err)
		similar = 0
	}

	analysis := s.analyze.Analyze(cause.Kind, cause.Error(), job.Attempt, similar)

	entry := &Entry{
		JobID:        job.ID,
		IngestID:     job.IngestID,
		TenantID:     job.TenantID,
		ProjectID:    job.ProjectID,
		LastStep:     job.Step,
		ErrorKind:    cause.Kind,
		ErrorCode:    cause.Code(),
		ErrorMessage: cause.Error(),
		AttemptCount: job.Attempt,
		FailedAt:     time.Now().UTC(),
		TraceID:      job.TraceID,
		Stack:        job.ErrorStack,
		Payload:      job.ErrorDetail,
		Analysis:     analysis,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("dlq: send: %w", err)
	}

	backlog, err := s.openBacklogSize(ctx)
	if err != nil {
		s.logger.Warn("dlq: backlog count failed, skipping alert threshold check", "error", err)
		backlog = 0
	}
	if s.metrics != nil {
		s.metrics.QueueSize(backlog)
	}
	if alert, fire := EvaluateAlert(entry, backlog, s.backlogThreshold); fire {
		if err := s.alerts.Alert(ctx, alert); err != nil {
			s.logger.Error("dlq: alert delivery failed", "error", err, "job_id", job.ID)
		}
		if s.metrics != nil {
			for _, reason := range alert.Reasons {
				s.metrics.Alert(string(reason))
			}
		}
	}
	return nil
}

func (s *Sink) openBacklogSize(ctx context.Context) (int, error) {
	return s.store.CountUnresolved(ctx)
}
