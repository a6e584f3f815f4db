package obsmetrics

import "time"

// IngestRecorder adapts Metrics to engine/ingest.MetricsRecorder, kept as a
// thin method set here (rather than requiring engine/ingest to import
// prometheus types) so the executor's Deps can stay decoupled from the
// metrics backend, the same interface-at-point-of-use shape engine/ingest
// already uses for JobStore/DeadLetterSink/Requeuer.
type IngestRecorder struct {
	m *Metrics
}

// NewIngestRecorder wraps m for use as engine/ingest's optional metrics
// collaborator.
func NewIngestRecorder(m *Metrics) *IngestRecorder {
	return &IngestRecorder{m: m}
}

func (r *IngestRecorder) StageDuration(stage string, d time.Duration) {
	r.m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (r *IngestRecorder) Transition(from, to string) {
	r.m.Transitions.WithLabelValues(from, to).Inc()
}

func (r *IngestRecorder) Retry(errorKind string) {
	r.m.Retries.WithLabelValues(errorKind).Inc()
}

func (r *IngestRecorder) DeadLetter(errorKind string) {
	r.m.DeadLettered.WithLabelValues(errorKind).Inc()
}

func (r *IngestRecorder) Cancellation() {
	r.m.Cancellations.Inc()
}

func (r *IngestRecorder) JobIndexed() {
	r.m.JobsIndexed.Inc()
}

func (r *IngestRecorder) PipelineError(errorKind string) {
	r.m.PipelineErrors.WithLabelValues(errorKind).Inc()
}

// DLQRecorder adapts Metrics to engine/dlq's optional metrics collaborator.
type DLQRecorder struct {
	m *Metrics
}

// NewDLQRecorder wraps m for use as engine/dlq.Sink's optional metrics
// collaborator.
func NewDLQRecorder(m *Metrics) *DLQRecorder {
	return &DLQRecorder{m: m}
}

func (r *DLQRecorder) QueueSize(n int) {
	r.m.DLQSize.Set(float64(n))
}

func (r *DLQRecorder) Alert(reason string) {
	r.m.DLQAlerts.WithLabelValues(reason).Inc()
}
