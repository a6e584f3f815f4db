// Package obsmetrics is the Prometheus metrics surface for the ingestion
// worker: one Metrics registry wrapping github.com/prometheus/client_golang,
// built with promauto against a private *prometheus.Registry (never the
// global DefaultRegisterer, so cmd/worker and cmd/api can each own a clean
// registry) and served via promhttp.Handler.
package obsmetrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stageBuckets covers the pipeline's per-stage latency range: sub-second
// validation steps up through multi-minute OCR/embedding runs on large
// documents.
var stageBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// apiBuckets covers request-handler latency, which should stay well under
// a second for every endpoint in except Reindex.
var apiBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Metrics is the full metric family set for one process (cmd/worker or
// cmd/api each construct their own via New, so the two never collide on
// a shared global registerer).
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline Executor (engine/ingest).
	StageDuration   *prometheus.HistogramVec // labels: stage
	Transitions     *prometheus.CounterVec   // labels: from, to
	Retries         *prometheus.CounterVec   // labels: error_kind
	DeadLettered    *prometheus.CounterVec   // labels: error_kind
	Cancellations   prometheus.Counter
	JobsEnqueued    *prometheus.CounterVec // labels: priority
	JobsInFlight    prometheus.Gauge
	JobsIndexed     prometheus.Counter
	PipelineErrors  *prometheus.CounterVec // labels: error_kind
	QueueDepth      *prometheus.GaugeVec   // labels: priority

	// engine/control.
	RateLimitRejected prometheus.Counter
	EmbedConcurrency  prometheus.Gauge
	EmbedRateCurrent  prometheus.Gauge

	// engine/security.
	ResourceGuardRejected *prometheus.CounterVec // labels: reason
	ValidationRejected    *prometheus.CounterVec // labels: reason

	// engine/extract, engine/ocr, engine/embed, engine/semantic — external
	// collaborator call latency/errors.
	ExtractDuration     prometheus.Histogram
	OCRDuration         prometheus.Histogram
	OCRLowConfidence    prometheus.Counter
	EmbeddingDuration   prometheus.Histogram
	EmbeddingErrors     *prometheus.CounterVec // labels: error_kind
	VectorStoreDuration *prometheus.HistogramVec // labels: op
	VectorStoreErrors   *prometheus.CounterVec   // labels: op

	// engine/dlq.
	DLQSize   prometheus.Gauge
	DLQAlerts *prometheus.CounterVec // labels: reason

	// cmd/api request handling.
	APIRequestDuration *prometheus.HistogramVec // labels: route, status
}

// New builds a Metrics set registered against reg. Pass prometheus.NewRegistry()
// for production use; tests may pass the same to assert on collected values.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_stage_duration_seconds",
			Help:    "Duration of one Pipeline Executor stage.",
			Buckets: stageBuckets,
		}, []string{"stage"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_transitions_total",
			Help: "State machine transitions, by origin and destination state.",
		}, []string{"from", "to"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Jobs re-enqueued for a retried attempt, by error kind.",
		}, []string{"error_kind"}),
		DeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dead_lettered_total",
			Help: "Jobs handed to the dead-letter queue, by error kind.",
		}, []string{"error_kind"}),
		Cancellations: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_cancellations_total",
			Help: "Jobs resolved via cooperative cancellation.",
		}),
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_enqueued_total",
			Help: "Jobs accepted into the queue, by priority.",
		}, []string{"priority"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_jobs_in_flight",
			Help: "Jobs currently being driven through the pipeline by this worker process.",
		}),
		JobsIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_indexed_total",
			Help: "Jobs that reached the terminal indexed state.",
		}),
		PipelineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Stage failures, by error kind, regardless of retry outcome.",
		}, []string{"error_kind"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingest_queue_depth",
			Help: "Jobs waiting in the queue, by priority.",
		}, []string{"priority"}),

		RateLimitRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rate_limit_rejected_total",
			Help: "Embedding calls rejected fail-fast by the token-bucket ceiling.",
		}),
		EmbedConcurrency: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_embed_concurrency_in_use",
			Help: "Embedding-call semaphore slots currently held.",
		}),
		EmbedRateCurrent: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_embed_rate_current",
			Help: "Accepted embedding calls in the current windowed-counter window.",
		}),

		ResourceGuardRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_resource_guard_rejected_total",
			Help: "Stages rejected by the resource guard, by reason.",
		}, []string{"reason"}),
		ValidationRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_validation_rejected_total",
			Help: "Files rejected by the security validator, by reason.",
		}, []string{"reason"}),

		ExtractDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_extract_duration_seconds",
			Help:    "Content extraction call duration.",
			Buckets: stageBuckets,
		}),
		OCRDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_ocr_duration_seconds",
			Help:    "OCR call duration.",
			Buckets: stageBuckets,
		}),
		OCRLowConfidence: f.NewCounter(prometheus.CounterOpts{
			Name: "ingest_ocr_low_confidence_total",
			Help: "OCR passes that fell below the confidence threshold.",
		}),
		EmbeddingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_embedding_duration_seconds",
			Help:    "Embedding API call duration.",
			Buckets: stageBuckets,
		}),
		EmbeddingErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_embedding_errors_total",
			Help: "Embedding API call failures, by error kind.",
		}, []string{"error_kind"}),
		VectorStoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_vector_store_duration_seconds",
			Help:    "Vector store adapter call duration, by operation.",
			Buckets: stageBuckets,
		}, []string{"op"}),
		VectorStoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_vector_store_errors_total",
			Help: "Vector store adapter call failures, by operation.",
		}, []string{"op"}),

		DLQSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_dlq_size",
			Help: "Unresolved dead-letter queue entries.",
		}),
		DLQAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_dlq_alerts_total",
			Help: "Dead-letter alerts fired, by reason.",
		}, []string{"reason"}),

		APIRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_api_request_duration_seconds",
			Help:    "HTTP request duration, by route and status class.",
			Buckets: apiBuckets,
		}, []string{"route", "status"}),
	}
}

// Handler serves the registry's families in Prometheus text exposition
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on addr (e.g. ":9090"),
// blocking until the server stops or ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("obsmetrics: serve %s: %w", addr, err)
		}
		return nil
	}
}

// ServeAsync starts Serve in a goroutine, logging via the supplied onError
// callback if it returns (fire-and-forget, but propagating the error
// instead of a bare fmt.Printf).
func (m *Metrics) ServeAsync(ctx context.Context, addr string, onError func(error)) {
	go func() {
		if err := m.Serve(ctx, addr); err != nil && onError != nil {
			onError(err)
		}
	}()
}
