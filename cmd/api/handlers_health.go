package main

import (
	"context"
	"net/http"

	"github.com/docpipe/ingestworker/engine/queue"
)

// handleHealthz implements GET /healthz: plain liveness, no
// dependency checks.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz implements GET /readyz: queue driver, job
// store, vector store, and embedding adapter must all be reachable.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyzTimeout)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if !s.queue.Ping() {
		checks["queue"] = "unreachable"
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	if err := s.jobs.Ping(ctx); err != nil {
		checks["job_store"] = "unreachable: " + err.Error()
		ready = false
	} else {
		checks["job_store"] = "ok"
	}

	if _, err := s.vectors.Count(ctx); err != nil {
		checks["vector_store"] = "unreachable: " + err.Error()
		ready = false
	} else {
		checks["vector_store"] = "ok"
	}

	if err := s.embedder.Ping(ctx); err != nil {
		checks["embedding_adapter"] = "unreachable: " + err.Error()
		ready = false
	} else {
		checks["embedding_adapter"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

// handleQueueStats implements GET /queue/stats.
func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueLength := 0
	for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow} {
		if n, err := s.queue.Length(ctx, p); err == nil {
			queueLength += n
		}
	}

	dlqLength, err := s.dlqStore.CountUnresolved(ctx)
	if err != nil {
		dlqLength = 0
	}

	processing, err := s.jobs.CountProcessing(ctx)
	if err != nil {
		processing = 0
	}

	rateCurrent, err := s.counter.Current(ctx)
	if err != nil {
		rateCurrent = 0
	}

	activeWorkers := processing
	if activeWorkers > s.cfg.WorkerConcurrency {
		activeWorkers = s.cfg.WorkerConcurrency
	}

	writeJSON(w, http.StatusOK, queueStatsResponse{
		QueueLength:          queueLength,
		DLQLength:            dlqLength,
		ProcessingJobs:       processing,
		ActiveWorkers:        activeWorkers,
		TotalWorkers:         s.cfg.WorkerConcurrency,
		EmbeddingRateCurrent: rateCurrent,
		EmbeddingRateLimit:   s.cfg.EmbeddingRateLimit,
		EmbedVersion:         s.cfg.EmbedVersion,
		QueueHealth:          queueHealth(queueLength, dlqLength, s.cfg.DLQAlertThreshold),
	})
}

func queueHealth(queueLength, dlqLength, dlqThreshold int) string {
	switch {
	case dlqLength >= dlqThreshold:
		return "unhealthy"
	case queueLength > 500 || dlqLength >= dlqThreshold/2:
		return "degraded"
	default:
		return "healthy"
	}
}
