package main

import (
	"time"

	"github.com/docpipe/ingestworker/engine/dlq"
	"github.com/docpipe/ingestworker/engine/ingest"
)

// enqueueResponse is the Enqueue API's 200/202 body.
type enqueueResponse struct {
	JobID             string    `json:"job_id"`
	QueuePosition     int       `json:"queue_position"`
	EstimatedStartAt  time.Time `json:"estimated_start_time"`
	IngestID          string    `json:"ingest_id"`
}

// duplicateResponse is the Enqueue API's 409 body on a known ingest_id.
type duplicateResponse struct {
	Code  string `json:"code"`
	JobID string `json:"job_id"`
}

// jobResponse is the Status API's body.
type jobResponse struct {
	JobID                     string     `json:"job_id"`
	IngestID                  string     `json:"ingest_id"`
	State                     string     `json:"state"`
	ProgressPct               int        `json:"progress_pct"`
	CurrentStep               string     `json:"current_step"`
	CreatedAt                 time.Time  `json:"created_at"`
	StartedAt                 *time.Time `json:"started_at,omitempty"`
	EndedAt                   *time.Time `json:"ended_at,omitempty"`
	EstimatedRemainingSeconds *int       `json:"estimated_remaining_seconds,omitempty"`
	DocumentID                string     `json:"document_id,omitempty"`
	ChunksIndexed             int        `json:"chunks_indexed,omitempty"`
	ErrorCode                 string     `json:"error_code,omitempty"`
	ErrorMessage              string     `json:"error_message,omitempty"`
	RetryCount                int        `json:"retry_count"`
	QueuePosition             *int       `json:"queue_position,omitempty"`
}

func newJobResponse(j *ingest.Job, queuePosition *int) jobResponse {
	resp := jobResponse{
		JobID:         j.ID.String(),
		IngestID:      j.IngestID,
		State:         string(j.State),
		ProgressPct:   j.ProgressPct,
		CurrentStep:   j.Step,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		EndedAt:       j.EndedAt,
		DocumentID:    j.DocumentID,
		ChunksIndexed: j.ChunksIndexed,
		ErrorCode:     string(j.ErrorKind),
		ErrorMessage:  j.ErrorMessage,
		RetryCount:    j.Attempt - 1,
		QueuePosition: queuePosition,
	}
	if j.State == ingest.StateQueued || j.State == ingest.StateScheduled {
		remaining := estimateRemainingSeconds(j.State)
		resp.EstimatedRemainingSeconds = &remaining
	}
	return resp
}

// estimateRemainingSeconds gives a rough estimate from the progress table
// using a fixed two seconds per remaining progress point.
func estimateRemainingSeconds(s ingest.State) int {
	remainingPct := 100 - ingest.ProgressFor(s)
	return remainingPct * 2
}

// cancelResponse is the Cancel API's body.
type cancelResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// retryRequestAccepted is the Retry API's success body when a fresh
// attempt is enqueued.
type retryRequestAccepted struct {
	RetryJobID  string    `json:"retry_job_id"`
	RetryCount  int       `json:"retry_count"`
	DelaySecond int       `json:"delay_seconds"`
	ScheduledAt time.Time `json:"scheduled_at"`
	SentToDLQ   bool      `json:"sent_to_dlq"`
}

// retryRequestExhausted is the Retry API's body when the job's attempt
// budget is already spent and it is (or remains) in the DLQ.
type retryRequestExhausted struct {
	RetryJobID any             `json:"retry_job_id"`
	SentToDLQ  bool            `json:"sent_to_dlq"`
	DLQEntry   dlqEntryResponse `json:"dlq_entry"`
}

// reindexResponse is the Reindex API's body.
type reindexResponse struct {
	ReindexJobID             string `json:"reindex_job_id"`
	DocumentsToReindex       int    `json:"documents_to_reindex"`
	OldEmbedVersion          string `json:"old_embed_version"`
	NewEmbedVersion          string `json:"new_embed_version"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}

// reindexAllRequest is the Reindex API's request body.
type reindexAllRequest struct {
	ProjectID      string `json:"project_id" validate:"required"`
	NewEmbedVersion string `json:"new_embed_version" validate:"required"`
	BatchSize      int    `json:"batch_size,omitempty"`
}

// dlqResolveRequest is the DLQ resolve API's request body.
type dlqResolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

// dlqEntryResponse mirrors dlq.Entry with explicit snake_case JSON tags.
type dlqEntryResponse struct {
	ID               string         `json:"id"`
	JobID            string         `json:"job_id"`
	IngestID         string         `json:"ingest_id"`
	ProjectID        string         `json:"project_id"`
	LastStep         string         `json:"last_step"`
	ErrorKind        string         `json:"error_kind"`
	ErrorCode        string         `json:"error_code"`
	ErrorMessage     string         `json:"error_message"`
	AttemptCount     int            `json:"attempt_count"`
	FailedAt         time.Time      `json:"failed_at"`
	Category         string         `json:"category"`
	Severity         string         `json:"severity"`
	Transient        bool           `json:"transient"`
	Critical         bool           `json:"critical"`
	RetryRecommended bool           `json:"retry_recommended"`
	RequiredActions  []string       `json:"required_actions"`
	Recommendation   string         `json:"recommendation"`
	Similar24h       int            `json:"similar_24h"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolutionNotes  string         `json:"resolution_notes,omitempty"`
}

func newDLQEntryResponse(e *dlq.Entry) dlqEntryResponse {
	return dlqEntryResponse{
		ID:               e.ID.String(),
		JobID:            e.JobID.String(),
		IngestID:         e.IngestID,
		ProjectID:        e.ProjectID,
		LastStep:         e.LastStep,
		ErrorKind:        string(e.ErrorKind),
		ErrorCode:        e.ErrorCode,
		ErrorMessage:     e.ErrorMessage,
		AttemptCount:     e.AttemptCount,
		FailedAt:         e.FailedAt,
		Category:         string(e.Analysis.Category),
		Severity:         string(e.Analysis.Severity),
		Transient:        e.Analysis.Transient,
		Critical:         e.Analysis.Critical,
		RetryRecommended: e.Analysis.RetryRecommended,
		RequiredActions:  e.Analysis.RequiredActions,
		Recommendation:   e.Analysis.Recommendation,
		Similar24h:       e.Analysis.Similar24h,
		ResolvedAt:       e.ResolvedAt,
		ResolvedBy:       e.ResolvedBy,
		ResolutionNotes:  e.ResolutionNotes,
	}
}

// queueStatsResponse is the Queue stats API's body.
type queueStatsResponse struct {
	QueueLength           int     `json:"queue_length"`
	DLQLength             int     `json:"dlq_length"`
	ProcessingJobs        int     `json:"processing_jobs"`
	ActiveWorkers         int     `json:"active_workers"`
	TotalWorkers          int     `json:"total_workers"`
	EmbeddingRateCurrent  int64   `json:"embedding_rate_current"`
	EmbeddingRateLimit    int     `json:"embedding_rate_limit"`
	EmbedVersion          string  `json:"embed_version"`
	QueueHealth           string  `json:"queue_health"`
}
