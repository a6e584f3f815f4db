package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/ingest"
	"github.com/docpipe/ingestworker/engine/jobstore"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

// handleEnqueue implements POST /ingest.
func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ingestID := r.Header.Get("X-Ingest-Id")
	if ingestID == "" {
		writeError(w, http.StatusBadRequest, "X-Ingest-Id header is required")
		return
	}
	priority := parsePriority(r.Header.Get("X-Priority"))

	var req ingest.IngestRequest
	if err := decodeAndValidate(r, s, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if existing, err := s.jobs.LoadByIngest(r.Context(), ingestID); err == nil {
		writeJSON(w, http.StatusConflict, duplicateResponse{Code: "DUPLICATE_INGEST", JobID: existing.ID.String()})
		return
	} else if !errors.Is(err, jobstore.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkOverlap := req.ChunkOverlap
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlap
	}

	now := s.clock.Now()
	job := &ingest.Job{
		ID:           s.clock.NewID(),
		IngestID:     ingestID,
		ProjectID:    req.ProjectID,
		FileKey:      req.FileID,
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		ForceOCR:     req.ForceOCR,
		EmbedVersion: s.cfg.EmbedVersion,
		State:        ingest.StateQueued,
		Attempt:      1,
		MaxRetries:   s.cfg.MaxRetries,
		Priority:     priority,
		TraceID:      s.clock.NewID().String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.jobs.Insert(r.Context(), job); err != nil {
		if errors.Is(err, jobstore.ErrDuplicateIngestID) {
			writeJSON(w, http.StatusConflict, duplicateResponse{Code: "DUPLICATE_INGEST", JobID: job.ID.String()})
			return
		}
		s.log.Error("api: insert job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	qPriority := queue.Priority(job.Priority)
	if err := s.queue.Enqueue(r.Context(), req, job.ID.String(), qPriority, 0); err != nil {
		s.log.Error("api: enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	position, err := s.queue.Length(r.Context(), qPriority)
	if err != nil {
		position = 0
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:            job.ID.String(),
		QueuePosition:    position,
		EstimatedStartAt: now.Add(time.Duration(position) * 5 * time.Second),
		IngestID:         job.IngestID,
	})
}

func parsePriority(header string) ingest.Priority {
	switch ingest.Priority(header) {
	case ingest.PriorityLow, ingest.PriorityHigh:
		return ingest.Priority(header)
	default:
		return ingest.PriorityNormal
	}
}

// handleJobStatus implements GET /jobs/{id}.
func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJobOrRespond(w, r)
	if !ok {
		return
	}

	var position *int
	if job.State == ingest.StateQueued {
		if n, err := s.queue.Length(r.Context(), queue.Priority(job.Priority)); err == nil {
			position = &n
		}
	}
	writeJSON(w, http.StatusOK, newJobResponse(job, position))
}

// handleJobCancel implements POST /jobs/{id}/cancel?reason=....
func (s *server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJobOrRespond(w, r)
	if !ok {
		return
	}

	if ingest.IsTerminal(job.State) {
		writeJSON(w, http.StatusOK, cancelResponse{Accepted: false, Reason: "terminal"})
		return
	}

	reason := r.URL.Query().Get("reason")
	if err := s.cancels.Set(r.Context(), job.ID.String(), reason); err != nil {
		s.log.Error("api: set cancel flag failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	if job.State == ingest.StateQueued {
		if _, err := s.queue.CancelQueued(r.Context(), job.ID.String()); err != nil {
			s.log.Warn("api: cancel queued failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, cancelResponse{Accepted: true})
}

// handleJobRetry implements POST /jobs/{id}/retry?max_retries=&delay_seconds=.
func (s *server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJobOrRespond(w, r)
	if !ok {
		return
	}

	maxRetries := job.MaxRetries
	if v := r.URL.Query().Get("max_retries"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxRetries = n
		}
	}

	nextAttempt := job.Attempt + 1
	if nextAttempt > maxRetries+1 {
		entry, err := s.dlqStore.GetByJobID(r.Context(), job.ID)
		if err != nil {
			writeError(w, http.StatusNotFound, "job has exhausted retries but no dlq entry was found")
			return
		}
		writeJSON(w, http.StatusOK, retryRequestExhausted{
			RetryJobID: nil,
			SentToDLQ:  true,
			DLQEntry:   newDLQEntryResponse(entry),
		})
		return
	}

	delaySeconds := 0
	if v := r.URL.Query().Get("delay_seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			delaySeconds = n
		}
	} else if d, ok := ingesterrors.PolicyFor(job.ErrorKind).NextDelay(job.Attempt); ok {
		delaySeconds = int(d.Seconds())
	}

	now := s.clock.Now()
	retryJob := &ingest.Job{
		ID:           s.clock.NewID(),
		IngestID:     job.IngestID,
		ParentJobID:  &job.ID,
		TenantID:     job.TenantID,
		ProjectID:    job.ProjectID,
		FileKey:      job.FileKey,
		ContentType:  job.ContentType,
		ChunkSize:    job.ChunkSize,
		ChunkOverlap: job.ChunkOverlap,
		ForceOCR:     job.ForceOCR,
		EmbedVersion: job.EmbedVersion,
		State:        ingest.StateQueued,
		Attempt:      nextAttempt,
		MaxRetries:   maxRetries,
		Priority:     job.Priority,
		TraceID:      job.TraceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.jobs.Insert(r.Context(), retryJob); err != nil {
		s.log.Error("api: insert retry job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule retry")
		return
	}

	delay := time.Duration(delaySeconds) * time.Second
	if err := s.queue.Enqueue(r.Context(), struct{}{}, retryJob.ID.String(), queue.Priority(retryJob.Priority), delay); err != nil {
		s.log.Error("api: enqueue retry failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue retry")
		return
	}

	writeJSON(w, http.StatusOK, retryRequestAccepted{
		RetryJobID:  retryJob.ID.String(),
		RetryCount:  retryJob.Attempt - 1,
		DelaySecond: delaySeconds,
		ScheduledAt: now.Add(delay),
		SentToDLQ:   false,
	})
}

// handleReindexAll implements POST /reindex-all.
func (s *server) handleReindexAll(w http.ResponseWriter, r *http.Request) {
	var req reindexAllRequest
	if err := decodeAndValidate(r, s, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	docIDs, err := s.jobs.DocumentsNeedingReindex(r.Context(), req.ProjectID, req.NewEmbedVersion)
	if err != nil {
		s.log.Error("api: documents needing reindex failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if len(docIDs) > batchSize {
		docIDs = docIDs[:batchSize]
	}

	now := s.clock.Now()
	oldVersion := ""
	enqueued := 0
	for _, docID := range docIDs {
		source, err := s.jobs.LatestIndexedJobForDocument(r.Context(), docID)
		if err != nil {
			s.log.Warn("api: reindex source lookup failed", "document_id", docID, "error", err)
			continue
		}
		if oldVersion == "" {
			oldVersion = source.EmbedVersion
		}

		childID := s.clock.NewID()
		child := &ingest.Job{
			ID:           childID,
			IngestID:     stableReindexIngestID(docID, req.NewEmbedVersion),
			ParentJobID:  &source.ID,
			TenantID:     source.TenantID,
			ProjectID:    source.ProjectID,
			FileKey:      source.FileKey,
			ContentType:  source.ContentType,
			ChunkSize:    source.ChunkSize,
			ChunkOverlap: source.ChunkOverlap,
			EmbedVersion: req.NewEmbedVersion,
			State:        ingest.StateQueued,
			Attempt:      1,
			MaxRetries:   source.MaxRetries,
			Priority:     ingest.PriorityLow,
			TraceID:      s.clock.NewID().String(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.jobs.Insert(r.Context(), child); err != nil {
			if errors.Is(err, jobstore.ErrDuplicateIngestID) {
				continue // already reindexed to this version
			}
			s.log.Error("api: reindex child insert failed", "document_id", docID, "error", err)
			continue
		}
		if err := s.queue.Enqueue(r.Context(), struct{}{}, child.ID.String(), queue.Priority(child.Priority), 0); err != nil {
			s.log.Error("api: reindex child enqueue failed", "document_id", docID, "error", err)
			continue
		}
		enqueued++
	}

	writeJSON(w, http.StatusAccepted, reindexResponse{
		ReindexJobID:             s.clock.NewID().String(),
		DocumentsToReindex:       enqueued,
		OldEmbedVersion:          oldVersion,
		NewEmbedVersion:          req.NewEmbedVersion,
		EstimatedDurationMinutes: (enqueued*30 + 59) / 60,
	})
}

func stableReindexIngestID(documentID, newVersion string) string {
	return "reindex-" + documentID + "-" + newVersion
}

// loadJobOrRespond fetches the job named by the {id} path param, writing
// the appropriate error response and returning ok=false on failure.
func (s *server) loadJobOrRespond(w http.ResponseWriter, r *http.Request) (*ingest.Job, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}
	job, err := s.jobs.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return nil, false
		}
		s.log.Error("api: load job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}
