package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docpipe/ingestworker/engine/control"
	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/extract"
	"github.com/docpipe/ingestworker/engine/ocr"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/docpipe/ingestworker/engine/security"
	"github.com/docpipe/ingestworker/engine/semantic"
	"github.com/docpipe/ingestworker/pkg/clock"
	"github.com/docpipe/ingestworker/pkg/fn"
	"github.com/google/uuid"
)

// FileSource stages a job's file to a local path and reports its metadata,
// the File Source external collaborator from Extraction needs
// a real path (ledongthuc/pdf and archive/zip both require file-backed
// random access, not a plain stream), so Fetch resolves the file_id to a
// location on local disk rather than handing back a reader.
type FileSource interface {
	Fetch(ctx context.Context, fileKey string) (path string, meta FileMeta, err error)
}

// Embedder batches texts into vectors, satisfied by engine/embed.Client.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter is the slice of engine/semantic.VectorStore the Store stage
// needs.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteByDocumentID(ctx context.Context, documentID string) error
}

// JobStore is the slice of engine/jobstore.Store the executor drives
// transitions through. Defined here (rather than imported from
// engine/jobstore, which imports this package for Job/State/Transition)
// so jobstore.Store satisfies it structurally without a cycle.
type JobStore interface {
	Transition(ctx context.Context, jobID uuid.UUID, from, to State, fields Transition) error
	UpsertDocument(ctx context.Context, jobID uuid.UUID, documentID string, chunksIndexed int) error
	Insert(ctx context.Context, job *Job) error
}

// DeadLetterSink hands a permanently-failed job to the DLQ, satisfied by
// engine/dlq.Sink.
type DeadLetterSink interface {
	Send(ctx context.Context, job *Job, cause *ingesterrors.IngestError) error
}

// Requeuer re-enqueues a job for a retried attempt after a computed delay,
// the slice of engine/queue.Driver the executor needs on the failure path.
type Requeuer interface {
	Enqueue(ctx context.Context, payload any, jobID string, priority queue.Priority, delay time.Duration) error
}

// MetricsRecorder observes Pipeline Executor behavior for the ambient
// metrics stack (pkg/obsmetrics.IngestRecorder). Optional: a nil Deps.Metrics
// simply skips every call below.
type MetricsRecorder interface {
	StageDuration(stage string, d time.Duration)
	Transition(from, to string)
	Retry(errorKind string)
	DeadLetter(errorKind string)
	Cancellation()
	JobIndexed()
	PipelineError(errorKind string)
}

func toQueuePriority(p Priority) queue.Priority {
	switch p {
	case PriorityLow:
		return queue.PriorityLow
	case PriorityHigh:
		return queue.PriorityHigh
	default:
		return queue.PriorityNormal
	}
}

// Deps are the pipeline executor's collaborators, which the production
// cmd/worker wires to concrete engine/* implementations. The
// interface-typed fields let tests wire fakes; the rest are concrete
// engine/* types.
type Deps struct {
	Files         FileSource
	Guard         *security.Guard
	ResourceGuard *security.ResourceGuard
	Extractor     *extract.Extractor
	OCR           ocr.OCR
	Embedder      Embedder
	Vectors       VectorWriter
	Store         JobStore
	DeadLetter    DeadLetterSink
	Requeue       Requeuer
	Cancels       *control.CancelStore
	RateLimit     *control.RateLimiter
	Concurrency   *control.Semaphore
	Counter       *control.WindowedCounter
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       MetricsRecorder

	BatchSize       int           // chunks per embed batch, default 32
	BatchPause      time.Duration // pacing between embed batches, default 100ms
	CancelPollEvery time.Duration // cancel-check interval during long stages, default 5s
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.BatchSize <= 0 {
		out.BatchSize = 32
	}
	if out.BatchPause <= 0 {
		out.BatchPause = 100 * time.Millisecond
	}
	if out.CancelPollEvery <= 0 {
		out.CancelPollEvery = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Cursor is the mutable working state threaded through one job's run of
// the pipeline: the durable Job plus whatever the prior stage produced.
type Cursor struct {
	Job *Job

	path     string
	fileMeta FileMeta

	security *security.Report
	parsed   *ParsedDoc
	chunked  *ChunkedDoc
	embedded *EmbeddedDoc
}

// StageResult is what one stage hands back to the driver loop: the state
// to transition into on success, the metrics delta it measured, and — on
// failure — the typed error that decides retry vs. dead-letter.
type StageResult struct {
	NextState State
	Metrics   JobMetrics
	Err       *ingesterrors.IngestError
}

func ok(next State, m JobMetrics) StageResult        { return StageResult{NextState: next, Metrics: m} }
func fail(err *ingesterrors.IngestError) StageResult { return StageResult{Err: err} }

// stageFunc is one pipeline stage: given the current cursor, produce a
// StageResult and (optionally) mutate the cursor with its output.
type stageFunc func(ctx context.Context, d Deps, c *Cursor) StageResult

// Executor drives one job through every stage of the job state
// machine, writing a transition after every stage. It is an explicit
// loop (rather than a single fn.Then chain) because each step
// also needs a cancel checkpoint, a resource-guard check, and a
// transition write the pure functional composition can't express cleanly.
type Executor struct {
	deps Deps
}

// NewExecutor builds an Executor, filling in default batch/pacing/poll
// tunables where the caller left them zero.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps.withDefaults()}
}

// Run drives job through validate → upload → extract → (ocr) → chunk →
// embed → store → indexed, returning the terminal state reached. A
// non-nil error is only returned for driver-level failures (e.g. the job
// store itself is unreachable); stage failures are resolved into a
// failed_<stage> transition and reported via the returned State plus
// whatever the retry/DLQ handoff decided, not via the error return.
func (e *Executor) Run(ctx context.Context, job *Job) (State, error) {
	c := &Cursor{Job: job}
	stages := []struct {
		name  string
		entry State
		fn    stageFunc
	}{
		{"validate", StateStarted, e.validateStage},
		{"upload", StateUploading, e.uploadStage},
		{"extract", StateExtracting, e.extractStage},
		{"ocr", StateOCR, e.ocrStage},
		{"chunk", StateChunking, e.chunkStage},
		{"embed", StateEmbedding, e.embedStage},
		{"store", StateStoring, e.storeStage},
	}

	for _, st := range stages {
		if job.State != st.entry {
			// A prior stage already moved past this one (e.g. extract
			// skipped ocr by transitioning straight to chunking).
			continue
		}

		if canceled, reason, cerr := e.checkCanceled(ctx, job); cerr != nil {
			return job.State, cerr
		} else if canceled {
			return e.resolveCancel(ctx, job, reason)
		}

		stageStart := e.now()
		res := fn.TracedStage("ingest."+st.name, func(ctx context.Context, c *Cursor) fn.Result[*Cursor] {
			r := st.fn(ctx, e.deps, c)
			if r.Err != nil {
				return fn.Err[*Cursor](r.Err)
			}
			job.Metrics = mergeMetrics(job.Metrics, r.Metrics)
			return fn.Ok(c)
		})(ctx, c)
		if e.deps.Metrics != nil {
			e.deps.Metrics.StageDuration(st.name, e.now().Sub(stageStart))
		}

		if res.IsErr() {
			_, rerr := res.Unwrap()
			var ie *ingesterrors.IngestError
			ingesterrors.As(rerr, &ie)
			if e.deps.Metrics != nil {
				e.deps.Metrics.PipelineError(string(errKind(ie)))
			}
			if ie != nil && (ie.Kind == ingesterrors.UserCanceled || ie.Kind == ingesterrors.SystemCanceled) {
				return e.resolveCancel(ctx, job, ie.Message)
			}
			return e.resolveFailure(ctx, job, job.State, ie)
		}

		if err := e.transition(ctx, job, job.State, nextStateFor(st.name, c)); err != nil {
			return job.State, err
		}

		if e.deps.ResourceGuard != nil {
			if gerr := e.deps.ResourceGuard.Check(ctx); gerr != nil {
				var ie *ingesterrors.IngestError
				ingesterrors.As(gerr, &ie)
				return e.resolveFailure(ctx, job, job.State, ie)
			}
		}
	}

	return job.State, nil
}

// nextStateFor resolves the branch after extraction: OCR only runs when
// the extracted text was too short or garbled, otherwise extraction
// skips straight to chunking.
func nextStateFor(stageName string, c *Cursor) State {
	switch stageName {
	case "validate":
		return StateUploading
	case "upload":
		return StateExtracting
	case "extract":
		if c.parsed != nil && c.parsed.Metadata["needs_ocr"] == "true" {
			return StateOCR
		}
		return StateChunking
	case "ocr":
		return StateChunking
	case "chunk":
		return StateEmbedding
	case "embed":
		return StateStoring
	case "store":
		return StateIndexed
	default:
		return StateFailedValidation
	}
}

// errKind returns ie.Kind, or Unknown if ie is nil (a driver-level error
// with no typed cause, e.g. a nil stage error wrapped by resolveFailure).
func errKind(ie *ingesterrors.IngestError) ingesterrors.Kind {
	if ie == nil {
		return ingesterrors.Unknown
	}
	return ie.Kind
}

func mergeMetrics(acc, delta JobMetrics) JobMetrics {
	acc.QueueWait += delta.QueueWait
	acc.Upload += delta.Upload
	acc.Extract += delta.Extract
	acc.OCR += delta.OCR
	acc.Chunk += delta.Chunk
	acc.Embed += delta.Embed
	acc.Store += delta.Store
	if delta.FileBytes > 0 {
		acc.FileBytes = delta.FileBytes
	}
	if delta.ExtractedChars > 0 {
		acc.ExtractedChars = delta.ExtractedChars
	}
	if delta.ChunksCreated > 0 {
		acc.ChunksCreated = delta.ChunksCreated
	}
	acc.ChunksEmbedded += delta.ChunksEmbedded
	acc.ChunksStored += delta.ChunksStored
	if delta.OCRConfidence > 0 {
		acc.OCRConfidence = delta.OCRConfidence
	}
	if delta.ExtractionMethod != "" {
		acc.ExtractionMethod = delta.ExtractionMethod
	}
	if delta.EmbedModel != "" {
		acc.EmbedModel = delta.EmbedModel
	}
	if delta.AvgChunkSize > 0 {
		acc.AvgChunkSize = delta.AvgChunkSize
	}
	acc.EmbedTokensUsed += delta.EmbedTokensUsed
	acc.EstimatedCostUSD += delta.EstimatedCostUSD
	return acc
}

// checkCanceled consults the cancel store. Run calls it at every stage
// boundary and the embed stage calls it between batches once
// CancelPollEvery has elapsed; cancellation is advisory and cooperative,
// never preemptive.
func (e *Executor) checkCanceled(ctx context.Context, job *Job) (bool, string, error) {
	if e.deps.Cancels == nil {
		return false, "", nil
	}
	flag, found, err := e.deps.Cancels.Get(ctx, job.ID.String())
	if err != nil {
		return false, "", fmt.Errorf("ingest: cancel check: %w", err)
	}
	if !found {
		return false, "", nil
	}
	return true, flag.Reason, nil
}

func (e *Executor) resolveCancel(ctx context.Context, job *Job, reason string) (State, error) {
	now := e.now()
	err := e.deps.Store.Transition(ctx, job.ID, job.State, StateCanceled, Transition{
		CanceledAt:   &now,
		CancelReason: &reason,
	})
	job.State = StateCanceled
	job.CanceledAt = &now
	job.CancelReason = reason
	if e.deps.Metrics != nil {
		e.deps.Metrics.Cancellation()
	}
	return StateCanceled, err
}

// resolveFailure maps a stage error onto its failed_<stage> state,
// transitions the job, and hands off to the retry policy (re-enqueue
// with a computed delay) or the DLQ when the policy is exhausted.
func (e *Executor) resolveFailure(ctx context.Context, job *Job, running State, ie *ingesterrors.IngestError) (State, error) {
	if ie == nil {
		ie = ingesterrors.New(ingesterrors.Unknown, "unknown stage failure", nil)
	}
	failState := FailureStateFor(running)
	now := e.now()

	if err := e.transition(ctx, job, running, failState); err != nil {
		return job.State, err
	}

	if terr := e.deps.Store.Transition(ctx, job.ID, failState, failState, Transition{
		EndedAt:      &now,
		ErrorKind:    &ie.Kind,
		ErrorMessage: &ie.Message,
		ErrorDetail:  ie.Detail,
		ErrorStack:   &ie.Stack,
	}); terr != nil {
		e.deps.Logger.Error("ingest: record failure detail", "job_id", job.ID, "err", terr)
	}
	job.ErrorKind = ie.Kind
	job.ErrorMessage = ie.Message
	job.ErrorDetail = ie.Detail
	job.ErrorStack = ie.Stack

	policy := ingesterrors.PolicyFor(ie.Kind)
	nextAttempt := job.Attempt + 1
	delay, retryable := policy.NextDelay(job.Attempt)
	if retryable && nextAttempt <= job.MaxRetries+1 {
		retryJob := &Job{
			ID:           e.deps.Clock.NewID(),
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
			State:        StateQueued,
			Attempt:      nextAttempt,
			MaxRetries:   job.MaxRetries,
			Priority:     job.Priority,
			TraceID:      job.TraceID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if e.deps.Store != nil {
			if ierr := e.deps.Store.Insert(ctx, retryJob); ierr != nil {
				e.deps.Logger.Error("ingest: insert retry job failed", "job_id", job.ID, "err", ierr)
				return job.State, nil
			}
		}
		if e.deps.Requeue != nil {
			if rerr := e.deps.Requeue.Enqueue(ctx, retryJob, retryJob.ID.String(), toQueuePriority(retryJob.Priority), delay); rerr != nil {
				e.deps.Logger.Error("ingest: requeue retry job", "job_id", retryJob.ID, "err", rerr)
			}
		}
		if e.deps.Metrics != nil {
			e.deps.Metrics.Retry(string(ie.Kind))
		}
		return job.State, nil
	}

	if e.deps.DeadLetter != nil {
		if derr := e.deps.DeadLetter.Send(ctx, job, ie); derr != nil {
			e.deps.Logger.Error("ingest: dead-letter handoff failed", "job_id", job.ID, "err", derr)
		}
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.DeadLetter(string(ie.Kind))
	}
	if terr := e.transition(ctx, job, failState, StateDeadLetter); terr != nil {
		return job.State, terr
	}
	return StateDeadLetter, nil
}

func (e *Executor) transition(ctx context.Context, job *Job, from, to State) error {
	if !CanTransition(from, to) && from != to {
		return fmt.Errorf("ingest: illegal transition %s -> %s", from, to)
	}
	now := e.now()
	pct := ProgressFor(to)
	if IsFailure(to) {
		// Progress freezes at the last running-state value.
		pct = job.ProgressPct
	}
	step := string(to)
	if err := e.deps.Store.Transition(ctx, job.ID, from, to, Transition{
		Step:        &step,
		ProgressPct: &pct,
	}); err != nil {
		return fmt.Errorf("ingest: transition %s -> %s: %w", from, to, err)
	}
	job.State = to
	job.Step = step
	job.ProgressPct = pct
	if e.deps.Metrics != nil {
		e.deps.Metrics.Transition(string(from), string(to))
		if to == StateIndexed {
			e.deps.Metrics.JobIndexed()
		}
	}
	return nil
}

func (e *Executor) now() time.Time {
	if e.deps.Clock != nil {
		return e.deps.Clock.Now()
	}
	return time.Now().UTC()
}
