package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/ingest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateIngestID is returned by Insert when a parentless
// (first-attempt) row already owns the ingest id.
var ErrDuplicateIngestID = errors.New("jobstore: duplicate ingest id")

// ErrIllegalTransition is returned by Transition on a failed CAS, i.e. the
// job's current state no longer matches the expected "from" state.
var ErrIllegalTransition = errors.New("jobstore: illegal or stale transition")

// ErrNotFound is returned when a job id or ingest id has no matching row.
var ErrNotFound = errors.New("jobstore: not found")

// Store is the job store, backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jobstore: invalid config: %w", err)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("jobstore: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports reachability, for readyz.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Insert atomically inserts a new job. A parentless job whose ingest_id
// already has a parentless row, in any state, yields ErrDuplicateIngestID;
// jobs with a parent (retries, reindex children) skip that check. Per the
// Open Question resolution in DESIGN.md, uniqueness is otherwise enforced
// at (ingest_id, attempt) in the schema.
func (s *Store) Insert(ctx context.Context, j *ingest.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("jobstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var activeCount int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE ingest_id = $1 AND parent_job_id IS NULL
	`, j.IngestID).Scan(&activeCount)
	if err != nil {
		return fmt.Errorf("jobstore: dup check: %w", err)
	}
	if activeCount > 0 && j.ParentJobID == nil {
		return ErrDuplicateIngestID
	}

	metrics, err := json.Marshal(j.Metrics)
	if err != nil {
		return err
	}
	detail, err := json.Marshal(j.ErrorDetail)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (
			id, ingest_id, parent_job_id, tenant_id, project_id, file_key,
			content_type, sha256, chunk_size, chunk_overlap, force_ocr,
			embed_version, state, step, progress_pct, attempt, max_retries,
			priority, trace_id, created_at, updated_at, error_kind,
			error_message, error_detail, metrics
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25
		)
	`,
		j.ID, j.IngestID, j.ParentJobID, j.TenantID, j.ProjectID, j.FileKey,
		j.ContentType, j.SHA256, j.ChunkSize, j.ChunkOverlap, j.ForceOCR,
		j.EmbedVersion, string(j.State), j.Step, j.ProgressPct, j.Attempt,
		j.MaxRetries, string(j.Priority), j.TraceID, j.CreatedAt, j.UpdatedAt,
		string(j.ErrorKind), j.ErrorMessage, detail, metrics,
	)
	if err != nil {
		return fmt.Errorf("jobstore: insert: %w", err)
	}
	return tx.Commit(ctx)
}

// Transition performs a compare-and-set state update: the
// UPDATE only succeeds if the row's current state still equals from.
func (s *Store) Transition(ctx context.Context, jobID uuid.UUID, from, to ingest.State, fields ingest.Transition) error {
	set := []string{"state = $3", "updated_at = now()"}
	args := []any{jobID, string(from), string(to)}
	n := 4

	add := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}
	if fields.Step != nil {
		add("step", *fields.Step)
	}
	if fields.ProgressPct != nil {
		add("progress_pct", *fields.ProgressPct)
	}
	if fields.StartedAt != nil {
		add("started_at", *fields.StartedAt)
	}
	if fields.EndedAt != nil {
		add("ended_at", *fields.EndedAt)
	}
	if fields.CanceledAt != nil {
		add("canceled_at", *fields.CanceledAt)
	}
	if fields.CancelReason != nil {
		add("cancel_reason", *fields.CancelReason)
	}
	if fields.ErrorKind != nil {
		add("error_kind", string(*fields.ErrorKind))
	}
	if fields.ErrorMessage != nil {
		add("error_message", *fields.ErrorMessage)
	}
	if fields.ErrorDetail != nil {
		b, err := json.Marshal(fields.ErrorDetail)
		if err != nil {
			return err
		}
		add("error_detail", b)
	}
	if fields.ErrorStack != nil {
		add("error_stack", *fields.ErrorStack)
	}
	if fields.Metrics != nil {
		b, err := json.Marshal(*fields.Metrics)
		if err != nil {
			return err
		}
		add("metrics", b)
	}
	if fields.DocumentID != nil {
		add("document_id", *fields.DocumentID)
	}
	if fields.ChunksIndexed != nil {
		add("chunks_indexed", *fields.ChunksIndexed)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1 AND state = $2", joinSet(set))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("jobstore: transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// Load fetches a job by internal id.
func (s *Store) Load(ctx context.Context, jobID uuid.UUID) (*ingest.Job, error) {
	return s.scanOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
}

// LoadByIngest fetches the most recent job for an ingest id (the live row
// in an un-retried chain, or the latest attempt in a retried one).
func (s *Store) LoadByIngest(ctx context.Context, ingestID string) (*ingest.Job, error) {
	return s.scanOne(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE ingest_id = $1
		ORDER BY attempt DESC LIMIT 1
	`, ingestID)
}

const jobColumns = `
	id, ingest_id, parent_job_id, tenant_id, project_id, file_key,
	content_type, sha256, chunk_size, chunk_overlap, force_ocr,
	embed_version, state, step, progress_pct, attempt, max_retries,
	priority, trace_id, created_at, started_at, ended_at, updated_at,
	canceled_at, cancel_reason, error_kind, error_message, error_detail,
	error_stack, metrics, document_id, chunks_indexed
`

func (s *Store) scanOne(ctx context.Context, query string, args ...any) (*ingest.Job, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobstore: load: %w", err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*ingest.Job, error) {
	var j ingest.Job
	var state, priority, errKind string
	var detail, metrics []byte
	err := row.Scan(
		&j.ID, &j.IngestID, &j.ParentJobID, &j.TenantID, &j.ProjectID, &j.FileKey,
		&j.ContentType, &j.SHA256, &j.ChunkSize, &j.ChunkOverlap, &j.ForceOCR,
		&j.EmbedVersion, &state, &j.Step, &j.ProgressPct, &j.Attempt, &j.MaxRetries,
		&priority, &j.TraceID, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.UpdatedAt,
		&j.CanceledAt, &j.CancelReason, &errKind, &j.ErrorMessage, &detail,
		&j.ErrorStack, &metrics, &j.DocumentID, &j.ChunksIndexed,
	)
	if err != nil {
		return nil, err
	}
	j.State = ingest.State(state)
	j.Priority = ingest.Priority(priority)
	j.ErrorKind = ingesterrors.Kind(errKind)
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &j.ErrorDetail)
	}
	if len(metrics) > 0 {
		_ = json.Unmarshal(metrics, &j.Metrics)
	}
	return &j, nil
}

// ListDLQCandidates returns jobs in dead_letter without a DLQ entry yet
// (defensive reconciliation; the executor writes the DLQ entry and the
// dead_letter transition as two separate steps, and a failed DLQ handoff
// is only logged).
func (s *Store) ListDLQCandidates(ctx context.Context, limit int) ([]*ingest.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.state = 'dead_letter'
		  AND NOT EXISTS (SELECT 1 FROM dlq_entries d WHERE d.job_id = j.id)
		ORDER BY j.updated_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list dlq candidates: %w", err)
	}
	defer rows.Close()
	var out []*ingest.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountActive returns the number of jobs not yet in a terminal state.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE state NOT IN ('indexed', 'canceled', 'dead_letter')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count active: %w", err)
	}
	return n, nil
}

// AgeOutPolicy configures how stale queued jobs are retired.
type AgeOutPolicy struct {
	MaxAge time.Duration
}

// AgeOut transitions queued jobs older than the policy's MaxAge to
// failed_timeout, so they become eligible for DLQ handling instead of
// lingering forever.
func (s *Store) AgeOut(ctx context.Context, policy AgeOutPolicy) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = 'failed_timeout', updated_at = now(),
			error_kind = 'WorkerTimeout', error_message = 'job aged out of queue'
		WHERE state = 'queued' AND created_at < $1
	`, time.Now().Add(-policy.MaxAge))
	if err != nil {
		return 0, fmt.Errorf("jobstore: age out: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertDocument records the finalized document row (document id, SHA-256,
// embed_version, chunk count, indexed_at) — modeled as a denormalized view
// over jobs.document_id rather than a separate table, since documents are
// only ever looked up by id/embed_version, both already on the job row.
func (s *Store) UpsertDocument(ctx context.Context, jobID uuid.UUID, documentID string, chunksIndexed int) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET document_id = $2, chunks_indexed = $3, ended_at = $4, updated_at = now()
		WHERE id = $1
	`, jobID, documentID, chunksIndexed, now)
	if err != nil {
		return fmt.Errorf("jobstore: upsert document: %w", err)
	}
	return nil
}

// CountProcessing returns the number of jobs actively mid-pipeline, i.e.
// excluding both not-yet-dequeued states and terminal states, for the
// Queue Stats API's processing_jobs field.
func (s *Store) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM jobs
		WHERE state NOT IN ('queued', 'scheduled', 'deferred', 'indexed', 'canceled', 'dead_letter')
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobstore: count processing: %w", err)
	}
	return n, nil
}

// LatestIndexedJobForDocument returns the most recent indexed job for a
// document id, used by the Reindex Task to recover the original file_key/
// chunk settings a document was ingested with.
func (s *Store) LatestIndexedJobForDocument(ctx context.Context, documentID string) (*ingest.Job, error) {
	return s.scanOne(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE document_id = $1 AND state = 'indexed'
		ORDER BY ended_at DESC NULLS LAST LIMIT 1
	`, documentID)
}

// DocumentsNeedingReindex returns document ids whose latest indexed job's
// embed_version differs from newVersion, for the reindex task.
func (s *Store) DocumentsNeedingReindex(ctx context.Context, projectID, newVersion string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id FROM (
			SELECT DISTINCT ON (document_id) document_id, embed_version FROM jobs
			WHERE project_id = $1 AND state = 'indexed' AND document_id <> ''
			ORDER BY document_id, ended_at DESC NULLS LAST
		) latest
		WHERE embed_version <> $2
	`, projectID, newVersion)
	if err != nil {
		return nil, fmt.Errorf("jobstore: documents needing reindex: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
