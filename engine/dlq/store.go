package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an entry id has no matching row.
var ErrNotFound = errors.New("dlq: not found")

// Store is the DLQ repository over the dlq_entries table (migration
// 00002_dlq_entries.sql), in the same Postgres database as the Job Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool — dlq.Store is not its own connection
// owner; the caller opens and closes the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `
	id, job_id, ingest_id, tenant_id, project_id, last_step,
	error_kind, error_code, error_message, attempt_count, failed_at,
	trace_id, stack, payload, category, severity, transient, critical,
	retry_recommended, required_actions, recommendation, similar_24h,
	resolved_at, resolved_by, resolution_notes, created_at
`

// Insert writes a terminally-failed job's snapshot, idempotent on job_id:
// writing an entry for the same job id again overwrites the prior entry
// rather than accumulating duplicates. A retry runs as a new job row with
// its own id, so it gets an entry of its own.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("dlq: marshal payload: %w", err)
	}
	actions, err := json.Marshal(e.Analysis.RequiredActions)
	if err != nil {
		return fmt.Errorf("dlq: marshal required_actions: %w", err)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dlq_entries (
			id, job_id, ingest_id, tenant_id, project_id, last_step,
			error_kind, error_code, error_message, attempt_count, failed_at,
			trace_id, stack, payload, category, severity, transient, critical,
			retry_recommended, required_actions, recommendation, similar_24h
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22
		)
		ON CONFLICT (job_id) DO UPDATE SET
			last_step = EXCLUDED.last_step,
			error_kind = EXCLUDED.error_kind,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			attempt_count = EXCLUDED.attempt_count,
			failed_at = EXCLUDED.failed_at,
			trace_id = EXCLUDED.trace_id,
			stack = EXCLUDED.stack,
			payload = EXCLUDED.payload,
			category = EXCLUDED.category,
			severity = EXCLUDED.severity,
			transient = EXCLUDED.transient,
			critical = EXCLUDED.critical,
			retry_recommended = EXCLUDED.retry_recommended,
			required_actions = EXCLUDED.required_actions,
			recommendation = EXCLUDED.recommendation,
			similar_24h = EXCLUDED.similar_24h,
			resolved_at = NULL,
			resolved_by = '',
			resolution_notes = ''
	`,
		e.ID, e.JobID, e.IngestID, e.TenantID, e.ProjectID, e.LastStep,
		string(e.ErrorKind), e.ErrorCode, e.ErrorMessage, e.AttemptCount, e.FailedAt,
		e.TraceID, e.Stack, payload, string(e.Analysis.Category), string(e.Analysis.Severity),
		e.Analysis.Transient, e.Analysis.Critical, e.Analysis.RetryRecommended, actions,
		e.Analysis.Recommendation, e.Analysis.Similar24h,
	)
	if err != nil {
		return fmt.Errorf("dlq: insert: %w", err)
	}
	return nil
}

// CountSimilar24h counts entries (resolved or not) with the same error
// kind failed since `since`, for Analyzer.Analyze's Similar24h field.
func (s *Store) CountSimilar24h(ctx context.Context, kind ingesterrors.Kind, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM dlq_entries WHERE error_kind = $1 AND failed_at >= $2
	`, string(kind), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dlq: count similar: %w", err)
	}
	return n, nil
}

// CountUnresolved returns the size of the open DLQ backlog, for
// Sink.Send's backlog-threshold alert check.
func (s *Store) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dlq_entries WHERE resolved_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dlq: count unresolved: %w", err)
	}
	return n, nil
}

// Get loads one entry by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM dlq_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get: %w", err)
	}
	return e, nil
}

// GetByJobID loads the entry for a job, used by the Retry API to surface
// the existing DLQ entry when a retry request finds the job already
// permanently failed rather than creating a duplicate.
func (s *Store) GetByJobID(ctx context.Context, jobID uuid.UUID) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM dlq_entries WHERE job_id = $1`, jobID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get by job: %w", err)
	}
	return e, nil
}

// ListFilter narrows List's query; zero-value fields are unconstrained.
type ListFilter struct {
	ProjectID      string
	Category       Category
	OnlyUnresolved bool
	Limit          int
	Offset         int
}

// List returns entries matching filter, newest-failed first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + entryColumns + ` FROM dlq_entries WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if filter.ProjectID != "" {
		add("project_id =", filter.ProjectID)
	}
	if filter.Category != "" {
		add("category =", string(filter.Category))
	}
	if filter.OnlyUnresolved {
		query += " AND resolved_at IS NULL"
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY failed_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("dlq: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Resolve marks an entry resolved, by operator action or by Cleanup's
// auto-resolve path.
func (s *Store) Resolve(ctx context.Context, id uuid.UUID, resolvedBy, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dlq_entries SET resolved_at = now(), resolved_by = $2, resolution_notes = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy, notes)
	if err != nil {
		return fmt.Errorf("dlq: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup auto-resolves entries unresolved past autoResolveAfter (with a
// system note) and deletes resolved entries past deleteResolvedAfter,
// enforcing the DLQ's retention policy. Returns (autoResolved, deleted).
func (s *Store) Cleanup(ctx context.Context, autoResolveAfter, deleteResolvedAfter time.Duration) (int, int, error) {
	autoTag, err := s.pool.Exec(ctx, `
		UPDATE dlq_entries
		SET resolved_at = now(), resolved_by = 'system', resolution_notes = 'auto-resolved: exceeded unresolved retention window'
		WHERE resolved_at IS NULL AND failed_at < now() - $1::interval
	`, autoResolveAfter.String())
	if err != nil {
		return 0, 0, fmt.Errorf("dlq: auto-resolve: %w", err)
	}

	delTag, err := s.pool.Exec(ctx, `
		DELETE FROM dlq_entries
		WHERE resolved_at IS NOT NULL AND resolved_at < now() - $1::interval
	`, deleteResolvedAfter.String())
	if err != nil {
		return int(autoTag.RowsAffected()), 0, fmt.Errorf("dlq: delete resolved: %w", err)
	}
	return int(autoTag.RowsAffected()), int(delTag.RowsAffected()), nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var errKind, category, severity string
	var payload, actions []byte
	err := row.Scan(
		&e.ID, &e.JobID, &e.IngestID, &e.TenantID, &e.ProjectID, &e.LastStep,
		&errKind, &e.ErrorCode, &e.ErrorMessage, &e.AttemptCount, &e.FailedAt,
		&e.TraceID, &e.Stack, &payload, &category, &severity, &e.Analysis.Transient, &e.Analysis.Critical,
		&e.Analysis.RetryRecommended, &actions, &e.Analysis.Recommendation, &e.Analysis.Similar24h,
		&e.ResolvedAt, &e.ResolvedBy, &e.ResolutionNotes, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ErrorKind = ingesterrors.Kind(errKind)
	e.Analysis.Category = Category(category)
	e.Analysis.Severity = Severity(severity)
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &e.Payload)
	}
	if len(actions) > 0 {
		_ = json.Unmarshal(actions, &e.Analysis.RequiredActions)
	}
	return &e, nil
}
