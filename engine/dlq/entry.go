// Package dlq is the dead-letter queue and analyzer: a Postgres
// repository in the job store's database, plus a pure
// keyword-matching Analyzer and a pluggable alert sink.
package dlq

import (
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/google/uuid"
)

// Category is one of the DLQ analyzer's fixed buckets.
type Category string

const (
	CategoryFileHandling      Category = "file_handling"
	CategoryContentExtraction Category = "content_extraction"
	CategoryEmbeddingAPI      Category = "embedding_api"
	CategoryVectorStorage     Category = "vector_storage"
	CategorySystemResource    Category = "system_resource"
	CategoryUnknown           Category = "unknown"
)

// Severity is the analyzer's triage level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Analysis is the computed blob attached to a DLQ entry.
type Analysis struct {
	Category         Category
	Severity         Severity
	Transient        bool
	Critical         bool
	RetryRecommended bool
	RequiredActions  []string
	Recommendation   string
	Similar24h       int
}

// Entry is the durable snapshot of one terminally-failed job.
type Entry struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	IngestID     string
	TenantID     string
	ProjectID    string
	LastStep     string

	ErrorKind    ingesterrors.Kind
	ErrorCode    string
	ErrorMessage string
	AttemptCount int
	FailedAt     time.Time
	TraceID      string
	Stack        string
	Payload      map[string]any

	Analysis Analysis

	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string

	CreatedAt time.Time
}
