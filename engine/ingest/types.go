package ingest

import (
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/google/uuid"
)

// Job is the durable record for one ingestion job. The job
// store (engine/jobstore) owns persistence; this type is the shared shape
// everyone mutates through the store.
type Job struct {
	ID           uuid.UUID
	IngestID     string
	ParentJobID  *uuid.UUID
	TenantID     string
	ProjectID    string
	FileKey      string
	ContentType  string
	SHA256       string
	ChunkSize    int
	ChunkOverlap int
	ForceOCR     bool
	EmbedVersion string

	State       State
	Step        string
	ProgressPct int
	Attempt     int
	MaxRetries  int
	Priority    Priority

	TraceID string

	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	UpdatedAt   time.Time
	CanceledAt  *time.Time
	CancelReason string

	ErrorKind    ingesterrors.Kind
	ErrorMessage string
	ErrorDetail  map[string]any
	ErrorStack   string

	Metrics JobMetrics

	DocumentID    string
	ChunksIndexed int
}

// Priority is the advisory queue priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// JobMetrics accumulates the timing/count/quality/cost fields of a job.
type JobMetrics struct {
	// Timings per stage.
	QueueWait time.Duration
	Upload    time.Duration
	Extract   time.Duration
	OCR       time.Duration
	Chunk     time.Duration
	Embed     time.Duration
	Store     time.Duration

	// Counts.
	FileBytes      int64
	ExtractedChars int
	ChunksCreated  int
	ChunksEmbedded int
	ChunksStored   int

	// Quality.
	OCRConfidence   float64
	ExtractionMethod string
	EmbedModel      string
	AvgChunkSize    float64

	// Cost.
	EmbedTokensUsed int
	EstimatedCostUSD float64
}

// IngestRequest is the Enqueue API request body.
type IngestRequest struct {
	ProjectID    string `json:"project_id" validate:"required"`
	FileID       string `json:"file_id" validate:"required"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
	ForceOCR     bool   `json:"force_ocr,omitempty"`
}

// FileMeta is what the File Source collaborator reports for a file_id.
type FileMeta struct {
	FileID      string
	Size        int64
	ContentType string
	Name        string
}

// ParsedDoc is the document after text extraction (+ optional OCR).
type ParsedDoc struct {
	JobID            uuid.UUID
	DocumentID       string
	Text             string
	Sentences        []string
	ExtractionMethod string
	OCRConfidence    float64
	Metadata         map[string]string
}

// ChunkedDoc is a ParsedDoc split into embeddable chunks.
type ChunkedDoc struct {
	ParsedDoc
	Chunks []Chunk
}

// Chunk is one text segment ready for embedding.
type Chunk struct {
	Text  string
	Index int
	DocID string
}

// EmbeddedDoc is a ChunkedDoc with one embedding vector per chunk.
type EmbeddedDoc struct {
	ChunkedDoc
	Embeddings    [][]float32
	TokensUsed    int
	EstimatedCost float64
}
