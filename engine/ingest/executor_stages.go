package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/semantic"
	"github.com/google/uuid"
)

// minOCRConfidence is the floor below which an OCR pass is treated as
// unusable rather than a degraded-but-acceptable extraction.
const minOCRConfidence = 0.4

func (e *Executor) validateStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	path, meta, err := d.Files.Fetch(ctx, c.Job.FileKey)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.FileNotFound, err, map[string]any{"file_key": c.Job.FileKey}))
	}
	c.path = path
	c.fileMeta = meta
	c.Job.ContentType = meta.ContentType

	f, err := os.Open(path)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.FileCorrupted, err, map[string]any{"path": path}))
	}
	defer f.Close()

	rep, err := d.Guard.Validate(ctx, meta.Name, meta.ContentType, meta.Size, f)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.FileCorrupted, err, nil))
	}
	c.security = rep
	c.Job.SHA256 = rep.SHA256

	if !rep.SizeCompliant {
		return fail(ingesterrors.New(ingesterrors.FileTooLarge, fmt.Sprintf("%v", rep.Issues), map[string]any{"risk_score": rep.RiskScore}))
	}
	if !rep.IsSafe {
		return fail(ingesterrors.New(ingesterrors.InvalidFileType, fmt.Sprintf("%v", rep.Issues), map[string]any{"risk_score": rep.RiskScore, "detected_type": rep.DetectedType}))
	}

	return ok(StateUploading, JobMetrics{Upload: time.Since(start), FileBytes: meta.Size})
}

func (e *Executor) uploadStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	info, err := os.Stat(c.path)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.StorageUnavailable, err, map[string]any{"path": c.path}))
	}
	if info.Size() != c.fileMeta.Size {
		return fail(ingesterrors.New(ingesterrors.FileCorrupted,
			fmt.Sprintf("staged size %d != declared size %d", info.Size(), c.fileMeta.Size), nil))
	}
	return ok(StateExtracting, JobMetrics{Upload: time.Since(start)})
}

func (e *Executor) extractStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	f, err := os.Open(c.path)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.ExtractionFailed, err, nil))
	}
	defer f.Close()

	res, err := d.Extractor.Extract(c.Job.ContentType, c.path, f)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.ExtractionFailed, err, map[string]any{"content_type": c.Job.ContentType}))
	}

	docID := c.Job.SHA256
	if docID == "" {
		docID = c.Job.ID.String()
	}
	needsOCR := "false"
	if c.Job.ForceOCR || res.NeedsOCR {
		needsOCR = "true"
	}
	c.parsed = &ParsedDoc{
		JobID:            c.Job.ID,
		DocumentID:       docID,
		Text:             res.Text,
		ExtractionMethod: res.ExtractionMethod,
		Metadata:         map[string]string{"needs_ocr": needsOCR},
	}
	c.Job.DocumentID = docID

	return ok(StateChunking, JobMetrics{
		Extract:          time.Since(start),
		ExtractedChars:   len([]rune(res.Text)),
		ExtractionMethod: res.ExtractionMethod,
	})
}

func (e *Executor) ocrStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	f, err := os.Open(c.path)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.OCREngineError, err, nil))
	}
	defer f.Close()

	text, confidence, err := d.OCR.Recognize(ctx, f)
	if err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.OCREngineError, err, nil))
	}
	if confidence < minOCRConfidence {
		return fail(ingesterrors.New(ingesterrors.OCRLowConfidence,
			fmt.Sprintf("ocr confidence %.2f below floor %.2f", confidence, minOCRConfidence),
			map[string]any{"confidence": confidence}))
	}

	if len(text) > len(c.parsed.Text) {
		c.parsed.Text = text
		c.parsed.ExtractionMethod = "ocr"
	}
	c.parsed.OCRConfidence = confidence

	return ok(StateChunking, JobMetrics{OCR: time.Since(start), OCRConfidence: confidence})
}

func (e *Executor) chunkStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	size := c.Job.ChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := c.Job.ChunkOverlap
	if overlap < 0 {
		overlap = 0
	}

	chunks := ChunkText(c.parsed.DocumentID, c.parsed.Text, size, overlap)
	if len(chunks) == 0 {
		return fail(ingesterrors.New(ingesterrors.ChunkingError, "no chunks produced from extracted text", nil))
	}
	c.chunked = &ChunkedDoc{ParsedDoc: *c.parsed, Chunks: chunks}

	var totalLen int
	for _, ch := range chunks {
		totalLen += len(ch.Text)
	}

	return ok(StateEmbedding, JobMetrics{
		Chunk:         time.Since(start),
		ChunksCreated: len(chunks),
		AvgChunkSize:  float64(totalLen) / float64(len(chunks)),
	})
}

func (e *Executor) embedStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	batchSize := d.BatchSize
	chunks := c.chunked.Chunks
	embeddings := make([][]float32, len(chunks))

	lastCancelCheck := time.Now()
	for i := 0; i < len(chunks); i += batchSize {
		if time.Since(lastCancelCheck) >= d.CancelPollEvery {
			lastCancelCheck = time.Now()
			if canceled, reason, cerr := e.checkCanceled(ctx, c.Job); cerr == nil && canceled {
				return fail(ingesterrors.New(ingesterrors.UserCanceled, reason, nil))
			}
		}

		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]
		texts := make([]string, len(batch))
		for j, ch := range batch {
			texts[j] = ch.Text
		}

		if d.RateLimit != nil && !d.RateLimit.AllowN(len(batch)) {
			return fail(ingesterrors.New(ingesterrors.EmbeddingRateLimited,
				fmt.Sprintf("rate limit exceeded for batch of %d", len(batch)), nil))
		}

		acquired := true
		if d.Concurrency != nil {
			acquired = d.Concurrency.TryAcquire()
			if !acquired {
				return fail(ingesterrors.New(ingesterrors.EmbeddingModelUnavailable, "embedding concurrency ceiling reached", nil))
			}
		}

		vecs, err := d.Embedder.Embed(ctx, texts)
		if d.Concurrency != nil && acquired {
			d.Concurrency.Release()
		}
		if err != nil {
			return fail(ingesterrors.Wrap(ingesterrors.EmbeddingAPIError, err, map[string]any{"batch_start": i}))
		}
		copy(embeddings[i:end], vecs)

		if d.Counter != nil {
			_ = d.Counter.Incr(ctx, int64(len(batch)))
		}

		if end < len(chunks) && d.BatchPause > 0 {
			time.Sleep(d.BatchPause)
		}
	}

	c.embedded = &EmbeddedDoc{ChunkedDoc: *c.chunked, Embeddings: embeddings}

	return ok(StateStoring, JobMetrics{Embed: time.Since(start), ChunksEmbedded: len(chunks)})
}

func (e *Executor) storeStage(ctx context.Context, d Deps, c *Cursor) StageResult {
	start := time.Now()
	records := make([]semantic.VectorRecord, len(c.embedded.Chunks))
	for i, ch := range c.embedded.Chunks {
		records[i] = semantic.VectorRecord{
			ID:        chunkPointID(c.parsed.DocumentID, ch.Index),
			Embedding: c.embedded.Embeddings[i],
			Payload: map[string]any{
				"content":       ch.Text,
				"document_id":   c.parsed.DocumentID,
				"chunk_id":      fmt.Sprintf("%s-%d", c.parsed.DocumentID, ch.Index),
				"project_id":    c.Job.ProjectID,
				"embed_version": c.Job.EmbedVersion,
				"sha256":        c.Job.SHA256,
				"chunk_index":   ch.Index,
			},
		}
	}

	if err := d.Vectors.Upsert(ctx, records); err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.VectorStoreWrite, err, map[string]any{"chunks": len(records)}))
	}

	if err := d.Store.UpsertDocument(ctx, c.Job.ID, c.parsed.DocumentID, len(records)); err != nil {
		return fail(ingesterrors.Wrap(ingesterrors.VectorStoreWrite, err, map[string]any{"stage": "upsert_document"}))
	}

	c.Job.ChunksIndexed = len(records)

	return ok(StateIndexed, JobMetrics{Store: time.Since(start), ChunksStored: len(records)})
}

// chunkPointID derives a stable Qdrant point id (Qdrant requires a UUID or
// unsigned integer, so a deterministic v5-style UUID is seeded from the
// document id and chunk index) so any job that reprocesses the same
// document — including a retry attempt running as its own job row —
// overwrites the same point instead of leaving an orphaned duplicate
// behind.
func chunkPointID(documentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s-chunk-%06d", documentID, index)).String()
}
