package ingest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/docpipe/ingestworker/engine/control"
	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
	"github.com/docpipe/ingestworker/engine/extract"
	"github.com/docpipe/ingestworker/engine/ocr"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/docpipe/ingestworker/engine/security"
	"github.com/docpipe/ingestworker/engine/semantic"
	"github.com/docpipe/ingestworker/pkg/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// --- fakes ---

type fakeFileSource struct {
	path string
	meta FileMeta
	err  error
}

func (f *fakeFileSource) Fetch(_ context.Context, _ string) (string, FileMeta, error) {
	return f.path, f.meta, f.err
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "exec-*.txt")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return f.Name()
}

type fakeEmbedder struct {
	dims int
	err  error
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dims)
	}
	return out, nil
}

type fakeVectors struct {
	mu       sync.Mutex
	upserted []semantic.VectorRecord
	err      error
}

func (v *fakeVectors) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	if v.err != nil {
		return v.err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.upserted = append(v.upserted, records...)
	return nil
}

func (v *fakeVectors) DeleteByDocumentID(_ context.Context, _ string) error { return nil }

type fakeJobStore struct {
	mu          sync.Mutex
	transitions []string
	documents   int
	inserted    []*Job
}

func (s *fakeJobStore) Transition(_ context.Context, _ uuid.UUID, from, to State, _ Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (s *fakeJobStore) UpsertDocument(_ context.Context, _ uuid.UUID, _ string, chunksIndexed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents += chunksIndexed
	return nil
}

func (s *fakeJobStore) Insert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, job)
	return nil
}

type fakeDeadLetter struct {
	mu    sync.Mutex
	sent  int
	cause *ingesterrors.IngestError
}

func (d *fakeDeadLetter) Send(_ context.Context, _ *Job, cause *ingesterrors.IngestError) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent++
	d.cause = cause
	return nil
}

type fakeRequeuer struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRequeuer) Enqueue(_ context.Context, _ any, _ string, _ queue.Priority, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func newTestJob() *Job {
	return &Job{
		ID:           uuid.New(),
		IngestID:     "ingest-1",
		ProjectID:    "proj-1",
		FileKey:      "file-1",
		State:        StateStarted,
		MaxRetries:   3,
		EmbedVersion: "v1",
	}
}

func baseDeps(t *testing.T, files FileSource, vectors VectorWriter, store JobStore) Deps {
	t.Helper()
	return Deps{
		Files:      files,
		Guard:      security.NewGuard(security.DefaultConfig()),
		Extractor:  extract.New(),
		OCR:        ocr.NullOCR{},
		Embedder:   &fakeEmbedder{dims: 4},
		Vectors:    vectors,
		Store:      store,
		DeadLetter: &fakeDeadLetter{},
		Requeue:    &fakeRequeuer{},
		Clock:      clock.New(),
	}
}

func TestExecutor_HappyPath(t *testing.T) {
	path := writeTempFile(t, "This is a perfectly ordinary plain text document used to exercise the ingestion pipeline end to end.")
	files := &fakeFileSource{path: path, meta: FileMeta{FileID: "file-1", Size: int64(len("This is a perfectly ordinary plain text document used to exercise the ingestion pipeline end to end.")), ContentType: "text/plain", Name: "doc.txt"}}
	vectors := &fakeVectors{}
	store := &fakeJobStore{}

	exec := NewExecutor(baseDeps(t, files, vectors, store))
	job := newTestJob()

	final, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != StateIndexed {
		t.Fatalf("expected StateIndexed, got %s", final)
	}
	if len(vectors.upserted) == 0 {
		t.Fatal("expected chunks upserted")
	}
	if store.documents == 0 {
		t.Fatal("expected UpsertDocument to record chunk count")
	}
	if job.ChunksIndexed == 0 {
		t.Fatal("expected job.ChunksIndexed to be set")
	}
}

func TestExecutor_DangerousExtensionDeadLetters(t *testing.T) {
	path := writeTempFile(t, "MZ fake executable content")
	files := &fakeFileSource{path: path, meta: FileMeta{FileID: "file-1", Size: 30, ContentType: "application/octet-stream", Name: "payload.exe"}}
	vectors := &fakeVectors{}
	store := &fakeJobStore{}
	deps := baseDeps(t, files, vectors, store)
	dl := &fakeDeadLetter{}
	deps.DeadLetter = dl

	exec := NewExecutor(deps)
	job := newTestJob()

	final, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != StateDeadLetter {
		t.Fatalf("expected StateDeadLetter, got %s", final)
	}
	if dl.sent != 1 {
		t.Fatalf("expected one dead-letter handoff, got %d", dl.sent)
	}
	if dl.cause == nil || dl.cause.Kind != ingesterrors.InvalidFileType {
		t.Fatalf("expected InvalidFileType cause, got %+v", dl.cause)
	}
}

func TestExecutor_TransientStoreFailureRetries(t *testing.T) {
	path := writeTempFile(t, "Ordinary text long enough to chunk and embed without issue.")
	files := &fakeFileSource{path: path, meta: FileMeta{FileID: "file-1", Size: 59, ContentType: "text/plain", Name: "doc.txt"}}
	vectors := &fakeVectors{err: fmt.Errorf("qdrant unavailable")}
	store := &fakeJobStore{}
	deps := baseDeps(t, files, vectors, store)
	rq := &fakeRequeuer{}
	deps.Requeue = rq

	exec := NewExecutor(deps)
	job := newTestJob()

	final, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final == StateQueued {
		t.Fatalf("expected the original job to rest in its failed state, not be requeued in place")
	}
	if rq.calls != 1 {
		t.Fatalf("expected one requeue call, got %d", rq.calls)
	}
	if job.Attempt != 0 {
		t.Fatalf("expected the original job's attempt to stay untouched, got %d", job.Attempt)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected one retry job inserted, got %d", len(store.inserted))
	}
	retry := store.inserted[0]
	if retry.Attempt != 1 {
		t.Fatalf("expected retry job attempt 1, got %d", retry.Attempt)
	}
	if retry.State != StateQueued {
		t.Fatalf("expected retry job queued, got %s", retry.State)
	}
	if retry.ParentJobID == nil || *retry.ParentJobID != job.ID {
		t.Fatalf("expected retry job to link back to the original job id")
	}
	if retry.IngestID != job.IngestID {
		t.Fatalf("expected retry job to keep the original ingest id")
	}
}

func TestExecutor_AlreadyCanceledSkipsToCanceled(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cancels := control.NewCancelStore(rdb, "test")

	job := newTestJob()
	if err := cancels.Set(context.Background(), job.ID.String(), "user requested stop"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	files := &fakeFileSource{}
	vectors := &fakeVectors{}
	store := &fakeJobStore{}
	deps := baseDeps(t, files, vectors, store)
	deps.Cancels = cancels

	exec := NewExecutor(deps)
	final, err := exec.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != StateCanceled {
		t.Fatalf("expected StateCanceled, got %s", final)
	}
	if job.CancelReason != "user requested stop" {
		t.Fatalf("expected cancel reason recorded, got %q", job.CancelReason)
	}
}
