// Command worker runs the pipeline executor against the durable job queue:
// it dequeues jobs, drives them through engine/ingest.Executor, serves
// Prometheus metrics, and periodically sweeps the dead-letter queue.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docpipe/ingestworker/engine/control"
	"github.com/docpipe/ingestworker/engine/dlq"
	"github.com/docpipe/ingestworker/engine/embed"
	"github.com/docpipe/ingestworker/engine/extract"
	"github.com/docpipe/ingestworker/engine/ingest"
	"github.com/docpipe/ingestworker/engine/jobstore"
	"github.com/docpipe/ingestworker/engine/ocr"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/docpipe/ingestworker/engine/security"
	"github.com/docpipe/ingestworker/engine/semantic"
	"github.com/docpipe/ingestworker/engine/storage"
	"github.com/docpipe/ingestworker/pkg/clock"
	"github.com/docpipe/ingestworker/pkg/fn"
	"github.com/docpipe/ingestworker/pkg/obsmetrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func main() {
	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobCfg := jobstore.DefaultConfig()
	jobCfg.LoadFromEnv()
	store, err := jobstore.Open(ctx, jobCfg)
	if err != nil {
		log.Error("worker: job store open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("worker: connected to job store")

	dlqPool, err := pgxpool.New(ctx, jobCfg.ConnectionString())
	if err != nil {
		log.Error("worker: dlq pool open failed", "error", err)
		os.Exit(1)
	}
	defer dlqPool.Close()
	dlqStore := dlq.NewStore(dlqPool)

	queueCfg := queue.DefaultConfig()
	queueCfg.URL = getenv("QUEUE_URL", queueCfg.URL)
	queueCfg.Namespace = getenv("QUEUE_NAMESPACE", queueCfg.Namespace)
	// A failed connect is retried with fn.DefaultRetry's exponential backoff.
	connected := fn.Retry(ctx, fn.DefaultRetry, func(ctx context.Context) fn.Result[*queue.JetStreamDriver] {
		return fn.FromPair(queue.Connect(ctx, queueCfg))
	})
	driver, err := connected.Unwrap()
	if err != nil {
		log.Error("worker: queue connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close()
	log.Info("worker: connected to queue", "namespace", queueCfg.Namespace)

	rdb := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379")})
	defer rdb.Close()
	cancels := control.NewCancelStore(rdb, getenv("QUEUE_NAMESPACE", "ingest"))
	counter := control.NewWindowedCounter(rdb, getenv("QUEUE_NAMESPACE", "ingest"), 10*time.Second)

	vectorDims := getenvInt("EMBED_DIMS", 768)
	vs, err := semantic.New(getenv("QDRANT_ADDR", "localhost:6334"), getenv("QDRANT_COLLECTION", "ingest_worker"))
	if err != nil {
		log.Error("worker: qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx, vectorDims); err != nil {
		log.Error("worker: qdrant ensure collection failed", "error", err)
		os.Exit(1)
	}
	log.Info("worker: connected to vector store", "dims", vectorDims)

	embedder := embed.NewClient(getenv("EMBED_BASE_URL", "http://localhost:11434"), getenv("EMBED_MODEL", "nomic-embed-text"))

	stagingDir := getenv("STAGING_DIR", "/tmp/ingest-worker/staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		log.Error("worker: create staging dir failed", "error", err)
		os.Exit(1)
	}
	files := storage.NewLocalFileSource(stagingDir)

	secCfg := security.DefaultConfig()
	secCfg.MaxFileSizeMB = int64(getenvInt("MAX_FILE_SIZE_MB", int(secCfg.MaxFileSizeMB)))
	secCfg.MaxPagesPDF = getenvInt("MAX_PAGES_PDF", secCfg.MaxPagesPDF)
	guard := security.NewGuard(secCfg)

	resourceCfg := security.DefaultResourceGuardConfig()
	resourceCfg.MaxMemoryMB = int64(getenvInt("MAX_MEMORY_MB", int(resourceCfg.MaxMemoryMB)))
	resourceCfg.MaxCPUTime = getenvDuration("MAX_CPU_TIME", resourceCfg.MaxCPUTime)
	resourceCfg.MaxOpenFiles = getenvInt("MAX_OPEN_FILES", resourceCfg.MaxOpenFiles)
	resourceGuard := security.NewResourceGuard(resourceCfg)

	rateOpts := control.DefaultRateLimiterOpts()
	if v := getenvInt("EMBEDDING_RATE_LIMIT", 0); v > 0 {
		rateOpts.Ceiling = v
	}
	rateLimit := control.NewRateLimiter(rateOpts)
	concurrency := control.NewSemaphore(getenvInt("EMBEDDING_CONCURRENCY", 3))

	metrics := obsmetrics.New(prometheus.NewRegistry())
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	metrics.ServeAsync(metricsCtx, getenv("METRICS_ADDR", ":9090"), func(err error) {
		log.Error("worker: metrics server error", "error", err)
	})

	var alertSink dlq.AlertSink = dlq.NoopAlertSink{}
	if webhook := getenv("SLACK_WEBHOOK_URL", ""); webhook != "" {
		alertSink = dlq.NewSlackAlertSink(webhook, log)
	}
	dlqSink := dlq.NewSink(dlqStore, alertSink, log, obsmetrics.NewDLQRecorder(metrics))

	deps := ingest.Deps{
		Files:         files,
		Guard:         guard,
		ResourceGuard: resourceGuard,
		Extractor:     extract.New(),
		OCR:           ocr.NullOCR{},
		Embedder:      embedder,
		Vectors:       vs,
		Store:         store,
		DeadLetter:    dlqSink,
		Requeue:       driver,
		Cancels:       cancels,
		RateLimit:     rateLimit,
		Concurrency:   concurrency,
		Counter:       counter,
		Logger:        log,
		Metrics:       obsmetrics.NewIngestRecorder(metrics),
		Clock:         clock.New(),
		BatchSize:     getenvInt("EMBEDDING_BATCH_SIZE", 32),
	}
	executor := ingest.NewExecutor(deps)

	cleanupEvery := getenvDuration("DLQ_CLEANUP_INTERVAL", time.Hour)
	autoResolveAfter := time.Duration(getenvInt("DLQ_AUTO_RESOLVE_AFTER_DAYS", 30)) * 24 * time.Hour
	deleteResolvedAfter := time.Duration(getenvInt("DLQ_RETENTION_DAYS", 90)) * 24 * time.Hour
	go runDLQCleanup(ctx, dlqStore, log, cleanupEvery, autoResolveAfter, deleteResolvedAfter)

	visibilityTimeout := getenvDuration("WORKER_TIMEOUT", 5*time.Minute)
	workerCount := getenvInt("WORKER_CONCURRENCY", 4)
	log.Info("worker: starting dequeue loop", "workers", workerCount, "visibility_timeout", visibilityTimeout)

	done := make(chan struct{})
	for i := 0; i < workerCount; i++ {
		go func(id int) {
			runLoop(ctx, id, driver, store, executor, log, metrics, visibilityTimeout)
			done <- struct{}{}
		}(i)
	}

	<-ctx.Done()
	log.Info("worker: shutdown signal received, draining")
	for i := 0; i < workerCount; i++ {
		<-done
	}
	log.Info("worker: shutdown complete")
}

// runLoop repeatedly dequeues one job, loads its durable state, and drives
// it through the executor. A nil delivery (nothing ready) backs off
// briefly rather than busy-polling.
func runLoop(ctx context.Context, id int, driver queue.Driver, store *jobstore.Store, executor *ingest.Executor, log *slog.Logger, metrics *obsmetrics.Metrics, visibilityTimeout time.Duration) {
	priorities := []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		del, err := driver.Dequeue(ctx, priorities, visibilityTimeout)
		if err != nil {
			log.Warn("worker: dequeue failed, backing off", "worker", id, "error", err)
			sleep(ctx, 2*time.Second)
			continue
		}
		if del == nil {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		jobID, err := uuid.Parse(del.JobID)
		if err != nil {
			log.Error("worker: malformed job id in envelope, dropping", "worker", id, "job_id", del.JobID, "error", err)
			_ = driver.Ack(ctx, del)
			continue
		}

		job, err := store.Load(ctx, jobID)
		if err != nil {
			log.Error("worker: load job failed, nacking for redelivery", "worker", id, "job_id", jobID, "error", err)
			_ = driver.Nack(ctx, del, 5*time.Second)
			continue
		}

		metrics.JobsInFlight.Inc()
		final, err := executor.Run(ctx, job)
		metrics.JobsInFlight.Dec()
		if err != nil {
			log.Error("worker: driver-level failure, nacking for redelivery", "worker", id, "job_id", jobID, "error", err)
			_ = driver.Nack(ctx, del, 5*time.Second)
			continue
		}

		log.Info("worker: job resolved", "worker", id, "job_id", jobID, "state", final)
		if err := driver.Ack(ctx, del); err != nil {
			log.Warn("worker: ack failed", "worker", id, "job_id", jobID, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// runDLQCleanup periodically auto-resolves stale unresolved entries and
// deletes long-resolved ones, per the DLQ_AUTO_RESOLVE_AFTER_DAYS /
// DLQ_RETENTION_DAYS env vars.
func runDLQCleanup(ctx context.Context, store *dlq.Store, log *slog.Logger, every, autoResolveAfter, deleteResolvedAfter time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			autoResolved, deleted, err := store.Cleanup(ctx, autoResolveAfter, deleteResolvedAfter)
			if err != nil {
				log.Warn("worker: dlq cleanup failed", "error", err)
				continue
			}
			if autoResolved > 0 || deleted > 0 {
				log.Info("worker: dlq cleanup", "auto_resolved", autoResolved, "deleted", deleted)
			}
		}
	}
}

