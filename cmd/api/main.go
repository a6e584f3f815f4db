// Command api exposes the ingestion control surfaces (enqueue, status,
// cancel, retry, reindex, DLQ list/resolve, queue stats, healthz, readyz)
// over the durable job store, queue driver, and DLQ store.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docpipe/ingestworker/engine/control"
	"github.com/docpipe/ingestworker/engine/dlq"
	"github.com/docpipe/ingestworker/engine/embed"
	"github.com/docpipe/ingestworker/engine/jobstore"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/docpipe/ingestworker/engine/semantic"
	"github.com/docpipe/ingestworker/pkg/clock"
	"github.com/docpipe/ingestworker/pkg/mid"
	"github.com/docpipe/ingestworker/pkg/obsmetrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// server holds every collaborator the HTTP handlers call into.
type server struct {
	cfg       Config
	log       *slog.Logger
	clock     clock.Clock
	validate  *validator.Validate
	jobs      *jobstore.Store
	dlqStore  *dlq.Store
	queue     queue.Driver
	vectors   *semantic.VectorStore
	embedder  *embed.Client
	cancels   *control.CancelStore
	counter   *control.WindowedCounter
	metrics   *obsmetrics.Metrics
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg := DefaultConfig()
	cfg.LoadFromEnv()

	if err := run(cfg, log); err != nil {
		log.Error("api: server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := jobstore.Open(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	dlqPool, err := pgxpool.New(ctx, cfg.DB.ConnectionString())
	if err != nil {
		return err
	}
	defer dlqPool.Close()
	dlqStore := dlq.NewStore(dlqPool)

	queueCfg := queue.DefaultConfig()
	queueCfg.URL = cfg.QueueURL
	queueCfg.Namespace = cfg.QueueNamespace
	driver, err := queue.Connect(ctx, queueCfg)
	if err != nil {
		return err
	}
	defer driver.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	cancels := control.NewCancelStore(rdb, cfg.QueueNamespace)
	counter := control.NewWindowedCounter(rdb, cfg.QueueNamespace, 10*time.Second)

	vectors, err := semantic.New(cfg.QdrantAddr, cfg.QdrantCollection)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder := embed.NewClient(cfg.EmbedBaseURL, cfg.EmbedModel)

	metrics := obsmetrics.New(prometheus.NewRegistry())

	srv := &server{
		cfg:      cfg,
		log:      log,
		clock:    clock.New(),
		validate: validator.New(),
		jobs:     store,
		dlqStore: dlqStore,
		queue:    driver,
		vectors:  vectors,
		embedder: embedder,
		cancels:  cancels,
		counter:  counter,
		metrics:  metrics,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(mid.Recover(log))
	r.Use(mid.Logger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSOrigin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Ingest-Id", "X-Priority"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/readyz", srv.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/ingest", srv.handleEnqueue)
	r.Get("/jobs/{id}", srv.handleJobStatus)
	r.Post("/jobs/{id}/cancel", srv.handleJobCancel)
	r.Post("/jobs/{id}/retry", srv.handleJobRetry)
	r.Post("/reindex-all", srv.handleReindexAll)
	r.Get("/dlq", srv.handleDLQList)
	r.Post("/dlq/{id}/resolve", srv.handleDLQResolve)
	r.Get("/queue/stats", srv.handleQueueStats)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api: listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Info("api: shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
