// Command reindexer walks documents embedded with a stale embed_version and
// re-enqueues them against the current one, without going through the HTTP
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docpipe/ingestworker/engine/ingest"
	"github.com/docpipe/ingestworker/engine/jobstore"
	"github.com/docpipe/ingestworker/engine/queue"
	"github.com/docpipe/ingestworker/pkg/clock"
)

func main() {
	var (
		projectID  = flag.String("project", "", "project id to reindex (required)")
		newVersion = flag.String("new-version", "", "new embed_version to reindex to (required)")
		batchSize  = flag.Int("batch", 100, "max documents to reindex per run")
		queueURL   = flag.String("queue", "nats://localhost:4222", "NATS JetStream URL")
		queueNS    = flag.String("queue-namespace", "ingest", "queue subject namespace")
		dryRun     = flag.Bool("dry-run", false, "list what would be reindexed without enqueuing")
	)
	flag.Parse()

	if *projectID == "" || *newVersion == "" {
		log.Fatal("reindexer: -project and -new-version are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbCfg := jobstore.DefaultConfig()
	dbCfg.LoadFromEnv()

	store, err := jobstore.Open(ctx, dbCfg)
	if err != nil {
		log.Fatalf("reindexer: open job store: %v", err)
	}
	defer store.Close()

	var driver queue.Driver
	if !*dryRun {
		qCfg := queue.DefaultConfig()
		qCfg.URL = *queueURL
		qCfg.Namespace = *queueNS
		driver, err = queue.Connect(ctx, qCfg)
		if err != nil {
			log.Fatalf("reindexer: connect queue: %v", err)
		}
		defer driver.Close()
	}

	docIDs, err := store.DocumentsNeedingReindex(ctx, *projectID, *newVersion)
	if err != nil {
		log.Fatalf("reindexer: list documents: %v", err)
	}
	log.Printf("reindexer: %d documents need reindex to %s", len(docIDs), *newVersion)

	if len(docIDs) > *batchSize {
		log.Printf("reindexer: limiting to first %d of %d (re-run to continue)", *batchSize, len(docIDs))
		docIDs = docIDs[:*batchSize]
	}

	clk := clock.New()
	var enqueued, skipped, failed int

	for i, docID := range docIDs {
		source, err := store.LatestIndexedJobForDocument(ctx, docID)
		if err != nil {
			log.Printf("[%d] lookup failed for %s: %v", i, docID, err)
			failed++
			continue
		}

		if *dryRun {
			log.Printf("[%d] would reindex document %s (file_key=%s, old_version=%s)", i, docID, source.FileKey, source.EmbedVersion)
			enqueued++
			continue
		}

		child := &ingest.Job{
			ID:           clk.NewID(),
			IngestID:     clock.StableIngestID("reindex", docID, *newVersion),
			ParentJobID:  &source.ID,
			TenantID:     source.TenantID,
			ProjectID:    source.ProjectID,
			FileKey:      source.FileKey,
			ContentType:  source.ContentType,
			ChunkSize:    source.ChunkSize,
			ChunkOverlap: source.ChunkOverlap,
			EmbedVersion: *newVersion,
			State:        ingest.StateQueued,
			Attempt:      1,
			MaxRetries:   source.MaxRetries,
			Priority:     ingest.PriorityLow,
			TraceID:      clk.NewID().String(),
			CreatedAt:    clk.Now(),
			UpdatedAt:    clk.Now(),
		}
		if err := store.Insert(ctx, child); err != nil {
			if errors.Is(err, jobstore.ErrDuplicateIngestID) {
				skipped++
				continue
			}
			log.Printf("[%d] insert failed for %s: %v", i, docID, err)
			failed++
			continue
		}
		if err := driver.Enqueue(ctx, struct{}{}, child.ID.String(), queue.Priority(child.Priority), 0); err != nil {
			log.Printf("[%d] enqueue failed for %s: %v", i, docID, err)
			failed++
			continue
		}
		enqueued++
		if enqueued%50 == 0 {
			log.Printf("progress: %d enqueued, %d skipped, %d failed (of %d)", enqueued, skipped, failed, len(docIDs))
		}
	}

	log.Printf("done: enqueued=%d skipped=%d failed=%d total=%d", enqueued, skipped, failed, len(docIDs))
}
