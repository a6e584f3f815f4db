package main

import (
	"os"
	"strconv"
	"time"

	"github.com/docpipe/ingestworker/engine/jobstore"
)

// Config holds the API server's environment-based configuration, mirroring
// jobstore.Config's DefaultConfig/LoadFromEnv shape: defaults first, then
// each os.Getenv override applied only if set.
type Config struct {
	Port string

	DB jobstore.Config

	QueueURL       string
	QueueNamespace string

	RedisAddr string

	QdrantAddr       string
	QdrantCollection string

	EmbedBaseURL string
	EmbedModel   string
	EmbedVersion string

	CORSOrigin string

	MaxRetries          int
	EmbeddingRateLimit  int
	WorkerConcurrency   int
	DLQAlertThreshold   int
	ReadyzTimeout       time.Duration
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		Port:               "8080",
		DB:                 jobstore.DefaultConfig(),
		QueueURL:           "nats://localhost:4222",
		QueueNamespace:     "ingest",
		RedisAddr:          "localhost:6379",
		QdrantAddr:         "localhost:6334",
		QdrantCollection:   "ingest_worker",
		EmbedBaseURL:       "http://localhost:11434",
		EmbedModel:         "nomic-embed-text",
		EmbedVersion:       "v1",
		CORSOrigin:         "*",
		MaxRetries:         3,
		EmbeddingRateLimit: 30,
		WorkerConcurrency:  4,
		DLQAlertThreshold:  200,
		ReadyzTimeout:      3 * time.Second,
	}
}

// LoadFromEnv overlays environment variables, leaving unset/invalid values
// at their current value.
func (c *Config) LoadFromEnv() {
	c.DB.LoadFromEnv()

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		c.QueueURL = v
	}
	if v := os.Getenv("QUEUE_NAMESPACE"); v != "" {
		c.QueueNamespace = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("QDRANT_ADDR"); v != "" {
		c.QdrantAddr = v
	}
	if v := os.Getenv("QDRANT_COLLECTION"); v != "" {
		c.QdrantCollection = v
	}
	if v := os.Getenv("EMBED_BASE_URL"); v != "" {
		c.EmbedBaseURL = v
	}
	if v := os.Getenv("EMBED_MODEL"); v != "" {
		c.EmbedModel = v
	}
	if v := os.Getenv("EMBED_VERSION"); v != "" {
		c.EmbedVersion = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("EMBEDDING_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EmbeddingRateLimit = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("DLQ_ALERT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DLQAlertThreshold = n
		}
	}
}
