// Package control implements cooperative cancellation and rate limiting:
// a Redis-backed cancel flag and token counter shared across processes,
// plus an in-process semaphore bounding concurrent embedding calls.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cancelTTL = time.Hour

// CancelFlag records that a job was asked to stop, and why.
type CancelFlag struct {
	JobID  string
	Reason string
}

// CancelStore records cancel requests so any worker holding the job can
// observe them cooperatively between pipeline stages: cancellation is
// advisory, not preemptive.
type CancelStore struct {
	rdb    *redis.Client
	prefix string
}

// NewCancelStore wraps an existing redis client. prefix namespaces keys,
// e.g. "ingestworker".
func NewCancelStore(rdb *redis.Client, prefix string) *CancelStore {
	return &CancelStore{rdb: rdb, prefix: prefix}
}

func (c *CancelStore) key(jobID string) string {
	return fmt.Sprintf("%s:cancel:%s", c.prefix, jobID)
}

// Set marks jobID as canceled with reason, expiring after an hour so a
// stale flag can never outlive any plausible job lifetime.
func (c *CancelStore) Set(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = "canceled"
	}
	return c.rdb.Set(ctx, c.key(jobID), reason, cancelTTL).Err()
}

// Get reports whether jobID has been canceled and, if so, why.
func (c *CancelStore) Get(ctx context.Context, jobID string) (*CancelFlag, bool, error) {
	reason, err := c.rdb.Get(ctx, c.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("control: cancel get: %w", err)
	}
	return &CancelFlag{JobID: jobID, Reason: reason}, true, nil
}

// Clear removes the cancel flag, used when a canceled job is retried
// as a fresh attempt.
func (c *CancelStore) Clear(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, c.key(jobID)).Err()
}
