package control

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a fail-fast embedding-call ceiling: callers that
// exceed the rate are rejected immediately with EmbeddingRateLimited,
// never queued or blocked, matching golang.org/x/time/rate's non-blocking
// token-bucket usage elsewhere and the stance of pkg/resilience.Limiter.
type RateLimiter struct {
	limiter *rate.Limiter
}

// RateLimiterOpts configures the ceiling. Ceiling tokens become available
// over Window, e.g. ceiling=30, window=10s allows bursts of 30 and a
// steady-state of 3/s.
type RateLimiterOpts struct {
	Ceiling int
	Window  time.Duration
}

// DefaultRateLimiterOpts matches the default embedding ceiling:
// 30 calls per 10-second window.
func DefaultRateLimiterOpts() RateLimiterOpts {
	return RateLimiterOpts{Ceiling: 30, Window: 10 * time.Second}
}

// NewRateLimiter builds a fail-fast limiter from opts.
func NewRateLimiter(opts RateLimiterOpts) *RateLimiter {
	r := rate.Limit(float64(opts.Ceiling) / opts.Window.Seconds())
	return &RateLimiter{limiter: rate.NewLimiter(r, opts.Ceiling)}
}

// AllowN reports whether n tokens are available right now, consuming them
// if so. It never blocks: a caller above the ceiling must fail fast and
// surface EmbeddingRateLimited — this limiter exposes
// no blocking Wait method on purpose.
func (l *RateLimiter) AllowN(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// Semaphore is the in-process counting semaphore bounding embedding-call
// concurrency (default 3).
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire attempts to reserve a slot without blocking. Release must be
// called iff it returns true.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot acquired by TryAcquire.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}

// InFlight reports the number of currently held slots.
func (s *Semaphore) InFlight() int { return len(s.slots) }

// WindowedCounter tracks a rolling count of accepted embedding calls in
// Redis so the /queue/stats endpoint can report embedding_rate_current
// across all worker processes, not just the one serving the request.
type WindowedCounter struct {
	rdb    *redis.Client
	key    string
	window time.Duration
}

// NewWindowedCounter creates a counter keyed under prefix with the given
// rolling window (matching the rate limiter's window keeps the two
// numbers comparable).
func NewWindowedCounter(rdb *redis.Client, prefix string, window time.Duration) *WindowedCounter {
	return &WindowedCounter{rdb: rdb, key: fmt.Sprintf("%s:embed_rate", prefix), window: window}
}

// Incr records n accepted calls and (re)sets the window expiry.
func (w *WindowedCounter) Incr(ctx context.Context, n int64) error {
	pipe := w.rdb.TxPipeline()
	pipe.IncrBy(ctx, w.key, n)
	pipe.Expire(ctx, w.key, w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("control: counter incr: %w", err)
	}
	return nil
}

// Current returns the call count in the active window.
func (w *WindowedCounter) Current(ctx context.Context) (int64, error) {
	n, err := w.rdb.Get(ctx, w.key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("control: counter get: %w", err)
	}
	return n, nil
}
