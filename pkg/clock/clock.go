// Package clock provides wall-clock time, elapsed-duration measurement,
// and identity/hash primitives used across the ingestion worker so that
// every caller can be driven by a fake clock in tests. Real.Now converts
// to UTC, which drops Go's monotonic clock reading, so Real.Since on such
// a value measures wall-clock time and follows any wall-clock step.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall time and ID generation.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
	// Since returns the duration elapsed since t, measured against this clock.
	Since(t time.Time) time.Duration
	// NewID returns a fresh collision-resistant identifier.
	NewID() uuid.UUID
}

// Real is the process clock, backed by time.Now and google/uuid.
type Real struct{}

// New returns the process clock.
func New() Real { return Real{} }

func (Real) Now() time.Time                  { return time.Now().UTC() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }
func (Real) NewID() uuid.UUID                { return uuid.New() }

// Fake is a mutable, test-only clock: callers move it forward explicitly.
type Fake struct {
	t time.Time
	n int
}

// NewFake creates a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{t: t.UTC()}
}

func (f *Fake) Now() time.Time                  { return f.t }
func (f *Fake) Since(t time.Time) time.Duration { return f.t.Sub(t) }

// NewID returns a deterministic UUID (name-based SHA-1, version 5, in the
// OID namespace) derived from an incrementing counter, so fake-clock-driven
// tests get reproducible IDs.
func (f *Fake) NewID() uuid.UUID {
	f.n++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(f.n), byte(f.n >> 8), byte(f.n >> 16)})
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// SHA256 hashes r and returns the lower-case hex digest.
func SHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Bytes hashes b directly.
func SHA256Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// StableIngestID builds a deterministic ingest id from ordered parts, used
// by the Reindex Task to generate "reindex-<doc_id>-<new_version>" style
// idempotency keys.
func StableIngestID(parts ...string) string {
	return strings.Join(parts, "-")
}
