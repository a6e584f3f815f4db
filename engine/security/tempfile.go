package security

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// TempFile is an owner-only-permission staging file tracked for cleanup.
type TempFile struct {
	Path string
	f    *os.File
}

// CreateTempFile stages a new file under dir (created 0o700 if missing)
// with 0o600 permissions.
func CreateTempFile(dir, prefix, suffix string) (*TempFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("security: mkdir temp dir: %w", err)
	}
	f, err := os.CreateTemp(dir, prefix+"*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("security: create temp file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("security: chmod temp file: %w", err)
	}
	return &TempFile{Path: f.Name(), f: f}, nil
}

// Writer exposes the underlying *os.File for writing the staged content.
func (t *TempFile) Writer() io.Writer { return t.f }

// Close closes the file handle without deleting it.
func (t *TempFile) Close() error { return t.f.Close() }

// SecureDelete overwrites the file's full length with crypto/rand bytes
// before removing it.
func (t *TempFile) SecureDelete() error {
	t.f.Close()

	info, err := os.Stat(t.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("security: stat temp file: %w", err)
	}

	if err := overwriteWithRandom(t.Path, info.Size()); err != nil {
		return fmt.Errorf("security: overwrite temp file: %w", err)
	}
	if err := os.Remove(t.Path); err != nil {
		return fmt.Errorf("security: remove temp file: %w", err)
	}
	return nil
}

func overwriteWithRandom(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	var written int64
	for written < size {
		n := int64(len(buf))
		if size-written < n {
			n = size - written
		}
		if _, err := rand.Read(buf[:n]); err != nil {
			return err
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}

// Cleanup is a stack of pending temp-file deletions, unwound on every exit
// path (success, error, cancel) via defer.
type Cleanup struct {
	mu    sync.Mutex
	files []*TempFile
}

// NewCleanup creates an empty cleanup stack.
func NewCleanup() *Cleanup { return &Cleanup{} }

// Track registers a temp file for later deletion.
func (c *Cleanup) Track(t *TempFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, t)
}

// Run securely deletes every tracked file, most-recently-added first, and
// returns the first error encountered (continuing to attempt the rest).
func (c *Cleanup) Run() error {
	c.mu.Lock()
	files := c.files
	c.files = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(files) - 1; i >= 0; i-- {
		if err := files[i].SecureDelete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// JobDir returns the per-job staging directory under base.
func JobDir(base, jobID string) string {
	return filepath.Join(base, jobID)
}
