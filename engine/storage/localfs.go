// Package storage implements the file source external collaborator
// (get_file_info(file_id), read(file_id)) over a local staging
// directory, using filepath.Join/os.Stat/os.Open against a configured root
// rather than wiring in an object-storage SDK with no existing caller.
package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/docpipe/ingestworker/engine/ingest"
)

// LocalFileSource resolves a job's file_key to a path under a fixed root
// directory, sniffing its content type the same way engine/security's
// Guard does (stdlib net/http.DetectContentType).
type LocalFileSource struct {
	root string
}

// NewLocalFileSource builds a LocalFileSource rooted at dir.
func NewLocalFileSource(dir string) *LocalFileSource {
	return &LocalFileSource{root: dir}
}

// Fetch implements ingest.FileSource. fileKey is treated as a path
// relative to root. The key is cleaned as an absolute path, so leading
// ".." elements stop at root and a key such as "../../etc/passwd"
// resolves to root/etc/passwd rather than escaping; the root-prefix
// check then rejects a key that resolves to root itself.
func (s *LocalFileSource) Fetch(ctx context.Context, fileKey string) (string, ingest.FileMeta, error) {
	path := filepath.Join(s.root, filepath.Clean(string(filepath.Separator)+fileKey))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", ingest.FileMeta{}, fmt.Errorf("storage: file_key %q escapes staging root", fileKey)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", ingest.FileMeta{}, fmt.Errorf("storage: stat %q: %w", fileKey, err)
	}
	if info.IsDir() {
		return "", ingest.FileMeta{}, fmt.Errorf("storage: file_key %q is a directory", fileKey)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", ingest.FileMeta{}, fmt.Errorf("storage: open %q: %w", fileKey, err)
	}
	defer f.Close()

	sniff := make([]byte, 512)
	n, _ := f.Read(sniff)
	contentType := http.DetectContentType(sniff[:n])

	return path, ingest.FileMeta{
		FileID:      fileKey,
		Size:        info.Size(),
		ContentType: contentType,
		Name:        filepath.Base(path),
	}, nil
}
