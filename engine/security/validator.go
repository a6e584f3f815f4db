// Package security implements the file security validator and resource
// guard. MIME sniffing uses stdlib net/http.DetectContentType (no
// third-party sniffer is in use elsewhere in this codebase); PDF page
// and annotation inspection uses ledongthuc/pdf's pdf.Open/NumPage/Page.
package security

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Report summarizes the outcome of a single file's security validation.
type Report struct {
	IsSafe         bool
	RiskScore      float64
	Issues         []string
	DetectedType   string
	SizeCompliant  bool
	ContentClean   bool
	SHA256         string
	FileSizeBytes  int64
}

// Config carries the validator's tunable limits.
type Config struct {
	MaxFileSizeMB  int64
	MaxPagesPDF    int
	AllowedMIMETypes []string
}

// DefaultConfig returns the baseline limits: 30MB, 500 PDF pages,
// pdf/txt/md/doc/docx.
func DefaultConfig() Config {
	return Config{
		MaxFileSizeMB: 30,
		MaxPagesPDF:   500,
		AllowedMIMETypes: []string{
			"application/pdf",
			"text/plain",
			"text/markdown",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
	}
}

// dangerousExtensions is the deny-list of executable/archive extensions.
var dangerousExtensions = map[string]bool{
	".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".vbs": true, ".js": true, ".jar": true, ".app": true,
	".deb": true, ".pkg": true, ".dmg": true, ".zip": true, ".rar": true,
	".7z": true,
}

// suspiciousPatterns are byte sequences that flag embedded scripts or
// template injection in an otherwise-text document.
var suspiciousPatterns = [][]byte{
	[]byte("<script"), []byte("javascript:"), []byte("vbscript:"),
	[]byte("<?php"), []byte("<%"), []byte("{{"), []byte("${"),
}

const contentScanBytes = 80 * 1024 // ~80KB head, enough to catch a leading script tag without reading the whole file

// Guard runs the full file-security pipeline over a reader, hashing as it
// scans so the SHA-256 and the content scan are a single pass via
// io.TeeReader.
type Guard struct {
	cfg Config
}

// NewGuard builds a Guard from cfg.
func NewGuard(cfg Config) *Guard { return &Guard{cfg: cfg} }

// Validate runs the validation pipeline: size gate, extension deny-list,
// MIME declared-vs-sniffed comparison, content scan, SHA-256, then
// PDF-specific checks. fileName is used only for its extension; declaredType is
// the content type the client asserted.
func (g *Guard) Validate(ctx context.Context, fileName, declaredType string, size int64, r io.Reader) (*Report, error) {
	rep := &Report{SizeCompliant: true, ContentClean: true}

	maxBytes := g.cfg.MaxFileSizeMB * 1024 * 1024
	rep.FileSizeBytes = size
	if size > maxBytes {
		rep.SizeCompliant = false
		rep.Issues = append(rep.Issues, fmt.Sprintf("file too large: %d bytes > %dMB", size, g.cfg.MaxFileSizeMB))
		rep.RiskScore += 0.3
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	if dangerousExtensions[ext] {
		rep.Issues = append(rep.Issues, fmt.Sprintf("dangerous file extension: %s", ext))
		rep.RiskScore += 0.8
	}

	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	head := make([]byte, contentScanBytes)
	n, err := io.ReadFull(tee, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("security: read head: %w", err)
	}
	head = head[:n]

	sniffed := http.DetectContentType(head)
	rep.DetectedType = sniffed
	if declaredType != "" && !sameMIMEFamily(declaredType, sniffed) {
		rep.Issues = append(rep.Issues, fmt.Sprintf("MIME type mismatch: declared %s, detected %s", declaredType, sniffed))
		rep.RiskScore += 0.4
	}
	if !g.mimeAllowed(sniffed) {
		rep.Issues = append(rep.Issues, fmt.Sprintf("unsupported MIME type: %s", sniffed))
		rep.RiskScore += 0.5
	}

	if scanHasSuspiciousContent(head) {
		rep.ContentClean = false
		rep.Issues = append(rep.Issues, "suspicious content patterns detected")
		rep.RiskScore += 0.6
	}

	// Drain the rest of the file through the hasher; the content scan only
	// looks at the head.
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("security: hash: %w", err)
	}
	rep.SHA256 = hex.EncodeToString(hasher.Sum(nil))

	if ext == ".pdf" || strings.Contains(sniffed, "pdf") {
		issues, risk := validatePDF(bytes.NewReader(head), g.cfg.MaxPagesPDF)
		rep.Issues = append(rep.Issues, issues...)
		rep.RiskScore += risk
	}

	if rep.RiskScore > 1.0 {
		rep.RiskScore = 1.0
	}
	rep.IsSafe = rep.RiskScore < 0.5 && len(rep.Issues) == 0
	return rep, nil
}

func (g *Guard) mimeAllowed(mime string) bool {
	for _, m := range g.cfg.AllowedMIMETypes {
		if strings.HasPrefix(mime, m) {
			return true
		}
	}
	return false
}

func sameMIMEFamily(declared, sniffed string) bool {
	base := func(m string) string {
		if i := strings.IndexByte(m, ';'); i >= 0 {
			m = m[:i]
		}
		return strings.TrimSpace(m)
	}
	return base(declared) == base(sniffed)
}

func scanHasSuspiciousContent(head []byte) bool {
	lower := bytes.ToLower(head)
	for _, pat := range suspiciousPatterns {
		if bytes.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// validatePDF scans the leading bytes of a PDF for embedded JavaScript
// and additional-actions markers. It does not count pages (maxPages is
// unused here); the page-count and per-page annotation checks are in
// ValidatePDFFile.
func validatePDF(head io.Reader, maxPages int) (issues []string, risk float64) {
	// A partial PDF (head-only) can't be parsed by ledongthuc/pdf, which
	// needs a ReaderAt over the whole stream; full-document checks run via
	// ValidatePDFFile against the file on disk after it's been staged by
	// security.TempFile. This head-based pass only looks for raw byte
	// markers of embedded scripts and dangerous annotations.
	buf := new(bytes.Buffer)
	_, _ = io.Copy(buf, head)
	raw := buf.Bytes()
	if bytes.Contains(raw, []byte("/JavaScript")) || bytes.Contains(raw, []byte("/JS")) {
		issues = append(issues, "PDF contains JavaScript")
		risk += 0.7
	}
	if bytes.Contains(raw, []byte("/AA")) {
		issues = append(issues, "PDF contains potentially dangerous actions")
		risk += 0.5
	}
	return issues, risk
}

// ValidatePDFFile runs the page-count check against a staged file on
// disk, using ledongthuc/pdf's page iteration with panic recovery
// around the walk, since a malformed PDF can panic deep in the decoder.
func ValidatePDFFile(path string, maxPages int) (issues []string, risk float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("security: panic during pdf validation: %v", r)
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return nil, 0, fmt.Errorf("security: open pdf: %w", openErr)
	}
	defer f.Close()

	totalPages := r.NumPage()
	if totalPages > maxPages {
		issues = append(issues, fmt.Sprintf("PDF has too many pages: %d > %d", totalPages, maxPages))
		risk += 0.3
	}

	scanTo := totalPages
	if scanTo > 5 {
		scanTo = 5
	}
	for i := 1; i <= scanTo; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		annots := page.V.Key("Annots")
		if !annots.IsNull() {
			for j := 0; j < annots.Len(); j++ {
				if !annots.Index(j).Key("AA").IsNull() {
					issues = append(issues, "PDF contains potentially dangerous actions")
					risk += 0.5
					return issues, risk, nil
				}
			}
		}
	}
	return issues, risk, nil
}
