// Package ocr defines the OCR external-collaborator boundary. The only
// implementation here is a deterministic stub standing in for a real
// engine behind the same interface a production deployment would wire
// in (e.g. Tesseract or a cloud OCR API) — a library gap noted in
// DESIGN.md, not a design choice.
package ocr

import (
	"context"
	"io"
)

// OCR recognizes text in an image/scanned-page reader, returning a
// confidence in [0,1].
type OCR interface {
	Recognize(ctx context.Context, r io.Reader) (text string, confidence float64, err error)
}

// NullOCR always returns a canned low-confidence result, letting the
// pipeline executor exercise the OCRLowConfidence path deterministically
// in tests without a real engine.
type NullOCR struct{}

// Recognize implements OCR.
func (NullOCR) Recognize(ctx context.Context, r io.Reader) (string, float64, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", 0, err
	}
	return "", 0.0, nil
}
