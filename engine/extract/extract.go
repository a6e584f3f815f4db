// Package extract dispatches text extraction by sniffed/declared content
// type. PDF extraction uses ledongthuc/pdf with panic recovery around
// the page walk; docx extraction uses stdlib archive/zip +
// encoding/xml, since no third-party docx parser is in use elsewhere
// in this codebase.
package extract

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// MinExtractedChars is the garbled/low-extraction threshold for the OCR
// trigger, resolved to 50.
const MinExtractedChars = 50

// garbledRunRe matches runs of the Unicode replacement character or ASCII
// control characters, a proxy for "mojibake" output from a bad decode.
var garbledRunRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x{FFFD}]{3,}`)

// Result is the outcome of extracting text from a staged file.
type Result struct {
	Text             string
	ExtractionMethod string
	NeedsOCR         bool
}

// Extractor dispatches by MIME type.
type Extractor struct{}

// New creates an Extractor.
func New() *Extractor { return &Extractor{} }

// Extract reads the full document and returns extracted text, flagging
// NeedsOCR when the output is too short or looks garbled.
func (x *Extractor) Extract(mimeType, path string, r io.Reader) (*Result, error) {
	var (
		text   string
		method string
		err    error
	)

	switch {
	case strings.HasPrefix(mimeType, "text/plain"), strings.HasPrefix(mimeType, "text/markdown"):
		text, err = extractPlainText(r)
		method = "plain"
	case strings.HasPrefix(mimeType, "application/pdf"):
		text, err = extractPDFText(path)
		method = "pdf"
	case strings.Contains(mimeType, "wordprocessingml.document"):
		text, err = extractDocx(path)
		method = "docx"
	default:
		text, err = extractPlainText(r)
		method = "plain"
	}
	if err != nil {
		return nil, err
	}

	needsOCR := len([]rune(text)) < MinExtractedChars || garbledRunRe.MatchString(text)
	return &Result{Text: text, ExtractionMethod: method, NeedsOCR: needsOCR}, nil
}

func extractPlainText(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("extract: read: %w", err)
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}
	normalized := strings.ReplaceAll(string(data), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return normalized, nil
}

// extractPDFText extracts full text from a PDF at path, recovering from
// panics since corrupt PDFs can panic deep in the zlib decoder. Output
// is not truncated: the chunker downstream applies its own size
// control, so truncating here would just throw away chunkable text.
func extractPDFText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("extract: panic during pdf extraction: %v", r)
		}
	}()

	f, r, openErr := pdf.Open(path)
	if openErr != nil {
		return "", fmt.Errorf("extract: open pdf: %w", openErr)
	}
	defer f.Close()

	var sb strings.Builder
	total := r.NumPage()
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// docxRun is a <w:t> text run in word/document.xml.
type docxRun struct {
	XMLName xml.Name `xml:"t"`
	Text    string   `xml:",chardata"`
}

func extractDocx(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("extract: open docx: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("extract: open document.xml: %w", err)
		}
		defer rc.Close()

		var sb strings.Builder
		dec := xml.NewDecoder(bufio.NewReader(rc))
		for {
			tok, err := dec.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", fmt.Errorf("extract: decode document.xml: %w", err)
			}
			start, ok := tok.(xml.StartElement)
			if !ok || start.Name.Local != "t" {
				continue
			}
			var run docxRun
			if err := dec.DecodeElement(&run, &start); err != nil {
				continue
			}
			sb.WriteString(run.Text)
			sb.WriteString(" ")
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("extract: word/document.xml not found in docx")
}
