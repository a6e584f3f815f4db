package extract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtract_PlainText_NormalizesLineEndings(t *testing.T) {
	x := New()
	body := "line one\r\nline two\rline three\n"

	res, err := x.Extract("text/plain", "", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if strings.Contains(res.Text, "\r") {
		t.Errorf("expected no carriage returns, got %q", res.Text)
	}
	if res.ExtractionMethod != "plain" {
		t.Errorf("expected method plain, got %s", res.ExtractionMethod)
	}
}

func TestExtract_PlainText_FlagsNeedsOCRWhenShort(t *testing.T) {
	x := New()
	res, err := x.Extract("text/markdown", "", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.NeedsOCR {
		t.Error("expected NeedsOCR true for text shorter than MinExtractedChars")
	}
}

func TestExtract_PlainText_NoOCRWhenLongEnough(t *testing.T) {
	x := New()
	body := strings.Repeat("word ", 20)
	res, err := x.Extract("text/plain", "", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.NeedsOCR {
		t.Error("expected NeedsOCR false for long, clean text")
	}
}

func TestExtract_PlainText_ReplacesInvalidUTF8(t *testing.T) {
	x := New()
	invalid := []byte{'h', 'i', 0xff, 0xfe}
	res, err := x.Extract("text/plain", "", bytes.NewReader(invalid))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(res.Text, "hi") {
		t.Errorf("expected valid prefix preserved, got %q", res.Text)
	}
}

func TestExtract_GarbledContentFlagsNeedsOCR(t *testing.T) {
	x := New()
	body := strings.Repeat("word ", 20) + "\x00\x01\x02\x03garbled"
	res, err := x.Extract("text/plain", "", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.NeedsOCR {
		t.Error("expected NeedsOCR true for a control-character run")
	}
}

func TestExtract_UnknownMIMEFallsBackToPlain(t *testing.T) {
	x := New()
	res, err := x.Extract("application/octet-stream", "", strings.NewReader(strings.Repeat("data ", 20)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.ExtractionMethod != "plain" {
		t.Errorf("expected fallback to plain, got %s", res.ExtractionMethod)
	}
}

func TestExtractDocx_ReadsTextRunsFromDocumentXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.docx")
	if err := writeFakeDocx(path, "Hello world"); err != nil {
		t.Fatalf("writeFakeDocx: %v", err)
	}

	text, err := extractDocx(path)
	if err != nil {
		t.Fatalf("extractDocx: %v", err)
	}
	if !strings.Contains(text, "Hello") || !strings.Contains(text, "world") {
		t.Errorf("expected extracted runs present, got %q", text)
	}
}

func TestExtractDocx_MissingDocumentXMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.docx")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	f.Close()

	if _, err := extractDocx(path); err == nil {
		t.Error("expected error for docx with no word/document.xml")
	}
}

func writeFakeDocx(path, text string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		return err
	}
	xmlBody := `<?xml version="1.0"?><w:document xmlns:w="ns"><w:body><w:p><w:r><w:t>` +
		strings.Split(text, " ")[0] + `</w:t></w:r><w:r><w:t> ` + strings.Split(text, " ")[1] +
		`</w:t></w:r></w:p></w:body></w:document>`
	if _, err := w.Write([]byte(xmlBody)); err != nil {
		return err
	}
	return zw.Close()
}
