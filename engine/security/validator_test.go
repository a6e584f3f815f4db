package security

import (
	"context"
	"strings"
	"testing"
)

func TestGuard_Validate_CleanTextFile(t *testing.T) {
	g := NewGuard(DefaultConfig())
	body := "hello world, this is a plain text document.\n"

	rep, err := g.Validate(context.Background(), "notes.txt", "text/plain", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !rep.IsSafe {
		t.Errorf("expected safe report, got issues: %v", rep.Issues)
	}
	if rep.SHA256 == "" {
		t.Error("expected a computed SHA-256")
	}
	if !rep.SizeCompliant || !rep.ContentClean {
		t.Error("expected size-compliant and content-clean flags set")
	}
}

func TestGuard_Validate_DangerousExtensionFlagged(t *testing.T) {
	g := NewGuard(DefaultConfig())
	body := "MZ fake binary"

	rep, err := g.Validate(context.Background(), "payload.exe", "application/octet-stream", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rep.IsSafe {
		t.Error("expected unsafe report for a dangerous extension")
	}
	found := false
	for _, issue := range rep.Issues {
		if strings.Contains(issue, "dangerous file extension") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a dangerous-extension issue, got %v", rep.Issues)
	}
}

func TestGuard_Validate_OversizedFileFlagged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSizeMB = 0
	g := NewGuard(cfg)
	body := "small body, but over a zero-MB cap"

	rep, err := g.Validate(context.Background(), "f.txt", "text/plain", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rep.SizeCompliant {
		t.Error("expected size non-compliant with a zero-MB cap")
	}
	if rep.IsSafe {
		t.Error("expected unsafe report once a size issue is present")
	}
}

func TestGuard_Validate_MIMEMismatchFlagged(t *testing.T) {
	g := NewGuard(DefaultConfig())
	body := "plain text body detected as text/plain"

	rep, err := g.Validate(context.Background(), "f.txt", "application/pdf", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	found := false
	for _, issue := range rep.Issues {
		if strings.Contains(issue, "MIME type mismatch") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a MIME mismatch issue, got %v", rep.Issues)
	}
}

func TestGuard_Validate_SuspiciousContentFlagged(t *testing.T) {
	g := NewGuard(DefaultConfig())
	body := "plain text with <script>alert(1)</script> embedded"

	rep, err := g.Validate(context.Background(), "f.txt", "text/plain", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rep.ContentClean {
		t.Error("expected content-clean false for a script tag")
	}
	if rep.IsSafe {
		t.Error("expected unsafe report for suspicious content")
	}
}

func TestSameMIMEFamily_IgnoresParameters(t *testing.T) {
	if !sameMIMEFamily("text/plain; charset=utf-8", "text/plain") {
		t.Error("expected charset parameter to be ignored")
	}
	if sameMIMEFamily("text/plain", "application/pdf") {
		t.Error("expected different families to mismatch")
	}
}
