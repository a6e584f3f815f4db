package errors

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNew_CapturesNonEmptyStack(t *testing.T) {
	err := New(FileCorrupted, "bad header", map[string]any{"offset": 12})
	if err.Kind != FileCorrupted {
		t.Errorf("expected kind FileCorrupted, got %s", err.Kind)
	}
	if err.Stack == "" {
		t.Error("expected a captured stack trace")
	}
	if !strings.Contains(err.Error(), "bad header") {
		t.Errorf("expected message in Error(), got %q", err.Error())
	}
}

func TestWrap_PreservesInnerErrorForUnwrap(t *testing.T) {
	inner := errors.New("disk read failed")
	err := Wrap(StorageUnavailable, inner, nil)

	if !errors.Is(err, inner) {
		t.Error("expected Wrap to preserve the inner error for errors.Is")
	}
	if err.Message != inner.Error() {
		t.Errorf("expected message to mirror inner error, got %q", err.Message)
	}
}

func TestAs_ExtractsIngestError(t *testing.T) {
	var target *IngestError
	wrapped := Wrap(EmbeddingAPIError, errors.New("timeout"), nil)

	if !As(wrapped, &target) {
		t.Fatal("expected As to succeed")
	}
	if target.Kind != EmbeddingAPIError {
		t.Errorf("expected kind EmbeddingAPIError, got %s", target.Kind)
	}
}

func TestCode_ReturnsKindAsString(t *testing.T) {
	err := New(FileTooLarge, "413", nil)
	if err.Code() != "FileTooLarge" {
		t.Errorf("expected Code() FileTooLarge, got %s", err.Code())
	}
}

func TestPolicyFor_NoRetryKindsNeverRetry(t *testing.T) {
	for _, k := range []Kind{InvalidFileType, FileTooLarge, InvalidProject, DuplicateIngest,
		WorkerTimeout, MemoryExhausted, DiskFull, UserCanceled, SystemCanceled} {
		p := PolicyFor(k)
		if _, ok := p.NextDelay(1); ok {
			t.Errorf("expected kind %s to never retry", k)
		}
	}
}

func TestPolicyFor_FileLockedRetriesImmediatelyUpToMax(t *testing.T) {
	p := PolicyFor(FileLocked)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		delay, ok := p.NextDelay(attempt)
		if !ok {
			t.Fatalf("attempt %d: expected retry within budget", attempt)
		}
		if delay != 0 {
			t.Errorf("attempt %d: expected zero delay for immediate policy, got %v", attempt, delay)
		}
	}
	if _, ok := p.NextDelay(p.MaxAttempts + 1); ok {
		t.Error("expected no retry past MaxAttempts")
	}
}

func TestPolicyFor_LinearKindsScaleByAttempt(t *testing.T) {
	p := PolicyFor(StorageUnavailable)
	d1, _ := p.NextDelay(1)
	d2, _ := p.NextDelay(2)
	if d2 != 2*d1 {
		t.Errorf("expected linear scaling, got d1=%v d2=%v", d1, d2)
	}
}

func TestPolicyFor_ExponentialKindsCapDelay(t *testing.T) {
	p := PolicyFor(ExtractionFailed)
	delay, ok := p.NextDelay(p.MaxAttempts)
	if !ok {
		t.Fatal("expected final attempt within budget")
	}
	if delay > p.Cap {
		t.Errorf("expected delay capped at %v, got %v", p.Cap, delay)
	}
}

func TestPolicyFor_RateLimitedUsesFixedDelay(t *testing.T) {
	p := PolicyFor(EmbeddingRateLimited)
	delay, ok := p.NextDelay(1)
	if !ok || delay != 30*time.Second {
		t.Errorf("expected fixed 30s delay, got %v ok=%v", delay, ok)
	}
}

func TestPolicyFor_UnknownKindFallsBackToExponential(t *testing.T) {
	p := PolicyFor(Unknown)
	if p.Kind != PolicyExponential {
		t.Errorf("expected exponential fallback for Unknown, got %v", p.Kind)
	}
}
