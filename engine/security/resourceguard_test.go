package security

import (
	"context"
	"errors"
	"testing"
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
)

func TestResourceGuard_Check_WithinLimitsPasses(t *testing.T) {
	g := NewResourceGuard(DefaultResourceGuardConfig())
	if err := g.Check(context.Background()); err != nil {
		t.Errorf("expected no error within default limits, got %v", err)
	}
}

func TestResourceGuard_Check_CPUTimeExceeded(t *testing.T) {
	cfg := DefaultResourceGuardConfig()
	cfg.MaxCPUTime = 0
	g := NewResourceGuard(cfg)
	time.Sleep(time.Millisecond)

	err := g.Check(context.Background())
	if err == nil {
		t.Fatal("expected a cpu time limit error")
	}
	var ierr *ingesterrors.IngestError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected an IngestError, got %T", err)
	}
	if ierr.Kind != ingesterrors.WorkerTimeout {
		t.Errorf("expected WorkerTimeout kind, got %s", ierr.Kind)
	}
}

func TestCPUTime_ReturnsNonNegativeDuration(t *testing.T) {
	d, err := CPUTime()
	if err != nil {
		t.Fatalf("CPUTime: %v", err)
	}
	if d < 0 {
		t.Errorf("expected non-negative cpu time, got %s", d)
	}
}
