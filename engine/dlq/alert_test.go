package dlq

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestEvaluateAlert_FiresOnCriticalSeverity(t *testing.T) {
	e := &Entry{JobID: uuid.New(), Analysis: Analysis{Severity: SeverityCritical}}
	alert, fired := EvaluateAlert(e, 0, 100)
	if !fired {
		t.Fatal("expected alert to fire on critical severity")
	}
	if len(alert.Reasons) != 1 || alert.Reasons[0] != AlertReasonCritical {
		t.Errorf("expected single critical reason, got %v", alert.Reasons)
	}
}

func TestEvaluateAlert_FiresOnRecurringKind(t *testing.T) {
	e := &Entry{JobID: uuid.New(), Analysis: Analysis{Severity: SeverityMedium, Similar24h: 5}}
	_, fired := EvaluateAlert(e, 0, 100)
	if !fired {
		t.Fatal("expected alert to fire when similar24h >= 5")
	}
}

func TestEvaluateAlert_FiresOnBacklogThreshold(t *testing.T) {
	e := &Entry{JobID: uuid.New(), Analysis: Analysis{Severity: SeverityLow}}
	_, fired := EvaluateAlert(e, 50, 50)
	if !fired {
		t.Fatal("expected alert to fire when backlog >= threshold")
	}
}

func TestEvaluateAlert_NoFireWhenNothingMatches(t *testing.T) {
	e := &Entry{JobID: uuid.New(), Analysis: Analysis{Severity: SeverityLow, Similar24h: 1}}
	_, fired := EvaluateAlert(e, 1, 100)
	if fired {
		t.Error("expected no alert when no condition matches")
	}
}

func TestNoopAlertSink_NeverErrors(t *testing.T) {
	var sink NoopAlertSink
	if err := sink.Alert(context.Background(), Alert{}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}
