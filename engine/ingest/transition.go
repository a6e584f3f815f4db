package ingest

import (
	"time"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
)

// Transition carries the optional fields a state transition may also
// write, alongside the required from/to state change itself. It lives in
// this package (rather than engine/jobstore, which depends on engine/
// ingest for Job/State) so the Pipeline Executor can describe a
// transition without importing the store that persists it.
type Transition struct {
	Step          *string
	ProgressPct   *int
	StartedAt     *time.Time
	EndedAt       *time.Time
	CanceledAt    *time.Time
	CancelReason  *string
	ErrorKind     *ingesterrors.Kind
	ErrorMessage  *string
	ErrorDetail   map[string]any
	ErrorStack    *string
	Metrics       *JobMetrics
	DocumentID    *string
	ChunksIndexed *int
}
