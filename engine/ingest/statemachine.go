package ingest

// State is one of the closed set of job states. Pure
// stdlib, no I/O — a dependency-free, closed-enumeration helper file.
type State string

const (
	StateQueued    State = "queued"
	StateScheduled State = "scheduled"
	StateDeferred  State = "deferred"

	StateStarted    State = "started"
	StateUploading  State = "uploading"
	StateExtracting State = "extracting"
	StateOCR        State = "ocr"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StateStoring    State = "storing"

	StateIndexed    State = "indexed"
	StateCanceled   State = "canceled"
	StateDeadLetter State = "dead_letter"

	StateFailedValidation State = "failed_validation"
	StateFailedUpload     State = "failed_upload"
	StateFailedExtract    State = "failed_extract"
	StateFailedOCR        State = "failed_ocr"
	StateFailedChunk      State = "failed_chunk"
	StateFailedEmbed      State = "failed_embed"
	StateFailedStore      State = "failed_store"
	StateFailedTimeout    State = "failed_timeout"
	StateFailedCanceled   State = "failed_canceled"
)

// transitions is the legal-transition table from Every
// failure state additionally allows queued (retry) and dead_letter,
// added programmatically in init() to avoid repeating the same two
// entries nine times.
var transitions = map[State][]State{
	StateQueued:    {StateStarted, StateScheduled, StateCanceled},
	StateScheduled: {StateQueued, StateStarted, StateCanceled},
	StateDeferred:  {StateQueued, StateCanceled},

	StateStarted:    {StateUploading, StateFailedValidation, StateCanceled},
	StateUploading:  {StateExtracting, StateFailedUpload, StateCanceled},
	StateExtracting: {StateOCR, StateChunking, StateFailedExtract, StateCanceled},
	StateOCR:        {StateChunking, StateFailedOCR, StateCanceled},
	StateChunking:   {StateEmbedding, StateFailedChunk, StateCanceled},
	StateEmbedding:  {StateStoring, StateFailedEmbed, StateCanceled},
	StateStoring:    {StateIndexed, StateFailedStore, StateCanceled},

	StateIndexed:    {},
	StateCanceled:   {},
	StateDeadLetter: {},
}

var failureStates = []State{
	StateFailedValidation, StateFailedUpload, StateFailedExtract, StateFailedOCR,
	StateFailedChunk, StateFailedEmbed, StateFailedStore, StateFailedTimeout,
	StateFailedCanceled,
}

func init() {
	for _, fs := range failureStates {
		transitions[fs] = []State{StateQueued, StateDeadLetter}
	}
}

// CanTransition reports whether moving from → to is legal.
func CanTransition(from, to State) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state has no outgoing transitions.
func IsTerminal(s State) bool {
	return s == StateIndexed || s == StateCanceled || s == StateDeadLetter
}

// IsFailure reports whether s is one of the transient failure states.
func IsFailure(s State) bool {
	for _, fs := range failureStates {
		if fs == s {
			return true
		}
	}
	return false
}

// progressTable implements the monotone progress-percent function from
// (5,10,25,40,55,75,90,100 across the running states).
var progressTable = map[State]int{
	StateQueued:     0,
	StateScheduled:  0,
	StateDeferred:   0,
	StateStarted:    5,
	StateUploading:  10,
	StateExtracting: 25,
	StateOCR:        40,
	StateChunking:   55,
	StateEmbedding:  75,
	StateStoring:    90,
	StateIndexed:    100,
	StateCanceled:   0,
	StateDeadLetter: 0,
}

// ProgressFor returns the progress percent for a running/terminal state.
// Failure states are not looked up here: progress on
// entering a failure state is frozen at the last running-state value,
// which callers track themselves (see Job.ProgressPct) rather than derive
// from the failure state's own identity.
func ProgressFor(s State) int {
	if p, ok := progressTable[s]; ok {
		return p
	}
	return 0
}

// FailureStateFor maps a running state to the failure state entered when
// that stage's work errors out.
func FailureStateFor(running State) State {
	switch running {
	case StateStarted:
		return StateFailedValidation
	case StateUploading:
		return StateFailedUpload
	case StateExtracting:
		return StateFailedExtract
	case StateOCR:
		return StateFailedOCR
	case StateChunking:
		return StateFailedChunk
	case StateEmbedding:
		return StateFailedEmbed
	case StateStoring:
		return StateFailedStore
	default:
		return StateFailedValidation
	}
}
