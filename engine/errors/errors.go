// Package errors defines the closed error-kind taxonomy, the retry-policy
// mapping, and the typed IngestError carried through the pipeline executor.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Kind is one of the exhaustive set of error kinds the pipeline can raise.
type Kind string

const (
	InvalidFileType           Kind = "InvalidFileType"
	FileTooLarge              Kind = "FileTooLarge"
	InvalidProject            Kind = "InvalidProject"
	DuplicateIngest           Kind = "DuplicateIngest"
	FileNotFound              Kind = "FileNotFound"
	FileCorrupted             Kind = "FileCorrupted"
	FileLocked                Kind = "FileLocked"
	StorageUnavailable        Kind = "StorageUnavailable"
	ExtractionFailed          Kind = "ExtractionFailed"
	OCREngineError            Kind = "OCREngineError"
	OCRLowConfidence          Kind = "OCRLowConfidence"
	ChunkingError             Kind = "ChunkingError"
	EmbeddingAPIError         Kind = "EmbeddingAPIError"
	EmbeddingRateLimited      Kind = "EmbeddingRateLimited"
	EmbeddingQuotaExceeded    Kind = "EmbeddingQuotaExceeded"
	EmbeddingModelUnavailable Kind = "EmbeddingModelUnavailable"
	VectorStoreConnection     Kind = "VectorStoreConnection"
	VectorStoreWrite          Kind = "VectorStoreWrite"
	IndexCorruption           Kind = "IndexCorruption"
	WorkerTimeout             Kind = "WorkerTimeout"
	MemoryExhausted           Kind = "MemoryExhausted"
	DiskFull                  Kind = "DiskFull"
	NetworkError              Kind = "NetworkError"
	UserCanceled              Kind = "UserCanceled"
	SystemCanceled            Kind = "SystemCanceled"
	Unknown                   Kind = "Unknown"
)

// IngestError is the one typed error carried across stage boundaries,
// the job store, the DLQ, and API responses (only Code/Message cross the
// HTTP boundary; Detail and Stack stay server-side).
type IngestError struct {
	Kind    Kind
	Message string
	Detail  map[string]any
	Stack   string
	inner   error
}

// New constructs an IngestError, capturing a caller stack trace.
func New(kind Kind, message string, detail map[string]any) *IngestError {
	return &IngestError{
		Kind:    kind,
		Message: message,
		Detail:  detail,
		Stack:   captureStack(),
	}
}

// Wrap constructs an IngestError that wraps an underlying error.
func Wrap(kind Kind, err error, detail map[string]any) *IngestError {
	return &IngestError{
		Kind:    kind,
		Message: err.Error(),
		Detail:  detail,
		Stack:   captureStack(),
		inner:   err,
	}
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *IngestError) Unwrap() error { return e.inner }

// Code is the stable identifier returned to API callers.
func (e *IngestError) Code() string { return string(e.Kind) }

// As reports whether err is (or wraps) an *IngestError, writing it to out.
func As(err error, out **IngestError) bool {
	return errors.As(err, out)
}

func captureStack() string {
	var pcs [16]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	var s string
	for {
		f, more := frames.Next()
		s += fmt.Sprintf("%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return s
}

// PolicyKind names the retry-policy families.
type PolicyKind int

const (
	PolicyNoRetry PolicyKind = iota
	PolicyImmediate
	PolicyLinear
	PolicyExponential
	PolicyDelayedFixed
)

// Policy describes how an error kind should be retried.
type Policy struct {
	Kind        PolicyKind
	Base        time.Duration // Linear/Exponential base; DelayedFixed delay
	Cap         time.Duration // Exponential cap
	MaxAttempts int           // retries allowed after the first attempt
}

// NextDelay takes the number of attempts made so far (1 once the first
// attempt has failed) and returns the delay before the next attempt and
// whether that retry is within the policy's MaxAttempts budget.
func (p Policy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt > p.MaxAttempts {
		return 0, false
	}
	switch p.Kind {
	case PolicyNoRetry:
		return 0, attempt <= p.MaxAttempts && p.MaxAttempts > 0
	case PolicyImmediate:
		return 0, true
	case PolicyLinear:
		return p.Base * time.Duration(attempt), true
	case PolicyExponential:
		d := p.Base
		for i := 1; i < attempt; i++ {
			d *= 5
			if d > p.Cap {
				d = p.Cap
				break
			}
		}
		if d > p.Cap {
			d = p.Cap
		}
		return d, true
	case PolicyDelayedFixed:
		return p.Base, true
	default:
		return 0, false
	}
}

var (
	noRetry       = Policy{Kind: PolicyNoRetry, MaxAttempts: 0}
	immediate     = Policy{Kind: PolicyImmediate, MaxAttempts: 3}
	linear1s      = Policy{Kind: PolicyLinear, Base: time.Second, MaxAttempts: 4}
	exponential   = Policy{Kind: PolicyExponential, Base: time.Second, Cap: 125 * time.Second, MaxAttempts: 4}
	delayedFixed30 = Policy{Kind: PolicyDelayedFixed, Base: 30 * time.Second, MaxAttempts: 3}
)

// PolicyFor implements the error-kind → retry-policy mapping table verbatim.
func PolicyFor(k Kind) Policy {
	switch k {
	case InvalidFileType, FileTooLarge, InvalidProject, DuplicateIngest,
		WorkerTimeout, MemoryExhausted, DiskFull, UserCanceled, SystemCanceled:
		return noRetry
	case FileLocked:
		return immediate
	case StorageUnavailable, ChunkingError, VectorStoreConnection, VectorStoreWrite:
		return linear1s
	case ExtractionFailed, OCREngineError, EmbeddingAPIError:
		return exponential
	case EmbeddingRateLimited:
		return delayedFixed30
	default:
		return exponential
	}
}
