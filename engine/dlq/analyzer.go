package dlq

import (
	"strings"

	ingesterrors "github.com/docpipe/ingestworker/engine/errors"
)

// categoryKinds maps error kinds to their DLQ category — kind decides
// the category for every kind listed here; messageKeywordCategory below
// covers the kinds this map leaves out.
var categoryKinds = map[ingesterrors.Kind]Category{
	ingesterrors.InvalidFileType:    CategoryFileHandling,
	ingesterrors.FileTooLarge:       CategoryFileHandling,
	ingesterrors.FileNotFound:       CategoryFileHandling,
	ingesterrors.FileCorrupted:      CategoryFileHandling,
	ingesterrors.FileLocked:         CategoryFileHandling,
	ingesterrors.StorageUnavailable: CategoryFileHandling,

	ingesterrors.ExtractionFailed: CategoryContentExtraction,
	ingesterrors.OCREngineError:   CategoryContentExtraction,
	ingesterrors.OCRLowConfidence: CategoryContentExtraction,
	ingesterrors.ChunkingError:    CategoryContentExtraction,

	ingesterrors.EmbeddingAPIError:         CategoryEmbeddingAPI,
	ingesterrors.EmbeddingRateLimited:      CategoryEmbeddingAPI,
	ingesterrors.EmbeddingQuotaExceeded:    CategoryEmbeddingAPI,
	ingesterrors.EmbeddingModelUnavailable: CategoryEmbeddingAPI,

	ingesterrors.VectorStoreConnection: CategoryVectorStorage,
	ingesterrors.VectorStoreWrite:      CategoryVectorStorage,
	ingesterrors.IndexCorruption:       CategoryVectorStorage,

	ingesterrors.WorkerTimeout:   CategorySystemResource,
	ingesterrors.MemoryExhausted: CategorySystemResource,
	ingesterrors.DiskFull:        CategorySystemResource,
	ingesterrors.NetworkError:    CategorySystemResource,
}

// messageKeywordCategory resolves a category from the message body when
// the kind alone doesn't place it (errors.Unknown, DuplicateIngest,
// InvalidProject, UserCanceled, SystemCanceled), keyword matching on
// (kind, message).
var messageKeywordCategory = []struct {
	keyword  string
	category Category
}{
	{"embed", CategoryEmbeddingAPI},
	{"vector", CategoryVectorStorage},
	{"qdrant", CategoryVectorStorage},
	{"pdf", CategoryContentExtraction},
	{"extract", CategoryContentExtraction},
	{"ocr", CategoryContentExtraction},
	{"memory", CategorySystemResource},
	{"cpu", CategorySystemResource},
	{"disk", CategorySystemResource},
	{"file", CategoryFileHandling},
}

// criticalKeywords trigger SeverityCritical regardless of attempt count.
var criticalKeywords = []string{
	"corruption", "security", "authentication", "authorization", "injection", "overflow",
}

// transientKeywords mark an error as transient for the SeverityLow rule.
var transientKeywords = []string{
	"timeout", "connection", "network", "rate limit", "service unavailable", "temporary",
}

// validationKinds are the no-retry-ever kinds that the retry_recommended
// rule excludes explicitly as "validation-kind".
var validationKinds = map[ingesterrors.Kind]bool{
	ingesterrors.InvalidFileType: true,
	ingesterrors.FileTooLarge:    true,
	ingesterrors.InvalidProject:  true,
	ingesterrors.DuplicateIngest: true,
}

// Analyzer implements the categorization, severity, and
// retry-recommendation rules for terminally-failed jobs. It is pure and
// stateless — no I/O, no collaborators — so it needs no constructor.
type Analyzer struct{}

// Categorize assigns kind+message to one of the fixed DLQ categories.
func (Analyzer) Categorize(kind ingesterrors.Kind, message string) Category {
	if cat, ok := categoryKinds[kind]; ok {
		return cat
	}
	lower := strings.ToLower(message)
	for _, m := range messageKeywordCategory {
		if strings.Contains(lower, m.keyword) {
			return m.category
		}
	}
	return CategoryUnknown
}

// Severity implements the critical > high > low > medium cascade.
func (Analyzer) Severity(message string, attempts int) Severity {
	lower := strings.ToLower(message)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return SeverityCritical
		}
	}
	if attempts >= 3 {
		return SeverityHigh
	}
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return SeverityLow
		}
	}
	return SeverityMedium
}

// IsTransient reports whether message matches a transient-failure keyword.
func (Analyzer) IsTransient(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range transientKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// IsCritical reports whether message matches a critical-failure keyword.
func (Analyzer) IsCritical(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// RetryRecommended implements: attempts < 5 ∧ not critical ∧ not a
// validation-kind error.
func (a Analyzer) RetryRecommended(kind ingesterrors.Kind, message string, attempts int) bool {
	if attempts >= 5 {
		return false
	}
	if a.IsCritical(message) {
		return false
	}
	if validationKinds[kind] {
		return false
	}
	return true
}

// Analyze runs the full rule set and fills in Similar24h via the
// similar24h count the caller already queried (the analyzer itself has
// no database access).
func (a Analyzer) Analyze(kind ingesterrors.Kind, message string, attempts, similar24h int) Analysis {
	cat := a.Categorize(kind, message)
	sev := a.Severity(message, attempts)
	critical := a.IsCritical(message)
	transient := a.IsTransient(message)
	retry := a.RetryRecommended(kind, message, attempts)

	var actions []string
	if critical {
		actions = append(actions, "page on-call: critical failure kind")
	}
	if !retry {
		actions = append(actions, "manual review required before retry")
	}
	if similar24h >= 5 {
		actions = append(actions, "investigate recurring failure pattern")
	}

	recommendation := recommendationFor(cat, sev, retry)

	return Analysis{
		Category:         cat,
		Severity:         sev,
		Transient:        transient,
		Critical:         critical,
		RetryRecommended: retry,
		RequiredActions:  actions,
		Recommendation:   recommendation,
		Similar24h:       similar24h,
	}
}

func recommendationFor(cat Category, sev Severity, retry bool) string {
	switch {
	case sev == SeverityCritical:
		return "escalate immediately: " + string(cat) + " failure marked critical"
	case retry:
		return "safe to retry: " + string(cat) + " failure, within retry budget"
	default:
		return "resolve manually: " + string(cat) + " failure exhausted retries or is non-retryable"
	}
}
