package rag

import "strings"

// stopWords excludes common function words from keyword extraction and
// from token-overlap scoring: lower-case tokens of length > 2, excluding
// a fixed stop-list.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "can": true, "shall": true, "to": true,
	"of": true, "in": true, "for": true, "on": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "into": true,
	"through": true, "during": true, "before": true, "after": true,
	"what": true, "where": true, "when": true, "how": true, "which": true,
	"who": true, "whom": true, "this": true, "that": true, "these": true,
	"those": true, "i": true, "me": true, "my": true, "it": true,
	"its": true, "and": true, "but": true, "or": true, "not": true,
}

// extractKeywords lower-cases, tokenizes, and filters tokens of length
// <= 2 or on the stop-list, feeding the Keyword retriever mode.
func extractKeywords(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var keywords []string
	for _, w := range words {
		w = strings.Trim(w, "?.,!;:'\"()[]{}")
		if len(w) > 2 && !stopWords[w] {
			keywords = append(keywords, w)
		}
	}
	return keywords
}

// tokenSet is a deduplicated set of a text's extracted keywords, used by
// the Context Builder's Jaccard dedupe and the Metadata-only retriever's
// content-overlap score.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range extractKeywords(text) {
		set[w] = true
	}
	return set
}

// jaccard computes the word-Jaccard similarity of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
