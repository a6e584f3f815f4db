// Package rag is the query-side half of the pipeline: a thin retriever
// over the vector store adapter (engine/semantic) plus a token-budgeted
// context builder. It consumes what the durable ingestion worker system
// produced; it does not call an LLM or generate answers.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docpipe/ingestworker/engine/semantic"
)

// Mode selects one of the four retriever strategies.
type Mode string

const (
	ModeSemantic     Mode = "semantic"
	ModeKeyword      Mode = "keyword"
	ModeHybrid       Mode = "hybrid"
	ModeMetadataOnly Mode = "metadata_only"
)

// Embedder embeds a query string into the same vector space the
// ingestion pipeline wrote, mirroring engine/ingest.Embedder's shape.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Adapter is the subset of engine/semantic.VectorStore the retriever
// needs: similarity search and filter-only fetch.
type Adapter interface {
	SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]semantic.SearchResult, error)
	GetByFilter(ctx context.Context, filters map[string]string, limit uint32, offset string) ([]semantic.SearchResult, error)
}

// Ranked wraps a SearchResult with the retriever's computed score and
// its post-sort, 1-based, dense rank.
type Ranked struct {
	Result semantic.SearchResult
	Score  float32
	Rank   int
}

// SimilarityThreshold is the Semantic mode's default minimum similarity.
const SimilarityThreshold = 0.7

// Retriever implements the four modes of over an Adapter.
type Retriever struct {
	adapter  Adapter
	embedder Embedder
}

// New builds a Retriever.
func New(adapter Adapter, embedder Embedder) *Retriever {
	return &Retriever{adapter: adapter, embedder: embedder}
}

// Retrieve runs mode's strategy for query, returning up to topK ranked
// results. filters narrows every mode's fetch (e.g. project_id).
func (r *Retriever) Retrieve(ctx context.Context, query string, mode Mode, topK int, filters map[string]string) ([]Ranked, error) {
	if topK <= 0 {
		topK = 5
	}
	switch mode {
	case ModeSemantic:
		return r.semantic(ctx, query, topK, filters, SimilarityThreshold)
	case ModeKeyword:
		return r.keyword(ctx, query, topK, filters)
	case ModeHybrid:
		return r.hybrid(ctx, query, topK, filters)
	case ModeMetadataOnly:
		return r.metadataOnly(ctx, query, topK, filters)
	default:
		return nil, fmt.Errorf("rag: unknown retriever mode %q", mode)
	}
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("rag: embedder returned no vectors")
	}
	return vecs[0], nil
}

// semantic queries the adapter and filters by a minimum similarity
// threshold.
func (r *Retriever) semantic(ctx context.Context, query string, topK int, filters map[string]string, threshold float32) ([]Ranked, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.adapter.SearchFiltered(ctx, vec, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("rag: semantic search: %w", err)
	}

	scored := make([]Ranked, 0, len(results))
	for _, res := range results {
		if res.Score < threshold {
			continue
		}
		scored = append(scored, Ranked{Result: res, Score: res.Score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return assignRanks(scored), nil
}

// keyword fetches candidates via the document filter (no embedding
// needed) and scores them against the query's extracted keywords.
func (r *Retriever) keyword(ctx context.Context, query string, topK int, filters map[string]string) ([]Ranked, error) {
	keywords := extractKeywords(query)
	candidates, err := r.adapter.GetByFilter(ctx, filters, uint32(candidateFetchSize(topK)), "")
	if err != nil {
		return nil, fmt.Errorf("rag: keyword fetch: %w", err)
	}

	scored := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		score := keywordScore(c.Content, query, keywords)
		if score <= 0 {
			continue
		}
		scored = append(scored, Ranked{Result: c, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return assignRanks(scored), nil
}

// keywordScore implements : "score per doc = (0.5 presence
// + min(count*0.1, 0.4)) averaged over keywords, +0.2 if the original
// query phrase appears verbatim; clamp to 1".
func keywordScore(content, query string, keywords []string) float32 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	var total float64
	for _, kw := range keywords {
		count := strings.Count(lower, kw)
		presence := 0.0
		if count > 0 {
			presence = 0.5
		}
		freq := count * 0.1
		if freq > 0.4 {
			freq = 0.4
		}
		total += presence + freq
	}
	score := total / float64(len(keywords))
	if strings.Contains(lower, strings.ToLower(query)) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return float32(score)
}

// hybrid runs both modes at doubled n_results, combines 0.6*sem+0.4*kw
// per document, re-ranks, and truncates to topK.
func (r *Retriever) hybrid(ctx context.Context, query string, topK int, filters map[string]string) ([]Ranked, error) {
	doubled := topK * 2

	sem, err := r.semantic(ctx, query, doubled, filters, 0) // no threshold: hybrid wants full candidate pool
	if err != nil {
		return nil, err
	}
	kw, err := r.keyword(ctx, query, doubled, filters)
	if err != nil {
		return nil, err
	}

	semScore := make(map[string]float32, len(sem))
	kwScore := make(map[string]float32, len(kw))
	byID := make(map[string]semantic.SearchResult, len(sem)+len(kw))
	for _, s := range sem {
		semScore[s.Result.ID] = s.Score
		byID[s.Result.ID] = s.Result
	}
	for _, k := range kw {
		kwScore[k.Result.ID] = k.Score
		byID[k.Result.ID] = k.Result
	}

	combined := make([]Ranked, 0, len(byID))
	for id, res := range byID {
		score := 0.6*semScore[id] + 0.4*kwScore[id]
		combined = append(combined, Ranked{Result: res, Score: score})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].Score > combined[j].Score })
	if len(combined) > topK {
		combined = combined[:topK]
	}
	return assignRanks(combined), nil
}

// metadataOnly fetches by filter alone (no vector, no keyword fetch) and
// scores by token overlap between query and document content.
func (r *Retriever) metadataOnly(ctx context.Context, query string, topK int, filters map[string]string) ([]Ranked, error) {
	candidates, err := r.adapter.GetByFilter(ctx, filters, uint32(candidateFetchSize(topK)), "")
	if err != nil {
		return nil, fmt.Errorf("rag: metadata-only fetch: %w", err)
	}
	queryTokens := tokenSet(query)

	scored := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		docTokens := tokenSet(c.Content)
		score := contentOverlap(queryTokens, docTokens)
		scored = append(scored, Ranked{Result: c, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return assignRanks(scored), nil
}

// contentOverlap scores the fraction of query tokens present in the
// document's token set, used by Metadata-only mode.
func contentOverlap(query, doc map[string]bool) float32 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if doc[w] {
			hits++
		}
	}
	return float32(hits) / float32(len(query))
}

func candidateFetchSize(topK int) int {
	n := topK * 4
	if n < 20 {
		n = 20
	}
	return n
}

// assignRanks fills in Rank as 1-based, dense, in the slice's existing
// (already sorted) order : "Ranks are assigned
// post-sort (1-based, dense)."
func assignRanks(results []Ranked) []Ranked {
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
