package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ContextType tags the kind of document the built context serves, per
// ; it selects which template Format uses.
type ContextType string

const (
	ContextStoryBible        ContextType = "story_bible"
	ContextCharacterProfiles ContextType = "character_profiles"
	ContextWorldBuilding     ContextType = "world_building"
	ContextPlotGuidelines    ContextType = "plot_guidelines"
	ContextStyleGuide        ContextType = "style_guide"
	ContextMixed             ContextType = "mixed"
)

// Section is one retrieved chunk converted into Context Builder's unit
// of dedupe/prioritize/fit step 1.
type Section struct {
	Title     string
	Content   string
	DocType   string
	Relevance float32
	Tokens    int
	Metadata  map[string]string
}

// BuildRequest parameterizes Build: the ranked results to assemble, the
// token budget, the context type, and the requesting project (for the
// project_match prioritization bonus).
type BuildRequest struct {
	Results     []Ranked
	Budget      int
	ContextType ContextType
	ProjectID   string
}

// sectionReserve is the fixed safety margin reserves below
// budget ("tokens_so_far + section <= budget - 200").
const sectionReserve = 200

// Build runs the Context Builder pipeline: convert to Sections, dedupe
// near-duplicates, prioritize, fit to budget, and format.
func Build(req BuildRequest) string {
	sections := toSections(req.Results)
	sections = dedupe(sections)
	sections = prioritize(sections, req.ContextType, req.ProjectID)
	fitted := fitToBudget(sections, req.Budget)
	return format(fitted, req.ContextType)
}

func toSections(results []Ranked) []Section {
	sections := make([]Section, 0, len(results))
	for _, r := range results {
		title := r.Result.ChunkID
		if title == "" {
			title = r.Result.DocumentID
		}
		docType := r.Result.Meta["doc_type"]
		sections = append(sections, Section{
			Title:     title,
			Content:   r.Result.Content,
			DocType:   docType,
			Relevance: r.Score,
			Tokens:    countTokens(r.Result.Content),
			Metadata:  r.Result.Meta,
		})
	}
	return sections
}

// dedupe collapses pairwise word-Jaccard > 0.8 pairs to the
// higher-relevance section step 2.
func dedupe(sections []Section) []Section {
	tokens := make([]map[string]bool, len(sections))
	for i, s := range sections {
		tokens[i] = tokenSet(s.Content)
	}

	dropped := make([]bool, len(sections))
	for i := range sections {
		if dropped[i] {
			continue
		}
		for j := i + 1; j < len(sections); j++ {
			if dropped[j] {
				continue
			}
			if jaccard(tokens[i], tokens[j]) > 0.8 {
				if sections[j].Relevance > sections[i].Relevance {
					dropped[i] = true
					break
				}
				dropped[j] = true
			}
		}
	}

	out := make([]Section, 0, len(sections))
	for i, s := range sections {
		if !dropped[i] {
			out = append(out, s)
		}
	}
	return out
}

// prioritize scores and sorts sections descending by
// 0.4*relevance + 0.3*type_bonus + 0.2*recency_bonus + 0.1*project_match.
func prioritize(sections []Section, contextType ContextType, projectID string) []Section {
	type scored struct {
		section Section
		score   float64
	}
	scoredSections := make([]scored, len(sections))
	for i, s := range sections {
		score := 0.4*float64(s.Relevance) +
			0.3*typeBonus(contextType, s.DocType) +
			0.2*recencyBonus(s.Metadata) +
			0.1*projectMatch(s.Metadata, projectID)
		scoredSections[i] = scored{section: s, score: score}
	}
	sort.SliceStable(scoredSections, func(i, j int) bool {
		return scoredSections[i].score > scoredSections[j].score
	})
	out := make([]Section, len(scoredSections))
	for i, s := range scoredSections {
		out[i] = s.section
	}
	return out
}

func typeBonus(contextType ContextType, docType string) float64 {
	if contextType == ContextMixed || contextType == "" {
		return 0.5
	}
	if docType == string(contextType) {
		return 1.0
	}
	return 0.3
}

// recencyBonus decays over 90 days from a "created_at" RFC3339 metadata
// field; neutral 0.5 when absent or unparseable.
func recencyBonus(meta map[string]string) float64 {
	raw, ok := meta["created_at"]
	if !ok {
		return 0.5
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0.5
	}
	age := time.Since(t)
	const halfLife = 90 * 24 * time.Hour
	if age <= 0 {
		return 1.0
	}
	decay := 1.0 / (1.0 + float64(age)/float64(halfLife))
	return decay
}

func projectMatch(meta map[string]string, projectID string) float64 {
	if projectID == "" {
		return 0
	}
	if meta["project_id"] == projectID {
		return 1.0
	}
	return 0
}

// fitToBudget walks sections in priority order accumulating whole
// sections under budget-sectionReserve, then truncates at most one more
// section at a sentence boundary if meaningful room remains, per
// step 4.
func fitToBudget(sections []Section, budget int) []Section {
	if budget <= 0 {
		return sections
	}
	limit := budget - sectionReserve
	if limit < 0 {
		limit = 0
	}

	var out []Section
	used := 0
	for _, s := range sections {
		if used+s.Tokens <= limit {
			out = append(out, s)
			used += s.Tokens
			continue
		}
		remaining := budget - used
		if remaining > 100 && float64(remaining) < 0.1*float64(budget) {
			truncated := truncateAtSentence(s.Content, remaining)
			if truncated != "" {
				tc := s
				tc.Content = truncated
				tc.Tokens = countTokens(truncated)
				out = append(out, tc)
				used += tc.Tokens
			}
		}
		break
	}
	return out
}

// truncateAtSentence cuts content to fit within maxTokens, breaking on
// the last sentence boundary before the cut and appending an ellipsis.
func truncateAtSentence(content string, maxTokens int) string {
	if countTokens(content) <= maxTokens {
		return content
	}
	// Binary-search-free approximation: shrink by characters proportional
	// to the token/char ratio observed on the full string, then snap back
	// to a sentence boundary.
	ratio := float64(len(content)) / float64(countTokens(content))
	cut := int(float64(maxTokens) * ratio)
	if cut <= 0 || cut >= len(content) {
		cut = len(content)
	}
	candidate := content[:cut]

	lastBoundary := -1
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if idx := strings.LastIndex(candidate, sep); idx > lastBoundary {
			lastBoundary = idx + len(sep) - 1
		}
	}
	if lastBoundary > 0 {
		candidate = candidate[:lastBoundary+1]
	}
	candidate = strings.TrimRight(candidate, " \n")
	if candidate == "" {
		return ""
	}
	return candidate + " …"
}

// format renders fitted sections via the template matching contextType,
// or groups by doc_type heading for mixed step 5.
func format(sections []Section, contextType ContextType) string {
	if contextType == ContextMixed {
		return formatMixed(sections)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", templateHeading(contextType))
	for _, s := range sections {
		fmt.Fprintf(&b, "### %s\n%s\n\n", s.Title, s.Content)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func templateHeading(contextType ContextType) string {
	switch contextType {
	case ContextStoryBible:
		return "## Story Bible"
	case ContextCharacterProfiles:
		return "## Character Profiles"
	case ContextWorldBuilding:
		return "## World Building"
	case ContextPlotGuidelines:
		return "## Plot Guidelines"
	case ContextStyleGuide:
		return "## Style Guide"
	default:
		return "## Context"
	}
}

func formatMixed(sections []Section) string {
	groups := make(map[string][]Section)
	var order []string
	for _, s := range sections {
		docType := s.DocType
		if docType == "" {
			docType = "general"
		}
		if _, seen := groups[docType]; !seen {
			order = append(order, docType)
		}
		groups[docType] = append(groups[docType], s)
	}

	var b strings.Builder
	b.WriteString("## Context\n\n")
	for _, docType := range order {
		fmt.Fprintf(&b, "### %s\n\n", docType)
		for _, s := range groups[docType] {
			fmt.Fprintf(&b, "#### %s\n%s\n\n", s.Title, s.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
