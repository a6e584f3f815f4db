package dlq

import "testing"

func TestTopKindCounts_OrdersDescendingAndTruncates(t *testing.T) {
	byKind := map[string]int{
		"a": 1, "b": 9, "c": 5, "d": 5, "e": 2,
	}
	got := topKindCounts(byKind, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Kind != "b" || got[0].Count != 9 {
		t.Errorf("expected top entry b:9, got %+v", got[0])
	}
	// c and d tie at 5; tie-break is alphabetical.
	if got[1].Kind != "c" || got[2].Kind != "d" {
		t.Errorf("expected tie-break alphabetical c,d; got %+v, %+v", got[1], got[2])
	}
}

func TestDetectSpike(t *testing.T) {
	noSpike := map[string]int{"2026-07-28": 2, "2026-07-29": 3, "2026-07-30": 2}
	if spike, _, _ := detectSpike(noSpike); spike {
		t.Error("expected no spike for roughly even distribution")
	}

	withSpike := map[string]int{"2026-07-28": 1, "2026-07-29": 1, "2026-07-30": 20}
	spike, mean, max := detectSpike(withSpike)
	if !spike {
		t.Errorf("expected spike, mean=%.2f max=%d", mean, max)
	}
	if max != 20 {
		t.Errorf("expected max=20, got %d", max)
	}
}

func TestRecommendationsFor_ThresholdRules(t *testing.T) {
	report := &TrendReport{
		WindowDays: 7,
		TopKinds:   []KindCount{{Kind: "EmbeddingAPIError", Count: 6}},
		TopProjects: []ProjectCount{
			{ProjectID: "proj-a", Count: 4},
		},
		ByDay: map[string]int{"2026-07-30": 1, "2026-07-31": 1},
	}
	recs := recommendationsFor(report)
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations (kind + project, no spike), got %d: %v", len(recs), recs)
	}
}
