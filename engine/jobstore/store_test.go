package jobstore

import "testing"

func TestJoinSet_CommaJoinsAssignments(t *testing.T) {
	got := joinSet([]string{"state = $3", "updated_at = now()", "step = $4"})
	want := "state = $3, updated_at = now(), step = $4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestJoinSet_SingleElementReturnsUnchanged(t *testing.T) {
	got := joinSet([]string{"state = $3"})
	if got != "state = $3" {
		t.Errorf("got %q", got)
	}
}
