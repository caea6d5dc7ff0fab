package app

import (
	"testing"

	"github.com/dkeye/voicerelay/internal/domain"
)

func TestCallHistoryOverwritesOldest(t *testing.T) {
	h := NewCallHistory(2)
	for _, id := range []domain.CallID{"a", "b", "c"} {
		h.Push(domain.Call{ID: id, State: domain.CallEnded})
	}

	got := h.Snapshot()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("snapshot = %+v", got)
	}
	if _, ok := h.Find("a"); ok {
		t.Fatal("oldest call must be evicted")
	}
	if c, ok := h.Find("c"); !ok || c.State != domain.CallEnded {
		t.Fatalf("find c = %+v, %v", c, ok)
	}
	if h.Len() != 2 {
		t.Fatalf("len = %d", h.Len())
	}
}
