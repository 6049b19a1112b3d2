package search

import (
	"context"
	"math"
	"testing"
	"time"

	"evermem/internal/memtypes"
)

var base = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %v", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: %v", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 0}); got != 0 {
		t.Fatalf("zero vector must score 0, got %v", got)
	}
}

func TestMemoryLexicalRanksByOverlapAndRecency(t *testing.T) {
	lex := NewMemoryLexical()
	ctx := context.Background()
	err := lex.BulkIndex(ctx, []Doc{
		{ID: "d1", Timestamp: base, Content: "berlin trip", SearchContent: []string{"berlin", "trip"}},
		{ID: "d2", Timestamp: base.Add(time.Hour), Content: "berlin trip plans", SearchContent: []string{"berlin", "trip", "plans"}},
		{ID: "d3", Timestamp: base, Content: "cooking", SearchContent: []string{"cooking"}},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	hits, err := lex.Search(ctx, "berlin trip plans", Filter{}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("cooking doc must not match, got %d hits", len(hits))
	}
	if hits[0].ID != "d2" {
		t.Fatalf("doc with more matching terms must rank first")
	}
	for i := 1; i < len(hits); i++ {
		if hits[i].Score > hits[i-1].Score {
			t.Fatalf("scores not non-increasing")
		}
	}
}

func TestMemoryVectorRadiusFilter(t *testing.T) {
	vec := NewMemoryVector()
	ctx := context.Background()
	_ = vec.Upsert(ctx, Doc{ID: "close", Timestamp: base}, []float32{1, 0})
	_ = vec.Upsert(ctx, Doc{ID: "far", Timestamp: base}, []float32{0, 1})

	hits, err := vec.Search(ctx, []float32{1, 0}, Filter{}, 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "close" {
		t.Fatalf("radius must drop low-similarity hits: %+v", hits)
	}
}

func TestFilterScopes(t *testing.T) {
	docs := []Doc{
		{ID: "personal", Type: memtypes.SourceSemanticMemory, UserID: "alice", Timestamp: base},
		{ID: "group", Type: memtypes.SourceEpisode, GroupID: "g", Participants: []string{"alice"}, Timestamp: base},
		{ID: "other", Type: memtypes.SourceSemanticMemory, UserID: "bob", Timestamp: base},
	}
	cases := []struct {
		name string
		f    Filter
		want map[string]bool
	}{
		{"personal", Filter{UserID: "alice", PersonalOnly: true}, map[string]bool{"personal": true}},
		{"group", Filter{GroupID: "g"}, map[string]bool{"group": true}},
		{"participant", Filter{Participant: "alice"}, map[string]bool{"group": true}},
		{"type", Filter{Type: memtypes.SourceSemanticMemory}, map[string]bool{"personal": true, "other": true}},
	}
	for _, c := range cases {
		for _, d := range docs {
			got := matchFilter(d, c.f)
			if got != c.want[d.ID] {
				t.Fatalf("%s: doc %s match=%v, want %v", c.name, d.ID, got, c.want[d.ID])
			}
		}
	}
}

func TestFilterTimeRange(t *testing.T) {
	from := base.Add(-time.Hour)
	to := base.Add(time.Hour)
	d := Doc{ID: "x", Timestamp: base}
	if !matchFilter(d, Filter{From: &from, To: &to}) {
		t.Fatalf("in-range doc must match")
	}
	early := base.Add(-2 * time.Hour)
	d.Timestamp = early
	if matchFilter(d, Filter{From: &from, To: &to}) {
		t.Fatalf("out-of-range doc must not match")
	}
}
