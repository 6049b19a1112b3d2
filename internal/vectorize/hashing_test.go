package vectorize

import (
	"context"
	"math"
	"testing"
)

func TestHashingIsDeterministic(t *testing.T) {
	h := NewHashing(64)
	a, _ := h.Embed(context.Background(), "berlin trip in june")
	b, _ := h.Embed(context.Background(), "berlin trip in june")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same text must embed identically")
		}
	}
}

func TestHashingIsUnitNorm(t *testing.T) {
	h := NewHashing(64)
	v, _ := h.Embed(context.Background(), "some nontrivial text about cooking")
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm = %v, want 1", norm)
	}
}

func TestHashingSimilarTextsScoreHigherThanUnrelated(t *testing.T) {
	h := NewHashing(256)
	ctx := context.Background()
	a, _ := h.Embed(ctx, "planning a trip to berlin in june")
	b, _ := h.Embed(ctx, "our berlin trip is planned for june")
	c, _ := h.Embed(ctx, "recipe for vietnamese pho broth")
	if cos(a, b) <= cos(a, c) {
		t.Fatalf("overlapping texts must be closer than unrelated ones")
	}
}

func cos(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	h := NewHashing(32)
	texts := []string{"first", "second", "third"}
	batch, err := h.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	for i, text := range texts {
		single, _ := h.Embed(context.Background(), text)
		for j := range single {
			if batch[i][j] != single[j] {
				t.Fatalf("batch[%d] differs from single embed of %q", i, text)
			}
		}
	}
}
