package vectorize

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Hashing is a local, dependency-free vectorizer: tokens are feature-hashed
// into a fixed-dimension bag and L2-normalized. It is deterministic, which
// makes it suitable for tests and for development without an embeddings
// endpoint. It is not a substitute for a learned model in production.
type Hashing struct {
	Dim int
}

// NewHashing returns a hashing vectorizer of the given dimension.
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = 256
	}
	return &Hashing{Dim: dim}
}

func (h *Hashing) Name() string    { return "hashing-v1" }
func (h *Hashing) Dimensions() int { return h.Dim }

func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.Dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()[]")
		if tok == "" {
			continue
		}
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		idx := int(sum % uint32(h.Dim))
		// Alternate sign from a high bit so common tokens do not all pile up
		// in the positive direction.
		if sum&0x80000000 != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
