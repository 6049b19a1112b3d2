package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryLexical is an in-memory lexical index with term-overlap scoring. It
// backs tests and single-node development; ordering matches the contract of
// the real backend (score desc, recency desc).
type MemoryLexical struct {
	mu   sync.RWMutex
	docs map[string]memDoc

	// FailWrites makes every write return ErrInjected; tests use it to
	// exercise partial-sync handling.
	FailWrites bool
}

type memDoc struct {
	doc    Doc
	tokens map[string]int
}

// ErrInjected is returned by the memory backends when failure injection is on.
var ErrInjected = &injectedError{}

type injectedError struct{}

func (*injectedError) Error() string { return "injected backend failure" }

// NewMemoryLexical returns an empty in-memory lexical index.
func NewMemoryLexical() *MemoryLexical {
	return &MemoryLexical{docs: map[string]memDoc{}}
}

func (m *MemoryLexical) BulkIndex(_ context.Context, docs []Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrInjected
	}
	for _, d := range docs {
		tokens := map[string]int{}
		for _, t := range d.SearchContent {
			tokens[strings.ToLower(t)]++
		}
		m.docs[d.ID] = memDoc{doc: d, tokens: tokens}
	}
	return nil
}

func (m *MemoryLexical) Search(_ context.Context, query string, f Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Document frequency per term, for a smoothed idf weight.
	df := map[string]int{}
	for _, d := range m.docs {
		for _, t := range terms {
			if d.tokens[t] > 0 {
				df[t]++
			}
		}
	}
	n := len(m.docs)

	hits := make([]Hit, 0)
	for _, d := range m.docs {
		if !matchFilter(d.doc, f) {
			continue
		}
		var score float64
		for _, t := range terms {
			tf := d.tokens[t]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + float64(n)/float64(1+df[t]))
			score += (1 + math.Log(float64(tf))) * idf
		}
		if score > 0 {
			hits = append(hits, Hit{ID: d.doc.ID, Score: score, Doc: d.doc})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc.Timestamp.After(hits[j].Doc.Timestamp)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryLexical) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *MemoryLexical) Refresh(context.Context) error { return nil }

// Len reports the number of indexed docs.
func (m *MemoryLexical) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// MemoryVector is an in-memory brute-force cosine index.
type MemoryVector struct {
	mu      sync.RWMutex
	docs    map[string]Doc
	vectors map[string][]float32

	FailWrites bool
}

// NewMemoryVector returns an empty in-memory vector index.
func NewMemoryVector() *MemoryVector {
	return &MemoryVector{docs: map[string]Doc{}, vectors: map[string][]float32{}}
}

func (m *MemoryVector) Upsert(_ context.Context, doc Doc, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return ErrInjected
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	m.docs[doc.ID] = doc
	m.vectors[doc.ID] = vec
	return nil
}

func (m *MemoryVector) Search(_ context.Context, vector []float32, f Filter, limit int, radius float64) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]Hit, 0)
	for id, vec := range m.vectors {
		doc := m.docs[id]
		if !matchFilter(doc, f) {
			continue
		}
		score := Cosine(vector, vec)
		if radius > 0 && score < radius {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Doc: doc})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc.Timestamp.After(hits[j].Doc.Timestamp)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryVector) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.vectors, id)
	return nil
}

func (m *MemoryVector) Refresh(context.Context) error { return nil }

// Len reports the number of indexed vectors.
func (m *MemoryVector) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func matchFilter(d Doc, f Filter) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if f.PersonalOnly && d.GroupID != "" {
		return false
	}
	if !f.PersonalOnly && f.GroupID != "" && d.GroupID != f.GroupID {
		return false
	}
	if f.Participant != "" {
		found := false
		for _, p := range d.Participants {
			if p == f.Participant {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && d.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && d.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Cosine computes cosine similarity; zero vectors score 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
