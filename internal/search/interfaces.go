package search

import (
	"context"
	"time"

	"evermem/internal/memtypes"
)

// Doc is the indexable projection of a derived record. The same logical
// schema is shared by every data source and discriminated by Type, so queries
// can target one index or fuse across them.
type Doc struct {
	ID            string
	Type          memtypes.DataSource
	UserID        string
	GroupID       string
	Participants  []string
	Timestamp     time.Time
	Content       string   // primary display text
	SearchContent []string // tokenized text the lexical backend analyses
	Metadata      map[string]string
}

// Filter narrows a search. Zero values mean "no constraint". PersonalOnly
// additionally requires GroupID to be absent on the record, which is how
// strictly user-scoped retrieval is expressed.
type Filter struct {
	Type         memtypes.DataSource
	UserID       string
	PersonalOnly bool
	GroupID      string
	Participant  string
	From         *time.Time
	To           *time.Time
}

// Hit is a single scored result.
type Hit struct {
	ID    string
	Score float64
	Doc   Doc
}

// LexicalIndex is the multi-term lexical (BM25-style) retrieval capability.
// Refresh forces subsequent reads to observe prior writes; backends without
// a visibility gap implement it as a no-op.
type LexicalIndex interface {
	BulkIndex(ctx context.Context, docs []Doc) error
	Search(ctx context.Context, query string, f Filter, limit int) ([]Hit, error)
	Remove(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
}

// VectorIndex is the cosine-ANN retrieval capability. radius > 0 drops
// results whose similarity falls below it.
type VectorIndex interface {
	Upsert(ctx context.Context, doc Doc, vector []float32) error
	Search(ctx context.Context, vector []float32, f Filter, limit int, radius float64) ([]Hit, error)
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context) error
}
