package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/search"
	"evermem/internal/vectorize"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeBM25      Mode = "bm25"
	ModeEmbedding Mode = "embedding"
	ModeRRF       Mode = "rrf"
)

// Scope narrows results to the caller's view.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopePersonal Scope = "personal"
	ScopeGroup    Scope = "group"
)

// Query is one lightweight retrieval request.
type Query struct {
	Text              string
	Source            memtypes.DataSource
	Mode              Mode
	Scope             Scope
	UserID            string
	GroupID           string
	ParticipantUserID string
	TopK              int
	From              *time.Time
	To                *time.Time
	// Radius drops embedding results with cosine below it; 0 disables.
	Radius float64
}

// Provenance records which backend produced a result and at what rank.
type Provenance struct {
	Backend string  `json:"backend"`
	Rank    int     `json:"rank"`
	Score   float64 `json:"score"`
}

// Record is one retrieval result.
type Record struct {
	ID         string              `json:"id"`
	Type       memtypes.DataSource `json:"type"`
	Content    string              `json:"content"`
	UserID     string              `json:"user_id,omitempty"`
	GroupID    string              `json:"group_id,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Score      float64             `json:"score"`
	Metadata   map[string]string   `json:"metadata,omitempty"`
	Provenance []Provenance        `json:"provenance,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	Mode               Mode     `json:"mode"`
	DegradedBackends   []string `json:"degraded_backends,omitempty"`
	IsMultiRound       bool     `json:"is_multi_round,omitempty"`
	IsSufficient       *bool    `json:"is_sufficient,omitempty"`
	Reasoning          string   `json:"reasoning,omitempty"`
	MissingInformation []string `json:"missing_information,omitempty"`
	RefinedQueries     []string `json:"refined_queries,omitempty"`
	Round1Count        int      `json:"round1_count,omitempty"`
	Round2Count        int      `json:"round2_count,omitempty"`
	DeadlineExpired    bool     `json:"deadline_expired,omitempty"`
	TotalLatencyMS     int64    `json:"total_latency_ms"`
}

// Response pairs results with their production metadata.
type Response struct {
	Memories []Record `json:"memories"`
	Metadata Metadata `json:"metadata"`
}

// Config tunes the engine.
type Config struct {
	// RRFRankConstant is k0 in score(d) = sum 1/(k0 + rank).
	RRFRankConstant int
	DefaultTopK     int
	MaxRounds       int
}

// Engine is the data-source-parameterized query engine over the lexical and
// vector indexes.
type Engine struct {
	lex search.LexicalIndex
	vec search.VectorIndex
	vz  vectorize.Vectorizer
	cfg Config
}

// New wires an Engine.
func New(lex search.LexicalIndex, vec search.VectorIndex, vz vectorize.Vectorizer, cfg Config) *Engine {
	if cfg.RRFRankConstant <= 0 {
		cfg.RRFRankConstant = 60
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 2
	}
	return &Engine{lex: lex, vec: vec, vz: vz, cfg: cfg}
}

// Retrieve executes one lightweight retrieval.
func (e *Engine) Retrieve(ctx context.Context, q Query) (Response, error) {
	start := time.Now()
	if q.Text == "" {
		return Response{}, memerr.InvalidInput("retrieval.retrieve", "query text is required")
	}
	if q.Source != "" && !q.Source.Valid() {
		return Response{}, memerr.InvalidInput("retrieval.retrieve", "unknown data source %q", q.Source)
	}
	topK := q.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	filter, err := e.filterFor(q)
	if err != nil {
		return Response{}, err
	}

	var records []Record
	var degraded []string
	switch q.Mode {
	case ModeBM25, "":
		records, err = e.lexical(ctx, q.Text, filter, topK)
		if err != nil {
			return Response{}, err
		}
	case ModeEmbedding:
		records, err = e.vector(ctx, q.Text, filter, topK, q.Radius)
		if err != nil {
			return Response{}, err
		}
	case ModeRRF:
		records, degraded, err = e.fused(ctx, q.Text, filter, topK, q.Radius)
		if err != nil {
			return Response{}, err
		}
	default:
		return Response{}, memerr.InvalidInput("retrieval.retrieve", "unknown mode %q", q.Mode)
	}

	if len(records) > topK {
		records = records[:topK]
	}
	mode := q.Mode
	if mode == "" {
		mode = ModeBM25
	}
	return Response{
		Memories: records,
		Metadata: Metadata{
			Mode:             mode,
			DegradedBackends: degraded,
			TotalLatencyMS:   time.Since(start).Milliseconds(),
		},
	}, nil
}

// filterFor rewrites the scope descriptor into index filters. Personal scope
// is strictly user-scoped (group episodes are excluded even when the user
// participated); ParticipantUserID is the separate knob for that case.
func (e *Engine) filterFor(q Query) (search.Filter, error) {
	f := search.Filter{Type: q.Source, From: q.From, To: q.To, Participant: q.ParticipantUserID}
	switch q.Scope {
	case ScopePersonal:
		if q.UserID == "" {
			return f, memerr.InvalidInput("retrieval.scope", "personal scope requires user_id")
		}
		f.UserID = q.UserID
		f.PersonalOnly = true
	case ScopeGroup:
		if q.GroupID == "" {
			return f, memerr.InvalidInput("retrieval.scope", "group scope requires group_id")
		}
		f.GroupID = q.GroupID
	case ScopeAll, "":
	default:
		return f, memerr.InvalidInput("retrieval.scope", "unknown scope %q", q.Scope)
	}
	return f, nil
}

func (e *Engine) lexical(ctx context.Context, text string, f search.Filter, limit int) ([]Record, error) {
	hits, err := e.lex.Search(ctx, text, f, limit)
	if err != nil {
		return nil, memerr.Transient("retrieval.bm25", err)
	}
	return toRecords(hits, "bm25"), nil
}

func (e *Engine) vector(ctx context.Context, text string, f search.Filter, limit int, radius float64) ([]Record, error) {
	vec, err := e.vz.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	hits, err := e.vec.Search(ctx, vec, f, limit, radius)
	if err != nil {
		return nil, memerr.Transient("retrieval.embedding", err)
	}
	return toRecords(hits, "embedding"), nil
}

// fused runs bm25 and embedding in parallel and fuses via Reciprocal Rank
// Fusion. A single backend failure degrades to the surviving list with a
// flag rather than failing the request.
func (e *Engine) fused(ctx context.Context, text string, f search.Filter, limit int, radius float64) ([]Record, []string, error) {
	// Over-fetch each list so fusion has candidates beyond the final cut.
	fetchK := limit * 2
	if fetchK < 20 {
		fetchK = 20
	}
	var (
		wg       sync.WaitGroup
		lexRecs  []Record
		vecRecs  []Record
		lexErr   error
		vecErr   error
		degraded []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		lexRecs, lexErr = e.lexical(ctx, text, f, fetchK)
	}()
	go func() {
		defer wg.Done()
		vecRecs, vecErr = e.vector(ctx, text, f, fetchK, radius)
	}()
	wg.Wait()

	if lexErr != nil && vecErr != nil {
		return nil, nil, memerr.Transient("retrieval.rrf", lexErr)
	}
	if lexErr != nil {
		degraded = append(degraded, "bm25")
		log.Warn().Err(lexErr).Msg("rrf_lexical_backend_unavailable")
	}
	if vecErr != nil {
		degraded = append(degraded, "embedding")
		log.Warn().Err(vecErr).Msg("rrf_vector_backend_unavailable")
	}

	fused := FuseRRF([][]Record{lexRecs, vecRecs}, e.cfg.RRFRankConstant)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, degraded, nil
}

// FuseRRF combines ranked lists with equal weight: score(d) = sum over lists
// containing d of 1/(k0 + rank). Ties break by the best underlying vector
// score, then recency.
func FuseRRF(lists [][]Record, k0 int) []Record {
	type agg struct {
		rec      Record
		score    float64
		vecScore float64
	}
	byID := map[string]*agg{}
	order := []string{}
	for _, list := range lists {
		for rank, r := range list {
			a, ok := byID[r.ID]
			if !ok {
				a = &agg{rec: r}
				byID[r.ID] = a
				order = append(order, r.ID)
			}
			a.score += 1.0 / float64(k0+rank+1)
			a.rec.Provenance = append(a.rec.Provenance, r.Provenance...)
			for _, p := range r.Provenance {
				if p.Backend == "embedding" && p.Score > a.vecScore {
					a.vecScore = p.Score
				}
			}
		}
	}
	out := make([]Record, 0, len(order))
	for _, id := range order {
		a := byID[id]
		a.rec.Score = a.score
		out = append(out, a.rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := byID[out[i].ID], byID[out[j].ID]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.vecScore != b.vecScore {
			return a.vecScore > b.vecScore
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func toRecords(hits []search.Hit, backend string) []Record {
	out := make([]Record, 0, len(hits))
	for i, h := range hits {
		out = append(out, Record{
			ID:        h.ID,
			Type:      h.Doc.Type,
			Content:   h.Doc.Content,
			UserID:    h.Doc.UserID,
			GroupID:   h.Doc.GroupID,
			Timestamp: h.Doc.Timestamp,
			Score:     h.Score,
			Metadata:  h.Doc.Metadata,
			Provenance: []Provenance{
				{Backend: backend, Rank: i + 1, Score: h.Score},
			},
		})
	}
	return out
}
