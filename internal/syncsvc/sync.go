package syncsvc

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"evermem/internal/memtypes"
	"evermem/internal/search"
)

// Result reports which indexes accepted a record. Partial failure is not an
// error at this level; the caller decides whether to surface or reconcile.
type Result struct {
	ID      string
	Lexical bool
	Vector  bool
	LexErr  error
	VecErr  error
}

// Ok reports whether both indexes accepted the record.
func (r Result) Ok() bool { return r.Lexical && r.Vector }

// Service pushes derived records to the lexical and vector indexes. Writes
// to the two backends run concurrently; a refresh can be requested so
// subsequent reads observe them.
type Service struct {
	lex search.LexicalIndex
	vec search.VectorIndex
}

// New wires a Service.
func New(lex search.LexicalIndex, vec search.VectorIndex) *Service {
	return &Service{lex: lex, vec: vec}
}

// SyncMemCell indexes an episode.
func (s *Service) SyncMemCell(ctx context.Context, cell memtypes.MemCell) Result {
	doc := search.Doc{
		ID:            cell.EventID,
		Type:          memtypes.SourceEpisode,
		UserID:        cell.UserID,
		GroupID:       cell.GroupID,
		Participants:  cell.Participants,
		Timestamp:     cell.Timestamp,
		Content:       cell.Episode,
		SearchContent: episodeTokens(cell),
		Metadata: map[string]string{
			"subject": cell.Subject,
			"summary": cell.Summary,
		},
	}
	return s.write(ctx, doc, cell.Embedding)
}

// SyncEvent indexes an atomic event.
func (s *Service) SyncEvent(ctx context.Context, ev memtypes.AtomicEvent) Result {
	doc := search.Doc{
		ID:            ev.LogID,
		Type:          memtypes.SourceEventLog,
		UserID:        ev.UserID,
		GroupID:       ev.GroupID,
		Participants:  ev.Participants,
		Timestamp:     ev.Timestamp,
		Content:       ev.AtomicFact,
		SearchContent: Tokenize(ev.AtomicFact),
		Metadata: map[string]string{
			"parent_event_id": ev.ParentEventID,
			"event_type":      ev.EventType,
		},
	}
	return s.write(ctx, doc, ev.Embedding)
}

// SyncSemantic indexes a semantic memory.
func (s *Service) SyncSemantic(ctx context.Context, m memtypes.SemanticMemory) Result {
	md := map[string]string{
		"parent_event_id": m.ParentEventID,
		"start_time":      m.StartTime.Format("2006-01-02"),
	}
	if m.EndTime != nil {
		md["end_time"] = m.EndTime.Format("2006-01-02")
	}
	doc := search.Doc{
		ID:            m.MemoryID,
		Type:          memtypes.SourceSemanticMemory,
		UserID:        m.UserID,
		GroupID:       m.GroupID,
		Timestamp:     m.StartTime,
		Content:       m.Content,
		SearchContent: Tokenize(m.Content + " " + m.Evidence),
		Metadata:      md,
	}
	return s.write(ctx, doc, m.Embedding)
}

func (s *Service) write(ctx context.Context, doc search.Doc, embedding []float32) Result {
	res := Result{ID: doc.ID}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.lex.BulkIndex(ctx, []search.Doc{doc}); err != nil {
			res.LexErr = err
		} else {
			res.Lexical = true
		}
	}()
	go func() {
		defer wg.Done()
		if len(embedding) == 0 {
			res.VecErr = errNoEmbedding
			return
		}
		if err := s.vec.Upsert(ctx, doc, embedding); err != nil {
			res.VecErr = err
		} else {
			res.Vector = true
		}
	}()
	wg.Wait()
	if !res.Ok() {
		log.Warn().Str("id", doc.ID).Str("type", string(doc.Type)).
			Bool("lexical", res.Lexical).Bool("vector", res.Vector).
			AnErr("lex_err", res.LexErr).AnErr("vec_err", res.VecErr).
			Msg("index_sync_partial")
	}
	return res
}

var errNoEmbedding = &noEmbeddingError{}

type noEmbeddingError struct{}

func (*noEmbeddingError) Error() string { return "record has no embedding" }

// Refresh forces visibility on both indexes.
func (s *Service) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.lex.Refresh(ctx) })
	g.Go(func() error { return s.vec.Refresh(ctx) })
	return g.Wait()
}

// Remove deletes a record from both indexes; used when a cancelled task
// rolls back its writes.
func (s *Service) Remove(ctx context.Context, id string) {
	if err := s.lex.Remove(ctx, id); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("lexical_remove_failed")
	}
	if err := s.vec.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("vector_remove_failed")
	}
}

func episodeTokens(cell memtypes.MemCell) []string {
	parts := []string{cell.Subject, cell.Summary}
	episode := cell.Episode
	if len(episode) > 500 {
		episode = episode[:500]
	}
	parts = append(parts, episode)
	return Tokenize(strings.Join(parts, " "))
}
