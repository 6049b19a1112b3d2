package segment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"evermem/internal/convqueue"
	"evermem/internal/extract"
	"evermem/internal/llm"
	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/store"
	"evermem/internal/vectorize"
)

// Config tunes boundary detection.
type Config struct {
	// MinWindow is the minimum number of messages before detection runs.
	MinWindow int
	// MinSpan is the minimum time covered by the window.
	MinSpan time.Duration
	// MaxPromptTokens bounds the packed prompt; oldest messages are dropped
	// first since they are already visible through the prior episode.
	MaxPromptTokens int
	// Retries is how many times a schema-invalid response is retried with a
	// stricter instruction before surfacing an extraction error.
	Retries     int
	Temperature float64
	MaxTokens   int
}

// Engine decides whether a window of pending messages contains an episode
// boundary and, when it does, promotes the prefix exactly once. The LLM owns
// the topic-coherence judgement; the engine owns structural correctness:
// index bounds, participant subset, monotone timestamps, and the log/queue
// state transitions.
type Engine struct {
	llm   llm.Completer
	vec   vectorize.Vectorizer
	cells store.MemCells
	rlog  store.RequestLog
	queue convqueue.Queue
	cfg   Config
}

// New wires an Engine.
func New(completer llm.Completer, vec vectorize.Vectorizer, cells store.MemCells, rlog store.RequestLog, queue convqueue.Queue, cfg Config) *Engine {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = 3
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 8000
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Engine{llm: completer, vec: vec, cells: cells, rlog: rlog, queue: queue, cfg: cfg}
}

type boundaryResp struct {
	Decision     string   `json:"decision"`
	SplitIndex   int      `json:"split_index"`
	Subject      string   `json:"subject"`
	Summary      string   `json:"summary"`
	Episode      string   `json:"episode"`
	Participants []string `json:"participants"`
	Keywords     []string `json:"keywords"`
}

// Segment runs boundary detection over the window. It returns nil when there
// is no boundary; otherwise it commits the promotion (memcell persisted,
// prefix marked consumed, suffix retained in-window, queue trimmed) and
// returns the new cell. The commit is atomic from the caller's perspective:
// a failure before the memcell insert leaves the log and queue untouched.
// key addresses the conversation queue; groupID is empty for private
// conversations.
func (e *Engine) Segment(ctx context.Context, key, groupID string, window []memtypes.PendingMessage, lastCell *memtypes.MemCell, now time.Time) (*memtypes.MemCell, error) {
	if len(window) < e.cfg.MinWindow {
		return nil, nil
	}
	if e.cfg.MinSpan > 0 && window[len(window)-1].CreatedAt.Sub(window[0].CreatedAt) < e.cfg.MinSpan {
		return nil, nil
	}

	packed := e.pack(window)
	resp, err := e.detect(ctx, packed, lastCell, now)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		// No boundary: the whole window stays under consideration.
		if err := e.markInWindow(ctx, window); err != nil {
			return nil, err
		}
		return nil, nil
	}

	// split_index is 1-based over the packed window.
	offset := len(window) - len(packed)
	split := offset + resp.SplitIndex
	prefix := window[:split]
	suffix := window[split:]

	episodeTime := prefix[len(prefix)-1].CreatedAt
	if lastCell != nil && episodeTime.Before(lastCell.Timestamp) {
		return nil, memerr.Fatal("segment.promote",
			"episode time %s precedes prior memcell %s", episodeTime, lastCell.Timestamp)
	}

	embedding, err := e.vec.Embed(ctx, resp.Episode)
	if err != nil {
		return nil, err
	}

	nowUTC := time.Now().UTC()
	cell := &memtypes.MemCell{
		EventID:        uuid.NewString(),
		GroupID:        groupID,
		Participants:   resp.Participants,
		Timestamp:      episodeTime.UTC(),
		Subject:        resp.Subject,
		Summary:        resp.Summary,
		Episode:        resp.Episode,
		OriginalData:   append([]memtypes.PendingMessage(nil), prefix...),
		Embedding:      embedding,
		EmbeddingModel: e.vec.Name(),
		Type:           "episode",
		Keywords:       resp.Keywords,
		LinkedEntities: extract.TagEntities(resp.Episode),
		CreatedAt:      nowUTC,
		UpdatedAt:      nowUTC,
	}
	if groupID == "" && len(resp.Participants) > 0 {
		cell.UserID = resp.Participants[0]
	}

	if err := e.cells.Insert(ctx, *cell); err != nil {
		return nil, err
	}
	if err := e.rlog.MarkStatus(ctx, messageIDs(prefix), memtypes.SyncConsumed); err != nil {
		return nil, err
	}
	if err := e.rlog.MarkStatus(ctx, messageIDs(suffix), memtypes.SyncInWindow); err != nil {
		return nil, err
	}
	if err := e.queue.RemoveMessages(ctx, key, messageIDs(prefix)); err != nil {
		return nil, err
	}
	log.Info().Str("group_id", groupID).Str("event_id", cell.EventID).
		Int("consumed", len(prefix)).Int("retained", len(suffix)).
		Msg("memcell_promoted")
	return cell, nil
}

// detect calls the LLM up to Retries times; a structurally invalid response
// tightens the prompt and retries, transport errors propagate immediately.
func (e *Engine) detect(ctx context.Context, window []memtypes.PendingMessage, lastCell *memtypes.MemCell, now time.Time) (*boundaryResp, error) {
	prompt := boundaryPrompt(window, lastCell, now)
	var lastErr error
	for attempt := 0; attempt < e.cfg.Retries; attempt++ {
		var resp boundaryResp
		_, err := e.llm.Complete(ctx, llm.Request{
			System:      boundarySystem,
			Prompt:      prompt,
			Temperature: e.cfg.Temperature,
			MaxTokens:   e.cfg.MaxTokens,
			Out:         &resp,
		})
		if err != nil {
			if memerr.KindOf(err) == memerr.KindExtraction {
				lastErr = err
				continue
			}
			return nil, err
		}
		if resp.Decision == "no_boundary" {
			return nil, nil
		}
		if err := validate(resp, window); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("boundary_response_invalid")
			prompt = boundaryPrompt(window, lastCell, now) + "\n\n" + strictAddendum(err)
			continue
		}
		return &resp, nil
	}
	return nil, memerr.Extraction("segment.detect", lastErr)
}

func validate(r boundaryResp, window []memtypes.PendingMessage) error {
	if r.Decision != "boundary" {
		return fmt.Errorf("decision must be boundary or no_boundary, got %q", r.Decision)
	}
	if r.SplitIndex < 1 || r.SplitIndex > len(window) {
		return fmt.Errorf("split_index %d out of range 1..%d", r.SplitIndex, len(window))
	}
	if strings.TrimSpace(r.Subject) == "" || strings.TrimSpace(r.Summary) == "" || strings.TrimSpace(r.Episode) == "" {
		return fmt.Errorf("subject, summary, and episode must be non-empty")
	}
	senders := map[string]bool{}
	for _, m := range window[:r.SplitIndex] {
		senders[m.SenderID] = true
	}
	for _, p := range r.Participants {
		if !senders[p] {
			return fmt.Errorf("participant %q is not a sender of the promoted prefix", p)
		}
	}
	return nil
}

func strictAddendum(err error) string {
	return fmt.Sprintf(`Your previous answer was rejected: %v.
Follow the schema exactly. split_index is 1-based and must not exceed the
message count; participants may only contain sender ids from messages at or
before split_index.`, err)
}

// pack drops the oldest messages while the estimated token count exceeds the
// budget. Dropped history is still visible to the model through the prior
// episode summary.
func (e *Engine) pack(window []memtypes.PendingMessage) []memtypes.PendingMessage {
	for len(window) > e.cfg.MinWindow && estimateTokens(window) > e.cfg.MaxPromptTokens {
		window = window[1:]
	}
	return window
}

func estimateTokens(msgs []memtypes.PendingMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)/4 + 16
	}
	return total
}

func (e *Engine) markInWindow(ctx context.Context, window []memtypes.PendingMessage) error {
	var ids []string
	for _, m := range window {
		if m.SyncStatus != memtypes.SyncInWindow {
			ids = append(ids, m.MessageID)
		}
	}
	return e.rlog.MarkStatus(ctx, ids, memtypes.SyncInWindow)
}

func messageIDs(msgs []memtypes.PendingMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageID
	}
	return out
}
