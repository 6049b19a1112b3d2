package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"evermem/internal/llm"
	"evermem/internal/memtypes"
	"evermem/internal/vectorize"
)

const (
	// eventTimeDelta bounds how far a derived event timestamp may drift from
	// its parent episode; out-of-range values are clamped.
	eventTimeDelta = 7 * 24 * time.Hour
	// maxDurationDays is the sanity ceiling for semantic memory durations.
	maxDurationDays = 36500
)

// Extractor derives atomic events, semantic memories, and profile deltas
// from a freshly promoted episode. Each stream is an independent LLM call
// with its own response shape; single records failing validation are dropped
// without failing the batch.
type Extractor struct {
	llm         llm.Completer
	vec         vectorize.Vectorizer
	temperature float64
	maxTokens   int
}

// New builds an Extractor.
func New(completer llm.Completer, vec vectorize.Vectorizer, temperature float64, maxTokens int) *Extractor {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Extractor{llm: completer, vec: vec, temperature: temperature, maxTokens: maxTokens}
}

type atomicEventsResp struct {
	Events []struct {
		AtomicFact   string   `json:"atomic_fact"`
		EventType    string   `json:"event_type"`
		Timestamp    string   `json:"timestamp"`
		Participants []string `json:"participants"`
		Evidence     string   `json:"evidence"`
	} `json:"events"`
}

// AtomicEvents extracts self-contained factual clauses from the episode.
func (e *Extractor) AtomicEvents(ctx context.Context, cell memtypes.MemCell) ([]memtypes.AtomicEvent, error) {
	var resp atomicEventsResp
	_, err := e.llm.Complete(ctx, llm.Request{
		System:      atomicEventsSystem,
		Prompt:      atomicEventsPrompt(cell),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		Out:         &resp,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]memtypes.AtomicEvent, 0, len(resp.Events))
	texts := make([]string, 0, len(resp.Events))
	for _, ev := range resp.Events {
		fact := strings.TrimSpace(ev.AtomicFact)
		if fact == "" {
			log.Debug().Str("event_id", cell.EventID).Msg("atomic_event_dropped_empty_fact")
			continue
		}
		ts := clampTime(parseLooseTime(ev.Timestamp, cell.Timestamp), cell.Timestamp, eventTimeDelta)
		participants := ev.Participants
		if len(participants) == 0 {
			participants = cell.Participants
		}
		out = append(out, memtypes.AtomicEvent{
			LogID:         uuid.NewString(),
			ParentEventID: cell.EventID,
			UserID:        cell.UserID,
			GroupID:       cell.GroupID,
			Participants:  participants,
			EventType:     strings.TrimSpace(ev.EventType),
			Timestamp:     ts,
			AtomicFact:    fact,
			Evidence:      strings.TrimSpace(ev.Evidence),
			CreatedAt:     now,
		})
		texts = append(texts, fact)
	}
	if err := e.embedEvents(ctx, out, texts); err != nil {
		return nil, err
	}
	return out, nil
}

type semanticResp struct {
	Memories []struct {
		Content      string `json:"content"`
		Evidence     string `json:"evidence"`
		StartTime    string `json:"start_time"`
		EndTime      string `json:"end_time"`
		DurationDays int    `json:"duration_days"`
	} `json:"memories"`
}

// SemanticMemories extracts generalized propositions with validity
// intervals. Records with start_time after end_time are dropped; negative
// durations clamp to zero and oversized ones clip to the ceiling.
func (e *Extractor) SemanticMemories(ctx context.Context, cell memtypes.MemCell) ([]memtypes.SemanticMemory, error) {
	var resp semanticResp
	_, err := e.llm.Complete(ctx, llm.Request{
		System:      semanticSystem,
		Prompt:      semanticPrompt(cell),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		Out:         &resp,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	userID := cell.UserID
	if userID == "" && len(cell.Participants) == 1 {
		userID = cell.Participants[0]
	}
	out := make([]memtypes.SemanticMemory, 0, len(resp.Memories))
	texts := make([]string, 0, len(resp.Memories))
	for _, m := range resp.Memories {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		start := parseLooseTime(m.StartTime, cell.Timestamp)
		var end *time.Time
		if strings.TrimSpace(m.EndTime) != "" {
			t := parseLooseTime(m.EndTime, cell.Timestamp)
			end = &t
		}
		if end != nil && start.After(*end) {
			log.Debug().Str("event_id", cell.EventID).Str("content", content).
				Msg("semantic_memory_dropped_inverted_interval")
			continue
		}
		days := m.DurationDays
		if days < 0 {
			days = 0
		}
		if days > maxDurationDays {
			log.Warn().Int("duration_days", m.DurationDays).Msg("semantic_memory_duration_clipped")
			days = maxDurationDays
		}
		out = append(out, memtypes.SemanticMemory{
			MemoryID:      uuid.NewString(),
			ParentEventID: cell.EventID,
			UserID:        userID,
			GroupID:       cell.GroupID,
			Content:       content,
			Evidence:      strings.TrimSpace(m.Evidence),
			StartTime:     start,
			EndTime:       end,
			DurationDays:  days,
			CreatedAt:     now,
		})
		texts = append(texts, content)
	}
	if err := e.embedSemantics(ctx, out, texts); err != nil {
		return nil, err
	}
	return out, nil
}

type profileDeltasResp struct {
	Deltas []struct {
		UserID   string `json:"user_id"`
		Category string `json:"category"`
		Value    string `json:"value"`
		Evidence string `json:"evidence"`
	} `json:"deltas"`
}

// ProfileDeltas extracts per-user trait updates. Deltas for users outside
// the episode's participants are dropped: a delta the conversation cannot
// support is an extraction artifact.
func (e *Extractor) ProfileDeltas(ctx context.Context, cell memtypes.MemCell) ([]memtypes.ProfileDelta, error) {
	var resp profileDeltasResp
	_, err := e.llm.Complete(ctx, llm.Request{
		System:      profileDeltasSystem,
		Prompt:      profileDeltasPrompt(cell),
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		Out:         &resp,
	})
	if err != nil {
		return nil, err
	}
	participant := map[string]bool{}
	for _, p := range cell.Participants {
		participant[p] = true
	}
	out := make([]memtypes.ProfileDelta, 0, len(resp.Deltas))
	for _, d := range resp.Deltas {
		if strings.TrimSpace(d.Category) == "" || strings.TrimSpace(d.Value) == "" {
			continue
		}
		if !participant[d.UserID] {
			log.Debug().Str("user_id", d.UserID).Msg("profile_delta_dropped_non_participant")
			continue
		}
		out = append(out, memtypes.ProfileDelta{
			UserID:   d.UserID,
			Category: strings.TrimSpace(d.Category),
			Value:    strings.TrimSpace(d.Value),
			Evidence: strings.TrimSpace(d.Evidence),
		})
	}
	return out, nil
}

func (e *Extractor) embedEvents(ctx context.Context, events []memtypes.AtomicEvent, texts []string) error {
	if len(events) == 0 {
		return nil
	}
	vecs, err := e.vec.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i := range events {
		events[i].Embedding = vecs[i]
	}
	return nil
}

func (e *Extractor) embedSemantics(ctx context.Context, mems []memtypes.SemanticMemory, texts []string) error {
	if len(mems) == 0 {
		return nil
	}
	vecs, err := e.vec.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i := range mems {
		mems[i].Embedding = vecs[i]
	}
	return nil
}

// parseLooseTime accepts RFC3339, date-only, and year-month forms; anything
// else falls back to the episode timestamp.
func parseLooseTime(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func clampTime(t, center time.Time, delta time.Duration) time.Time {
	lo, hi := center.Add(-delta), center.Add(delta)
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}

func formatMessages(msgs []memtypes.PendingMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), name, m.Content)
	}
	return b.String()
}
