package extract_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"evermem/internal/extract"
	"evermem/internal/llm"
	"evermem/internal/memtypes"
	"evermem/internal/vectorize"
)

var base = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func cell() memtypes.MemCell {
	return memtypes.MemCell{
		EventID:      "ep1",
		GroupID:      "",
		UserID:       "alice",
		Participants: []string{"alice"},
		Timestamp:    base,
		Subject:      "life updates",
		Summary:      "Alice shares where she lives and what she eats.",
		Episode:      "Alice said she lived in Paris, moved to Berlin in June 2024, and loves pho.",
		OriginalData: []memtypes.PendingMessage{
			{MessageID: "m1", SenderID: "alice", Content: "I live in Paris.", CreatedAt: base},
			{MessageID: "m2", SenderID: "alice", Content: "I moved to Berlin in June 2024.", CreatedAt: base.Add(time.Second)},
			{MessageID: "m3", SenderID: "alice", Content: "My favourite food is pho.", CreatedAt: base.Add(2 * time.Second)},
		},
	}
}

func TestSemanticMemoriesRelocationProducesClosedAndOpenIntervals(t *testing.T) {
	resp := `{"memories":[
	  {"content":"lives in Paris","evidence":"I live in Paris.","start_time":"2023-01-01","end_time":"2024-06-01"},
	  {"content":"lives in Berlin","evidence":"I moved to Berlin in June 2024.","start_time":"2024-06-01","end_time":""},
	  {"content":"favourite food: pho","evidence":"My favourite food is pho.","start_time":"2025-01-15"}
	]}`
	ex := extract.New(llm.NewScripted(resp), vectorize.NewHashing(16), 0, 0)

	mems, err := ex.SemanticMemories(context.Background(), cell())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(mems) != 3 {
		t.Fatalf("expected 3 memories, got %d", len(mems))
	}
	byContent := map[string]memtypes.SemanticMemory{}
	for _, m := range mems {
		byContent[m.Content] = m
		if m.ParentEventID != "ep1" || m.UserID != "alice" {
			t.Fatalf("lineage fields not inherited: %+v", m)
		}
		if len(m.Embedding) == 0 {
			t.Fatalf("memory missing embedding")
		}
		if m.EndTime != nil && m.StartTime.After(*m.EndTime) {
			t.Fatalf("start after end: %+v", m)
		}
	}
	paris := byContent["lives in Paris"]
	if paris.EndTime == nil || paris.EndTime.After(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Paris residency must close by June 2024: %+v", paris)
	}
	berlin := byContent["lives in Berlin"]
	if berlin.EndTime != nil {
		t.Fatalf("Berlin residency must be open-ended")
	}
	if !berlin.StartTime.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("Berlin start: %v", berlin.StartTime)
	}
}

func TestSemanticMemoriesDropInvertedIntervalAndClampDuration(t *testing.T) {
	resp := `{"memories":[
	  {"content":"bad interval","evidence":"x","start_time":"2025-01-01","end_time":"2024-01-01"},
	  {"content":"negative duration","evidence":"x","start_time":"2024-01-01","duration_days":-5},
	  {"content":"absurd duration","evidence":"x","start_time":"2024-01-01","duration_days":99999999}
	]}`
	ex := extract.New(llm.NewScripted(resp), vectorize.NewHashing(16), 0, 0)
	mems, err := ex.SemanticMemories(context.Background(), cell())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("inverted interval must be dropped, batch kept: got %d", len(mems))
	}
	for _, m := range mems {
		if m.DurationDays < 0 || m.DurationDays > 36500 {
			t.Fatalf("duration not clamped: %d", m.DurationDays)
		}
	}
}

func TestAtomicEventsInheritLineageAndClampTimestamps(t *testing.T) {
	resp := `{"events":[
	  {"atomic_fact":"Alice moved to Berlin","event_type":"relocation","timestamp":"2019-01-01","evidence":"I moved to Berlin in June 2024."},
	  {"atomic_fact":"","event_type":"noise"}
	]}`
	ex := extract.New(llm.NewScripted(resp), vectorize.NewHashing(16), 0, 0)
	events, err := ex.AtomicEvents(context.Background(), cell())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("empty fact must be dropped, got %d events", len(events))
	}
	ev := events[0]
	if ev.ParentEventID != "ep1" {
		t.Fatalf("parent not set")
	}
	delta := ev.Timestamp.Sub(base)
	if delta < -7*24*time.Hour || delta > 7*24*time.Hour {
		t.Fatalf("timestamp outside the allowed window of the episode: %v", ev.Timestamp)
	}
	if len(ev.Embedding) == 0 {
		t.Fatalf("event missing embedding")
	}
}

func TestProfileDeltasDropNonParticipants(t *testing.T) {
	resp := `{"deltas":[
	  {"user_id":"alice","category":"location","value":"Berlin","evidence":"I moved to Berlin in June 2024."},
	  {"user_id":"mallory","category":"location","value":"Unknown","evidence":"?"}
	]}`
	ex := extract.New(llm.NewScripted(resp), vectorize.NewHashing(16), 0, 0)
	deltas, err := ex.ProfileDeltas(context.Background(), cell())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(deltas) != 1 || deltas[0].UserID != "alice" {
		t.Fatalf("non-participant delta must be dropped: %+v", deltas)
	}
}

func TestTagEntitiesDeduplicates(t *testing.T) {
	ents := extract.TagEntities("Alice met Bob in Berlin. Later Alice flew home from Berlin.")
	seen := map[string]int{}
	for _, e := range ents {
		seen[strings.ToLower(e)]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Fatalf("entity %q appears %d times", name, n)
		}
	}
}
