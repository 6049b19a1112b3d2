package profile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"evermem/internal/convqueue"
	"evermem/internal/llm"
	"evermem/internal/memtypes"
	"evermem/internal/profile"
	"evermem/internal/store"
)

var base = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

func seedCells(t *testing.T, s store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.MemCells.Insert(context.Background(), memtypes.MemCell{
			EventID:      fmt.Sprintf("e%d", i),
			GroupID:      "g",
			Participants: []string{"alice"},
			Timestamp:    base.Add(time.Duration(i) * time.Hour),
			Subject:      fmt.Sprintf("episode %d", i),
			Summary:      "alice talked about her week",
			Episode:      "narrative",
			CreatedAt:    base,
			UpdatedAt:    base,
		})
		if err != nil {
			t.Fatalf("seed cell: %v", err)
		}
	}
}

const profileJSON = `{"profile":{"location":[{"value":"Berlin","evidences":["I moved to Berlin"]}]}}`

func TestRebuildCreatesFirstVersion(t *testing.T) {
	s := store.NewMemory()
	seedCells(t, s, 3)
	mgr := profile.New(llm.NewScripted(profileJSON), s.Profiles, s.MemCells, convqueue.NewLocalLocker(), profile.Config{})

	if err := mgr.Rebuild(context.Background(), "alice", "g", memtypes.SceneAssistant, nil); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	p, err := s.Profiles.Latest(context.Background(), "alice", "g")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if p.Version != "v001" || !p.IsLatest {
		t.Fatalf("unexpected first version: %+v", p)
	}
	if len(p.Payload["location"]) != 1 {
		t.Fatalf("payload not stored: %+v", p.Payload)
	}
}

func TestRebuildChainsVersions(t *testing.T) {
	s := store.NewMemory()
	seedCells(t, s, 3)
	mgr := profile.New(llm.NewScripted(profileJSON), s.Profiles, s.MemCells, convqueue.NewLocalLocker(), profile.Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := mgr.Rebuild(ctx, "alice", "g", memtypes.SceneAssistant, nil); err != nil {
			t.Fatalf("rebuild %d: %v", i, err)
		}
	}
	history, err := s.Profiles.History(ctx, "alice", "g", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(history))
	}
	latest := 0
	for _, p := range history {
		if p.IsLatest {
			latest++
		}
	}
	if latest != 1 {
		t.Fatalf("exactly one is_latest expected, got %d", latest)
	}
	if !history[0].IsLatest {
		t.Fatalf("max version must hold is_latest")
	}
}

func TestRebuildEmptyPayloadIsExtractionError(t *testing.T) {
	s := store.NewMemory()
	seedCells(t, s, 1)
	mgr := profile.New(llm.NewScripted(`{"profile":{}}`), s.Profiles, s.MemCells, convqueue.NewLocalLocker(), profile.Config{})
	if err := mgr.Rebuild(context.Background(), "alice", "g", memtypes.SceneAssistant, nil); err == nil {
		t.Fatalf("empty payload must fail validation")
	}
	if _, err := s.Profiles.Latest(context.Background(), "alice", "g"); err == nil {
		t.Fatalf("failed rebuild must not write a profile")
	}
}

// Ten concurrent rewrites for the same (user, group): after quiescence the
// latest invariant holds and the surviving payload is one of the produced
// ones.
func TestConcurrentRebuildsKeepLatestInvariant(t *testing.T) {
	s := store.NewMemory()
	seedCells(t, s, 5)
	locker := convqueue.NewLocalLocker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := fmt.Sprintf(`{"profile":{"location":[{"value":"city-%d","evidences":["q"]}]}}`, i)
			mgr := profile.New(llm.NewScripted(resp), s.Profiles, s.MemCells, locker, profile.Config{})
			if err := mgr.Rebuild(ctx, "alice", "g", memtypes.SceneAssistant, nil); err != nil {
				t.Errorf("rebuild %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	history, err := s.Profiles.History(ctx, "alice", "g", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("expected 10 versions, got %d", len(history))
	}
	latestCount := 0
	var latest memtypes.Profile
	for _, p := range history {
		if p.IsLatest {
			latestCount++
			latest = p
		}
	}
	if latestCount != 1 {
		t.Fatalf("exactly one is_latest expected, got %d", latestCount)
	}
	if store.CompareVersions(latest.Version, history[0].Version) != 0 {
		t.Fatalf("is_latest not on the max version")
	}
	traits := latest.Payload["location"]
	if len(traits) != 1 {
		t.Fatalf("unexpected payload: %+v", latest.Payload)
	}
	found := false
	for i := 0; i < 10; i++ {
		if traits[0].Value == fmt.Sprintf("city-%d", i) {
			found = true
		}
	}
	if !found {
		t.Fatalf("final payload %q is not one of the produced payloads", traits[0].Value)
	}
}
