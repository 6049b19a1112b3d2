package store_test

import (
	"context"
	"testing"
	"time"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
	"evermem/internal/store"
)

var base = time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)

func msg(id, group, sender string, at time.Time) memtypes.PendingMessage {
	return memtypes.PendingMessage{
		MessageID: id, GroupID: group, SenderID: sender,
		Content: "hello from " + sender, CreatedAt: at,
		SyncStatus: memtypes.SyncRecorded,
	}
}

func TestRequestLogAppendIsIdempotent(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	created, err := s.RequestLog.Append(ctx, msg("m1", "g", "u1", base))
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}
	created, err = s.RequestLog.Append(ctx, msg("m1", "g", "u1", base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("duplicate append errored: %v", err)
	}
	if created {
		t.Fatalf("duplicate message_id must be a no-op")
	}
	got, err := s.RequestLog.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("duplicate overwrote the stored row")
	}
}

func TestFindPendingOrderingAndStatusFilter(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		m := msg(id, "g", "u1", base.Add(time.Duration(i)*time.Minute))
		if _, err := s.RequestLog.Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.RequestLog.MarkStatus(ctx, []string{"a"}, memtypes.SyncConsumed); err != nil {
		t.Fatalf("mark: %v", err)
	}

	pending, err := s.RequestLog.FindPending(ctx, store.FindPendingQuery{GroupID: "g"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("consumed rows must be excluded, got %d", len(pending))
	}
	if pending[0].MessageID != "b" || pending[1].MessageID != "c" {
		t.Fatalf("ascending timestamp order expected, got %v", []string{pending[0].MessageID, pending[1].MessageID})
	}

	desc, err := s.RequestLog.FindPending(ctx, store.FindPendingQuery{GroupID: "g", Desc: true})
	if err != nil {
		t.Fatalf("find desc: %v", err)
	}
	if desc[0].MessageID != "c" {
		t.Fatalf("descending order expected")
	}
}

func TestCompareAndNextVersion(t *testing.T) {
	if store.CompareVersions("", "v001") >= 0 {
		t.Fatalf("empty < v001")
	}
	if store.CompareVersions("v001", "v001+v002") >= 0 {
		t.Fatalf("chain extension must order higher")
	}
	if store.CompareVersions("v001+v002", "v001+v003") >= 0 {
		t.Fatalf("same length chains order lexicographically")
	}
	if v := store.NextVersion(""); v != "v001" {
		t.Fatalf("NextVersion(\"\") = %s", v)
	}
	v2 := store.NextVersion("v001")
	if store.CompareVersions(v2, "v001") <= 0 {
		t.Fatalf("next version must exceed its base: %s", v2)
	}
}

// Exactly one row per (user, group) may hold is_latest, and it must be the
// maximum version.
func TestProfilesEnsureLatestRepairsFlag(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	versions := []string{"v001", "v001+v002", "v001+v002+v003"}
	for _, v := range versions {
		p := memtypes.Profile{
			UserID: "u1", GroupID: "g", Version: v, IsLatest: true,
			Payload:   map[string][]memtypes.ProfileTrait{"location": {{Value: "berlin"}}},
			CreatedAt: base,
		}
		if err := s.Profiles.Insert(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Profiles.EnsureLatest(ctx, "u1", "g"); err != nil {
		t.Fatalf("ensure_latest: %v", err)
	}
	history, err := s.Profiles.History(ctx, "u1", "g", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	latest := 0
	for _, p := range history {
		if p.IsLatest {
			latest++
			if p.Version != "v001+v002+v003" {
				t.Fatalf("is_latest on %s, want the max version", p.Version)
			}
		}
	}
	if latest != 1 {
		t.Fatalf("exactly one latest row expected, got %d", latest)
	}
}

func TestSemanticsHeldAt(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	june := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	insert := func(id, content string, start time.Time, end *time.Time) {
		err := s.Semantics.Insert(ctx, memtypes.SemanticMemory{
			MemoryID: id, ParentEventID: "e", UserID: "u1",
			Content: content, StartTime: start, EndTime: end, CreatedAt: base,
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	insert("paris", "lives in Paris", june.AddDate(-1, 0, 0), &june)
	insert("berlin", "lives in Berlin", june, nil)

	held, err := s.Semantics.HeldAt(ctx, "u1", june.AddDate(0, 3, 0), 10)
	if err != nil {
		t.Fatalf("held_at: %v", err)
	}
	if len(held) != 1 || held[0].MemoryID != "berlin" {
		t.Fatalf("only the open-ended Berlin fact should hold in September, got %+v", held)
	}

	held, err = s.Semantics.HeldAt(ctx, "u1", june.AddDate(0, -3, 0), 10)
	if err != nil {
		t.Fatalf("held_at: %v", err)
	}
	if len(held) != 1 || held[0].MemoryID != "paris" {
		t.Fatalf("only the Paris fact should hold in March, got %+v", held)
	}
}

func TestClusterStateRoundTripDoesNotAlias(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	state := memtypes.NewClusterState("g")
	state.Clusters["cluster_000"] = memtypes.ClusterInfo{Centroid: []float32{1}, Count: 1, LastTS: base}
	state.EventToCluster["e1"] = "cluster_000"
	state.EventIDs = []string{"e1"}
	if err := s.Clusters.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.EventIDs = append(state.EventIDs, "e2") // mutate the caller's copy

	loaded, err := s.Clusters.Get(ctx, "g")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(loaded.EventIDs) != 1 {
		t.Fatalf("stored state must not alias the saved pointer")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	if _, err := s.MemCells.Get(ctx, "nope"); memerr.KindOf(err) != memerr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := s.Profiles.Latest(ctx, "u", "g"); memerr.KindOf(err) != memerr.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
