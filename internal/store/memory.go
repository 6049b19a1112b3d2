package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
)

// NewMemory returns a Store backed by process-local maps. It honors the same
// contracts as the Postgres implementation and backs the property tests.
func NewMemory() Store {
	return Store{
		RequestLog: &memRequestLog{rows: map[string]memtypes.PendingMessage{}},
		MemCells:   &memMemCells{rows: map[string]memtypes.MemCell{}},
		Events:     &memEvents{rows: map[string]memtypes.AtomicEvent{}},
		Semantics:  &memSemantics{rows: map[string]memtypes.SemanticMemory{}},
		Profiles:   &memProfiles{},
		Clusters:   &memClusterStates{rows: map[string][]byte{}},
		Metas:      &memMetas{rows: map[string]memtypes.ConversationMeta{}},
		Statuses:   &memStatuses{rows: map[string]memtypes.ConversationStatus{}},
	}
}

type memRequestLog struct {
	mu   sync.RWMutex
	rows map[string]memtypes.PendingMessage
}

func (r *memRequestLog) Append(_ context.Context, msg memtypes.PendingMessage) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[msg.MessageID]; ok {
		return false, nil
	}
	r.rows[msg.MessageID] = msg
	return true, nil
}

func (r *memRequestLog) Get(_ context.Context, messageID string) (memtypes.PendingMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[messageID]
	if !ok {
		return m, memerr.NotFound("store.request_log", "message not found")
	}
	return m, nil
}

func (r *memRequestLog) FindPending(_ context.Context, q FindPendingQuery) ([]memtypes.PendingMessage, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []int{memtypes.SyncRecorded, memtypes.SyncInWindow}
	}
	want := map[int]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	var out []memtypes.PendingMessage
	for _, m := range r.rows {
		if !want[m.SyncStatus] {
			continue
		}
		if q.GroupID != "" && m.GroupID != q.GroupID {
			continue
		}
		if q.UserID != "" && m.SenderID != q.UserID {
			continue
		}
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if q.Desc {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if q.Desc {
			return out[i].MessageID > out[j].MessageID
		}
		return out[i].MessageID < out[j].MessageID
	})
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRequestLog) MarkStatus(_ context.Context, messageIDs []string, status int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range messageIDs {
		if m, ok := r.rows[id]; ok {
			m.SyncStatus = status
			r.rows[id] = m
		}
	}
	return nil
}

type memMemCells struct {
	mu   sync.RWMutex
	rows map[string]memtypes.MemCell
}

func (r *memMemCells) Insert(_ context.Context, c memtypes.MemCell) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.EventID] = c
	return nil
}

func (r *memMemCells) Get(_ context.Context, eventID string) (memtypes.MemCell, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rows[eventID]
	if !ok {
		return c, memerr.NotFound("store.memcells", "memcell %s not found", eventID)
	}
	return c, nil
}

func (r *memMemCells) RecentByParticipant(_ context.Context, groupID, userID string, limit int) ([]memtypes.MemCell, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	var out []memtypes.MemCell
	for _, c := range r.rows {
		if c.GroupID != groupID {
			continue
		}
		for _, p := range c.Participants {
			if p == userID {
				out = append(out, c)
				break
			}
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMemCells) ListByGroup(_ context.Context, groupID string, from, to *time.Time, limit int) ([]memtypes.MemCell, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	var out []memtypes.MemCell
	for _, c := range r.rows {
		if c.GroupID != groupID {
			continue
		}
		if from != nil && c.Timestamp.Before(*from) {
			continue
		}
		if to != nil && c.Timestamp.After(*to) {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memMemCells) Delete(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, eventID)
	return nil
}

type memEvents struct {
	mu   sync.RWMutex
	rows map[string]memtypes.AtomicEvent
}

func (r *memEvents) Insert(_ context.Context, ev memtypes.AtomicEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ev.LogID] = ev
	return nil
}

func (r *memEvents) Get(_ context.Context, logID string) (memtypes.AtomicEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.rows[logID]
	if !ok {
		return ev, memerr.NotFound("store.events", "event %s not found", logID)
	}
	return ev, nil
}

func (r *memEvents) Delete(_ context.Context, logID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, logID)
	return nil
}

type memSemantics struct {
	mu   sync.RWMutex
	rows map[string]memtypes.SemanticMemory
}

func (r *memSemantics) Insert(_ context.Context, m memtypes.SemanticMemory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[m.MemoryID] = m
	return nil
}

func (r *memSemantics) Get(_ context.Context, memoryID string) (memtypes.SemanticMemory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[memoryID]
	if !ok {
		return m, memerr.NotFound("store.semantics", "memory %s not found", memoryID)
	}
	return m, nil
}

func (r *memSemantics) HeldAt(_ context.Context, userID string, t time.Time, limit int) ([]memtypes.SemanticMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	var out []memtypes.SemanticMemory
	for _, m := range r.rows {
		if m.UserID != userID {
			continue
		}
		if m.StartTime.After(t) {
			continue
		}
		if m.EndTime != nil && m.EndTime.Before(t) {
			continue
		}
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSemantics) Delete(_ context.Context, memoryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, memoryID)
	return nil
}

type memProfiles struct {
	mu   sync.Mutex
	rows []memtypes.Profile
}

func (r *memProfiles) Latest(_ context.Context, userID, groupID string) (memtypes.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rows {
		if p.UserID == userID && p.GroupID == groupID && p.IsLatest {
			return p, nil
		}
	}
	return memtypes.Profile{}, memerr.NotFound("store.profiles", "no profile for %s/%s", userID, groupID)
}

func (r *memProfiles) Insert(_ context.Context, p memtypes.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].UserID == p.UserID && r.rows[i].GroupID == p.GroupID {
			r.rows[i].IsLatest = false
		}
	}
	r.rows = append(r.rows, p)
	return nil
}

func (r *memProfiles) EnsureLatest(_ context.Context, userID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxIdx := -1
	for i, p := range r.rows {
		if p.UserID != userID || p.GroupID != groupID {
			continue
		}
		if maxIdx == -1 || CompareVersions(p.Version, r.rows[maxIdx].Version) > 0 {
			maxIdx = i
		}
	}
	if maxIdx == -1 {
		return nil
	}
	for i := range r.rows {
		if r.rows[i].UserID == userID && r.rows[i].GroupID == groupID {
			r.rows[i].IsLatest = i == maxIdx
		}
	}
	return nil
}

func (r *memProfiles) History(_ context.Context, userID, groupID string, limit int) ([]memtypes.Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.Lock()
	var out []memtypes.Profile
	for _, p := range r.rows {
		if p.UserID == userID && p.GroupID == groupID {
			out = append(out, p)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return CompareVersions(out[i].Version, out[j].Version) > 0 })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memClusterStates round-trips state through JSON so callers cannot alias the
// stored copy, matching the persistence behavior of the real backend.
type memClusterStates struct {
	mu   sync.RWMutex
	rows map[string][]byte
}

func (r *memClusterStates) Get(_ context.Context, groupID string) (*memtypes.ClusterState, error) {
	r.mu.RLock()
	raw, ok := r.rows[groupID]
	r.mu.RUnlock()
	if !ok {
		return memtypes.NewClusterState(groupID), nil
	}
	state := memtypes.NewClusterState(groupID)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, memerr.Fatal("store.clusters.get", "corrupt cluster state for %s: %v", groupID, err)
	}
	return state, nil
}

func (r *memClusterStates) Save(_ context.Context, state *memtypes.ClusterState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return memerr.Fatal("store.clusters.save", "marshal cluster state: %v", err)
	}
	r.mu.Lock()
	r.rows[state.GroupID] = raw
	r.mu.Unlock()
	return nil
}

type memMetas struct {
	mu   sync.RWMutex
	rows map[string]memtypes.ConversationMeta
}

func (r *memMetas) Upsert(_ context.Context, meta memtypes.ConversationMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[meta.GroupID] = meta
	return nil
}

func (r *memMetas) Get(_ context.Context, groupID string) (memtypes.ConversationMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rows[groupID]
	if !ok {
		return m, memerr.NotFound("store.metas", "no meta for group %s", groupID)
	}
	return m, nil
}

type memStatuses struct {
	mu   sync.RWMutex
	rows map[string]memtypes.ConversationStatus
}

func (r *memStatuses) Get(_ context.Context, groupID string) (memtypes.ConversationStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.rows[groupID]; ok {
		return st, nil
	}
	return memtypes.ConversationStatus{GroupID: groupID}, nil
}

func (r *memStatuses) Upsert(_ context.Context, st memtypes.ConversationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[st.GroupID] = st
	return nil
}
