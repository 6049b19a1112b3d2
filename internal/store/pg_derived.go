package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
)

type pgEvents struct{ pool *pgxpool.Pool }

func (r *pgEvents) Insert(ctx context.Context, ev memtypes.AtomicEvent) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO event_logs (log_id, parent_event_id, user_id, group_id, participants, event_type, ts_at, atomic_fact, evidence, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.LogID, ev.ParentEventID, ev.UserID, ev.GroupID, jsonb(ev.Participants), ev.EventType,
		ev.Timestamp.UTC(), ev.AtomicFact, ev.Evidence, jsonb(ev.Embedding), ev.CreatedAt.UTC())
	if err != nil {
		return memerr.Transient("store.events.insert", err)
	}
	return nil
}

func (r *pgEvents) Get(ctx context.Context, logID string) (memtypes.AtomicEvent, error) {
	var ev memtypes.AtomicEvent
	var parts, emb []byte
	var ts, created time.Time
	err := r.pool.QueryRow(ctx, `
SELECT log_id, parent_event_id, user_id, group_id, participants, event_type, ts_at, atomic_fact, evidence, embedding, created_at
FROM event_logs WHERE log_id=$1`, logID).
		Scan(&ev.LogID, &ev.ParentEventID, &ev.UserID, &ev.GroupID, &parts, &ev.EventType, &ts, &ev.AtomicFact, &ev.Evidence, &emb, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ev, memerr.NotFound("store.events", "event %s not found", logID)
		}
		return ev, memerr.Transient("store.events.get", err)
	}
	ev.Timestamp = ts.UTC()
	ev.CreatedAt = created.UTC()
	_ = json.Unmarshal(parts, &ev.Participants)
	_ = json.Unmarshal(emb, &ev.Embedding)
	return ev, nil
}

func (r *pgEvents) Delete(ctx context.Context, logID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM event_logs WHERE log_id=$1`, logID)
	if err != nil {
		return memerr.Transient("store.events.delete", err)
	}
	return nil
}

type pgSemantics struct{ pool *pgxpool.Pool }

func (r *pgSemantics) Insert(ctx context.Context, m memtypes.SemanticMemory) error {
	var end *time.Time
	if m.EndTime != nil {
		u := m.EndTime.UTC()
		end = &u
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO semantic_memories (memory_id, parent_event_id, user_id, group_id, content, evidence, start_time, end_time, duration_days, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.MemoryID, m.ParentEventID, m.UserID, m.GroupID, m.Content, m.Evidence,
		m.StartTime.UTC(), end, m.DurationDays, jsonb(m.Embedding), m.CreatedAt.UTC())
	if err != nil {
		return memerr.Transient("store.semantics.insert", err)
	}
	return nil
}

func (r *pgSemantics) Get(ctx context.Context, memoryID string) (memtypes.SemanticMemory, error) {
	var m memtypes.SemanticMemory
	var emb []byte
	var start, created time.Time
	var end *time.Time
	err := r.pool.QueryRow(ctx, `
SELECT memory_id, parent_event_id, user_id, group_id, content, evidence, start_time, end_time, duration_days, embedding, created_at
FROM semantic_memories WHERE memory_id=$1`, memoryID).
		Scan(&m.MemoryID, &m.ParentEventID, &m.UserID, &m.GroupID, &m.Content, &m.Evidence, &start, &end, &m.DurationDays, &emb, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, memerr.NotFound("store.semantics", "memory %s not found", memoryID)
		}
		return m, memerr.Transient("store.semantics.get", err)
	}
	m.StartTime = start.UTC()
	if end != nil {
		u := end.UTC()
		m.EndTime = &u
	}
	m.CreatedAt = created.UTC()
	_ = json.Unmarshal(emb, &m.Embedding)
	return m, nil
}

func (r *pgSemantics) HeldAt(ctx context.Context, userID string, t time.Time, limit int) ([]memtypes.SemanticMemory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT memory_id, parent_event_id, user_id, group_id, content, evidence, start_time, end_time, duration_days, embedding, created_at
FROM semantic_memories
WHERE user_id=$1 AND start_time <= $2 AND (end_time IS NULL OR end_time >= $2)
ORDER BY start_time DESC LIMIT $3`, userID, t.UTC(), limit)
	if err != nil {
		return nil, memerr.Transient("store.semantics.held_at", err)
	}
	defer rows.Close()
	var out []memtypes.SemanticMemory
	for rows.Next() {
		var m memtypes.SemanticMemory
		var emb []byte
		var start, created time.Time
		var end *time.Time
		if err := rows.Scan(&m.MemoryID, &m.ParentEventID, &m.UserID, &m.GroupID, &m.Content, &m.Evidence, &start, &end, &m.DurationDays, &emb, &created); err != nil {
			return nil, memerr.Transient("store.semantics.scan", err)
		}
		m.StartTime = start.UTC()
		if end != nil {
			u := end.UTC()
			m.EndTime = &u
		}
		m.CreatedAt = created.UTC()
		_ = json.Unmarshal(emb, &m.Embedding)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgSemantics) Delete(ctx context.Context, memoryID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM semantic_memories WHERE memory_id=$1`, memoryID)
	if err != nil {
		return memerr.Transient("store.semantics.delete", err)
	}
	return nil
}

type pgProfiles struct{ pool *pgxpool.Pool }

func (r *pgProfiles) Latest(ctx context.Context, userID, groupID string) (memtypes.Profile, error) {
	var p memtypes.Profile
	var payload []byte
	var created time.Time
	err := r.pool.QueryRow(ctx, `
SELECT user_id, group_id, version, is_latest, payload, created_at
FROM profiles WHERE user_id=$1 AND group_id=$2 AND is_latest ORDER BY version DESC LIMIT 1`, userID, groupID).
		Scan(&p.UserID, &p.GroupID, &p.Version, &p.IsLatest, &payload, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, memerr.NotFound("store.profiles", "no profile for %s/%s", userID, groupID)
		}
		return p, memerr.Transient("store.profiles.latest", err)
	}
	p.CreatedAt = created.UTC()
	_ = json.Unmarshal(payload, &p.Payload)
	return p, nil
}

func (r *pgProfiles) Insert(ctx context.Context, p memtypes.Profile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return memerr.Transient("store.profiles.insert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
UPDATE profiles SET is_latest=false WHERE user_id=$1 AND group_id=$2 AND is_latest`, p.UserID, p.GroupID); err != nil {
		return memerr.Transient("store.profiles.insert", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO profiles (user_id, group_id, version, is_latest, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		p.UserID, p.GroupID, p.Version, p.IsLatest, jsonb(p.Payload), p.CreatedAt.UTC()); err != nil {
		return memerr.Transient("store.profiles.insert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memerr.Transient("store.profiles.insert", err)
	}
	return nil
}

// EnsureLatest repairs the is_latest invariant: exactly the row with the
// maximum version holds the flag. Version order follows CompareVersions,
// which segment-count then string ordering reproduces in SQL.
func (r *pgProfiles) EnsureLatest(ctx context.Context, userID, groupID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return memerr.Transient("store.profiles.ensure_latest", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	var maxVersion string
	err = tx.QueryRow(ctx, `
SELECT version FROM profiles WHERE user_id=$1 AND group_id=$2
ORDER BY array_length(string_to_array(version, '+'), 1) DESC, version DESC LIMIT 1`, userID, groupID).Scan(&maxVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return memerr.Transient("store.profiles.ensure_latest", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE profiles SET is_latest = (version = $3) WHERE user_id=$1 AND group_id=$2`, userID, groupID, maxVersion); err != nil {
		return memerr.Transient("store.profiles.ensure_latest", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memerr.Transient("store.profiles.ensure_latest", err)
	}
	return nil
}

func (r *pgProfiles) History(ctx context.Context, userID, groupID string, limit int) ([]memtypes.Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
SELECT user_id, group_id, version, is_latest, payload, created_at
FROM profiles WHERE user_id=$1 AND group_id=$2
ORDER BY array_length(string_to_array(version, '+'), 1) DESC, version DESC LIMIT $3`, userID, groupID, limit)
	if err != nil {
		return nil, memerr.Transient("store.profiles.history", err)
	}
	defer rows.Close()
	var out []memtypes.Profile
	for rows.Next() {
		var p memtypes.Profile
		var payload []byte
		var created time.Time
		if err := rows.Scan(&p.UserID, &p.GroupID, &p.Version, &p.IsLatest, &payload, &created); err != nil {
			return nil, memerr.Transient("store.profiles.scan", err)
		}
		p.CreatedAt = created.UTC()
		_ = json.Unmarshal(payload, &p.Payload)
		out = append(out, p)
	}
	return out, rows.Err()
}

type pgClusterStates struct{ pool *pgxpool.Pool }

func (r *pgClusterStates) Get(ctx context.Context, groupID string) (*memtypes.ClusterState, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT state FROM cluster_states WHERE group_id=$1`, groupID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return memtypes.NewClusterState(groupID), nil
		}
		return nil, memerr.Transient("store.clusters.get", err)
	}
	state := memtypes.NewClusterState(groupID)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, memerr.Fatal("store.clusters.get", "corrupt cluster state for %s: %v", groupID, err)
	}
	return state, nil
}

func (r *pgClusterStates) Save(ctx context.Context, state *memtypes.ClusterState) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO cluster_states (group_id, state, updated_at) VALUES ($1,$2,now())
ON CONFLICT (group_id) DO UPDATE SET state=EXCLUDED.state, updated_at=now()`,
		state.GroupID, jsonb(state))
	if err != nil {
		return memerr.Transient("store.clusters.save", err)
	}
	return nil
}

type pgMetas struct{ pool *pgxpool.Pool }

func (r *pgMetas) Upsert(ctx context.Context, meta memtypes.ConversationMeta) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO conversation_metas (group_id, meta, created_at, updated_at) VALUES ($1,$2,now(),now())
ON CONFLICT (group_id) DO UPDATE SET meta=EXCLUDED.meta, updated_at=now()`,
		meta.GroupID, jsonb(meta))
	if err != nil {
		return memerr.Transient("store.metas.upsert", err)
	}
	return nil
}

func (r *pgMetas) Get(ctx context.Context, groupID string) (memtypes.ConversationMeta, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT meta FROM conversation_metas WHERE group_id=$1`, groupID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return memtypes.ConversationMeta{}, memerr.NotFound("store.metas", "no meta for group %s", groupID)
		}
		return memtypes.ConversationMeta{}, memerr.Transient("store.metas.get", err)
	}
	var meta memtypes.ConversationMeta
	_ = json.Unmarshal(raw, &meta)
	return meta, nil
}

type pgStatuses struct{ pool *pgxpool.Pool }

func (r *pgStatuses) Get(ctx context.Context, groupID string) (memtypes.ConversationStatus, error) {
	var st memtypes.ConversationStatus
	var oldT, newT, lastT, updated *time.Time
	err := r.pool.QueryRow(ctx, `
SELECT group_id, old_msg_start_time, new_msg_start_time, last_memcell_time, updated_at
FROM conversation_statuses WHERE group_id=$1`, groupID).
		Scan(&st.GroupID, &oldT, &newT, &lastT, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return memtypes.ConversationStatus{GroupID: groupID}, nil
		}
		return st, memerr.Transient("store.statuses.get", err)
	}
	if oldT != nil {
		st.OldMsgStartTime = oldT.UTC()
	}
	if newT != nil {
		st.NewMsgStartTime = newT.UTC()
	}
	if lastT != nil {
		st.LastMemCellTime = lastT.UTC()
	}
	if updated != nil {
		st.UpdatedAt = updated.UTC()
	}
	return st, nil
}

func (r *pgStatuses) Upsert(ctx context.Context, st memtypes.ConversationStatus) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO conversation_statuses (group_id, old_msg_start_time, new_msg_start_time, last_memcell_time, updated_at)
VALUES ($1,$2,$3,$4,now())
ON CONFLICT (group_id) DO UPDATE SET
  old_msg_start_time=EXCLUDED.old_msg_start_time,
  new_msg_start_time=EXCLUDED.new_msg_start_time,
  last_memcell_time=EXCLUDED.last_memcell_time,
  updated_at=now()`,
		st.GroupID, nullable(st.OldMsgStartTime), nullable(st.NewMsgStartTime), nullable(st.LastMemCellTime))
	if err != nil {
		return memerr.Transient("store.statuses.upsert", err)
	}
	return nil
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
