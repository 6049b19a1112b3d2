package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
)

// NewPg bootstraps the schema (best effort) and returns a Store backed by
// the given pool.
func NewPg(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS request_log (
  message_id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL DEFAULT '',
  sender_id TEXT NOT NULL,
  sender_name TEXT NOT NULL DEFAULT '',
  role TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  create_time TIMESTAMPTZ NOT NULL,
  refer_list JSONB NOT NULL DEFAULT '[]'::jsonb,
  request_id TEXT NOT NULL DEFAULT '',
  sync_status INT NOT NULL DEFAULT -1,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS request_log_scope_idx ON request_log (group_id, sync_status, create_time)`,
		`CREATE TABLE IF NOT EXISTS memcells (
  event_id TEXT PRIMARY KEY,
  group_id TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  participants JSONB NOT NULL DEFAULT '[]'::jsonb,
  ts_at TIMESTAMPTZ NOT NULL,
  subject TEXT NOT NULL,
  summary TEXT NOT NULL,
  episode TEXT NOT NULL,
  original_data JSONB NOT NULL DEFAULT '[]'::jsonb,
  embedding JSONB,
  embedding_model TEXT NOT NULL DEFAULT '',
  cell_type TEXT NOT NULL DEFAULT '',
  keywords JSONB NOT NULL DEFAULT '[]'::jsonb,
  linked_entities JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS memcells_group_idx ON memcells (group_id, ts_at)`,
		`CREATE TABLE IF NOT EXISTS event_logs (
  log_id TEXT PRIMARY KEY,
  parent_event_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  group_id TEXT NOT NULL DEFAULT '',
  participants JSONB NOT NULL DEFAULT '[]'::jsonb,
  event_type TEXT NOT NULL DEFAULT '',
  ts_at TIMESTAMPTZ NOT NULL,
  atomic_fact TEXT NOT NULL,
  evidence TEXT NOT NULL DEFAULT '',
  embedding JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS semantic_memories (
  memory_id TEXT PRIMARY KEY,
  parent_event_id TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  group_id TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  evidence TEXT NOT NULL DEFAULT '',
  start_time TIMESTAMPTZ NOT NULL,
  end_time TIMESTAMPTZ,
  duration_days INT NOT NULL DEFAULT 0,
  embedding JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS semantic_user_idx ON semantic_memories (user_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS profiles (
  id BIGSERIAL PRIMARY KEY,
  user_id TEXT NOT NULL,
  group_id TEXT NOT NULL DEFAULT '',
  version TEXT NOT NULL,
  is_latest BOOLEAN NOT NULL DEFAULT false,
  payload JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (user_id, group_id, version)
)`,
		`CREATE INDEX IF NOT EXISTS profiles_latest_idx ON profiles (user_id, group_id, is_latest)`,
		`CREATE TABLE IF NOT EXISTS cluster_states (
  group_id TEXT PRIMARY KEY,
  state JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS conversation_metas (
  group_id TEXT PRIMARY KEY,
  meta JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS conversation_statuses (
  group_id TEXT PRIMARY KEY,
  old_msg_start_time TIMESTAMPTZ,
  new_msg_start_time TIMESTAMPTZ,
  last_memcell_time TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return Store{}, fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return Store{
		RequestLog: &pgRequestLog{pool: pool},
		MemCells:   &pgMemCells{pool: pool},
		Events:     &pgEvents{pool: pool},
		Semantics:  &pgSemantics{pool: pool},
		Profiles:   &pgProfiles{pool: pool},
		Clusters:   &pgClusterStates{pool: pool},
		Metas:      &pgMetas{pool: pool},
		Statuses:   &pgStatuses{pool: pool},
	}, nil
}

func jsonb(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

type pgRequestLog struct{ pool *pgxpool.Pool }

func (r *pgRequestLog) Append(ctx context.Context, msg memtypes.PendingMessage) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
INSERT INTO request_log (message_id, group_id, sender_id, sender_name, role, content, create_time, refer_list, request_id, sync_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.GroupID, msg.SenderID, msg.SenderName, string(msg.Role),
		msg.Content, msg.CreatedAt.UTC(), jsonb(msg.ReferList), msg.RequestID, msg.SyncStatus)
	if err != nil {
		return false, memerr.Transient("store.request_log.append", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgRequestLog) Get(ctx context.Context, messageID string) (memtypes.PendingMessage, error) {
	row := r.pool.QueryRow(ctx, `
SELECT message_id, group_id, sender_id, sender_name, role, content, create_time, refer_list, request_id, sync_status
FROM request_log WHERE message_id=$1`, messageID)
	return scanPending(row)
}

func (r *pgRequestLog) FindPending(ctx context.Context, q FindPendingQuery) ([]memtypes.PendingMessage, error) {
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = []int{memtypes.SyncRecorded, memtypes.SyncInWindow}
	}
	where := "sync_status = ANY($1)"
	args := []any{statuses}
	if q.GroupID != "" {
		args = append(args, q.GroupID)
		where += fmt.Sprintf(" AND group_id = $%d", len(args))
	}
	if q.UserID != "" {
		args = append(args, q.UserID)
		where += fmt.Sprintf(" AND sender_id = $%d", len(args))
	}
	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	stmt := fmt.Sprintf(`
SELECT message_id, group_id, sender_id, sender_name, role, content, create_time, refer_list, request_id, sync_status
FROM request_log WHERE %s ORDER BY create_time %s, message_id %s LIMIT $%d`, where, order, order, len(args))

	rows, err := r.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, memerr.Transient("store.request_log.find_pending", err)
	}
	defer rows.Close()
	var out []memtypes.PendingMessage
	for rows.Next() {
		m, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *pgRequestLog) MarkStatus(ctx context.Context, messageIDs []string, status int) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
UPDATE request_log SET sync_status=$1, updated_at=now() WHERE message_id = ANY($2)`, status, messageIDs)
	if err != nil {
		return memerr.Transient("store.request_log.mark_status", err)
	}
	return nil
}

type pendingScanner interface {
	Scan(dest ...any) error
}

func scanPending(row pendingScanner) (memtypes.PendingMessage, error) {
	var m memtypes.PendingMessage
	var role string
	var refer []byte
	var created time.Time
	err := row.Scan(&m.MessageID, &m.GroupID, &m.SenderID, &m.SenderName, &role,
		&m.Content, &created, &refer, &m.RequestID, &m.SyncStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, memerr.NotFound("store.request_log", "message not found")
		}
		return m, memerr.Transient("store.request_log.scan", err)
	}
	m.Role = memtypes.Role(role)
	m.CreatedAt = created.UTC()
	_ = json.Unmarshal(refer, &m.ReferList)
	return m, nil
}

type pgMemCells struct{ pool *pgxpool.Pool }

func (r *pgMemCells) Insert(ctx context.Context, c memtypes.MemCell) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO memcells (event_id, group_id, user_id, participants, ts_at, subject, summary, episode,
  original_data, embedding, embedding_model, cell_type, keywords, linked_entities, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		c.EventID, c.GroupID, c.UserID, jsonb(c.Participants), c.Timestamp.UTC(), c.Subject, c.Summary,
		c.Episode, jsonb(c.OriginalData), jsonb(c.Embedding), c.EmbeddingModel, c.Type,
		jsonb(c.Keywords), jsonb(c.LinkedEntities), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return memerr.Transient("store.memcells.insert", err)
	}
	return nil
}

func (r *pgMemCells) Get(ctx context.Context, eventID string) (memtypes.MemCell, error) {
	rows, err := r.pool.Query(ctx, memcellSelect+` WHERE event_id=$1`, eventID)
	if err != nil {
		return memtypes.MemCell{}, memerr.Transient("store.memcells.get", err)
	}
	defer rows.Close()
	cells, err := scanMemCells(rows)
	if err != nil {
		return memtypes.MemCell{}, err
	}
	if len(cells) == 0 {
		return memtypes.MemCell{}, memerr.NotFound("store.memcells", "memcell %s not found", eventID)
	}
	return cells[0], nil
}

const memcellSelect = `
SELECT event_id, group_id, user_id, participants, ts_at, subject, summary, episode,
       original_data, embedding, embedding_model, cell_type, keywords, linked_entities, created_at, updated_at
FROM memcells`

func (r *pgMemCells) RecentByParticipant(ctx context.Context, groupID, userID string, limit int) ([]memtypes.MemCell, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, memcellSelect+`
 WHERE group_id=$1 AND participants @> to_jsonb(ARRAY[$2::text])
 ORDER BY ts_at DESC LIMIT $3`, groupID, userID, limit)
	if err != nil {
		return nil, memerr.Transient("store.memcells.recent", err)
	}
	defer rows.Close()
	return scanMemCells(rows)
}

func (r *pgMemCells) ListByGroup(ctx context.Context, groupID string, from, to *time.Time, limit int) ([]memtypes.MemCell, error) {
	if limit <= 0 {
		limit = 100
	}
	where := "group_id=$1"
	args := []any{groupID}
	if from != nil {
		args = append(args, from.UTC())
		where += fmt.Sprintf(" AND ts_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, to.UTC())
		where += fmt.Sprintf(" AND ts_at <= $%d", len(args))
	}
	args = append(args, limit)
	rows, err := r.pool.Query(ctx, fmt.Sprintf("%s WHERE %s ORDER BY ts_at ASC LIMIT $%d", memcellSelect, where, len(args)), args...)
	if err != nil {
		return nil, memerr.Transient("store.memcells.list", err)
	}
	defer rows.Close()
	return scanMemCells(rows)
}

func (r *pgMemCells) Delete(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM memcells WHERE event_id=$1`, eventID)
	if err != nil {
		return memerr.Transient("store.memcells.delete", err)
	}
	return nil
}

func scanMemCells(rows pgx.Rows) ([]memtypes.MemCell, error) {
	var out []memtypes.MemCell
	for rows.Next() {
		var c memtypes.MemCell
		var parts, orig, emb, kw, ents []byte
		var ts, created, updated time.Time
		if err := rows.Scan(&c.EventID, &c.GroupID, &c.UserID, &parts, &ts, &c.Subject, &c.Summary,
			&c.Episode, &orig, &emb, &c.EmbeddingModel, &c.Type, &kw, &ents, &created, &updated); err != nil {
			return nil, memerr.Transient("store.memcells.scan", err)
		}
		c.Timestamp = ts.UTC()
		c.CreatedAt = created.UTC()
		c.UpdatedAt = updated.UTC()
		_ = json.Unmarshal(parts, &c.Participants)
		_ = json.Unmarshal(orig, &c.OriginalData)
		_ = json.Unmarshal(emb, &c.Embedding)
		_ = json.Unmarshal(kw, &c.Keywords)
		_ = json.Unmarshal(ents, &c.LinkedEntities)
		out = append(out, c)
	}
	return out, rows.Err()
}
