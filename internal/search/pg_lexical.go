package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evermem/internal/memtypes"
)

// PgLexical is a lexical index over a Postgres table with a generated
// tsvector column. Scoring uses ts_rank over the tokenized search_content;
// the on-disk shape is private to this adapter.
type PgLexical struct {
	pool *pgxpool.Pool
}

// NewPgLexical bootstraps the table and indexes (best effort) and returns the
// adapter.
func NewPgLexical(ctx context.Context, pool *pgxpool.Pool) (*PgLexical, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS search_records (
  id TEXT PRIMARY KEY,
  record_type TEXT NOT NULL,
  user_id TEXT NOT NULL DEFAULT '',
  group_id TEXT NOT NULL DEFAULT '',
  participants JSONB NOT NULL DEFAULT '[]'::jsonb,
  ts_at TIMESTAMPTZ NOT NULL,
  content TEXT NOT NULL,
  search_content TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(search_content,''))) STORED
)`)
	if err != nil {
		return nil, fmt.Errorf("create search_records: %w", err)
	}
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS search_records_ts_idx ON search_records USING GIN (ts)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS search_records_scope_idx ON search_records (record_type, group_id, user_id)`)
	return &PgLexical{pool: pool}, nil
}

// BulkIndex upserts docs in a single batch round-trip.
func (p *PgLexical) BulkIndex(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range docs {
		parts, _ := json.Marshal(nonNil(d.Participants))
		md, _ := json.Marshal(d.Metadata)
		batch.Queue(`
INSERT INTO search_records (id, record_type, user_id, group_id, participants, ts_at, content, search_content, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  record_type=EXCLUDED.record_type, user_id=EXCLUDED.user_id, group_id=EXCLUDED.group_id,
  participants=EXCLUDED.participants, ts_at=EXCLUDED.ts_at, content=EXCLUDED.content,
  search_content=EXCLUDED.search_content, metadata=EXCLUDED.metadata`,
			d.ID, string(d.Type), d.UserID, d.GroupID, parts, d.Timestamp.UTC(),
			d.Content, strings.Join(d.SearchContent, " "), md)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk index: %w", err)
		}
	}
	return nil
}

// Search runs a multi-term OR query with filters and returns hits ordered by
// descending rank.
func (p *PgLexical) Search(ctx context.Context, query string, f Filter, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	tsquery := strings.Join(terms, " | ")

	where := []string{"ts @@ to_tsquery('simple', $1)"}
	args := []any{tsquery}
	appendArg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		appendArg("record_type = $%d", string(f.Type))
	}
	if f.UserID != "" {
		appendArg("user_id = $%d", f.UserID)
	}
	if f.PersonalOnly {
		where = append(where, "group_id = ''")
	} else if f.GroupID != "" {
		appendArg("group_id = $%d", f.GroupID)
	}
	if f.Participant != "" {
		appendArg("participants @> to_jsonb(ARRAY[$%d::text])", f.Participant)
	}
	if f.From != nil {
		appendArg("ts_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		appendArg("ts_at <= $%d", f.To.UTC())
	}
	args = append(args, limit)

	stmt := fmt.Sprintf(`
SELECT id, record_type, user_id, group_id, participants, ts_at, content, metadata,
       ts_rank(ts, to_tsquery('simple', $1)) AS score
FROM search_records
WHERE %s
ORDER BY score DESC, ts_at DESC
LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	defer rows.Close()

	out := make([]Hit, 0, limit)
	for rows.Next() {
		var h Hit
		var recType string
		var parts, md []byte
		var ts time.Time
		if err := rows.Scan(&h.ID, &recType, &h.Doc.UserID, &h.Doc.GroupID, &parts, &ts, &h.Doc.Content, &md, &h.Score); err != nil {
			return nil, err
		}
		h.Doc.ID = h.ID
		h.Doc.Type = memtypes.DataSource(recType)
		h.Doc.Timestamp = ts
		_ = json.Unmarshal(parts, &h.Doc.Participants)
		_ = json.Unmarshal(md, &h.Doc.Metadata)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PgLexical) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM search_records WHERE id=$1`, id)
	return err
}

// Refresh is a no-op: Postgres reads observe committed writes immediately.
func (p *PgLexical) Refresh(context.Context) error { return nil }

// queryTerms lowercases and strips punctuation so the tsquery cannot be
// broken by user input.
func queryTerms(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				return r
			}
			if r > 127 { // keep non-ASCII word characters
				return r
			}
			return -1
		}, f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
