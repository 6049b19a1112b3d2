package convqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"evermem/internal/memerr"
	"evermem/internal/memtypes"
)

// Queue is the per-group bounded FIFO of pending messages. Implementations
// are safe under concurrent callers for distinct keys; a single writer per
// key is assumed.
type Queue interface {
	Append(ctx context.Context, key string, msg memtypes.PendingMessage) error
	// Range returns entries with timestamp in [from, to] ascending, up to
	// limit. Zero from/to mean unbounded.
	Range(ctx context.Context, key string, from, to time.Time, limit int) ([]memtypes.PendingMessage, error)
	// RemoveMessages drops the entries with the given message ids (used when
	// a boundary promotion consumes the window prefix).
	RemoveMessages(ctx context.Context, key string, messageIDs []string) error
	Delete(ctx context.Context, key string) error
}

const (
	opRetries = 3
	// cleanupProbability gates the lazy removal of over-age entries on each
	// Range call, so no sweeper is required for correctness.
	cleanupProbability = 0.1
)

// Redis implements Queue on a sorted set per key, scored by message
// timestamp; Range orders entries that share a timestamp by an insertion
// counter. The key TTL is refreshed on every write.
type Redis struct {
	client   *redis.Client
	capacity int64
	ttl      time.Duration
	seq      atomic.Int64
}

type entry struct {
	Seq int64                   `json:"seq"`
	Msg memtypes.PendingMessage `json:"msg"`
}

// NewRedis connects and pings the server.
func NewRedis(addr, password string, db, capacity int, ttl time.Duration) (*Redis, error) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: c, capacity: int64(capacity), ttl: ttl}, nil
}

func (r *Redis) key(k string) string { return "conversation_data:" + k }

func (r *Redis) Append(ctx context.Context, key string, msg memtypes.PendingMessage) error {
	member, err := json.Marshal(entry{Seq: r.seq.Add(1), Msg: msg})
	if err != nil {
		return memerr.Fatal("convqueue.append", "marshal entry: %v", err)
	}
	score := float64(msg.CreatedAt.UTC().UnixMilli())
	return r.withRetry(ctx, "convqueue.append", func() error {
		pipe := r.client.TxPipeline()
		pipe.ZAdd(ctx, r.key(key), redis.Z{Score: score, Member: member})
		// Truncate the head when over capacity.
		pipe.ZRemRangeByRank(ctx, r.key(key), 0, -(r.capacity + 1))
		pipe.Expire(ctx, r.key(key), r.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (r *Redis) Range(ctx context.Context, key string, from, to time.Time, limit int) ([]memtypes.PendingMessage, error) {
	r.maybeCleanup(ctx, key)
	min, max := "-inf", "+inf"
	if !from.IsZero() {
		min = fmt.Sprintf("%d", from.UTC().UnixMilli())
	}
	if !to.IsZero() {
		max = fmt.Sprintf("%d", to.UTC().UnixMilli())
	}
	if limit <= 0 {
		limit = int(r.capacity)
	}
	var raw []string
	err := r.withRetry(ctx, "convqueue.range", func() error {
		var err error
		raw, err = r.client.ZRangeByScore(ctx, r.key(key), &redis.ZRangeBy{
			Min: min, Max: max, Count: int64(limit),
		}).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(raw))
	for _, m := range raw {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			log.Warn().Str("key", key).Msg("convqueue_corrupt_entry_skipped")
			continue
		}
		entries = append(entries, e)
	}
	// Redis orders equal scores by member bytes, which does not follow the
	// numeric counter; restore insertion order within a timestamp.
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Msg.CreatedAt.UnixMilli(), entries[j].Msg.CreatedAt.UnixMilli()
		if ti != tj {
			return ti < tj
		}
		return entries[i].Seq < entries[j].Seq
	})
	out := make([]memtypes.PendingMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Msg)
	}
	return out, nil
}

func (r *Redis) RemoveMessages(ctx context.Context, key string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, id := range messageIDs {
		want[id] = true
	}
	var raw []string
	err := r.withRetry(ctx, "convqueue.remove", func() error {
		var err error
		raw, err = r.client.ZRange(ctx, r.key(key), 0, -1).Result()
		return err
	})
	if err != nil {
		return err
	}
	var victims []any
	for _, m := range raw {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		if want[e.Msg.MessageID] {
			victims = append(victims, m)
		}
	}
	if len(victims) == 0 {
		return nil
	}
	return r.withRetry(ctx, "convqueue.remove", func() error {
		return r.client.ZRem(ctx, r.key(key), victims...).Err()
	})
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.withRetry(ctx, "convqueue.delete", func() error {
		return r.client.Del(ctx, r.key(key)).Err()
	})
}

// maybeCleanup drops entries older than the TTL window with probability
// cleanupProbability; the key TTL already bounds total staleness, this just
// keeps long-lived busy keys from carrying dead weight.
func (r *Redis) maybeCleanup(ctx context.Context, key string) {
	if rand.Float64() >= cleanupProbability {
		return
	}
	cutoff := time.Now().Add(-r.ttl).UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, r.key(key), "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("convqueue_cleanup_failed")
	}
}

func (r *Redis) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < opRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			if delay > time.Second {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return memerr.Transient(op, ctx.Err())
			case <-time.After(delay):
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return memerr.Transient(op, lastErr)
}

// Client exposes the underlying connection for sibling redis-backed
// utilities (locks).
func (r *Redis) Client() *redis.Client { return r.client }

// Close releases the redis connection.
func (r *Redis) Close() error { return r.client.Close() }
