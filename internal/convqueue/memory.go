package convqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"evermem/internal/memtypes"
)

// Memory is an in-process Queue for tests and single-node development.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	keys     map[string]*memKey
	now      func() time.Time
}

type memKey struct {
	entries   []memtypes.PendingMessage
	expiresAt time.Time
}

// NewMemory returns an in-memory queue with the given capacity and TTL.
func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memory{capacity: capacity, ttl: ttl, keys: map[string]*memKey{}, now: time.Now}
}

func (m *Memory) Append(_ context.Context, key string, msg memtypes.PendingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[key]
	if k == nil || m.now().After(k.expiresAt) {
		k = &memKey{}
		m.keys[key] = k
	}
	k.entries = append(k.entries, msg)
	sort.SliceStable(k.entries, func(i, j int) bool {
		return k.entries[i].CreatedAt.Before(k.entries[j].CreatedAt)
	})
	if over := len(k.entries) - m.capacity; over > 0 {
		k.entries = k.entries[over:]
	}
	k.expiresAt = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Range(_ context.Context, key string, from, to time.Time, limit int) ([]memtypes.PendingMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[key]
	if k == nil {
		return nil, nil
	}
	if m.now().After(k.expiresAt) {
		delete(m.keys, key)
		return nil, nil
	}
	if limit <= 0 {
		limit = m.capacity
	}
	out := make([]memtypes.PendingMessage, 0)
	for _, e := range k.entries {
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RemoveMessages(_ context.Context, key string, messageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keys[key]
	if k == nil {
		return nil
	}
	want := map[string]bool{}
	for _, id := range messageIDs {
		want[id] = true
	}
	kept := k.entries[:0]
	for _, e := range k.entries {
		if !want[e.MessageID] {
			kept = append(kept, e)
		}
	}
	k.entries = kept
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// Len reports the entry count for a key.
func (m *Memory) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k := m.keys[key]; k != nil {
		return len(k.entries)
	}
	return 0
}
