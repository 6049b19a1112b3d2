package convqueue_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"evermem/internal/convqueue"
	"evermem/internal/memtypes"
)

var base = time.Date(2025, 6, 20, 15, 0, 0, 0, time.UTC)

func entry(id string, at time.Time) memtypes.PendingMessage {
	return memtypes.PendingMessage{MessageID: id, SenderID: "u", Content: id, CreatedAt: at}
}

func TestAppendTruncatesHeadOverCapacity(t *testing.T) {
	q := convqueue.NewMemory(3, time.Hour)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Append(ctx, "g", entry(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := q.Range(ctx, "g", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("capacity 3, got %d entries", len(got))
	}
	if got[0].MessageID != "m2" {
		t.Fatalf("oldest entries must be truncated first, head is %s", got[0].MessageID)
	}
}

func TestRangeFiltersByTimeAscending(t *testing.T) {
	q := convqueue.NewMemory(10, time.Hour)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Append(ctx, "g", entry(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	got, err := q.Range(ctx, "g", base.Add(time.Minute), base.Add(3*time.Minute), 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries in window, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("entries not ascending")
		}
	}
}

func TestRemoveMessagesDropsOnlyListed(t *testing.T) {
	q := convqueue.NewMemory(10, time.Hour)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = q.Append(ctx, "g", entry(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	if err := q.RemoveMessages(ctx, "g", []string{"m0", "m2"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ := q.Range(ctx, "g", time.Time{}, time.Time{}, 0)
	if len(got) != 2 || got[0].MessageID != "m1" || got[1].MessageID != "m3" {
		t.Fatalf("unexpected survivors: %+v", got)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	q := convqueue.NewMemory(10, time.Hour)
	ctx := context.Background()
	_ = q.Append(ctx, "g", entry("m0", base))
	if err := q.Delete(ctx, "g"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := q.Range(ctx, "g", time.Time{}, time.Time{}, 0)
	if len(got) != 0 {
		t.Fatalf("key should be gone")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	q := convqueue.NewMemory(10, time.Hour)
	ctx := context.Background()
	_ = q.Append(ctx, "g1", entry("a", base))
	_ = q.Append(ctx, "g2", entry("b", base))
	_ = q.Delete(ctx, "g1")
	got, _ := q.Range(ctx, "g2", time.Time{}, time.Time{}, 0)
	if len(got) != 1 {
		t.Fatalf("deleting one key must not touch another")
	}
}

func TestLocalLockerSerializes(t *testing.T) {
	l := convqueue.NewLocalLocker()
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "r", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		u2, err := l.Lock(ctx, "r", time.Second)
		if err == nil {
			close(acquired)
			u2()
		}
	}()
	select {
	case <-acquired:
		t.Fatalf("second holder acquired while first held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock not released")
	}
}
