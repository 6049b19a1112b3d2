package ingest

import (
	"strings"
	"testing"
	"time"

	"evermem/internal/memtypes"
)

func TestToPendingValidatesRequiredFields(t *testing.T) {
	cases := []Message{
		{CreateTime: "2025-01-15T10:00:00+08:00", Sender: "u1", Content: "hi"}, // no id
		{MessageID: "m1", Sender: "u1", Content: "hi"},                        // no time
		{MessageID: "m1", CreateTime: "2025-01-15T10:00:00+08:00", Content: "hi"},
		{MessageID: "m1", CreateTime: "2025-01-15T10:00:00+08:00", Sender: "u1"},
	}
	long := strings.Repeat("x", 101)
	cases = append(cases, Message{MessageID: long, CreateTime: "2025-01-15T10:00:00Z", Sender: "u1", Content: "hi"})
	for i, c := range cases {
		if _, err := c.ToPending(); err == nil {
			t.Fatalf("case %d should fail validation", i)
		}
	}
}

func TestToPendingNormalizesToUTC(t *testing.T) {
	m := Message{
		MessageID:  "m1",
		CreateTime: "2025-01-15T10:00:00+08:00",
		Sender:     "u1",
		SenderName: "张三",
		Content:    "今天讨论下新功能的技术方案",
		GroupID:    "group_123",
		ReferList:  []string{"m0"},
	}
	p, err := m.ToPending()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)
	if !p.CreatedAt.Equal(want) {
		t.Fatalf("timestamp not normalized to UTC: %v", p.CreatedAt)
	}
	if p.Role != memtypes.RoleUser {
		t.Fatalf("default role must be user")
	}
	if len(p.ReferList) != 1 || p.ReferList[0] != "m0" {
		t.Fatalf("refer_list lost")
	}
}

func TestToPendingRejectsBadTimestamp(t *testing.T) {
	m := Message{MessageID: "m1", CreateTime: "yesterday", Sender: "u1", Content: "hi"}
	if _, err := m.ToPending(); err == nil {
		t.Fatalf("unparseable create_time must fail")
	}
}
