package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"evermem/internal/memerr"
)

func TestDecodeJSONHandlesFencesAndProse(t *testing.T) {
	type out struct {
		Decision string `json:"decision"`
	}
	cases := []string{
		`{"decision":"boundary"}`,
		"```json\n{\"decision\":\"boundary\"}\n```",
		"Here is the result:\n{\"decision\":\"boundary\"}",
		"```\n{\"decision\":\"boundary\"}\n```",
	}
	for i, raw := range cases {
		var o out
		if err := DecodeJSON(raw, &o); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if o.Decision != "boundary" {
			t.Fatalf("case %d: decision=%q", i, o.Decision)
		}
	}
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	var o map[string]any
	if err := DecodeJSON("not json at all", &o); err == nil {
		t.Fatalf("expected decode failure")
	}
}

func TestScriptedReplaysInOrderAndRepeatsLast(t *testing.T) {
	s := NewScripted(`{"n":1}`, `{"n":2}`)
	for _, want := range []int{1, 2, 2} {
		var out struct {
			N int `json:"n"`
		}
		if _, err := s.Complete(context.Background(), Request{Out: &out}); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if out.N != want {
			t.Fatalf("got %d, want %d", out.N, want)
		}
	}
}

func TestScriptedEmptyResponseIsExtractionError(t *testing.T) {
	s := NewScripted("")
	var out map[string]any
	_, err := s.Complete(context.Background(), Request{Out: &out})
	if memerr.KindOf(err) != memerr.KindExtraction {
		t.Fatalf("expected extraction error, got %v", err)
	}
}

func TestBackoffForRateLimit(t *testing.T) {
	err := errors.New("request failed with status 429")
	if !isRateLimited(err) {
		t.Fatalf("429 transport error should classify as rate limited")
	}
	if d := backoffFor(err, 1); d < time.Second {
		t.Fatalf("rate-limited backoff should not undercut the base delay: %v", d)
	}
	if !isRetryableTransport(err) {
		t.Fatalf("rate limit must be retryable")
	}
}
