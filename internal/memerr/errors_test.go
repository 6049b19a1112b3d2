package memerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfTypedAndUntyped(t *testing.T) {
	if KindOf(InvalidInput("op", "bad field")) != KindInvalidInput {
		t.Fatalf("invalid input kind lost")
	}
	if KindOf(fmt.Errorf("plain")) != KindUnknown {
		t.Fatalf("untyped errors are unknown")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := Transient("store.append", errors.New("connection reset"))
	wrapped := fmt.Errorf("worker: %w", inner)
	if KindOf(wrapped) != KindTransientBackend {
		t.Fatalf("kind must survive %%w wrapping")
	}
	var e *Error
	if !errors.As(wrapped, &e) || e.Op != "store.append" {
		t.Fatalf("op lost through wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Transient("op", errors.New("x")), true},
		{RateLimited("op", errors.New("429")), true},
		{Extraction("op", errors.New("bad json")), false},
		{Fatal("op", "invariant broken"), false},
		{InvalidInput("op", "missing"), false},
	}
	for i, c := range cases {
		if IsRetryable(c.err) != c.want {
			t.Fatalf("case %d: IsRetryable=%v, want %v", i, !c.want, c.want)
		}
	}
}

func TestErrorStringContainsOpAndKind(t *testing.T) {
	err := Extraction("segment.detect", errors.New("unparseable"))
	s := err.Error()
	for _, frag := range []string{"segment.detect", "extraction_error", "unparseable"} {
		if !strings.Contains(s, frag) {
			t.Fatalf("error string %q missing %q", s, frag)
		}
	}
}
