package llm

import (
	"context"
	"sync"

	"evermem/internal/memerr"
)

// Scripted is a deterministic Completer that replays canned JSON responses in
// order. It backs property tests and offline development. A response of ""
// yields an extraction error, simulating a permanently unparseable reply.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	idx       int
	// Fn, when set, overrides the canned list and computes the response from
	// the request.
	Fn func(req Request) (string, error)
}

// NewScripted returns a stub that replays responses in order; the final entry
// repeats once the list is exhausted.
func NewScripted(responses ...string) *Scripted {
	return &Scripted{responses: responses}
}

func (s *Scripted) Complete(_ context.Context, req Request) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw string
	if s.Fn != nil {
		var err error
		raw, err = s.Fn(req)
		if err != nil {
			return Usage{}, err
		}
	} else {
		if len(s.responses) == 0 {
			return Usage{}, memerr.Extraction("llm.stub", nil)
		}
		raw = s.responses[s.idx]
		if s.idx < len(s.responses)-1 {
			s.idx++
		}
	}
	if raw == "" {
		return Usage{}, memerr.Extraction("llm.stub", nil)
	}
	if req.Out != nil {
		if err := DecodeJSON(raw, req.Out); err != nil {
			return Usage{}, memerr.Extraction("llm.stub", err)
		}
	}
	return Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, nil
}
