package retrieval_test

import (
	"context"
	"testing"

	"evermem/internal/llm"
	"evermem/internal/retrieval"
	"evermem/internal/vectorize"
)

func TestRetrieveAgenticAlwaysInsufficientRunsTwoRounds(t *testing.T) {
	vz := vectorize.NewHashing(64)
	lex, vec := seedIndexes(t, vz)
	eng := retrieval.New(lex, vec, vz, retrieval.Config{MaxRounds: 2})

	judge := llm.NewScripted(`{"is_sufficient": false,
		"reasoning": "needs more context",
		"missing_information": ["dates"],
		"refined_queries": ["lives berlin", "favourite food"]}`)

	resp, err := eng.RetrieveAgentic(context.Background(), judge, retrieval.AgenticQuery{
		Text: "where does alice live", UserID: "alice", TopK: 5,
	})
	if err != nil {
		t.Fatalf("agentic retrieve: %v", err)
	}
	md := resp.Metadata
	if !md.IsMultiRound {
		t.Fatalf("expected is_multi_round=true, metadata: %+v", md)
	}
	if md.IsSufficient == nil || *md.IsSufficient {
		t.Fatalf("judge verdict not recorded")
	}
	if md.Round2Count == 0 {
		t.Fatalf("round2_count must be > 0")
	}
	if len(md.RefinedQueries) != 2 {
		t.Fatalf("refined queries not propagated: %+v", md.RefinedQueries)
	}
	if md.Reasoning == "" {
		t.Fatalf("reasoning missing")
	}
}

func TestRetrieveAgenticSufficientStopsAfterRoundOne(t *testing.T) {
	vz := vectorize.NewHashing(64)
	lex, vec := seedIndexes(t, vz)
	eng := retrieval.New(lex, vec, vz, retrieval.Config{MaxRounds: 2})

	judge := llm.NewScripted(`{"is_sufficient": true, "reasoning": "covered", "missing_information": [], "refined_queries": []}`)
	resp, err := eng.RetrieveAgentic(context.Background(), judge, retrieval.AgenticQuery{
		Text: "pho", UserID: "alice", TopK: 5,
	})
	if err != nil {
		t.Fatalf("agentic retrieve: %v", err)
	}
	if resp.Metadata.IsMultiRound {
		t.Fatalf("sufficient round 1 must not trigger round 2")
	}
	if resp.Metadata.Round1Count == 0 {
		t.Fatalf("round1_count not recorded")
	}
}

func TestRetrieveAgenticJudgeFailureDegradesToRoundOne(t *testing.T) {
	vz := vectorize.NewHashing(64)
	lex, vec := seedIndexes(t, vz)
	eng := retrieval.New(lex, vec, vz, retrieval.Config{MaxRounds: 2})

	judge := llm.NewScripted("") // permanently unparseable
	resp, err := eng.RetrieveAgentic(context.Background(), judge, retrieval.AgenticQuery{
		Text: "berlin", UserID: "alice", TopK: 5,
	})
	if err != nil {
		t.Fatalf("judge failure must not fail retrieval: %v", err)
	}
	if resp.Metadata.IsMultiRound {
		t.Fatalf("no second round without a judge verdict")
	}
}
