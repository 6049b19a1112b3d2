package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/llm"
	"evermem/internal/memtypes"
)

// AgenticQuery is a retrieval request refined by an LLM sufficiency judge.
type AgenticQuery struct {
	Text           string
	UserID         string
	GroupID        string
	TopK           int
	TimeRangeDays  int
	Source         memtypes.DataSource
	MaxRounds      int
	JudgeTemp      float64
	JudgeMaxTokens int
}

type judgeResp struct {
	IsSufficient       bool     `json:"is_sufficient"`
	Reasoning          string   `json:"reasoning"`
	MissingInformation []string `json:"missing_information"`
	RefinedQueries     []string `json:"refined_queries"`
}

// RetrieveAgentic runs round-1 RRF retrieval, asks the judge whether the
// results answer the query, and when they do not, fans the refined queries
// out in parallel and re-fuses the union with round 1. Deadline expiry during
// round 2 degrades to round-1 results with a flag.
func (e *Engine) RetrieveAgentic(ctx context.Context, completer llm.Completer, q AgenticQuery) (Response, error) {
	start := time.Now()
	maxRounds := q.MaxRounds
	if maxRounds <= 0 {
		maxRounds = e.cfg.MaxRounds
	}
	base := e.baseQuery(q)

	round1, err := e.Retrieve(ctx, base)
	if err != nil {
		return Response{}, err
	}
	meta := round1.Metadata
	meta.Mode = ModeRRF
	meta.Round1Count = len(round1.Memories)

	if maxRounds < 2 || completer == nil {
		meta.TotalLatencyMS = time.Since(start).Milliseconds()
		return Response{Memories: round1.Memories, Metadata: meta}, nil
	}

	judge, err := e.judge(ctx, completer, q, round1.Memories)
	if err != nil {
		// Judge failure is not a retrieval failure; round-1 results stand.
		log.Warn().Err(err).Msg("agentic_judge_failed")
		meta.TotalLatencyMS = time.Since(start).Milliseconds()
		return Response{Memories: round1.Memories, Metadata: meta}, nil
	}
	suff := judge.IsSufficient
	meta.IsSufficient = &suff
	meta.Reasoning = judge.Reasoning
	meta.MissingInformation = judge.MissingInformation
	meta.RefinedQueries = judge.RefinedQueries

	if judge.IsSufficient || len(judge.RefinedQueries) == 0 {
		meta.TotalLatencyMS = time.Since(start).Milliseconds()
		return Response{Memories: round1.Memories, Metadata: meta}, nil
	}

	lists, expired := e.round2(ctx, base, judge.RefinedQueries)
	if expired {
		meta.DeadlineExpired = true
		meta.TotalLatencyMS = time.Since(start).Milliseconds()
		return Response{Memories: round1.Memories, Metadata: meta}, nil
	}

	round2Count := 0
	for _, l := range lists {
		round2Count += len(l)
	}
	all := append([][]Record{round1.Memories}, lists...)
	fused := FuseRRF(all, e.cfg.RRFRankConstant)
	topK := q.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}

	meta.IsMultiRound = true
	meta.Round2Count = round2Count
	meta.DeadlineExpired = expired
	meta.TotalLatencyMS = time.Since(start).Milliseconds()
	return Response{Memories: fused, Metadata: meta}, nil
}

func (e *Engine) baseQuery(q AgenticQuery) Query {
	base := Query{
		Text:   q.Text,
		Source: q.Source,
		Mode:   ModeRRF,
		TopK:   q.TopK,
		UserID: q.UserID,
	}
	if q.GroupID != "" {
		base.Scope = ScopeGroup
		base.GroupID = q.GroupID
	} else if q.UserID != "" {
		base.Scope = ScopePersonal
	}
	if q.TimeRangeDays > 0 {
		from := time.Now().UTC().AddDate(0, 0, -q.TimeRangeDays)
		base.From = &from
	}
	return base
}

func (e *Engine) judge(ctx context.Context, completer llm.Completer, q AgenticQuery, results []Record) (judgeResp, error) {
	var resp judgeResp
	_, err := completer.Complete(ctx, llm.Request{
		System:      judgeSystem,
		Prompt:      judgePrompt(q.Text, results),
		Temperature: q.JudgeTemp,
		MaxTokens:   orDefault(q.JudgeMaxTokens, 1024),
		Out:         &resp,
	})
	return resp, err
}

// round2 issues each refined query in parallel. Individual failures drop
// that list; ctx expiry is reported so the caller can degrade.
func (e *Engine) round2(ctx context.Context, base Query, refined []string) ([][]Record, bool) {
	type result struct {
		idx  int
		recs []Record
	}
	results := make(chan result, len(refined))
	for i, rq := range refined {
		go func(i int, text string) {
			sub := base
			sub.Text = text
			resp, err := e.Retrieve(ctx, sub)
			if err != nil {
				log.Warn().Err(err).Str("query", text).Msg("agentic_round2_query_failed")
				results <- result{idx: i}
				return
			}
			results <- result{idx: i, recs: resp.Memories}
		}(i, rq)
	}
	lists := make([][]Record, 0, len(refined))
	expired := false
	for range refined {
		select {
		case <-ctx.Done():
			expired = true
		case r := <-results:
			if len(r.recs) > 0 {
				lists = append(lists, r.recs)
			}
		}
		if expired {
			break
		}
	}
	return lists, expired
}

const judgeSystem = `You judge whether retrieved memories are sufficient to answer a query.
If they are not, propose up to three refined queries that target the missing
information. Respond with JSON only:
{"is_sufficient":true|false,"reasoning":"...","missing_information":["..."],
"refined_queries":["..."]}`

func judgePrompt(query string, results []Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nRetrieved memories (%d):\n", query, len(results))
	for i, r := range results {
		content := r.Content
		if len(content) > 300 {
			content = content[:300]
		}
		fmt.Fprintf(&b, "%d. [%s, %s] %s\n", i+1, r.Type, r.Timestamp.Format("2006-01-02"), content)
	}
	if len(results) == 0 {
		b.WriteString("(none)\n")
	}
	return b.String()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
