package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/rs/zerolog/log"

	"evermem/internal/memerr"
)

const (
	transportRetries = 3
	parseRetries     = 3
)

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is one structured completion call. Out, when non-nil, must be a
// pointer; the response body is parsed into it as JSON and a nil error means
// the parse succeeded.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	Out         any
}

// Completer is the interface components program against; tests substitute a
// scripted stub.
type Completer interface {
	Complete(ctx context.Context, req Request) (Usage, error)
}

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	sdk   sdk.Client
	model string
}

// NewClient builds a client. An empty endpoint uses the SDK default host.
func NewClient(endpoint, apiKey, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

// Complete issues the call with transport retries (capped backoff, jittered
// sleep on 429) and, when req.Out is set, re-issues the whole call with a
// stricter instruction for responses that fail to parse. After all parse
// retries it surfaces a typed extraction error.
func (c *Client) Complete(ctx context.Context, req Request) (Usage, error) {
	prompt := req.Prompt
	var lastErr error
	for parseAttempt := 0; parseAttempt < parseRetries; parseAttempt++ {
		raw, usage, err := c.call(ctx, req.System, prompt, req.Temperature, req.MaxTokens)
		if err != nil {
			return usage, err
		}
		if req.Out == nil {
			return usage, nil
		}
		if err := DecodeJSON(raw, req.Out); err == nil {
			return usage, nil
		} else {
			lastErr = err
			log.Warn().Err(err).Int("attempt", parseAttempt+1).Msg("llm_response_parse_failed")
			// Tighten the instruction for the retry.
			prompt = req.Prompt + "\n\nRespond with ONLY a single valid JSON object. No prose, no markdown fences."
		}
	}
	return Usage{}, memerr.Extraction("llm.complete", lastErr)
}

func (c *Client) call(ctx context.Context, system, prompt string, temperature float64, maxTokens int) (string, Usage, error) {
	msgs := []sdk.ChatCompletionMessageParamUnion{}
	if system != "" {
		msgs = append(msgs, sdk.SystemMessage(system))
	}
	msgs = append(msgs, sdk.UserMessage(prompt))
	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    msgs,
		Temperature: param.NewOpt(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(maxTokens))
	}

	var lastErr error
	for attempt := 0; attempt < transportRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffFor(lastErr, attempt)); err != nil {
				return "", Usage{}, memerr.Transient("llm.call", err)
			}
		}
		resp, err := c.sdk.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if !isRetryableTransport(err) {
				break
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices returned")
			continue
		}
		usage := Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		return resp.Choices[0].Message.Content, usage, nil
	}
	if isRateLimited(lastErr) {
		return "", Usage{}, memerr.RateLimited("llm.call", lastErr)
	}
	return "", Usage{}, memerr.Transient("llm.call", lastErr)
}

// backoffFor returns the retry delay; 429 gets a randomized sleep so herds
// of callers do not retry in lockstep.
func backoffFor(err error, attempt int) time.Duration {
	base := time.Duration(attempt) * time.Second
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	if isRateLimited(err) {
		return base + time.Duration(rand.Intn(2000))*time.Millisecond
	}
	return base
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(err.Error(), "429")
}

func isRetryableTransport(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimited(err) {
		return true
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	// Connection-level failures have no status code.
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// DecodeJSON parses an LLM response body into out, tolerating markdown fences
// and leading prose around the outermost JSON value.
func DecodeJSON(raw string, out any) error {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		if i := strings.IndexAny(s, "{["); i >= 0 {
			s = s[i:]
		}
	}
	dec := json.NewDecoder(strings.NewReader(s))
	return dec.Decode(out)
}
