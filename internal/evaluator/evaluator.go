// Package evaluator produces per-category pitch deck scores by prompting an
// external text-generation service and enforcing a strict parse-and-validate
// boundary on its free-form responses.
package evaluator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
	"github.com/sells-group/deckeval/pkg/anthropic"
)

// CategoryEvaluator scores one category of a pitch deck.
type CategoryEvaluator interface {
	Evaluate(ctx context.Context, sub model.DeckSubmission, cat model.Category) (model.CategoryResult, error)
}

// DecisionMaker synthesizes an investment decision from a finalized set of
// category results.
type DecisionMaker interface {
	Decide(ctx context.Context, sub model.DeckSubmission, report *model.Report) (*model.InvestmentDecision, error)
}

// Options configures an LLMEvaluator.
type Options struct {
	Model          string
	MaxTokens      int64
	CallTimeout    time.Duration
	RequestsPerSec float64
	MaxDeckChars   int
	Rubrics        map[model.Category]Rubric
	Breaker        *resilience.CircuitBreaker
}

// LLMEvaluator implements CategoryEvaluator and DecisionMaker against the
// Anthropic messages API.
type LLMEvaluator struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	callTimeout  time.Duration
	maxDeckChars int
	rubrics      map[model.Category]Rubric
	limiter      *rate.Limiter
	breaker      *resilience.CircuitBreaker
}

// NewLLMEvaluator creates an evaluator backed by the given client. Zero-value
// options fall back to conservative defaults.
func NewLLMEvaluator(client anthropic.Client, opts Options) *LLMEvaluator {
	if opts.Model == "" {
		opts.Model = "claude-sonnet-4-5-20250929"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 4
	}
	if opts.MaxDeckChars <= 0 {
		opts.MaxDeckChars = 60000
	}
	if opts.Rubrics == nil {
		opts.Rubrics, _ = LoadRubrics("")
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}

	return &LLMEvaluator{
		client:       client,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		callTimeout:  opts.CallTimeout,
		maxDeckChars: opts.MaxDeckChars,
		rubrics:      opts.Rubrics,
		limiter:      rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		breaker:      opts.Breaker,
	}
}

// Evaluate scores one category. Failures are classified into the scoring
// taxonomy: unreachable or erroring upstream becomes ErrUpstreamUnavailable,
// a blown deadline becomes ErrTimeout (both transient), and an unparsable
// payload becomes ErrMalformedResponse.
func (e *LLMEvaluator) Evaluate(ctx context.Context, sub model.DeckSubmission, cat model.Category) (model.CategoryResult, error) {
	if !cat.Valid() {
		return model.CategoryResult{}, eris.Errorf("evaluator: unknown category %q", cat)
	}
	rubric, ok := e.rubrics[cat]
	if !ok {
		return model.CategoryResult{}, eris.Errorf("evaluator: no rubric for category %q", cat)
	}

	text, err := e.complete(ctx, scoringSystemPrompt, sub, buildScorePrompt(cat, rubric, sub), string(cat))
	if err != nil {
		return model.CategoryResult{}, e.classify(err, string(cat))
	}

	res, err := parseScorePayload(cat, text)
	if err != nil {
		zap.L().Warn("unparsable scoring payload",
			zap.String("submission_id", sub.ID),
			zap.String("category", string(cat)),
			zap.Int("payload_len", len(text)),
		)
		return model.CategoryResult{}, err
	}

	zap.L().Debug("category scored",
		zap.String("submission_id", sub.ID),
		zap.String("category", string(cat)),
		zap.Int("score", res.Score),
	)
	return res, nil
}

// Decide synthesizes the investment decision from the report's category
// results. Requires at least one successful category.
func (e *LLMEvaluator) Decide(ctx context.Context, sub model.DeckSubmission, report *model.Report) (*model.InvestmentDecision, error) {
	if len(report.CategoryResults) == 0 {
		return nil, eris.Errorf("evaluator: report %s has no category results to decide from", report.ID)
	}

	text, err := e.complete(ctx, decisionSystemPrompt, sub, buildDecisionPrompt(sub, report), "decision")
	if err != nil {
		return nil, e.classify(err, "decision")
	}

	return parseDecisionPayload(text)
}

// complete runs one rate-limited, circuit-protected message call with the
// deck text attached as a cached system block, and returns the response text.
func (e *LLMEvaluator) complete(ctx context.Context, system string, sub model.DeckSubmission, prompt, operation string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	deck := truncateDeck(sub.RawText, e.maxDeckChars)
	req := anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System: append(
			[]anthropic.SystemBlock{{Text: system}},
			anthropic.BuildCachedSystemBlocks("Pitch deck text:\n\n"+deck)...,
		),
		Messages: []anthropic.Message{
			{Role: "user", Content: prompt},
		},
	}

	resp, err := resilience.ExecuteVal(callCtx, e.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return "", err
	}

	resp.Usage.LogCost(e.model, "score_"+operation)
	return extractText(resp), nil
}

// classify maps transport-level call errors onto the scoring taxonomy.
// Timeouts and upstream failures are wrapped as transient so retry and
// circuit-breaker logic treat them as retryable.
func (e *LLMEvaluator) classify(err error, operation string) error {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return resilience.NewTransientError(eris.Wrapf(ErrUpstreamUnavailable, "evaluator: %s: circuit open", operation), 0)
	case errors.Is(err, context.DeadlineExceeded):
		return resilience.NewTransientError(eris.Wrapf(ErrTimeout, "evaluator: %s", operation), 0)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return resilience.NewTransientError(eris.Wrapf(ErrUpstreamUnavailable, "evaluator: %s: %v", operation, err), 0)
	}
}

// truncateDeck cuts deck text to at most maxChars runes, on a line boundary
// where one is close.
func truncateDeck(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars])
	if idx := lastNewlineAfter(cut, maxChars*9/10); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "\n[truncated]"
}

func lastNewlineAfter(s string, min int) int {
	for i := len(s) - 1; i >= min; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
