package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deckeval/internal/evaluator"
	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
	"github.com/sells-group/deckeval/internal/store"
)

// Notifier delivers a finalized report to an external webhook.
type Notifier interface {
	NotifyReport(ctx context.Context, url string, report *model.Report) error
}

// Options configures a Coordinator.
type Options struct {
	// Retry controls per-category retry behavior for transient upstream
	// failures. Defaults to resilience.DefaultRetryConfig.
	Retry resilience.RetryConfig

	// DLQMaxRetries is the retry budget recorded on dead letter entries.
	DLQMaxRetries int

	// DLQRetryDelay is how far in the future a dead letter entry becomes
	// eligible for redelivery.
	DLQRetryDelay time.Duration
}

// Coordinator fans a submission out to one evaluation per category, collects
// whatever succeeds, and finalizes a report. A single failed category does not
// sink the run: the report is marked failed but still carries the results and
// overall score of the categories that completed.
type Coordinator struct {
	evaluator evaluator.CategoryEvaluator
	decider   evaluator.DecisionMaker
	store     store.Store
	notifier  Notifier
	opts      Options
}

// New creates a Coordinator. decider and notifier may be nil.
func New(eval evaluator.CategoryEvaluator, decider evaluator.DecisionMaker, st store.Store, notifier Notifier, opts Options) *Coordinator {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = 3
	}
	if opts.DLQRetryDelay == 0 {
		opts.DLQRetryDelay = 5 * time.Minute
	}
	return &Coordinator{
		evaluator: eval,
		decider:   decider,
		store:     st,
		notifier:  notifier,
		opts:      opts,
	}
}

// Replay re-evaluates a submission whose earlier run finalized failed, such
// as a dead letter entry being retried. The stored failed report is reopened
// first so the fresh run can take ownership of the row again; a missing row
// is fine, Run will recreate it.
func (c *Coordinator) Replay(ctx context.Context, sub model.DeckSubmission) (*model.Report, error) {
	if err := c.store.ReopenReport(ctx, sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "coordinator: reopen report %s", sub.ID)
	}
	return c.Run(ctx, sub)
}

// Run evaluates every category of a submission in parallel and persists the
// finalized report. The returned report mirrors what was stored.
func (c *Coordinator) Run(ctx context.Context, sub model.DeckSubmission) (*model.Report, error) {
	log := zap.L().With(zap.String("submission_id", sub.ID), zap.String("company", sub.CompanyName))
	log.Info("coordinator: starting evaluation")

	report := model.NewReport(sub)
	if err := c.store.PutReport(ctx, report); err != nil {
		return nil, eris.Wrap(err, "coordinator: create report")
	}

	categories := model.AllCategories()
	results := make([]model.CategoryResult, len(categories))
	failures := make([]error, len(categories))

	g, gCtx := errgroup.WithContext(ctx)
	for i, cat := range categories {
		g.Go(func() error {
			start := time.Now()
			res, err := c.evaluateCategory(gCtx, sub, cat)
			if err != nil {
				failures[i] = err
				log.Warn("coordinator: category failed",
					zap.String("category", string(cat)),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err),
				)
				return nil
			}
			results[i] = res
			log.Info("coordinator: category complete",
				zap.String("category", string(cat)),
				zap.Int("score", res.Score),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	// Category errors are tracked per slot and never cancel siblings.
	_ = g.Wait()

	if ctx.Err() != nil {
		if failErr := report.Fail("evaluation canceled: " + ctx.Err().Error()); failErr != nil {
			log.Warn("coordinator: failed to mark report canceled", zap.Error(failErr))
		}
		// The run context is already dead, so persist on a fresh one.
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if persistErr := c.persist(pctx, log, report); persistErr != nil {
			log.Warn("coordinator: failed to persist canceled report", zap.Error(persistErr))
		}
		return report, eris.Wrap(ctx.Err(), "coordinator: run")
	}

	for i, cat := range categories {
		if failures[i] != nil {
			if err := report.RecordError(cat, failures[i].Error()); err != nil {
				log.Warn("coordinator: record error", zap.String("category", string(cat)), zap.Error(err))
			}
			c.deadLetter(ctx, log, sub, cat, failures[i])
			continue
		}
		if err := report.AddResult(results[i]); err != nil {
			log.Warn("coordinator: add result", zap.String("category", string(cat)), zap.Error(err))
		}
	}

	if err := report.Finalize(); err != nil {
		return nil, eris.Wrap(err, "coordinator: finalize report")
	}

	// Decision synthesis is best effort and only meaningful on a full set of
	// category results.
	if c.decider != nil && report.Status == model.StatusComplete {
		decision, err := c.decider.Decide(ctx, sub, report)
		if err != nil {
			log.Warn("coordinator: decision failed", zap.Error(err))
		} else {
			report.Decision = decision
		}
	}

	if err := c.persist(ctx, log, report); err != nil {
		return nil, err
	}

	if c.notifier != nil && sub.NotifyURL != "" {
		go c.notify(sub.NotifyURL, report.Clone())
	}

	overall := 0.0
	if report.OverallScore != nil {
		overall = *report.OverallScore
	}
	log.Info("coordinator: evaluation finished",
		zap.String("status", string(report.Status)),
		zap.Int("results", len(report.CategoryResults)),
		zap.Int("failed_categories", len(report.Errors)),
		zap.Float64("overall_score", overall),
	)
	return report, nil
}

// evaluateCategory runs one category with transient-error retries, then gives
// the model a single clean re-invocation if the final failure was an
// unparsable response.
func (c *Coordinator) evaluateCategory(ctx context.Context, sub model.DeckSubmission, cat model.Category) (model.CategoryResult, error) {
	cfg := c.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("evaluator", string(cat))

	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (model.CategoryResult, error) {
		return c.evaluator.Evaluate(ctx, sub, cat)
	})
	if err != nil && errors.Is(err, evaluator.ErrMalformedResponse) && ctx.Err() == nil {
		zap.L().Warn("coordinator: malformed response, re-invoking once",
			zap.String("submission_id", sub.ID),
			zap.String("category", string(cat)),
		)
		res, err = c.evaluator.Evaluate(ctx, sub, cat)
	}
	return res, err
}

func (c *Coordinator) persist(ctx context.Context, log *zap.Logger, report *model.Report) error {
	if err := c.store.PutReport(ctx, report); err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			log.Warn("coordinator: report already finalized by another writer", zap.String("report_id", report.ID))
			return eris.Wrapf(err, "coordinator: persist report %s", report.ID)
		}
		return eris.Wrapf(err, "coordinator: persist report %s", report.ID)
	}
	return nil
}

// deadLetter records an exhausted category so the failure can be replayed
// later. Enqueue failures are logged, never fatal.
func (c *Coordinator) deadLetter(ctx context.Context, log *zap.Logger, sub model.DeckSubmission, cat model.Category, cause error) {
	now := time.Now().UTC()
	entry := resilience.DLQEntry{
		Submission:   sub,
		Error:        cause.Error(),
		ErrorType:    resilience.ClassifyError(cause),
		FailedStage:  string(cat),
		MaxRetries:   c.opts.DLQMaxRetries,
		NextRetryAt:  now.Add(c.opts.DLQRetryDelay),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if err := c.store.EnqueueDLQ(ctx, entry); err != nil {
		log.Warn("coordinator: dead letter enqueue failed",
			zap.String("category", string(cat)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) notify(url string, report *model.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.notifier.NotifyReport(ctx, url, report); err != nil {
		zap.L().Warn("coordinator: webhook notify failed",
			zap.String("report_id", report.ID),
			zap.Error(err),
		)
	}
}
