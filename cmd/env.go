package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/evaluator"
	"github.com/sells-group/deckeval/internal/pipeline"
	"github.com/sells-group/deckeval/internal/resilience"
	"github.com/sells-group/deckeval/internal/service"
	"github.com/sells-group/deckeval/internal/store"
	anthropicpkg "github.com/sells-group/deckeval/pkg/anthropic"
	"github.com/sells-group/deckeval/pkg/notify"
)

// evalEnv holds the initialized store, coordinator, and service needed by the
// evaluate/serve/dlq commands.
type evalEnv struct {
	Store       store.Store
	Evaluator   *evaluator.LLMEvaluator
	Coordinator *pipeline.Coordinator
	Service     *service.Service
}

// Close releases resources held by the environment.
func (e *evalEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	var st store.Store
	var err error

	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "deckeval.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	return store.NewCachedStore(st, cfg.Cache.Capacity), nil
}

// initEnv sets up the store, the Anthropic-backed evaluator, and the
// coordinator and service around them. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*evalEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rubrics, err := evaluator.LoadRubrics(cfg.Evaluator.RubricPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load rubrics")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())

	eval := evaluator.NewLLMEvaluator(anthropicClient, evaluator.Options{
		Model:          cfg.Anthropic.Model,
		CallTimeout:    cfg.Evaluator.EvaluatorTimeout(),
		RequestsPerSec: cfg.Evaluator.RequestsPerSec,
		MaxDeckChars:   cfg.Evaluator.MaxDeckChars,
		Rubrics:        rubrics,
		Breaker:        breaker,
	})

	var notifier pipeline.Notifier
	if cfg.Notify.TimeoutSecs > 0 {
		notifier = notify.NewWebhookNotifier(
			notify.WithTimeout(time.Duration(cfg.Notify.TimeoutSecs) * time.Second),
		)
	} else {
		notifier = notify.NewWebhookNotifier()
	}

	retry := resilience.RetryForAttempts(cfg.Evaluator.MaxAttempts)

	coord := pipeline.New(eval, eval, st, notifier, pipeline.Options{Retry: retry})

	svc := service.New(coord, st, service.Options{
		MaxConcurrent: cfg.Service.MaxConcurrentEvaluations,
		MaxDeckBytes:  cfg.Service.MaxDeckBytes,
	})

	zap.L().Info("environment initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Anthropic.Model),
		zap.Int("max_concurrent", cfg.Service.MaxConcurrentEvaluations),
	)

	return &evalEnv{
		Store:       st,
		Evaluator:   eval,
		Coordinator: coord,
		Service:     svc,
	}, nil
}
