package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsense/reportgen/internal/cost"
	"github.com/civicsense/reportgen/internal/lock"
	"github.com/civicsense/reportgen/internal/monitoring"
	"github.com/civicsense/reportgen/internal/output"
	"github.com/civicsense/reportgen/internal/pipeline"
	"github.com/civicsense/reportgen/internal/step"
	"github.com/civicsense/reportgen/internal/steps"
	"github.com/civicsense/reportgen/internal/store"
	"github.com/civicsense/reportgen/pkg/anthropic"
)

// runEnv holds the initialized store, lock manager, and runner shared by the
// worker, run, and status commands.
type runEnv struct {
	Store     store.Store
	Locks     *lock.Manager
	Runner    *pipeline.Runner
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *runEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore picks the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "", "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, lock manager, step executor, and pipeline
// runner. Callers should defer env.Close().
func initEnv(ctx context.Context) (*runEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	durations := lock.Derive(cfg.Pipeline.Timeout()).WithOverrides(
		time.Duration(cfg.Pipeline.LockTTLSecs)*time.Second,
		time.Duration(cfg.Pipeline.LockExtensionSecs)*time.Second,
	)
	if err := durations.Validate(cfg.Pipeline.Timeout()); err != nil {
		_ = st.Close()
		return nil, err
	}
	locks := lock.NewManager(st, durations)

	client := anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.RequestsPerSecond)
	stepSeq := steps.All(steps.Deps{
		Client:    client,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Costs:     cost.NewCalculator(cost.DefaultRates()),
	})
	exec := step.NewExecutor(st, cfg.Pipeline.StepRetries)

	sink, err := output.NewFileSink(cfg.Output.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	runner := pipeline.NewRunner(st, locks, exec, stepSeq, sink, output.LogMetadataSink{}, pipeline.Options{
		Timeout:          cfg.Pipeline.Timeout(),
		PIIRedaction:     cfg.Pipeline.PIIRedaction,
		MaxCommentLength: cfg.Pipeline.MaxCommentLength,
		AuditTTL:         cfg.Pipeline.AuditTTL(),
	})

	zap.L().Info("environment initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Duration("lock_ttl", durations.TTL),
		zap.Duration("lock_extension", durations.Extension),
	)

	return &runEnv{
		Store:     st,
		Locks:     locks,
		Runner:    runner,
		Collector: monitoring.NewCollector(st, durations.TTL),
	}, nil
}
