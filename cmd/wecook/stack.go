package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wecook/internal/auth"
	"wecook/internal/config"
	"wecook/internal/database"
	"wecook/internal/executor"
	"wecook/internal/llm"
	"wecook/internal/metrics"
	"wecook/internal/planner"
	"wecook/internal/preferences"
	"wecook/internal/runs"
)

// backend is a job executor that also reports run status.
type backend interface {
	executor.JobExecutor
	executor.StatusFeed
}

// stack is the wired set of services shared by the commands.
type stack struct {
	cfg        *config.Config
	db         *database.DB
	tokens     *auth.Tokens
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	usage      *metrics.Store
	prefs      *preferences.Repository
	plans      *planner.PlanRepository
	planner    *planner.Planner
	aggregator *runs.Aggregator

	closers []func()
}

func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *stack, err error) {
	s := &stack{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.db, err = database.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	s.closers = append(s.closers, func() { s.db.Close() })

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.collectors = metrics.NewCollectors(s.registry)

	s.tokens = auth.NewTokens(cfg.JWTSecret, cfg.BatchTokenTTL)
	s.usage = metrics.NewStore(s.db.SQL)
	s.prefs = preferences.NewRepository(s.db.SQL)
	s.plans = planner.NewPlanRepository(s.db.SQL)

	textGen, err := s.newTextGenerator(ctx)
	if err != nil {
		return nil, err
	}

	exec, err := s.newBackend(ctx, logger)
	if err != nil {
		return nil, err
	}

	s.planner = planner.NewPlanner(planner.NewLLMTitleProposer(textGen), exec, planner.Options{
		TitleAttempts: cfg.TitleMaxAttempts,
		JobTTL:        cfg.JobTTL,
		Preferences:   s.prefs,
		Plans:         s.plans,
		Usage:         s.usage,
		Metrics:       s.collectors,
		Logger:        logger,
	})
	s.aggregator = runs.NewAggregator(exec, s.collectors, logger)
	return s, nil
}

func (s *stack) newTextGenerator(ctx context.Context) (llm.TextGenerator, error) {
	switch s.cfg.LLMProvider {
	case config.ProviderGemini:
		gemini, err := llm.NewGeminiClient(ctx, s.cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		s.closers = append(s.closers, func() { gemini.Close() })
		return gemini, nil
	default:
		return llm.NewGroqClient(s.cfg, llm.ModelTitles, 0.9), nil
	}
}

func (s *stack) newBackend(ctx context.Context, logger *slog.Logger) (backend, error) {
	if s.cfg.Executor == config.ExecutorMemory {
		logger.Warn("Using in-memory executor, jobs are never run")
		return executor.NewMemory(s.tokens), nil
	}

	nc, err := nats.Connect(s.cfg.NATSURL, nats.Name("wecook"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", s.cfg.NATSURL, err)
	}
	s.closers = append(s.closers, func() { nc.Drain() })

	js, err := executor.NewJetStream(ctx, nc, s.tokens, executor.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return js, nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
