package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wecook/internal/api"
	"wecook/internal/config"
	"wecook/internal/metrics"
	"wecook/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the Telegram webhook and housekeeping jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := api.NewServer(api.Deps{
		Planner:     st.planner,
		Status:      st.aggregator,
		Users:       st.tokens,
		Preferences: st.prefs,
		History:     st.plans,
		Metrics:     promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}),
		Logger:      logger,
	})

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.NewBot(cfg, telegram.Deps{
			Planner:     st.planner,
			Status:      st.aggregator,
			Preferences: st.prefs,
			History:     st.plans,
			Usage:       st.usage,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram Bot: %w", err)
		}
		srv.Handle("POST /webhook", bot)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.MetricsCleanupSchedule, func() {
		cleanupMetrics(ctx, st.usage, cfg.MetricsRetentionDays)
	}); err != nil {
		return fmt.Errorf("invalid METRICS_CLEANUP_SCHEDULE %q: %w", cfg.MetricsCleanupSchedule, err)
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("WeCook server listening", "addr", cfg.HTTPAddr, "executor", cfg.Executor, "llm", cfg.LLMProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exiting")
	return nil
}

func cleanupMetrics(ctx context.Context, store *metrics.Store, retentionDays int) {
	n, err := store.Cleanup(ctx, retentionDays)
	if err != nil {
		slog.Error("Metrics cleanup failed", "error", err)
		return
	}
	slog.Info("Metrics cleanup finished", "deleted", n, "retention_days", retentionDays)
}
