package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/company-intel/internal/chat"
	"github.com/jonathan/company-intel/internal/coordinator"
	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/observability"
	"github.com/jonathan/company-intel/internal/pipeline"
	"github.com/jonathan/company-intel/internal/server"
	"github.com/jonathan/company-intel/internal/server/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that runs collections, streams their events over SSE, serves the company profile and answers chat questions about snapshots.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	if err := cfg.RequireGemini(); err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	store, err := db.Connect(ctx, cfg.DatabaseURL, cfg.Scope)
	if err != nil {
		return err
	}
	defer store.Close()

	models, err := llm.NewClient(ctx, llmConfig(cfg), cfg.GeminiAPIKey)
	if err != nil {
		return err
	}
	defer func() { _ = models.Close() }()

	crawler, err := newCrawler(cfg, log)
	if err != nil {
		return err
	}

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()
	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	collector := pipeline.NewCollector(store, crawler,
		models.Agent(llm.TierStandard), models.Agent(llm.TierAdvanced), log,
		pipeline.WithConfig(collectorConfig(cfg)),
		pipeline.WithMetrics(metrics),
	)
	coord := coordinator.New(collector, log,
		coordinator.WithReplayBufferSize(cfg.ReplayBufferSize),
		coordinator.WithFinishedRetention(cfg.FinishedRunRetention),
	)

	if repaired, err := collector.RecoverInterrupted(ctx, coord.IsActive); err != nil {
		log.Warn("failed to recover interrupted run", "error", err)
	} else if repaired {
		log.Info("recovered profile from an interrupted run")
	}

	bridge := chat.NewBridge(store, models.Chat(llm.TierLite), log, chat.WithMetrics(metrics))

	srv := server.New(server.Config{Port: cfg.Port}, server.Deps{
		Coordinator: coord,
		Store:       store,
		Chat:        bridge,
		Logger:      log,
		RateLimiter: ratelimit.NewLimiter(rateLimitConfig(cfg)),
		Metrics:     metricsHandler,
		Ping:        store.Ping,
	})

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("runs did not stop before shutdown deadline", "error", err)
	}
	return serveErr
}
