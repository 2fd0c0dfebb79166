package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/observability"
	"github.com/jonathan/company-intel/internal/pipeline"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection for a domain and print its events",
	Long: `Maps the domain, scrapes the selected pages and runs the structured-profile and overview agents, printing progress as it goes.

Results are persisted to DATABASE_URL when it is set and --memory is not given; otherwise they are kept in memory and discarded on exit.`,
	RunE: runCollect,
}

var (
	collectDomain   string
	collectURLs     []string
	collectMaxPages int
	collectMemory   bool
	collectVerbose  bool
)

func init() {
	collectCmd.Flags().StringVarP(&collectDomain, "domain", "d", "", "Company domain or URL (required)")
	collectCmd.Flags().StringSliceVarP(&collectURLs, "url", "u", nil, "Scrape exactly these URLs instead of ranking the site map (repeatable)")
	collectCmd.Flags().IntVar(&collectMaxPages, "max-pages", 0, "Maximum pages to scrape (default from config)")
	collectCmd.Flags().BoolVar(&collectMemory, "memory", false, "Keep results in memory even when DATABASE_URL is set")
	collectCmd.Flags().BoolVarP(&collectVerbose, "verbose", "v", false, "Echo model output as it streams")

	if err := collectCmd.MarkFlagRequired("domain"); err != nil {
		panic(fmt.Sprintf("failed to mark domain flag as required: %v", err))
	}

	rootCmd.AddCommand(collectCmd)
}

func runCollect(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireGemini(); err != nil {
		return err
	}

	params, err := pipeline.Params{
		Domain:  collectDomain,
		Options: pipeline.Options{SelectedURLs: collectURLs, MaxPages: collectMaxPages},
	}.Normalized()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store db.Store = db.NewMemoryStore()
	if cfg.DatabaseURL != "" && !collectMemory {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		pg, err := db.Connect(ctx, cfg.DatabaseURL, cfg.Scope)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}

	models, err := llm.NewClient(ctx, llmConfig(cfg), cfg.GeminiAPIKey)
	if err != nil {
		return err
	}
	defer func() { _ = models.Close() }()

	crawler, err := newCrawler(cfg, log)
	if err != nil {
		return err
	}

	collector := pipeline.NewCollector(store, crawler,
		models.Agent(llm.TierStandard), models.Agent(llm.TierAdvanced), log,
		pipeline.WithConfig(collectorConfig(cfg)),
	)

	printer := observability.NewPrinter(cmd.OutOrStdout(), collectVerbose)
	_, err = collector.Run(ctx, params, pipeline.Hooks{
		OnEvent:   printer.PrintEvent,
		Cancelled: func() bool { return ctx.Err() != nil },
	})
	if errors.Is(err, pipeline.ErrCancelled) {
		return fmt.Errorf("collection cancelled")
	}
	return err
}
