package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/company-intel/internal/config"
	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/fetch"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/logger"
	"github.com/jonathan/company-intel/internal/pipeline"
	"github.com/jonathan/company-intel/internal/server/ratelimit"
)

// loadConfig resolves and validates configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
}

// newCrawler returns the site-map client the configuration selects.
func newCrawler(cfg *config.Config, log *slog.Logger) (crawling.Client, error) {
	switch cfg.Crawler {
	case config.CrawlerTavily:
		return crawling.NewTavilyClient(cfg.TavilyAPIKey, crawling.TavilyOptions{
			BaseURL:           cfg.TavilyBaseURL,
			RequestsPerSecond: cfg.TavilyRPS,
		}), nil
	case config.CrawlerLocal:
		return crawling.NewLocalClient(crawling.LocalOptions{
			Fetch:          fetch.DefaultOptions(),
			UseBrowser:     cfg.UseBrowser,
			BrowserTimeout: fetch.DefaultBrowserTimeout,
			Concurrency:    cfg.ScrapeConcurrency,
			Logger:         log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown crawler %q", cfg.Crawler)
	}
}

func llmConfig(cfg *config.Config) *llm.Config {
	return llm.DefaultConfig().
		WithModel(llm.TierStandard, cfg.StructuredModel).
		WithModel(llm.TierAdvanced, cfg.OverviewModel).
		WithModel(llm.TierLite, cfg.ChatModel)
}

func collectorConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxPages:          cfg.MaxPages,
		ScrapeBatchSize:   cfg.ScrapeBatchSize,
		ScrapeConcurrency: cfg.ScrapeConcurrency,
		MaxPageChars:      cfg.MaxPageChars,
	}
}

func rateLimitConfig(cfg *config.Config) *ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	rl.Enabled = cfg.RateLimitEnabled
	if cfg.RateLimitDefault > 0 {
		rl.DefaultLimit = cfg.RateLimitDefault
		rl.DefaultWindow = time.Minute
	}
	rl.Whitelist = ratelimit.ParseIPList(cfg.RateLimitWhitelist)
	rl.Blacklist = ratelimit.ParseIPList(cfg.RateLimitBlacklist)
	return rl
}
