// Package config loads service configuration from defaults, an optional
// config file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Crawler backends.
const (
	CrawlerTavily = "tavily"
	CrawlerLocal  = "local"
)

// Config is the resolved service configuration.
type Config struct {
	Port        int    `mapstructure:"port"`
	DatabaseURL string `mapstructure:"database_url"`
	// Scope keys the single Profile row this deployment owns.
	Scope string `mapstructure:"scope"`

	GeminiAPIKey    string `mapstructure:"gemini_api_key"`
	StructuredModel string `mapstructure:"structured_model"`
	OverviewModel   string `mapstructure:"overview_model"`
	ChatModel       string `mapstructure:"chat_model"`

	Crawler       string  `mapstructure:"crawler"`
	TavilyAPIKey  string  `mapstructure:"tavily_api_key"`
	TavilyBaseURL string  `mapstructure:"tavily_base_url"`
	TavilyRPS     float64 `mapstructure:"tavily_rps"`
	UseBrowser    bool    `mapstructure:"use_browser"`

	MaxPages          int `mapstructure:"max_pages"`
	ScrapeBatchSize   int `mapstructure:"scrape_batch_size"`
	ScrapeConcurrency int `mapstructure:"scrape_concurrency"`
	MaxPageChars      int `mapstructure:"max_page_chars"`

	ReplayBufferSize     int `mapstructure:"replay_buffer_size"`
	FinishedRunRetention int `mapstructure:"finished_run_retention"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	RateLimitEnabled   bool   `mapstructure:"rate_limit_enabled"`
	RateLimitDefault   int    `mapstructure:"rate_limit_default"`
	RateLimitWhitelist string `mapstructure:"rate_limit_whitelist"`
	RateLimitBlacklist string `mapstructure:"rate_limit_blacklist"`
}

// unprefixed environment names shared with other tooling.
var plainEnv = map[string]string{
	"port":           "PORT",
	"database_url":   "DATABASE_URL",
	"gemini_api_key": "GEMINI_API_KEY",
	"tavily_api_key": "TAVILY_API_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database_url", "")
	v.SetDefault("scope", "default")
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("structured_model", "gemini-2.5-flash")
	v.SetDefault("overview_model", "gemini-2.5-pro")
	v.SetDefault("chat_model", "gemini-2.5-flash-lite")
	v.SetDefault("crawler", "")
	v.SetDefault("tavily_api_key", "")
	v.SetDefault("tavily_base_url", "https://api.tavily.com")
	v.SetDefault("tavily_rps", 2.0)
	v.SetDefault("use_browser", false)
	v.SetDefault("max_pages", 10)
	v.SetDefault("scrape_batch_size", 5)
	v.SetDefault("scrape_concurrency", 3)
	v.SetDefault("max_page_chars", 12000)
	v.SetDefault("replay_buffer_size", 512)
	v.SetDefault("finished_run_retention", 32)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("rate_limit_default", 1000)
	v.SetDefault("rate_limit_whitelist", "")
	v.SetDefault("rate_limit_blacklist", "")
}

// Load resolves configuration. path may be empty; when set, the file
// (yaml or json) overrides defaults. Environment variables override both:
// COMPANY_INTEL_<KEY>, plus PORT, DATABASE_URL, GEMINI_API_KEY and TAVILY_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMPANY_INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range plainEnv {
		if err := v.BindEnv(key, "COMPANY_INTEL_"+strings.ToUpper(key), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Crawler == "" {
		cfg.Crawler = CrawlerLocal
		if cfg.TavilyAPIKey != "" {
			cfg.Crawler = CrawlerTavily
		}
	}
	return &cfg, nil
}

// Validate checks that the configuration has valid values. Secrets are
// checked by the commands that need them.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config error: 'port' must be between 1 and 65535"))
	}
	if strings.TrimSpace(c.Scope) == "" {
		errs = append(errs, fmt.Errorf("config error: 'scope' must not be empty"))
	}
	switch c.Crawler {
	case CrawlerTavily:
		if c.TavilyAPIKey == "" {
			errs = append(errs, fmt.Errorf("config error: 'tavily_api_key' is required for the tavily crawler"))
		}
	case CrawlerLocal:
	default:
		errs = append(errs, fmt.Errorf("config error: unknown crawler %q", c.Crawler))
	}
	if c.TavilyRPS < 0 {
		errs = append(errs, fmt.Errorf("config error: 'tavily_rps' must be non-negative"))
	}
	if c.MaxPages < 1 || c.MaxPages > 25 {
		errs = append(errs, fmt.Errorf("config error: 'max_pages' must be between 1 and 25"))
	}
	if c.ScrapeBatchSize < 1 {
		errs = append(errs, fmt.Errorf("config error: 'scrape_batch_size' must be positive"))
	}
	if c.ScrapeConcurrency < 1 {
		errs = append(errs, fmt.Errorf("config error: 'scrape_concurrency' must be positive"))
	}
	if c.MaxPageChars < 500 {
		errs = append(errs, fmt.Errorf("config error: 'max_page_chars' must be at least 500"))
	}
	if c.ReplayBufferSize < 2 {
		errs = append(errs, fmt.Errorf("config error: 'replay_buffer_size' must be at least 2"))
	}
	if c.FinishedRunRetention < 0 {
		errs = append(errs, fmt.Errorf("config error: 'finished_run_retention' must be non-negative"))
	}
	if c.RateLimitDefault < 0 {
		errs = append(errs, fmt.Errorf("config error: 'rate_limit_default' must be non-negative"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config error: 'log_format' must be json or text"))
	}
	return errors.Join(errs...)
}

// RequireDatabase reports an error when no database is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("config error: DATABASE_URL is required")
	}
	return nil
}

// RequireGemini reports an error when no model API key is configured.
func (c *Config) RequireGemini() error {
	if c.GeminiAPIKey == "" {
		return errors.New("config error: GEMINI_API_KEY is required")
	}
	return nil
}
