package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	DefaultLimit    int
	DefaultWindow   time.Duration
	CleanupInterval time.Duration
	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL         time.Duration
	Whitelist       map[string]bool
	Blacklist       map[string]bool
	EndpointConfigs []EndpointConfig
}

// DefaultConfig returns an enabled configuration with the default endpoint tiers.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		CleanupInterval: 5 * time.Minute,
		IdleTTL:         time.Hour,
		Whitelist:       make(map[string]bool),
		Blacklist:       make(map[string]bool),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Tier 1: Starting runs crawls a site and calls two agents
		{Path: "/api/runs", Method: "POST", Limit: 20, Window: time.Hour, Burst: 3},
		// Tier 2: Chat and profile edits
		{Path: "/api/snapshots/", Method: "POST", Limit: 60, Window: time.Minute, Burst: 10},
		{Path: "/api/profile", Method: "PATCH", Limit: 100, Window: time.Minute, Burst: 10},
		{Path: "/api/runs/", Method: "POST", Limit: 100, Window: time.Minute, Burst: 10},
		// Tier 3: Read operations are handled by the default limit
		// Tier 4: Health and metrics are unlimited, handled in the matcher
	}
}

// ParseIPList parses a comma-separated list of IP addresses into a set.
func ParseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}
	return result
}
