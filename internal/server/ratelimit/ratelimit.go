// Package ratelimit provides per-client, per-endpoint rate limiting on token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	limit      int
	lastAccess time.Time
}

// Limiter manages rate limiting for multiple clients.
type Limiter struct {
	config *Config
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	stopOnce      sync.Once
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = time.Hour
	}
	limiter := &Limiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}

	if config.Enabled && config.CleanupInterval > 0 {
		limiter.cleanupTicker = time.NewTicker(config.CleanupInterval)
		limiter.cleanupStop = make(chan struct{})
		go limiter.cleanup()
	}
	return limiter
}

// Allow checks if a request from the given client is allowed for the specified endpoint.
// Returns true if allowed, false if rate limited, along with rate limit information.
func (l *Limiter) Allow(clientID string, endpoint string, method string) (bool, Info) {
	if !l.config.Enabled || l.config.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.config.Blacklist[clientID] {
		return false, Info{Allowed: false}
	}

	endpointConfig := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if endpointConfig == nil {
		endpointConfig = &EndpointConfig{
			Path:   "*",
			Limit:  l.config.DefaultLimit,
			Window: l.config.DefaultWindow,
			Burst:  l.config.DefaultLimit,
		}
	}
	if endpointConfig.Limit <= 0 || endpointConfig.Window <= 0 {
		return true, Info{Allowed: true}
	}

	// Buckets are shared by every path under one endpoint config
	key := clientID + ":" + method + ":" + endpointConfig.Path
	now := l.now()
	b := l.getBucket(key, endpointConfig, now)

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)
	remaining := max(int(tokens), 0)

	info := Info{
		Allowed:   allowed,
		Limit:     endpointConfig.Limit,
		Remaining: remaining,
		ResetTime: now.Add(untilFull(b.limiter, tokens)),
	}
	if !allowed {
		info.RetryAfter = untilTokens(b.limiter, tokens, 1)
	}
	return allowed, info
}

func (l *Limiter) getBucket(key string, cfg *EndpointConfig, now time.Time) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		b.lastAccess = now
		return b
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Limit
	}
	every := rate.Every(cfg.Window / time.Duration(cfg.Limit))
	b := &bucket{limiter: rate.NewLimiter(every, burst), limit: cfg.Limit, lastAccess: now}
	l.buckets[key] = b
	return b
}

// untilTokens is how long the bucket needs to hold want tokens.
func untilTokens(lim *rate.Limiter, tokens, want float64) time.Duration {
	if tokens >= want || lim.Limit() <= 0 {
		return 0
	}
	return time.Duration((want - tokens) / float64(lim.Limit()) * float64(time.Second))
}

func untilFull(lim *rate.Limiter, tokens float64) time.Duration {
	return untilTokens(lim, tokens, float64(lim.Burst()))
}

func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanupBuckets()
		case <-l.cleanupStop:
			return
		}
	}
}

// cleanupBuckets removes buckets that have been idle for longer than IdleTTL.
func (l *Limiter) cleanupBuckets() {
	cutoff := l.now().Add(-l.config.IdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}
		if l.cleanupStop != nil {
			close(l.cleanupStop)
		}
	})
}
