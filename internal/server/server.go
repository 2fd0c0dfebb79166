// Package server provides the HTTP API: run streaming, profile access and
// snapshot chat.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jonathan/company-intel/internal/chat"
	"github.com/jonathan/company-intel/internal/coordinator"
	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/logger"
	"github.com/jonathan/company-intel/internal/server/middleware"
	"github.com/jonathan/company-intel/internal/server/ratelimit"
)

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	coordinator *coordinator.Coordinator
	store       db.Store
	chat        *chat.Bridge
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
	ping        func(context.Context) error
}

// Config holds server configuration
type Config struct {
	Port int
}

// Deps are the collaborators the routes call into.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Store       db.Store
	Chat        *chat.Bridge
	Logger      *slog.Logger
	// RateLimiter may be nil to disable rate limiting.
	RateLimiter *ratelimit.Limiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ping reports backend health for /health when set.
	Ping func(context.Context) error
}

// New creates a new server instance
func New(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		coordinator: deps.Coordinator,
		store:       deps.Store,
		chat:        deps.Chat,
		logger:      deps.Logger,
		rateLimiter: deps.RateLimiter,
		ping:        deps.Ping,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	// Runs
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs/active", s.handleActiveRun)
	mux.HandleFunc("GET /api/runs/{id}/stream", s.handleRunStream)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Profile
	mux.HandleFunc("GET /api/profile", s.handleGetProfile)
	mux.HandleFunc("PATCH /api/profile", s.handleUpdateProfile)

	// Snapshots
	mux.HandleFunc("GET /api/snapshots/{id}", s.handleGetSnapshot)
	mux.HandleFunc("POST /api/snapshots/{id}/chat", s.handleChat)

	s.handler = middleware.RequestID(middleware.Logging(s.logger)(middleware.CORS(s.withRateLimit(mux))))
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: run and chat streams stay open until they finish
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info("server stopped")
	return nil
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(s.extractClientID(r), r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.log(r).Warn("health check failed", "error", err)
			s.jsonResponse(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.jsonResponse(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// log returns the request-scoped logger.
func (s *Server) log(r *http.Request) *slog.Logger {
	return logger.FromContext(r.Context(), s.logger)
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log(r).Error("failed to encode JSON response", "error", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.jsonResponse(w, r, status, map[string]string{"error": message})
}

// errorFrom writes err with the status HTTPStatus picks. Internal errors are
// logged and not echoed to the client.
func (s *Server) errorFrom(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log(r).Error("request failed", "path", r.URL.Path, "error", err)
		s.errorResponse(w, r, status, "internal server error")
		return
	}
	s.errorResponse(w, r, status, err.Error())
}

// extractClientID extracts the client identifier from the request.
// It uses the IP address from RemoteAddr; forwarded headers are not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	}

	s.log(r).Warn("rate limit exceeded",
		"path", r.URL.Path, "limit", info.Limit, "reset_at", info.ResetTime.Format(time.RFC3339))
	s.jsonResponse(w, r, http.StatusTooManyRequests, response)
}
