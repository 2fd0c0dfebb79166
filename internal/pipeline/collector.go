// Package pipeline runs the company collection pipeline: map the site, scrape
// the selected pages, run the structured-profile and overview agents, then
// publish the results to the snapshot and the profile.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/observability"
	"github.com/jonathan/company-intel/internal/profile"
	"github.com/jonathan/company-intel/internal/selection"
	"github.com/jonathan/company-intel/internal/types"
)

const (
	// DefaultMaxPages is the number of pages scraped when the caller does not choose.
	DefaultMaxPages = 10
	// MaxPagesLimit caps both automatic and explicit page selections.
	MaxPagesLimit = 25
	// DefaultScrapeBatchSize is the number of URLs sent per extract call.
	DefaultScrapeBatchSize = 5
	// DefaultScrapeConcurrency is the number of extract calls in flight.
	DefaultScrapeConcurrency = 3
	// DefaultMaxPageChars bounds the content of one page in agent input.
	DefaultMaxPageChars = 12000
)

// Config tunes a Collector. Zero values fall back to the defaults.
type Config struct {
	MaxPages          int
	ScrapeBatchSize   int
	ScrapeConcurrency int
	MaxPageChars      int
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.ScrapeBatchSize <= 0 {
		c.ScrapeBatchSize = DefaultScrapeBatchSize
	}
	if c.ScrapeConcurrency <= 0 {
		c.ScrapeConcurrency = DefaultScrapeConcurrency
	}
	if c.MaxPageChars <= 0 {
		c.MaxPageChars = DefaultMaxPageChars
	}
	return c
}

// Options are the caller's per-run choices.
type Options struct {
	// SelectedURLs replaces automatic page selection when non-empty.
	SelectedURLs []string
	MaxPages     int
}

// Params identify the run to execute.
type Params struct {
	Domain  string
	Options Options
}

// Normalized validates p and returns it with a canonical domain.
func (p Params) Normalized() (Params, error) {
	if strings.TrimSpace(p.Domain) == "" {
		return p, &InputError{Field: "domain", Message: "domain is required"}
	}
	domain, err := crawling.NormalizeDomain(p.Domain)
	if err != nil {
		return p, &InputError{Field: "domain", Message: err.Error()}
	}
	if p.Options.MaxPages < 0 || p.Options.MaxPages > MaxPagesLimit {
		return p, &InputError{Field: "maxPages", Message: fmt.Sprintf("must be between 1 and %d", MaxPagesLimit)}
	}
	if len(p.Options.SelectedURLs) > MaxPagesLimit {
		return p, &InputError{Field: "selectedUrls", Message: fmt.Sprintf("at most %d URLs", MaxPagesLimit)}
	}

	out := Params{Domain: domain, Options: Options{MaxPages: p.Options.MaxPages}}
	for _, u := range p.Options.SelectedURLs {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		if !selection.OnSite(u, domain) {
			return p, &InputError{Field: "selectedUrls", Message: fmt.Sprintf("%s is not on %s", u, domain)}
		}
		out.Options.SelectedURLs = append(out.Options.SelectedURLs, u)
	}
	return out, nil
}

// Hooks connect a run to its supervisor.
type Hooks struct {
	// OnEvent receives every event of the run in order. It must not block.
	OnEvent func(types.StreamEvent)
	// Cancelled is polled at stage boundaries.
	Cancelled func() bool
}

// Collector executes collection runs against its collaborators.
type Collector struct {
	store      db.Store
	client     crawling.Client
	structured llm.Agent
	overview   llm.Agent
	logger     *slog.Logger
	metrics    *observability.Metrics
	cfg        Config
	now        func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithConfig sets the tuning knobs.
func WithConfig(cfg Config) Option {
	return func(c *Collector) { c.cfg = cfg.withDefaults() }
}

// WithMetrics records run and stage metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a Collector. Agents that also implement
// llm.StreamingAgent are streamed.
func NewCollector(store db.Store, client crawling.Client, structured, overview llm.Agent, logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Collector{
		store:      store,
		client:     client,
		structured: structured,
		overview:   overview,
		logger:     logger,
		cfg:        Config{}.withDefaults(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one collection run. Events are delivered to hooks.OnEvent,
// starting with snapshot-created and ending with exactly one of run-complete,
// run-error or run-cancelled. Errors returned before snapshot-created mean no
// run state was written.
func (c *Collector) Run(ctx context.Context, params Params, hooks Hooks) (*types.RunResult, error) {
	params, err := params.Normalized()
	if err != nil {
		return nil, err
	}

	snapshot, err := c.store.CreateSnapshot(ctx, params.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}

	r := &run{
		Collector: c,
		params:    params,
		hooks:     hooks,
		id:        snapshot.ID,
		started:   c.now(),
		result: &types.RunResult{
			SnapshotID: snapshot.ID,
			Status:     types.SnapshotRunning,
			Selections: []types.Selection{},
		},
		logger: c.logger.With("snapshot_id", snapshot.ID.String(), "domain", params.Domain),
	}
	c.metrics.RunStarted(ctx)
	r.emit(types.StreamEvent{Type: types.EventSnapshotCreated, Domain: params.Domain, Status: types.SnapshotRunning})
	r.logger.Info("collection run started")

	err = r.execute(ctx)
	switch {
	case err == nil:
		return r.complete(), nil
	case r.cancelled(ctx):
		r.cancel(ctx)
		return nil, fmt.Errorf("snapshot %s: %w", r.id, ErrCancelled)
	default:
		r.fail(ctx, err)
		return nil, err
	}
}

// run is the state of one Run call.
type run struct {
	*Collector
	params  Params
	hooks   Hooks
	id      uuid.UUID
	started time.Time
	logger  *slog.Logger

	previousStatus types.ProfileStatus
	profileClaimed bool

	result  *types.RunResult
	pages   []page
	favicon *string

	structured     *types.StructuredProfile
	overviewText   string
	structuredMeta types.AgentMetadata
	overviewMeta   types.AgentMetadata
}

func (r *run) emit(ev types.StreamEvent) {
	ev.SnapshotID = r.id
	if r.hooks.OnEvent != nil {
		r.hooks.OnEvent(ev)
	}
}

func (r *run) status(stage types.Stage) {
	r.emit(types.StreamEvent{Type: types.EventStatus, Stage: stage})
}

func (r *run) progress(stage types.Stage, completed, total int) {
	r.emit(types.StreamEvent{Type: types.EventStatus, Stage: stage, Completed: &completed, Total: &total})
}

// cancelled reports whether the run has been asked to stop.
func (r *run) cancelled(ctx context.Context) bool {
	if r.hooks.Cancelled != nil && r.hooks.Cancelled() {
		return true
	}
	return ctx.Err() != nil
}

// execute runs the stages in order, checking for cancellation between them.
func (r *run) execute(ctx context.Context) error {
	stages := []struct {
		stage types.Stage
		fn    func(context.Context) error
	}{
		{types.StageMapping, r.mapSite},
		{types.StageScraping, r.scrape},
		{types.StageAnalysisStructured, r.analyzeStructured},
		{types.StageAnalysisOverview, r.analyzeOverview},
		{types.StagePersisting, r.persist},
	}

	if err := r.claimProfile(ctx); err != nil {
		return err
	}
	for _, s := range stages {
		if r.cancelled(ctx) {
			return ErrCancelled
		}
		stageCtx := ctx
		if s.stage == types.StagePersisting {
			stageCtx = context.WithoutCancel(ctx)
		}
		r.logger.Info("stage started", "stage", s.stage)
		begin := time.Now()
		err := s.fn(stageCtx)
		r.metrics.StageCompleted(ctx, string(s.stage), time.Since(begin))
		if err != nil {
			return err
		}
	}
	return nil
}

// claimProfile marks the profile as refreshing for this run.
func (r *run) claimProfile(ctx context.Context) error {
	_, err := r.store.UpsertProfile(ctx, func(p *types.Profile) error {
		r.previousStatus = p.Status
		profile.BeginRun(p, r.params.Domain, r.id, r.now())
		return nil
	})
	if err != nil {
		return upstreamError(types.StageMapping, "failed to mark profile as refreshing", err)
	}
	r.profileClaimed = true
	return nil
}

func (r *run) complete() *types.RunResult {
	r.result.Status = types.SnapshotComplete
	r.metrics.RunFinished(context.Background(), string(types.SnapshotComplete), time.Since(r.started))
	r.logger.Info("collection run complete",
		"successful_pages", r.result.SuccessfulPages,
		"failed_pages", r.result.FailedPages)

	result := *r.result
	r.emit(types.StreamEvent{Type: types.EventRunComplete, Status: types.SnapshotComplete, Result: &result})
	return &result
}

// fail records a fatal error on the snapshot and the profile, then emits run-error.
func (r *run) fail(ctx context.Context, cause error) {
	ctx = context.WithoutCancel(ctx)
	message := failureMessage(cause)
	completed := r.now()

	_, err := r.store.UpdateSnapshot(ctx, r.id, types.SnapshotUpdate{
		Status:      types.Ptr(types.SnapshotFailed),
		Error:       &message,
		CompletedAt: &completed,
	})
	if err != nil && !errors.Is(err, db.ErrSnapshotFinalized) {
		r.logger.Error("failed to mark snapshot as failed", "error", err)
	}
	if r.profileClaimed {
		if _, err := r.store.UpsertProfile(ctx, func(p *types.Profile) error {
			profile.FailRun(p, r.id, message)
			return nil
		}); err != nil {
			r.logger.Error("failed to revert profile after failure", "error", err)
		}
	}

	r.metrics.RunFinished(ctx, string(types.SnapshotFailed), time.Since(r.started))
	r.logger.Warn("collection run failed", "error", message)
	r.emit(types.StreamEvent{Type: types.EventRunError, Status: types.SnapshotFailed, Error: message})
}

// cancel marks the snapshot cancelled, restores the profile and emits run-cancelled.
func (r *run) cancel(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	completed := r.now()

	_, err := r.store.UpdateSnapshot(ctx, r.id, types.SnapshotUpdate{
		Status:      types.Ptr(types.SnapshotCancelled),
		CompletedAt: &completed,
	})
	if err != nil && !errors.Is(err, db.ErrSnapshotFinalized) {
		r.logger.Error("failed to mark snapshot as cancelled", "error", err)
	}
	if r.profileClaimed {
		if _, err := r.store.UpsertProfile(ctx, func(p *types.Profile) error {
			profile.CancelRun(p, r.id, r.previousStatus)
			return nil
		}); err != nil {
			r.logger.Error("failed to restore profile after cancellation", "error", err)
		}
	}

	r.metrics.RunFinished(ctx, string(types.SnapshotCancelled), time.Since(r.started))
	r.logger.Info("collection run cancelled")
	r.emit(types.StreamEvent{Type: types.EventRunCancelled, Status: types.SnapshotCancelled})
}
