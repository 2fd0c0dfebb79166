// Package coordinator supervises collection runs: at most one run per domain,
// fan-out of each run's events to any number of subscribers with replay, and
// cooperative cancellation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/pipeline"
	"github.com/jonathan/company-intel/internal/types"
)

const (
	// DefaultReplayBufferSize bounds the events kept per run.
	DefaultReplayBufferSize = 512
	// DefaultFinishedRetention is the number of finished runs kept for late subscribers.
	DefaultFinishedRetention = 32
)

// ErrRunNotFound is returned when no active or recently finished run has the snapshot id.
var ErrRunNotFound = errors.New("run not found")

// Runner executes one collection run. *pipeline.Collector implements it.
type Runner interface {
	Run(ctx context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error)
}

// Listener receives run events. It is called synchronously with the run's
// lock held, so it must not block or call back into the Coordinator for the
// same run.
type Listener func(types.StreamEvent)

// RunInfo identifies a started run.
type RunInfo struct {
	SnapshotID uuid.UUID `json:"snapshotId"`
	Domain     string    `json:"domain"`
	StartedAt  time.Time `json:"startedAt"`
	// Existing is set when StartRun joined a run that was already in progress.
	Existing bool `json:"existing"`
}

// Coordinator owns the in-process registry of runs.
type Coordinator struct {
	runner     Runner
	logger     *slog.Logger
	replaySize int
	retention  int
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	byDomain      map[string]*ActiveRun
	bySnapshot    map[uuid.UUID]*ActiveRun
	finished      map[uuid.UUID]*ActiveRun
	finishedOrder []uuid.UUID
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReplayBufferSize sets how many events each run keeps for replay.
func WithReplayBufferSize(n int) Option {
	return func(c *Coordinator) {
		if n >= 2 {
			c.replaySize = n
		}
	}
}

// WithFinishedRetention sets how many finished runs stay available to Subscribe.
func WithFinishedRetention(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.retention = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator that executes runs with runner.
func New(runner Runner, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		runner:     runner,
		logger:     logger,
		replaySize: DefaultReplayBufferSize,
		retention:  DefaultFinishedRetention,
		now:        time.Now,
		baseCtx:    baseCtx,
		stop:       stop,
		byDomain:   make(map[string]*ActiveRun),
		bySnapshot: make(map[uuid.UUID]*ActiveRun),
		finished:   make(map[uuid.UUID]*ActiveRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartRun begins a run for params.Domain and returns once its snapshot has
// been created. If the domain already has a run in progress, no new run is
// started and the existing run is returned with Existing set. ctx only bounds
// the wait; the run itself outlives it.
func (c *Coordinator) StartRun(ctx context.Context, params pipeline.Params) (RunInfo, error) {
	params, err := params.Normalized()
	if err != nil {
		return RunInfo{}, err
	}

	c.mu.Lock()
	if existing := c.byDomain[params.Domain]; existing != nil {
		c.mu.Unlock()
		return c.awaitStart(ctx, existing, true)
	}
	run := newActiveRun(params.Domain, c.now(), c.replaySize)
	runCtx, cancel := context.WithCancel(c.baseCtx)
	run.cancel = cancel
	c.byDomain[params.Domain] = run
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("starting run", "domain", params.Domain)
	go c.execute(runCtx, run, params)

	return c.awaitStart(ctx, run, false)
}

// awaitStart waits for run to create its snapshot or end before doing so.
func (c *Coordinator) awaitStart(ctx context.Context, run *ActiveRun, existing bool) (RunInfo, error) {
	select {
	case <-run.ready:
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}

	info := run.Info()
	if info.SnapshotID == uuid.Nil {
		_, err := run.Wait(ctx)
		if err == nil {
			err = errors.New("run ended before creating a snapshot")
		}
		return RunInfo{}, err
	}
	info.Existing = existing
	return info, nil
}

func (c *Coordinator) execute(ctx context.Context, run *ActiveRun, params pipeline.Params) {
	defer c.wg.Done()

	var (
		result *types.RunResult
		err    error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				c.logger.Error("run panicked", "domain", run.domain, "panic", p)
				err = fmt.Errorf("run panicked: %v", p)
			}
		}()
		result, err = c.runner.Run(ctx, params, pipeline.Hooks{
			OnEvent:   func(ev types.StreamEvent) { c.publish(run, ev) },
			Cancelled: run.cancelled.Load,
		})
	}()
	c.finish(run, result, err)
}

// publish appends ev to the run's log and delivers it to every subscriber.
func (c *Coordinator) publish(run *ActiveRun, ev types.StreamEvent) {
	run.mu.Lock()
	defer run.mu.Unlock()
	c.publishLocked(run, ev)
}

func (c *Coordinator) publishLocked(run *ActiveRun, ev types.StreamEvent) {
	if run.terminal {
		c.logger.Warn("dropping event after terminal event",
			"snapshot_id", run.info.SnapshotID.String(), "type", ev.Type)
		return
	}

	if ev.Type == types.EventSnapshotCreated && run.info.SnapshotID == uuid.Nil {
		run.info.SnapshotID = ev.SnapshotID
		c.mu.Lock()
		c.bySnapshot[ev.SnapshotID] = run
		c.mu.Unlock()
	}
	if ev.SnapshotID == uuid.Nil {
		ev.SnapshotID = run.info.SnapshotID
	}

	run.append(ev)
	run.deliver(ev, c.logger)

	if ev.Type == types.EventSnapshotCreated {
		run.markReady()
	}
	if ev.IsTerminal() {
		run.terminal = true
		close(run.terminated)
		c.retire(run)
	}
}

// finish records the runner's outcome. A runner that returned without a
// terminal event gets one synthesized so subscribers always see the end.
func (c *Coordinator) finish(run *ActiveRun, result *types.RunResult, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if !run.terminal {
		if run.info.SnapshotID != uuid.Nil {
			c.publishLocked(run, terminalEvent(result, err))
		} else {
			run.terminal = true
			close(run.terminated)
			c.retire(run)
		}
	}
	run.result, run.err = result, err
	run.markReady()
	close(run.done)
}

func terminalEvent(result *types.RunResult, err error) types.StreamEvent {
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		return types.StreamEvent{Type: types.EventRunCancelled, Status: types.SnapshotCancelled}
	case err != nil:
		return types.StreamEvent{Type: types.EventRunError, Status: types.SnapshotFailed, Error: err.Error()}
	case result != nil:
		return types.StreamEvent{Type: types.EventRunComplete, Status: types.SnapshotComplete, Result: result}
	default:
		return types.StreamEvent{Type: types.EventRunError, Status: types.SnapshotFailed, Error: "run ended without a result"}
	}
}

// retire removes run from the active indexes and keeps it for late subscribers.
func (c *Coordinator) retire(run *ActiveRun) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byDomain[run.domain] == run {
		delete(c.byDomain, run.domain)
	}
	id := run.info.SnapshotID
	if id == uuid.Nil {
		return
	}
	if c.bySnapshot[id] == run {
		delete(c.bySnapshot, id)
	}
	if c.retention == 0 {
		return
	}
	c.finished[id] = run
	c.finishedOrder = append(c.finishedOrder, id)
	for len(c.finishedOrder) > c.retention {
		delete(c.finished, c.finishedOrder[0])
		c.finishedOrder = c.finishedOrder[1:]
	}
}

// SubscribeOptions control how a subscription starts.
type SubscribeOptions struct {
	// Replay delivers the buffered events before any live event.
	Replay bool
}

// Subscribe attaches listener to the run with the given snapshot id. Runs
// that finished recently can still be subscribed to with Replay to learn
// their outcome.
func (c *Coordinator) Subscribe(snapshotID uuid.UUID, listener Listener, opts SubscribeOptions) (*Subscription, error) {
	c.mu.Lock()
	run := c.bySnapshot[snapshotID]
	if run == nil {
		run = c.finished[snapshotID]
	}
	c.mu.Unlock()
	if run == nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrRunNotFound)
	}
	return run.subscribe(listener, opts, c.logger), nil
}

// GetActiveRunForDomain returns the in-progress run for domain, or nil.
func (c *Coordinator) GetActiveRunForDomain(domain string) *ActiveRun {
	key, err := crawling.NormalizeDomain(domain)
	if err != nil {
		key = strings.ToLower(strings.TrimSpace(domain))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byDomain[key]
}

// GetActiveRunBySnapshot returns the in-progress run for the snapshot, or nil.
// Finished runs are never returned.
func (c *Coordinator) GetActiveRunBySnapshot(snapshotID uuid.UUID) *ActiveRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bySnapshot[snapshotID]
}

// IsActive reports whether the snapshot has a run in progress.
func (c *Coordinator) IsActive(snapshotID uuid.UUID) bool {
	return c.GetActiveRunBySnapshot(snapshotID) != nil
}

// ActiveRuns lists the runs in progress that have created their snapshot,
// oldest first.
func (c *Coordinator) ActiveRuns() []RunInfo {
	c.mu.Lock()
	runs := make([]*ActiveRun, 0, len(c.byDomain))
	for _, run := range c.byDomain {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	infos := make([]RunInfo, 0, len(runs))
	for _, run := range runs {
		if info := run.Info(); info.SnapshotID != uuid.Nil {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// Cancel asks the run to stop at its next stage boundary. It returns false
// when there is no such run or it already finished.
func (c *Coordinator) Cancel(snapshotID uuid.UUID) bool {
	run := c.GetActiveRunBySnapshot(snapshotID)
	if run == nil {
		return false
	}

	run.mu.Lock()
	terminal := run.terminal
	run.mu.Unlock()
	if terminal {
		return false
	}

	c.logger.Info("cancelling run", "snapshot_id", snapshotID.String(), "domain", run.domain)
	run.cancelled.Store(true)
	run.cancel()
	return true
}

// Shutdown cancels every run and waits for them to finish or ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, run := range c.byDomain {
		run.cancelled.Store(true)
	}
	c.mu.Unlock()
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
