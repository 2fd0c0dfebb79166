package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/pipeline"
	"github.com/jonathan/company-intel/internal/pipeline/pipelinetest"
	"github.com/jonathan/company-intel/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runnerFunc func(ctx context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error)

func (f runnerFunc) Run(ctx context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error) {
	return f(ctx, params, hooks)
}

// gatedRunner emits snapshot-created and a mapping status, then waits for
// release before completing.
type gatedRunner struct {
	release chan struct{}
	calls   atomic.Int32
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{})}
}

func (g *gatedRunner) Run(ctx context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error) {
	g.calls.Add(1)
	id := uuid.New()
	hooks.OnEvent(types.StreamEvent{Type: types.EventSnapshotCreated, SnapshotID: id, Domain: params.Domain, Status: types.SnapshotRunning})
	hooks.OnEvent(types.StreamEvent{Type: types.EventStatus, SnapshotID: id, Stage: types.StageMapping})

	select {
	case <-g.release:
	case <-ctx.Done():
		hooks.OnEvent(types.StreamEvent{Type: types.EventRunCancelled, SnapshotID: id, Status: types.SnapshotCancelled})
		return nil, pipeline.ErrCancelled
	}

	result := &types.RunResult{SnapshotID: id, Status: types.SnapshotComplete}
	hooks.OnEvent(types.StreamEvent{Type: types.EventRunComplete, SnapshotID: id, Status: types.SnapshotComplete, Result: result})
	return result, nil
}

type collected struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (c *collected) listen(ev types.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collected) kinds() []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func waitDone(t *testing.T, run *ActiveRun) (*types.RunResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := run.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return result, err
}

func TestStartRun_ReturnsOnceSnapshotExists(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "https://www.acme.com"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, info.SnapshotID)
	assert.Equal(t, "acme.com", info.Domain)
	assert.False(t, info.Existing)
	assert.False(t, info.StartedAt.IsZero())

	run := c.GetActiveRunBySnapshot(info.SnapshotID)
	require.NotNil(t, run)
	assert.Same(t, run, c.GetActiveRunForDomain("WWW.acme.com"))
	assert.True(t, c.IsActive(info.SnapshotID))
	assert.Len(t, c.ActiveRuns(), 1)

	close(runner.release)
	result, err := waitDone(t, run)
	require.NoError(t, err)
	assert.Equal(t, info.SnapshotID, result.SnapshotID)

	assert.Nil(t, c.GetActiveRunBySnapshot(info.SnapshotID))
	assert.Nil(t, c.GetActiveRunForDomain("acme.com"))
	assert.Empty(t, c.ActiveRuns())
}

func TestStartRun_SingleFlightPerDomain(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())
	ctx := context.Background()

	first, err := c.StartRun(ctx, pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	second, err := c.StartRun(ctx, pipeline.Params{Domain: "www.acme.com"})
	require.NoError(t, err)

	assert.True(t, second.Existing)
	assert.Equal(t, first.SnapshotID, second.SnapshotID)
	assert.Equal(t, int32(1), runner.calls.Load())

	other, err := c.StartRun(ctx, pipeline.Params{Domain: "globex.com"})
	require.NoError(t, err)
	assert.False(t, other.Existing)
	assert.NotEqual(t, first.SnapshotID, other.SnapshotID)
	assert.Equal(t, int32(2), runner.calls.Load())

	close(runner.release)
	_, err = waitDone(t, c.GetActiveRunBySnapshot(first.SnapshotID))
	require.NoError(t, err)
}

func TestActiveRuns_OldestFirst(t *testing.T) {
	runner := newGatedRunner()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }
	c := New(runner, discardLogger(), WithClock(clock))
	ctx := context.Background()

	var started []uuid.UUID
	for _, domain := range []string{"globex.com", "acme.com", "initech.com"} {
		info, err := c.StartRun(ctx, pipeline.Params{Domain: domain})
		require.NoError(t, err)
		started = append(started, info.SnapshotID)
	}

	runs := c.ActiveRuns()
	require.Len(t, runs, 3)
	for i, info := range runs {
		assert.Equal(t, started[i], info.SnapshotID)
	}

	close(runner.release)
	for _, id := range started {
		if run := c.GetActiveRunBySnapshot(id); run != nil {
			_, err := waitDone(t, run)
			require.NoError(t, err)
		}
	}
	assert.Empty(t, c.ActiveRuns())
}

func TestStartRun_SequentialRunsGetFreshSnapshots(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	c := New(runner, discardLogger())
	ctx := context.Background()

	first, err := c.StartRun(ctx, pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	if run := c.GetActiveRunBySnapshot(first.SnapshotID); run != nil {
		_, err = waitDone(t, run)
		require.NoError(t, err)
	}
	assert.Nil(t, c.GetActiveRunBySnapshot(first.SnapshotID))

	second, err := c.StartRun(ctx, pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.SnapshotID, second.SnapshotID)
}

func TestStartRun_InvalidInput(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	_, err := c.StartRun(context.Background(), pipeline.Params{Domain: ""})
	var inputErr *pipeline.InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Zero(t, runner.calls.Load())
}

func TestStartRun_FailureBeforeSnapshot(t *testing.T) {
	storeErr := errors.New("database unavailable")
	c := New(runnerFunc(func(context.Context, pipeline.Params, pipeline.Hooks) (*types.RunResult, error) {
		return nil, storeErr
	}), discardLogger())

	_, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.ErrorIs(t, err, storeErr)
	assert.Nil(t, c.GetActiveRunForDomain("acme.com"))
}

func TestSubscribe_FanOutPreservesOrder(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)

	var a, b collected
	subA, err := c.Subscribe(info.SnapshotID, a.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)
	subB, err := c.Subscribe(info.SnapshotID, b.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)

	close(runner.release)
	select {
	case <-subA.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal event never delivered")
	}
	<-subB.Done()

	want := []types.EventType{types.EventSnapshotCreated, types.EventStatus, types.EventRunComplete}
	assert.Equal(t, want, a.kinds())
	assert.Equal(t, want, b.kinds())
}

func TestSubscribe_WithoutReplayOnlyGetsLiveEvents(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)

	var live collected
	sub, err := c.Subscribe(info.SnapshotID, live.listen, SubscribeOptions{})
	require.NoError(t, err)

	close(runner.release)
	<-sub.Done()
	got := live.kinds()
	require.NotEmpty(t, got)
	assert.NotContains(t, got, types.EventSnapshotCreated)
	assert.Equal(t, types.EventRunComplete, got[len(got)-1])
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)

	var gone collected
	sub, err := c.Subscribe(info.SnapshotID, gone.listen, SubscribeOptions{})
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	close(runner.release)
	<-sub.Done()
	assert.Empty(t, gone.kinds())
}

func TestSubscribe_FinishedRunReplaysOutcome(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	if run := c.GetActiveRunBySnapshot(info.SnapshotID); run != nil {
		_, _ = waitDone(t, run)
	}

	var late collected
	sub, err := c.Subscribe(info.SnapshotID, late.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)
	select {
	case <-sub.Done():
	default:
		t.Fatal("finished run should report done")
	}
	got := late.kinds()
	require.NotEmpty(t, got)
	assert.Equal(t, types.EventSnapshotCreated, got[0])
	assert.Equal(t, types.EventRunComplete, got[len(got)-1])

	_, err = c.Subscribe(uuid.New(), late.listen, SubscribeOptions{Replay: true})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSubscribe_FinishedRetentionIsBounded(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	c := New(runner, discardLogger(), WithFinishedRetention(1))
	ctx := context.Background()

	first, err := c.StartRun(ctx, pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.IsActive(first.SnapshotID) }, 5*time.Second, 10*time.Millisecond)

	second, err := c.StartRun(ctx, pipeline.Params{Domain: "globex.com"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.IsActive(second.SnapshotID) }, 5*time.Second, 10*time.Millisecond)

	_, err = c.Subscribe(first.SnapshotID, func(types.StreamEvent) {}, SubscribeOptions{Replay: true})
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = c.Subscribe(second.SnapshotID, func(types.StreamEvent) {}, SubscribeOptions{Replay: true})
	assert.NoError(t, err)
}

func TestSubscribe_PanickingListenerIsDetached(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = c.Subscribe(info.SnapshotID, func(types.StreamEvent) {
		calls.Add(1)
		panic("boom")
	}, SubscribeOptions{})
	require.NoError(t, err)

	var healthy collected
	sub, err := c.Subscribe(info.SnapshotID, healthy.listen, SubscribeOptions{})
	require.NoError(t, err)

	close(runner.release)
	<-sub.Done()
	assert.Equal(t, int32(1), calls.Load())
	got := healthy.kinds()
	require.NotEmpty(t, got)
	assert.Equal(t, types.EventRunComplete, got[len(got)-1])
}

func TestReplayBuffer_KeepsFirstAndTerminalEvents(t *testing.T) {
	c := New(runnerFunc(func(_ context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error) {
		id := uuid.New()
		hooks.OnEvent(types.StreamEvent{Type: types.EventSnapshotCreated, SnapshotID: id, Domain: params.Domain})
		for i := 0; i < 10; i++ {
			hooks.OnEvent(types.StreamEvent{Type: types.EventOverviewDelta, SnapshotID: id, Delta: "x"})
		}
		hooks.OnEvent(types.StreamEvent{Type: types.EventRunError, SnapshotID: id, Error: "agent failed"})
		return nil, errors.New("agent failed")
	}), discardLogger(), WithReplayBufferSize(4))

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)

	var replay collected
	require.Eventually(t, func() bool { return !c.IsActive(info.SnapshotID) }, 5*time.Second, 10*time.Millisecond)
	_, err = c.Subscribe(info.SnapshotID, replay.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)

	assert.Equal(t, []types.EventType{
		types.EventSnapshotCreated,
		types.EventOverviewDelta,
		types.EventOverviewDelta,
		types.EventRunError,
	}, replay.kinds())
}

func TestFinish_SynthesizesMissingTerminalEvent(t *testing.T) {
	tests := []struct {
		name     string
		run      func(id uuid.UUID) (*types.RunResult, error)
		wantType types.EventType
		wantErr  string
	}{
		{
			name:     "error without run-error",
			run:      func(uuid.UUID) (*types.RunResult, error) { return nil, errors.New("store crashed") },
			wantType: types.EventRunError,
			wantErr:  "store crashed",
		},
		{
			name:     "panic",
			run:      func(uuid.UUID) (*types.RunResult, error) { panic("nil map") },
			wantType: types.EventRunError,
			wantErr:  "run panicked: nil map",
		},
		{
			name:     "cancelled without run-cancelled",
			run:      func(uuid.UUID) (*types.RunResult, error) { return nil, pipeline.ErrCancelled },
			wantType: types.EventRunCancelled,
		},
		{
			name: "result without run-complete",
			run: func(id uuid.UUID) (*types.RunResult, error) {
				return &types.RunResult{SnapshotID: id, Status: types.SnapshotComplete}, nil
			},
			wantType: types.EventRunComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(runnerFunc(func(_ context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error) {
				id := uuid.New()
				hooks.OnEvent(types.StreamEvent{Type: types.EventSnapshotCreated, SnapshotID: id, Domain: params.Domain})
				return tt.run(id)
			}), discardLogger())

			info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
			require.NoError(t, err)

			var events collected
			sub, err := c.Subscribe(info.SnapshotID, events.listen, SubscribeOptions{Replay: true})
			require.NoError(t, err)
			select {
			case <-sub.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("no terminal event")
			}

			got := events.kinds()
			require.Len(t, got, 2)
			assert.Equal(t, tt.wantType, got[1])
			events.mu.Lock()
			assert.Equal(t, tt.wantErr, events.events[1].Error)
			assert.Equal(t, info.SnapshotID, events.events[1].SnapshotID)
			events.mu.Unlock()
		})
	}
}

func TestFinish_DropsEventsAfterTerminal(t *testing.T) {
	c := New(runnerFunc(func(_ context.Context, params pipeline.Params, hooks pipeline.Hooks) (*types.RunResult, error) {
		id := uuid.New()
		hooks.OnEvent(types.StreamEvent{Type: types.EventSnapshotCreated, SnapshotID: id})
		hooks.OnEvent(types.StreamEvent{Type: types.EventRunError, SnapshotID: id, Error: "first"})
		hooks.OnEvent(types.StreamEvent{Type: types.EventRunError, SnapshotID: id, Error: "second"})
		return nil, errors.New("first")
	}), discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.IsActive(info.SnapshotID) }, 5*time.Second, 10*time.Millisecond)

	var events collected
	_, err = c.Subscribe(info.SnapshotID, events.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)
	assert.Equal(t, []types.EventType{types.EventSnapshotCreated, types.EventRunError}, events.kinds())
}

func TestShutdown_CancelsRuns(t *testing.T) {
	runner := newGatedRunner()
	c := New(runner, discardLogger())

	info, err := c.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	run := c.GetActiveRunBySnapshot(info.SnapshotID)
	require.NotNil(t, run)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	_, err = run.Wait(ctx)
	assert.ErrorIs(t, err, pipeline.ErrCancelled)
	assert.True(t, run.Cancelled())
}

// pipelineFixture wires a real Collector to scripted collaborators.
type pipelineFixture struct {
	store      *db.MemoryStore
	structured *pipelinetest.Agent
	coord      *Coordinator
}

func newPipelineFixture() *pipelineFixture {
	store := db.NewMemoryStore()
	site := &pipelinetest.SiteClient{
		Links: []string{"https://acme.com", "https://acme.com/about"},
		Pages: map[string]types.ExtractResult{
			"https://acme.com":       pipelinetest.Page("https://acme.com", "Acme", "We build rockets."),
			"https://acme.com/about": pipelinetest.Page("https://acme.com/about", "About", "Acme builds reusable rockets."),
		},
	}
	structured := &pipelinetest.Agent{
		Output: `{"companyName": "Acme", "valueProps": ["Reusable rockets"]}`,
		Block:  make(chan struct{}),
	}
	overview := &pipelinetest.Agent{Output: "Acme builds reusable rockets."}
	collector := pipeline.NewCollector(store, site, structured, overview, discardLogger())
	return &pipelineFixture{
		store:      store,
		structured: structured,
		coord:      New(collector, discardLogger()),
	}
}

func (f *pipelineFixture) awaitStructured(t *testing.T) {
	t.Helper()
	select {
	case <-f.structured.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("structured analysis never started")
	}
}

func TestCoordinator_ReplayAfterScraping(t *testing.T) {
	f := newPipelineFixture()

	info, err := f.coord.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	f.awaitStructured(t)

	var events collected
	sub, err := f.coord.Subscribe(info.SnapshotID, events.listen, SubscribeOptions{Replay: true})
	require.NoError(t, err)

	replayed := events.kinds()
	require.GreaterOrEqual(t, len(replayed), 3)
	assert.Equal(t, types.EventSnapshotCreated, replayed[0])

	events.mu.Lock()
	var stages []types.Stage
	for _, ev := range events.events {
		if ev.Type == types.EventStatus && (len(stages) == 0 || stages[len(stages)-1] != ev.Stage) {
			stages = append(stages, ev.Stage)
		}
	}
	events.mu.Unlock()
	assert.Equal(t, []types.Stage{types.StageMapping, types.StageScraping, types.StageAnalysisStructured}, stages)

	close(f.structured.Block)
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}

	all := events.kinds()
	assert.Equal(t, types.EventRunComplete, all[len(all)-1])
	terminal := 0
	for _, typ := range all {
		if typ == types.EventRunComplete || typ == types.EventRunError || typ == types.EventRunCancelled {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	p, err := f.store.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ProfileReady, p.Status)
}

func TestCoordinator_CancelDuringAnalysis(t *testing.T) {
	f := newPipelineFixture()

	info, err := f.coord.StartRun(context.Background(), pipeline.Params{Domain: "acme.com"})
	require.NoError(t, err)
	run := f.coord.GetActiveRunBySnapshot(info.SnapshotID)
	require.NotNil(t, run)
	f.awaitStructured(t)

	var events collected
	sub, err := f.coord.Subscribe(info.SnapshotID, events.listen, SubscribeOptions{})
	require.NoError(t, err)

	assert.True(t, f.coord.Cancel(info.SnapshotID))
	_, err = waitDone(t, run)
	assert.ErrorIs(t, err, pipeline.ErrCancelled)
	<-sub.Done()

	got := events.kinds()
	require.NotEmpty(t, got)
	assert.Equal(t, types.EventRunCancelled, got[len(got)-1])
	assert.NotContains(t, got, types.EventRunError)
	assert.NotContains(t, got, types.EventStructuredComplete)
	assert.True(t, f.structured.Aborted())
	assert.False(t, f.coord.Cancel(info.SnapshotID))

	snapshot, err := f.store.GetSnapshotByID(context.Background(), info.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotCancelled, snapshot.Status)
	assert.Nil(t, snapshot.Error)
}

func TestCancel_UnknownSnapshot(t *testing.T) {
	c := New(newGatedRunner(), discardLogger())
	assert.False(t, c.Cancel(uuid.New()))
}
