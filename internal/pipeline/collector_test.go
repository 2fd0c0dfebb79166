package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/pipeline/pipelinetest"
	"github.com/jonathan/company-intel/internal/types"
)

const structuredJSON = `{
  "companyName": "Acme",
  "tagline": "Rockets for everyone",
  "valueProps": ["Fast launches", "Reusable boosters"],
  "keyOfferings": [{"title": "Launch", "description": "Orbit delivery"}],
  "primaryIndustries": ["Aerospace"],
  "sources": [{"page": "About", "url": "https://acme.com/about"}]
}`

const overviewText = "Acme builds reusable rockets for commercial payloads."

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store      *db.MemoryStore
	site       *pipelinetest.SiteClient
	structured *pipelinetest.Agent
	overview   *pipelinetest.Agent
}

func newFixture() *fixture {
	home := pipelinetest.Page("https://acme.com", "Acme", "# Acme\n\nWe build rockets.")
	home.Favicon = types.Ptr("https://acme.com/favicon.ico")

	return &fixture{
		store: db.NewMemoryStore(),
		site: &pipelinetest.SiteClient{
			Links: []string{
				"https://acme.com",
				"https://acme.com/about",
				"https://acme.com/products",
				"https://acme.com/privacy",
			},
			Pages: map[string]types.ExtractResult{
				"https://acme.com":          home,
				"https://acme.com/about":    pipelinetest.Page("https://acme.com/about", "About", "Acme builds reusable rockets."),
				"https://acme.com/products": pipelinetest.Page("https://acme.com/products", "Products", "Launch services and orbital delivery."),
				"https://acme.com/careers":  pipelinetest.Page("https://acme.com/careers", "Careers", "Join the launch team."),
			},
		},
		structured: &pipelinetest.Agent{Output: structuredJSON},
		overview:   &pipelinetest.Agent{Output: overviewText},
	}
}

func (f *fixture) collector(opts ...Option) *Collector {
	opts = append([]Option{WithConfig(Config{ScrapeBatchSize: 10})}, opts...)
	return NewCollector(f.store, f.site, f.structured, f.overview, discardLogger(), opts...)
}

func (f *fixture) seedProfile(t *testing.T) uuid.UUID {
	t.Helper()
	last := uuid.New()
	_, err := f.store.UpsertProfile(context.Background(), func(p *types.Profile) error {
		p.Domain = types.Ptr("acme.com")
		p.Status = types.ProfileReady
		p.CompanyName = types.Ptr("Acme Old")
		p.Tagline = types.Ptr("Old tagline")
		p.LastSnapshotID = &last
		return nil
	})
	require.NoError(t, err)
	return last
}

func (f *fixture) latestSnapshot(t *testing.T) *types.Snapshot {
	t.Helper()
	list, err := f.store.ListSnapshots(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return &list[0]
}

func (f *fixture) profile(t *testing.T) *types.Profile {
	t.Helper()
	p, err := f.store.GetProfile(context.Background())
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

type recorder struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (r *recorder) record(ev types.StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []types.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.StreamEvent(nil), r.events...)
}

// milestones lists events without deltas, status events as "status:<stage>".
func (r *recorder) milestones() []string {
	var out []string
	for _, ev := range r.all() {
		switch ev.Type {
		case types.EventStructuredDelta, types.EventOverviewDelta:
			continue
		case types.EventStatus:
			name := "status:" + string(ev.Stage)
			if len(out) > 0 && out[len(out)-1] == name {
				continue
			}
			out = append(out, name)
		default:
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func (r *recorder) ofType(t types.EventType) []types.StreamEvent {
	var out []types.StreamEvent
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) last() types.StreamEvent {
	events := r.all()
	return events[len(events)-1]
}

func TestRun_Success(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	result, err := f.collector().Run(context.Background(), Params{Domain: "https://www.Acme.com/"}, Hooks{OnEvent: rec.record})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"snapshot-created",
		"status:mapping",
		"status:scraping",
		"status:analysis_structured",
		"structured-complete",
		"status:analysis_overview",
		"overview-complete",
		"status:persisting",
		"run-complete",
	}, rec.milestones())

	for _, ev := range rec.all() {
		assert.Equal(t, result.SnapshotID, ev.SnapshotID)
	}
	assert.Equal(t, "acme.com", rec.all()[0].Domain)

	assert.Equal(t, types.SnapshotComplete, result.Status)
	assert.Equal(t, 4, result.TotalLinksMapped)
	assert.Equal(t, 3, result.SuccessfulPages)
	assert.Equal(t, 0, result.FailedPages)
	require.Len(t, result.Selections, 3)
	assert.Equal(t, "https://acme.com", result.Selections[0].URL)

	final := rec.last()
	require.NotNil(t, final.Result)
	assert.Equal(t, *result, *final.Result)

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotComplete, snapshot.Status)
	assert.NotNil(t, snapshot.CompletedAt)
	assert.Nil(t, snapshot.Error)
	assert.Len(t, snapshot.RawScrapes, 3)
	assert.Len(t, snapshot.SelectedURLs, 3)
	assert.NotEmpty(t, snapshot.MapPayload)
	assert.True(t, snapshot.KnowledgeBaseReady())
	require.NotNil(t, snapshot.Summaries)
	assert.Equal(t, "Acme", snapshot.Summaries.Structured.CompanyName)
	assert.Equal(t, overviewText, snapshot.Summaries.Overview)
	assert.True(t, snapshot.Summaries.Metadata.Structured.Streamed)

	p := f.profile(t)
	assert.Equal(t, types.ProfileReady, p.Status)
	assert.Equal(t, "acme.com", *p.Domain)
	assert.Equal(t, "Acme", *p.CompanyName)
	assert.Equal(t, "Rockets for everyone", *p.Tagline)
	assert.Equal(t, overviewText, *p.Overview)
	assert.Equal(t, []string{"Fast launches", "Reusable boosters"}, p.ValueProps)
	assert.Equal(t, "https://acme.com/favicon.ico", *p.FaviconURL)
	assert.Equal(t, result.SnapshotID, *p.LastSnapshotID)
	assert.Nil(t, p.ActiveSnapshotID)
	assert.Nil(t, p.LastError)

	matches, err := f.store.SearchSnapshotPages(context.Background(), result.SnapshotID, "orbital delivery", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "https://acme.com/products", matches[0].Page.URL)

	reqs := f.structured.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSON)
	assert.Contains(t, reqs[0].Input, "https://acme.com/about")
	assert.Contains(t, reqs[0].Input, "Acme builds reusable rockets.")
}

func TestRun_StreamsStructuredDeltas(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: rec.record})
	require.NoError(t, err)

	deltas := rec.ofType(types.EventStructuredDelta)
	require.Len(t, deltas, 3)

	var joined strings.Builder
	for _, d := range deltas {
		joined.WriteString(d.Delta)
	}
	assert.Equal(t, structuredJSON, joined.String())

	last := deltas[len(deltas)-1]
	require.NotNil(t, last.Summary)
	assert.Equal(t, "Acme", last.Summary.CompanyName)

	complete := rec.ofType(types.EventStructuredComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, []string{"Aerospace"}, complete[0].Payload.PrimaryIndustries)

	overview := rec.ofType(types.EventOverviewComplete)
	require.Len(t, overview, 1)
	assert.Equal(t, overviewText, overview[0].Text)
	assert.Len(t, rec.ofType(types.EventOverviewDelta), 3)
}

func TestRun_ScrapeProgressCountsCompletedURLs(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	c := f.collector(WithConfig(Config{ScrapeBatchSize: 1, ScrapeConcurrency: 3}))
	_, err := c.Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: rec.record})
	require.NoError(t, err)

	var completed []int
	for _, ev := range rec.ofType(types.EventStatus) {
		if ev.Stage != types.StageScraping {
			continue
		}
		require.NotNil(t, ev.Total)
		assert.Equal(t, 3, *ev.Total)
		completed = append(completed, *ev.Completed)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, completed)
	assert.Len(t, f.site.Extracts(), 3)
}

func TestRun_PartialScrapeFailure(t *testing.T) {
	f := newFixture()
	f.site.Failures = map[string]string{"https://acme.com/careers": "timeout after 30s"}

	result, err := f.collector().Run(context.Background(), Params{
		Domain: "acme.com",
		Options: Options{SelectedURLs: []string{
			"https://acme.com",
			"https://acme.com/about",
			"https://acme.com/careers",
		}},
	}, Hooks{})
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessfulPages)
	assert.Equal(t, 1, result.FailedPages)
	for _, s := range result.Selections {
		assert.Equal(t, []string{"user-selected"}, s.MatchedSignals)
	}

	snapshot := f.latestSnapshot(t)
	require.Len(t, snapshot.RawScrapes, 3)
	failed := snapshot.RawScrapes[2]
	assert.Equal(t, "https://acme.com/careers", failed.URL)
	assert.False(t, failed.Success)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "timeout after 30s", *failed.Error)
	assert.True(t, snapshot.RawScrapes[0].Success)
	assert.True(t, snapshot.RawScrapes[1].Success)

	input := f.structured.Requests()[0].Input
	assert.Contains(t, input, "https://acme.com/about")
	assert.NotContains(t, input, "https://acme.com/careers")
	assert.Contains(t, input, "2 documents")
}

func TestRun_ZeroLinksFailsBeforeAnalysis(t *testing.T) {
	f := newFixture()
	f.site.Links = nil
	rec := &recorder{}

	result, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: rec.record})
	require.Error(t, err)
	assert.Nil(t, result)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, types.StageMapping, stageErr.Stage)
	assert.Equal(t, KindUpstream, stageErr.Kind)

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotFailed, snapshot.Status)
	require.NotNil(t, snapshot.Error)
	assert.NotEmpty(t, *snapshot.Error)

	assert.Zero(t, f.structured.Calls())
	assert.Zero(t, f.overview.Calls())
	assert.Empty(t, f.site.Extracts())

	final := rec.last()
	assert.Equal(t, types.EventRunError, final.Type)
	assert.Equal(t, *snapshot.Error, final.Error)

	p := f.profile(t)
	assert.Equal(t, types.ProfileFailed, p.Status)
	require.NotNil(t, p.LastError)
	assert.Nil(t, p.ActiveSnapshotID)
}

func TestRun_MapFailure(t *testing.T) {
	t.Run("fatal without selected URLs", func(t *testing.T) {
		f := newFixture()
		f.site.MapErr = pipelinetest.ErrUpstream

		_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, pipelinetest.ErrUpstream))

		snapshot := f.latestSnapshot(t)
		assert.Equal(t, types.SnapshotFailed, snapshot.Status)
		assert.Contains(t, *snapshot.Error, "upstream unavailable")
	})

	t.Run("tolerated with selected URLs", func(t *testing.T) {
		f := newFixture()
		f.site.MapErr = pipelinetest.ErrUpstream

		result, err := f.collector().Run(context.Background(), Params{
			Domain:  "acme.com",
			Options: Options{SelectedURLs: []string{"https://acme.com/about"}},
		}, Hooks{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.TotalLinksMapped)
		assert.Equal(t, 1, result.SuccessfulPages)
	})
}

func TestRun_AllScrapesFail(t *testing.T) {
	f := newFixture()
	f.site.ExtractErr = pipelinetest.ErrUpstream

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, types.StageScraping, stageErr.Stage)

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotFailed, snapshot.Status)
	require.Len(t, snapshot.RawScrapes, 3)
	for _, s := range snapshot.RawScrapes {
		assert.False(t, s.Success)
		assert.Equal(t, "upstream unavailable", *s.Error)
	}
	assert.Zero(t, f.structured.Calls())
}

func TestRun_SchemaViolationIsFatal(t *testing.T) {
	f := newFixture()
	f.structured.Output = `{"companyName": "", "valueProps": []}`
	rec := &recorder{}

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: rec.record})
	require.Error(t, err)

	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, types.StageAnalysisStructured, stageErr.Stage)
	assert.Equal(t, KindSchema, stageErr.Kind)

	assert.Zero(t, f.overview.Calls())
	assert.Empty(t, rec.ofType(types.EventStructuredComplete))
	assert.Equal(t, types.EventRunError, rec.last().Type)
	assert.Equal(t, types.SnapshotFailed, f.latestSnapshot(t).Status)
}

func TestRun_EmptyOverviewIsFatal(t *testing.T) {
	f := newFixture()
	f.overview.Output = "   "

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
	var stageErr *StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, types.StageAnalysisOverview, stageErr.Stage)
}

func TestRun_AgentFailureRevertsProfile(t *testing.T) {
	f := newFixture()
	f.seedProfile(t)
	f.overview.Err = pipelinetest.ErrUpstream

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
	require.Error(t, err)

	p := f.profile(t)
	assert.Equal(t, types.ProfileReady, p.Status)
	assert.Equal(t, "Acme Old", *p.CompanyName)
	require.NotNil(t, p.LastError)
	assert.Contains(t, *p.LastError, "overview agent failed")
}

func TestRun_MergePreservesFieldsTheAgentOmitted(t *testing.T) {
	f := newFixture()
	f.seedProfile(t)
	f.structured.Output = `{"companyName": "Acme", "tagline": null, "sources": []}`

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
	require.NoError(t, err)

	p := f.profile(t)
	assert.Equal(t, "Acme", *p.CompanyName)
	assert.Equal(t, "Old tagline", *p.Tagline)
}

func TestRun_CancelDuringStructuredAnalysis(t *testing.T) {
	f := newFixture()
	f.seedProfile(t)
	f.structured.Block = make(chan struct{})
	rec := &recorder{}

	var cancelled atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		result *types.RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := f.collector().Run(ctx, Params{Domain: "acme.com"}, Hooks{
			OnEvent:   rec.record,
			Cancelled: cancelled.Load,
		})
		done <- outcome{result, err}
	}()

	select {
	case <-f.structured.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("structured analysis never started")
	}
	cancelled.Store(true)
	cancel()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.Nil(t, out.result)
	assert.True(t, errors.Is(out.err, ErrCancelled))
	assert.True(t, f.structured.Aborted())
	assert.Zero(t, f.overview.Calls())

	assert.Equal(t, types.EventRunCancelled, rec.last().Type)
	assert.Empty(t, rec.ofType(types.EventRunError))
	assert.Empty(t, rec.ofType(types.EventStructuredComplete))

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotCancelled, snapshot.Status)
	assert.Nil(t, snapshot.Error)
	assert.Nil(t, snapshot.Summaries)

	p := f.profile(t)
	assert.Equal(t, types.ProfileReady, p.Status)
	assert.Equal(t, "Acme Old", *p.CompanyName)
	assert.Nil(t, p.ActiveSnapshotID)
	assert.Nil(t, p.LastError)
}

func TestRun_CancelObservedAtStageBoundary(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	var cancelled atomic.Bool
	onEvent := func(ev types.StreamEvent) {
		rec.record(ev)
		if ev.Type == types.EventStatus && ev.Stage == types.StageScraping && ev.Completed != nil && *ev.Completed == *ev.Total {
			cancelled.Store(true)
		}
	}

	_, err := f.collector().Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: onEvent, Cancelled: cancelled.Load})
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, []string{
		"snapshot-created",
		"status:mapping",
		"status:scraping",
		"run-cancelled",
	}, rec.milestones())
	assert.Zero(t, f.structured.Calls())

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotCancelled, snapshot.Status)
	assert.Len(t, snapshot.RawScrapes, 3)

	p := f.profile(t)
	assert.Equal(t, types.ProfileNotConfigured, p.Status)
	assert.Nil(t, p.ActiveSnapshotID)
}

func betaFixture(store *db.MemoryStore) *fixture {
	return &fixture{
		store: store,
		site: &pipelinetest.SiteClient{
			Links: []string{"https://beta.com", "https://beta.com/about"},
			Pages: map[string]types.ExtractResult{
				"https://beta.com":       pipelinetest.Page("https://beta.com", "Beta", "# Beta\n\nWe build boats."),
				"https://beta.com/about": pipelinetest.Page("https://beta.com/about", "About", "Beta builds electric boats."),
			},
		},
		structured: &pipelinetest.Agent{Output: `{"companyName": "Beta", "sources": []}`},
		overview:   &pipelinetest.Agent{Output: "Beta builds electric boats."},
	}
}

func waitStarted(t *testing.T, a *pipelinetest.Agent) {
	t.Helper()
	select {
	case <-a.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("structured analysis never started")
	}
}

func TestRun_OverlappingDomainsShareOneProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("earlier run completing does not release a later claim", func(t *testing.T) {
		acme := newFixture()
		beta := betaFixture(acme.store)
		acme.structured.Block = make(chan struct{})
		beta.structured.Block = make(chan struct{})
		beta.overview.Err = pipelinetest.ErrUpstream

		acmeDone := make(chan error, 1)
		var acmeResult *types.RunResult
		go func() {
			var err error
			acmeResult, err = acme.collector().Run(ctx, Params{Domain: "acme.com"}, Hooks{})
			acmeDone <- err
		}()
		waitStarted(t, acme.structured)

		betaRec := &recorder{}
		betaDone := make(chan error, 1)
		go func() {
			_, err := beta.collector().Run(ctx, Params{Domain: "beta.com"}, Hooks{OnEvent: betaRec.record})
			betaDone <- err
		}()
		waitStarted(t, beta.structured)
		betaID := betaRec.ofType(types.EventSnapshotCreated)[0].SnapshotID

		close(acme.structured.Block)
		require.NoError(t, <-acmeDone)

		p := acme.profile(t)
		assert.Equal(t, types.ProfileRefreshing, p.Status)
		require.NotNil(t, p.ActiveSnapshotID)
		assert.Equal(t, betaID, *p.ActiveSnapshotID)
		assert.Equal(t, "Acme", *p.CompanyName)
		assert.Equal(t, acmeResult.SnapshotID, *p.LastSnapshotID)

		close(beta.structured.Block)
		require.Error(t, <-betaDone)

		p = acme.profile(t)
		assert.Equal(t, types.ProfileReady, p.Status)
		assert.Nil(t, p.ActiveSnapshotID)
		assert.Equal(t, acmeResult.SnapshotID, *p.LastSnapshotID)
		require.NotNil(t, p.LastError)
		assert.Contains(t, *p.LastError, "overview agent failed")
	})

	t.Run("superseded run failing leaves the profile alone", func(t *testing.T) {
		acme := newFixture()
		beta := betaFixture(acme.store)
		acme.structured.Block = make(chan struct{})
		acme.overview.Err = pipelinetest.ErrUpstream

		acmeDone := make(chan error, 1)
		go func() {
			_, err := acme.collector().Run(ctx, Params{Domain: "acme.com"}, Hooks{})
			acmeDone <- err
		}()
		waitStarted(t, acme.structured)

		betaResult, err := beta.collector().Run(ctx, Params{Domain: "beta.com"}, Hooks{})
		require.NoError(t, err)

		close(acme.structured.Block)
		require.Error(t, <-acmeDone)

		p := acme.profile(t)
		assert.Equal(t, types.ProfileReady, p.Status)
		assert.Nil(t, p.ActiveSnapshotID)
		assert.Nil(t, p.LastError)
		assert.Equal(t, "Beta", *p.CompanyName)
		assert.Equal(t, betaResult.SnapshotID, *p.LastSnapshotID)
	})
}

func TestRun_ParseOnlyAgents(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	c := NewCollector(f.store, f.site, f.structured.ParseOnly(), f.overview.ParseOnly(), discardLogger())
	_, err := c.Run(context.Background(), Params{Domain: "acme.com"}, Hooks{OnEvent: rec.record})
	require.NoError(t, err)

	assert.Empty(t, rec.ofType(types.EventStructuredDelta))
	assert.Empty(t, rec.ofType(types.EventOverviewDelta))
	assert.Len(t, rec.ofType(types.EventStructuredComplete), 1)

	snapshot := f.latestSnapshot(t)
	assert.False(t, snapshot.Summaries.Metadata.Structured.Streamed)
	assert.Equal(t, "fake-model", snapshot.Summaries.Metadata.Overview.Model)
}

type failingPagesStore struct {
	*db.MemoryStore
}

func (failingPagesStore) ReplaceSnapshotPages(context.Context, uuid.UUID, []types.SnapshotPage) error {
	return errors.New("index unavailable")
}

func TestRun_KnowledgeBaseFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	store := failingPagesStore{f.store}

	c := NewCollector(store, f.site, f.structured, f.overview, discardLogger())
	result, err := c.Run(context.Background(), Params{Domain: "acme.com"}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotComplete, result.Status)

	snapshot := f.latestSnapshot(t)
	assert.Equal(t, types.SnapshotComplete, snapshot.Status)
	assert.Equal(t, types.VectorStoreFailed, *snapshot.VectorStoreStatus)
	assert.Equal(t, "index unavailable", *snapshot.VectorStoreError)
	assert.False(t, snapshot.KnowledgeBaseReady())
}

func TestRun_InvalidInputCreatesNothing(t *testing.T) {
	f := newFixture()
	rec := &recorder{}

	_, err := f.collector().Run(context.Background(), Params{Domain: "   "}, Hooks{OnEvent: rec.record})
	var inputErr *InputError
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "domain", inputErr.Field)

	list, err := f.store.ListSnapshots(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, rec.all())
	assert.Zero(t, f.site.MapCalls())
}

func TestParams_Normalized(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		want    Params
		wantErr string
	}{
		{
			name:   "canonical domain",
			params: Params{Domain: "https://www.Acme.com/about"},
			want:   Params{Domain: "acme.com"},
		},
		{
			name:   "blank selected URLs dropped",
			params: Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{" https://acme.com/a ", ""}, MaxPages: 4}},
			want:   Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{"https://acme.com/a"}, MaxPages: 4}},
		},
		{name: "missing domain", params: Params{}, wantErr: "domain"},
		{name: "bad domain", params: Params{Domain: "localhost"}, wantErr: "domain"},
		{name: "too many pages", params: Params{Domain: "acme.com", Options: Options{MaxPages: 99}}, wantErr: "maxPages"},
		{
			name:   "subdomain and www selections kept",
			params: Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{"https://www.acme.com/about", "https://docs.acme.com"}}},
			want:   Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{"https://www.acme.com/about", "https://docs.acme.com"}}},
		},
		{
			name:    "selection on another site",
			params:  Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{"https://acme.com/about", "https://globex.com/about"}}},
			wantErr: "selectedUrls",
		},
		{
			name:    "selection with a non-web scheme",
			params:  Params{Domain: "acme.com", Options: Options{SelectedURLs: []string{"ftp://acme.com/brochure.pdf"}}},
			wantErr: "selectedUrls",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.params.Normalized()
			if tt.wantErr != "" {
				var inputErr *InputError
				require.True(t, errors.As(err, &inputErr))
				assert.Equal(t, tt.wantErr, inputErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBatchOutcomes(t *testing.T) {
	batch := []string{"https://acme.com/", "https://acme.com/about", "https://acme.com/gone"}
	outcomes := batchOutcomes(batch, &crawling.ExtractResponse{
		Results: []types.ExtractResult{
			{URL: "https://www.acme.com"},
			{URL: "https://acme.com/about/"},
		},
	}, nil)

	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "https://acme.com/", outcomes[0].URL)
	assert.True(t, outcomes[1].Success)
	assert.False(t, outcomes[2].Success)
	assert.Equal(t, "no content returned", *outcomes[2].Error)

	failed := batchOutcomes(batch[:1], nil, errors.New("rate limit exceeded"))
	assert.Equal(t, "rate limit exceeded", *failed[0].Error)
}

func TestFormatDocuments_TruncatesLongPages(t *testing.T) {
	pages := []page{
		{URL: "https://acme.com", Title: "Acme"},
		{URL: "https://acme.com/about"},
	}
	pages[0].Resolved.PromptContent = strings.Repeat("a", 50)
	pages[0].Resolved.ContentType = "markdown"
	pages[1].Resolved.PromptContent = "short"
	pages[1].Resolved.ContentType = "html"

	out := formatDocuments(pages, 10)
	assert.Contains(t, out, `<document index="1">`)
	assert.Contains(t, out, "Title: Acme")
	assert.Contains(t, out, strings.Repeat("a", 10)+"\n[truncated]")
	assert.NotContains(t, out, strings.Repeat("a", 11))
	assert.Contains(t, out, `<document index="2">`)
	assert.Contains(t, out, "Content type: html")
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()

	t.Run("repairs an orphaned run", func(t *testing.T) {
		f := newFixture()
		s, err := f.store.CreateSnapshot(ctx, "acme.com")
		require.NoError(t, err)
		_, err = f.store.UpsertProfile(ctx, func(p *types.Profile) error {
			p.Domain = types.Ptr("acme.com")
			p.Status = types.ProfileRefreshing
			p.ActiveSnapshotID = &s.ID
			return nil
		})
		require.NoError(t, err)

		recovered, err := f.collector().RecoverInterrupted(ctx, func(uuid.UUID) bool { return false })
		require.NoError(t, err)
		assert.True(t, recovered)

		snapshot, err := f.store.GetSnapshotByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotFailed, snapshot.Status)
		assert.Equal(t, InterruptedMessage, *snapshot.Error)

		p := f.profile(t)
		assert.Equal(t, types.ProfileFailed, p.Status)
		assert.Equal(t, InterruptedMessage, *p.LastError)
		assert.Nil(t, p.ActiveSnapshotID)
	})

	t.Run("repairs a refreshing profile with no tracked run", func(t *testing.T) {
		f := newFixture()
		f.seedProfile(t)
		_, err := f.store.UpsertProfile(ctx, func(p *types.Profile) error {
			p.Status = types.ProfileRefreshing
			return nil
		})
		require.NoError(t, err)

		recovered, err := f.collector().RecoverInterrupted(ctx, func(uuid.UUID) bool { return false })
		require.NoError(t, err)
		assert.True(t, recovered)

		p := f.profile(t)
		assert.Equal(t, types.ProfileReady, p.Status)
		assert.Equal(t, InterruptedMessage, *p.LastError)
	})

	t.Run("leaves live runs alone", func(t *testing.T) {
		f := newFixture()
		id := uuid.New()
		_, err := f.store.UpsertProfile(ctx, func(p *types.Profile) error {
			p.Status = types.ProfileRefreshing
			p.ActiveSnapshotID = &id
			return nil
		})
		require.NoError(t, err)

		recovered, err := f.collector().RecoverInterrupted(ctx, func(got uuid.UUID) bool { return got == id })
		require.NoError(t, err)
		assert.False(t, recovered)
		assert.Equal(t, types.ProfileRefreshing, f.profile(t).Status)
	})

	t.Run("nothing to do", func(t *testing.T) {
		f := newFixture()
		recovered, err := f.collector().RecoverInterrupted(ctx, nil)
		require.NoError(t, err)
		assert.False(t, recovered)
	})
}
