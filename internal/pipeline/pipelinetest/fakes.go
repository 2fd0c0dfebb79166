// Package pipelinetest provides in-memory collaborators for exercising the
// collection pipeline without network access.
package pipelinetest

import (
	"context"
	"errors"
	"sync"

	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/types"
)

// SiteClient is a scripted crawling.Client.
type SiteClient struct {
	// Links is returned by Map.
	Links  []string
	MapErr error
	// Pages are returned by Extract for matching URLs.
	Pages map[string]types.ExtractResult
	// Failures are reported as failed results for matching URLs.
	Failures   map[string]string
	ExtractErr error

	mu       sync.Mutex
	mapCalls int
	extracts [][]string
}

var _ crawling.Client = (*SiteClient)(nil)

// Page builds an extract result with markdown content.
func Page(url, title, markdown string) types.ExtractResult {
	return types.ExtractResult{URL: url, Title: &title, Markdown: &markdown}
}

func (c *SiteClient) Map(ctx context.Context, req crawling.MapRequest) (*crawling.MapResult, error) {
	c.mu.Lock()
	c.mapCalls++
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.MapErr != nil {
		return nil, c.MapErr
	}
	return &crawling.MapResult{
		BaseURL:   req.URL,
		Results:   append([]string{}, c.Links...),
		RequestID: "map-1",
	}, nil
}

func (c *SiteClient) Extract(ctx context.Context, req crawling.ExtractRequest) (*crawling.ExtractResponse, error) {
	c.mu.Lock()
	c.extracts = append(c.extracts, append([]string(nil), req.URLs...))
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.ExtractErr != nil {
		return nil, c.ExtractErr
	}

	resp := &crawling.ExtractResponse{
		Results:       []types.ExtractResult{},
		FailedResults: []types.ExtractFailure{},
		RequestID:     "extract-1",
	}
	for _, u := range req.URLs {
		if msg, ok := c.Failures[u]; ok {
			resp.FailedResults = append(resp.FailedResults, types.ExtractFailure{URL: u, Error: msg})
			continue
		}
		if page, ok := c.Pages[u]; ok {
			resp.Results = append(resp.Results, page)
		}
	}
	return resp, nil
}

// MapCalls returns how many times Map was called.
func (c *SiteClient) MapCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapCalls
}

// Extracts returns the URL batches passed to Extract.
func (c *SiteClient) Extracts() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.extracts...)
}

// Agent is a scripted llm.StreamingAgent.
type Agent struct {
	Output string
	Err    error
	// Chunks are the streamed deltas. Output is split in three when empty.
	Chunks []string
	// Block, when set, holds every stream open after its deltas until it is
	// closed or the stream is aborted.
	Block chan struct{}

	mu       sync.Mutex
	requests []llm.Request
	streams  []*Stream
	started  chan struct{}
}

var _ llm.StreamingAgent = (*Agent)(nil)

// Parse returns the scripted output without streaming.
func (a *Agent) Parse(ctx context.Context, req llm.Request) (*llm.Response, error) {
	a.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return a.response(), nil
}

// Stream replays the scripted chunks as output text deltas.
func (a *Agent) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	a.record(req)
	s := &Stream{
		events: make(chan llm.Event, 16),
		done:   make(chan struct{}),
		abort:  make(chan struct{}),
	}
	a.mu.Lock()
	a.streams = append(a.streams, s)
	started := a.startedChan()
	select {
	case <-started:
	default:
		close(started)
	}
	a.mu.Unlock()

	go a.play(s)
	return s, nil
}

// ParseOnly hides Stream so callers see a plain llm.Agent.
func (a *Agent) ParseOnly() llm.Agent {
	return parseOnly{a}
}

// Started is closed once the first stream has been opened.
func (a *Agent) Started() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedChan()
}

// Requests returns every request the agent received.
func (a *Agent) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Request(nil), a.requests...)
}

// Calls returns how many times the agent was invoked.
func (a *Agent) Calls() int {
	return len(a.Requests())
}

// Aborted reports whether any stream was aborted.
func (a *Agent) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.streams {
		if s.Aborted() {
			return true
		}
	}
	return false
}

func (a *Agent) startedChan() chan struct{} {
	if a.started == nil {
		a.started = make(chan struct{})
	}
	return a.started
}

func (a *Agent) record(req llm.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
}

func (a *Agent) response() *llm.Response {
	return &llm.Response{ID: llm.NewResponseID(), Model: "fake-model", OutputText: a.Output}
}

func (a *Agent) chunks() []string {
	if len(a.Chunks) > 0 {
		return a.Chunks
	}
	n := len(a.Output)
	if n < 3 {
		return []string{a.Output}
	}
	return []string{a.Output[:n/3], a.Output[n/3 : 2*n/3], a.Output[2*n/3:]}
}

func (a *Agent) play(s *Stream) {
	for _, chunk := range a.chunks() {
		select {
		case s.events <- llm.Event{Kind: llm.EventOutputTextDelta, Delta: chunk}:
		case <-s.abort:
			s.finish(nil, llm.ErrAborted)
			return
		}
	}
	if a.Block != nil {
		select {
		case <-a.Block:
		case <-s.abort:
			s.finish(nil, llm.ErrAborted)
			return
		}
	}
	if a.Err != nil {
		s.events <- llm.Event{Kind: llm.EventError, Err: a.Err}
		s.finish(nil, a.Err)
		return
	}
	resp := a.response()
	s.events <- llm.Event{Kind: llm.EventCompleted, Response: resp}
	s.finish(resp, nil)
}

type parseOnly struct {
	a *Agent
}

func (p parseOnly) Parse(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return p.a.Parse(ctx, req)
}

// Stream is the llm.Stream handed out by Agent.
type Stream struct {
	events    chan llm.Event
	done      chan struct{}
	abort     chan struct{}
	abortOnce sync.Once

	mu      sync.Mutex
	aborted bool
	resp    *llm.Response
	err     error
}

func (s *Stream) Events() <-chan llm.Event {
	return s.events
}

func (s *Stream) FinalResponse() (*llm.Response, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp, s.err
}

func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		close(s.abort)
	})
}

// Aborted reports whether Abort was called.
func (s *Stream) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *Stream) finish(resp *llm.Response, err error) {
	s.mu.Lock()
	if s.aborted && err == nil {
		resp, err = nil, llm.ErrAborted
	}
	s.resp, s.err = resp, err
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}

// ErrUpstream is a generic collaborator failure for tests.
var ErrUpstream = errors.New("upstream unavailable")
