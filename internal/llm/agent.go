package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/types"
)

// ErrAborted is returned by FinalResponse after Abort was called.
var ErrAborted = errors.New("stream aborted")

// AgentError represents a failed model call.
type AgentError struct {
	Agent   string
	Message string
	Cause   error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s agent: %s: %v", e.Agent, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s agent: %s", e.Agent, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}

// Request is one agent invocation.
type Request struct {
	// Agent names the caller for errors and logs (e.g. "structured").
	Agent        string
	Instructions string
	Input        string
	// JSON asks the model for a JSON document.
	JSON bool
}

// Response is the final output of an agent invocation.
type Response struct {
	ID         string
	Model      string
	OutputText string
	Usage      *types.Usage
}

// Agent runs a single request to completion.
type Agent interface {
	Parse(ctx context.Context, req Request) (*Response, error)
}

// StreamingAgent can additionally stream its output.
type StreamingAgent interface {
	Agent
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream is an in-flight model response.
// Events is closed once the response finishes, fails or is aborted.
type Stream interface {
	Events() <-chan Event
	FinalResponse() (*Response, error)
	Abort()
}

// EventKind is the closed set of events a model stream produces.
type EventKind string

const (
	EventCreated               EventKind = "response.created"
	EventOutputTextDelta       EventKind = "response.output_text.delta"
	EventReasoningSummaryDelta EventKind = "response.reasoning_summary_text.delta"
	EventReasoningSummaryDone  EventKind = "response.reasoning_summary_text.done"
	EventFileSearchInProgress  EventKind = "response.file_search_call.in_progress"
	EventFileSearchSearching   EventKind = "response.file_search_call.searching"
	EventFileSearchCompleted   EventKind = "response.file_search_call.completed"
	EventOutputTextAnnotation  EventKind = "response.output_text.annotation.added"
	EventOutputTextDone        EventKind = "response.output_text.done"
	EventCompleted             EventKind = "response.completed"
	EventError                 EventKind = "response.error"
)

// Annotation is an inline citation marker found in the output text.
type Annotation struct {
	Index      int
	DocumentID string
	Quote      string
	Offset     int
}

// SearchResult is a document returned by the retrieval tool.
type SearchResult struct {
	DocumentID string
	URL        string
	Title      string
	Text       string
	Score      float64
}

// Event is one frame of a model stream. Kind selects the meaningful fields.
type Event struct {
	Kind       EventKind
	ResponseID string
	Delta      string
	Text       string
	Annotation *Annotation
	Results    []SearchResult
	Response   *Response
	Err        error
}

// NewResponseID returns an identifier for a model response.
func NewResponseID() string {
	return "resp_" + uuid.NewString()
}

// stream is the channel-backed Stream shared by the Gemini implementations.
type stream struct {
	id     string
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	aborted bool
	resp    *Response
	err     error
}

func newStream(ctx context.Context) *stream {
	streamCtx, cancel := context.WithCancel(ctx)
	return &stream{
		id:     NewResponseID(),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		ctx:    streamCtx,
		cancel: cancel,
	}
}

func (s *stream) Events() <-chan Event {
	return s.events
}

func (s *stream) FinalResponse() (*Response, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resp, s.err
}

func (s *stream) Abort() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	s.cancel()
}

// emit delivers ev unless the stream has been cancelled.
func (s *stream) emit(ev Event) bool {
	ev.ResponseID = s.id
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish records the outcome and releases FinalResponse waiters.
func (s *stream) finish(resp *Response, err error) {
	s.mu.Lock()
	if s.aborted {
		resp, err = nil, ErrAborted
	}
	s.resp, s.err = resp, err
	s.mu.Unlock()

	if err != nil && !errors.Is(err, ErrAborted) {
		s.emit(Event{Kind: EventError, Err: err})
	} else if resp != nil {
		s.emit(Event{Kind: EventCompleted, Response: resp})
	}
	close(s.events)
	close(s.done)
	s.cancel()
}
