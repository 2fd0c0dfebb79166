package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/company-intel/internal/types"
)

func TestParseCitations(t *testing.T) {
	results := []SearchResult{
		{DocumentID: "doc-a", URL: "https://acme.com/about"},
		{DocumentID: "doc-b", URL: "https://acme.com/products"},
	}
	text := "Acme builds reusable rockets [1]. It sells launch services [2][1]. Unknown [7]."

	got := ParseCitations(text, results)
	require.Len(t, got, 3)

	assert.Equal(t, 1, got[0].Index)
	assert.Equal(t, "doc-a", got[0].DocumentID)
	assert.Equal(t, "Acme builds reusable rockets", got[0].Quote)
	assert.Equal(t, 29, got[0].Offset)

	assert.Equal(t, "doc-b", got[1].DocumentID)
	assert.Equal(t, "It sells launch services", got[1].Quote)

	assert.Equal(t, "doc-a", got[2].DocumentID)
	assert.Equal(t, "It sells launch services", got[2].Quote)
}

func TestParseCitations_NoResults(t *testing.T) {
	assert.Empty(t, ParseCitations("Claim [1].", nil))
}

func TestFormatDocuments(t *testing.T) {
	assert.Equal(t, "No documents matched this question.", FormatDocuments(nil))

	out := FormatDocuments([]SearchResult{{Title: "About", URL: "https://acme.com/about", Text: "We build rockets."}})
	assert.Contains(t, out, "[1] About (https://acme.com/about)")
	assert.Contains(t, out, "We build rockets.")
}

func TestChatHistory_MapsRoles(t *testing.T) {
	history := chatHistory([]types.ChatTurn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
}

func TestStream_FinishEmitsCompleted(t *testing.T) {
	s := newStream(context.Background())
	go func() {
		s.emit(Event{Kind: EventCreated})
		s.emit(Event{Kind: EventOutputTextDelta, Delta: "hi"})
		s.finish(&Response{ID: s.id, OutputText: "hi"}, nil)
	}()

	var kinds []EventKind
	for ev := range s.Events() {
		assert.Equal(t, s.id, ev.ResponseID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventCreated, EventOutputTextDelta, EventCompleted}, kinds)

	resp, err := s.FinalResponse()
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.OutputText)
}

func TestStream_FinishEmitsError(t *testing.T) {
	s := newStream(context.Background())
	cause := errors.New("quota exceeded")
	go s.finish(nil, &AgentError{Agent: "overview", Message: "stream failed", Cause: cause})

	var last Event
	for ev := range s.Events() {
		last = ev
	}
	assert.Equal(t, EventError, last.Kind)

	_, err := s.FinalResponse()
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "overview agent: stream failed")
}

func TestStream_AbortUnblocksProducer(t *testing.T) {
	s := newStream(context.Background())
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for s.emit(Event{Kind: EventOutputTextDelta, Delta: "x"}) {
		}
		s.finish(&Response{OutputText: "partial"}, nil)
	}()

	<-s.Events()
	s.Abort()

	select {
	case <-produced:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after abort")
	}

	_, err := s.FinalResponse()
	assert.ErrorIs(t, err, ErrAborted)
}
