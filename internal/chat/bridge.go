// Package chat answers questions against a completed snapshot's knowledge
// base and re-emits the model's stream as chat events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/db"
	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/observability"
	"github.com/jonathan/company-intel/internal/prompts"
	"github.com/jonathan/company-intel/internal/types"
)

const (
	// DefaultSearchLimit is the number of pages retrieved per question.
	DefaultSearchLimit = 5
	// DefaultDocumentChars bounds the text of each retrieved page.
	DefaultDocumentChars = 4000

	fileSearchTool = "file_search"
)

var (
	// ErrSnapshotNotFound is returned when the snapshot does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrKnowledgeBaseNotReady is returned when the snapshot cannot serve chat yet.
	ErrKnowledgeBaseNotReady = errors.New("knowledge base not ready")
)

// Emit receives chat events in order.
type Emit func(types.StreamEvent)

// Bridge streams chat answers for snapshots.
type Bridge struct {
	store         db.Store
	streamer      llm.ChatStreamer
	logger        *slog.Logger
	metrics       *observability.Metrics
	searchLimit   int
	documentChars int
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records chat outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithSearchLimit sets how many pages are retrieved per question.
func WithSearchLimit(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.searchLimit = n
		}
	}
}

// NewBridge creates a Bridge.
func NewBridge(store db.Store, streamer llm.ChatStreamer, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		store:         store,
		streamer:      streamer,
		logger:        logger,
		searchLimit:   DefaultSearchLimit,
		documentChars: DefaultDocumentChars,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CheckReady returns the snapshot if it can serve chat.
func (b *Bridge) CheckReady(ctx context.Context, snapshotID uuid.UUID) (*types.Snapshot, error) {
	snapshot, err := b.store.GetSnapshotByID(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrSnapshotNotFound)
	}
	if !snapshot.KnowledgeBaseReady() {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrKnowledgeBaseNotReady)
	}
	return snapshot, nil
}

// Stream answers req against the snapshot's knowledge base, calling emit for
// every chat event. Cancelling ctx aborts the model stream. Errors returned
// before the model stream opens produce no events.
func (b *Bridge) Stream(ctx context.Context, snapshotID uuid.UUID, req types.ChatRequest, emit Emit) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	snapshot, err := b.CheckReady(ctx, snapshotID)
	if err != nil {
		return err
	}

	stream, err := b.streamer.StreamChat(ctx, llm.ChatRequest{
		Instructions: prompts.Render("chat-instructions", map[string]string{"Company": companyName(snapshot)}),
		History:      req.RecentHistory(),
		Message:      req.Message,
		Retrieve:     b.retriever(snapshotID),
	})
	if err != nil {
		b.metrics.ChatFinished(ctx, "error")
		return fmt.Errorf("failed to start chat stream: %w", err)
	}
	stop := context.AfterFunc(ctx, stream.Abort)
	defer stop()

	t := &translator{snapshotID: snapshotID, emit: emit, logger: b.logger}
	for ev := range stream.Events() {
		t.handle(ev)
	}

	_, err = stream.FinalResponse()
	switch {
	case errors.Is(err, llm.ErrAborted) || (err != nil && ctx.Err() != nil):
		b.logger.Info("chat aborted", "snapshot_id", snapshotID.String())
		b.metrics.ChatFinished(context.WithoutCancel(ctx), "aborted")
		return context.Canceled
	case err != nil:
		if !t.failed {
			t.send(types.StreamEvent{Type: types.EventChatError, Error: err.Error()})
		}
		b.metrics.ChatFinished(ctx, "error")
		return fmt.Errorf("chat stream failed: %w", err)
	}
	b.metrics.ChatFinished(ctx, "complete")
	return nil
}

func (b *Bridge) retriever(snapshotID uuid.UUID) llm.Retriever {
	return func(ctx context.Context, query string) ([]llm.SearchResult, error) {
		matches, err := b.store.SearchSnapshotPages(ctx, snapshotID, query, b.searchLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to search knowledge base: %w", err)
		}
		results := make([]llm.SearchResult, 0, len(matches))
		for _, m := range matches {
			results = append(results, llm.SearchResult{
				DocumentID: m.Page.URL,
				URL:        m.Page.URL,
				Title:      m.Page.Title,
				Text:       truncate(m.Page.Content, b.documentChars),
				Score:      m.Score,
			})
		}
		return results, nil
	}
}

func companyName(s *types.Snapshot) string {
	if s.Summaries != nil && s.Summaries.Structured != nil && s.Summaries.Structured.CompanyName != "" {
		return s.Summaries.Structured.CompanyName
	}
	return s.Domain
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return strings.TrimSpace(string(runes[:maxChars]))
}
