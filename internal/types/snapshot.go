package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SnapshotStatus is the lifecycle state of one run attempt.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotRunning   SnapshotStatus = "running"
	SnapshotComplete  SnapshotStatus = "complete"
	SnapshotFailed    SnapshotStatus = "failed"
	SnapshotCancelled SnapshotStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s SnapshotStatus) IsTerminal() bool {
	return s == SnapshotComplete || s == SnapshotFailed || s == SnapshotCancelled
}

// VectorStoreStatus tracks knowledge-base publishing for chat.
type VectorStoreStatus string

const (
	VectorStorePending VectorStoreStatus = "pending"
	VectorStoreReady   VectorStoreStatus = "ready"
	VectorStoreFailed  VectorStoreStatus = "failed"
)

// Usage is token accounting reported by a model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// AgentMetadata describes one agent invocation.
type AgentMetadata struct {
	ResponseID string `json:"responseId,omitempty"`
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	Streamed   bool   `json:"streamed"`
	DurationMs int64  `json:"durationMs"`
}

// SummaryMetadata holds per-agent metadata for a snapshot.
type SummaryMetadata struct {
	Structured AgentMetadata `json:"structured"`
	Overview   AgentMetadata `json:"overview"`
}

// Summaries bundles both agent outputs for a snapshot.
type Summaries struct {
	Structured *StructuredProfile `json:"structured"`
	Overview   string             `json:"overview"`
	Metadata   SummaryMetadata    `json:"metadata"`
}

// RawScrape is the per-URL outcome of the scraping stage.
type RawScrape struct {
	URL      string         `json:"url"`
	Success  bool           `json:"success"`
	Response *ExtractResult `json:"response,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

// Snapshot is one persisted run attempt and its outputs.
type Snapshot struct {
	ID           uuid.UUID       `json:"id"`
	Domain       string          `json:"domain"`
	Status       SnapshotStatus  `json:"status"`
	SelectedURLs []string        `json:"selectedUrls"`
	MapPayload   json.RawMessage `json:"mapPayload,omitempty"`
	Summaries    *Summaries      `json:"summaries"`
	RawScrapes   []RawScrape     `json:"rawScrapes"`
	Error        *string         `json:"error"`

	VectorStoreID     *string            `json:"vectorStoreId"`
	VectorStoreStatus *VectorStoreStatus `json:"vectorStoreStatus"`
	VectorStoreError  *string            `json:"vectorStoreError"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// KnowledgeBaseReady reports whether chat can be served from this snapshot.
func (s *Snapshot) KnowledgeBaseReady() bool {
	return s.Status == SnapshotComplete &&
		s.VectorStoreID != nil &&
		s.VectorStoreStatus != nil && *s.VectorStoreStatus == VectorStoreReady
}

// SnapshotUpdate is a partial snapshot update. Nil fields are left untouched.
type SnapshotUpdate struct {
	Status            *SnapshotStatus
	SelectedURLs      []string
	MapPayload        json.RawMessage
	Summaries         *Summaries
	RawScrapes        []RawScrape
	Error             *string
	VectorStoreID     *string
	VectorStoreStatus *VectorStoreStatus
	VectorStoreError  *string
	CompletedAt       *time.Time
}

// Apply copies the set fields of u onto s.
func (u SnapshotUpdate) Apply(s *Snapshot) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.SelectedURLs != nil {
		s.SelectedURLs = append([]string(nil), u.SelectedURLs...)
	}
	if u.MapPayload != nil {
		s.MapPayload = u.MapPayload
	}
	if u.Summaries != nil {
		s.Summaries = u.Summaries
	}
	if u.RawScrapes != nil {
		s.RawScrapes = append([]RawScrape(nil), u.RawScrapes...)
	}
	if u.Error != nil {
		s.Error = u.Error
	}
	if u.VectorStoreID != nil {
		s.VectorStoreID = u.VectorStoreID
	}
	if u.VectorStoreStatus != nil {
		s.VectorStoreStatus = u.VectorStoreStatus
	}
	if u.VectorStoreError != nil {
		s.VectorStoreError = u.VectorStoreError
	}
	if u.CompletedAt != nil {
		s.CompletedAt = u.CompletedAt
	}
}

// SnapshotPage is one scraped page published to a snapshot's knowledge base.
type SnapshotPage struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	WordCount   int    `json:"wordCount"`
}

// PageMatch is a knowledge-base search hit.
type PageMatch struct {
	Page  SnapshotPage `json:"page"`
	Score float64      `json:"score"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
