package types

import "github.com/google/uuid"

// EventType discriminates StreamEvent frames.
type EventType string

// Run lifecycle events.
const (
	EventSnapshotCreated    EventType = "snapshot-created"
	EventStatus             EventType = "status"
	EventStructuredDelta    EventType = "structured-delta"
	EventStructuredComplete EventType = "structured-complete"
	EventOverviewDelta      EventType = "overview-delta"
	EventOverviewComplete   EventType = "overview-complete"
	EventRunComplete        EventType = "run-complete"
	EventRunError           EventType = "run-error"
	EventRunCancelled       EventType = "run-cancelled"
)

// Chat lifecycle events.
const (
	EventChatStreamStart      EventType = "chat-stream-start"
	EventChatMessageDelta     EventType = "chat-message-delta"
	EventChatReasoningDelta   EventType = "chat-reasoning-delta"
	EventChatReasoningSummary EventType = "chat-reasoning-summary"
	EventChatToolStatus       EventType = "chat-tool-status"
	EventChatMessageComplete  EventType = "chat-message-complete"
	EventChatUsage            EventType = "chat-usage"
	EventChatComplete         EventType = "chat-complete"
	EventChatError            EventType = "chat-error"
)

// Stage names a pipeline stage reported through status events.
type Stage string

const (
	StageMapping            Stage = "mapping"
	StageScraping           Stage = "scraping"
	StageAnalysisStructured Stage = "analysis_structured"
	StageAnalysisOverview   Stage = "analysis_overview"
	StagePersisting         Stage = "persisting"
)

// InlineCitation is a consulted document the model explicitly cited.
type InlineCitation struct {
	DocumentID string   `json:"documentId"`
	URL        string   `json:"url"`
	Title      string   `json:"title,omitempty"`
	Quote      string   `json:"quote,omitempty"`
	Index      int      `json:"index"`
	Offset     int      `json:"offset"`
	Score      *float64 `json:"score,omitempty"`
}

// ConsultedDocument is a retrieval result the model looked at.
type ConsultedDocument struct {
	DocumentID string  `json:"documentId"`
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
}

// StreamEvent is one frame of a run or chat stream.
// Type selects which of the optional fields are meaningful.
type StreamEvent struct {
	Type       EventType      `json:"type"`
	SnapshotID uuid.UUID      `json:"snapshotId"`
	ResponseID string         `json:"responseId,omitempty"`
	Domain     string         `json:"domain,omitempty"`
	Status     SnapshotStatus `json:"status,omitempty"`

	Stage     Stage `json:"stage,omitempty"`
	Completed *int  `json:"completed,omitempty"`
	Total     *int  `json:"total,omitempty"`

	Delta   string             `json:"delta,omitempty"`
	Summary *StructuredProfile `json:"summary,omitempty"`
	Payload *StructuredProfile `json:"payload,omitempty"`
	Text    string             `json:"text,omitempty"`
	Result  *RunResult         `json:"result,omitempty"`
	Error   string             `json:"error,omitempty"`

	Tool       string              `json:"tool,omitempty"`
	ToolStatus string              `json:"toolStatus,omitempty"`
	Message    string              `json:"message,omitempty"`
	Citations  []InlineCitation    `json:"citations,omitempty"`
	Consulted  []ConsultedDocument `json:"consulted,omitempty"`
	Usage      *Usage              `json:"usage,omitempty"`
}

// IsTerminal reports whether the event ends a run stream.
func (e StreamEvent) IsTerminal() bool {
	switch e.Type {
	case EventRunComplete, EventRunError, EventRunCancelled:
		return true
	}
	return false
}
