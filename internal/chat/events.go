package chat

import (
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/types"
)

// translator maps model stream events onto chat events.
type translator struct {
	snapshotID uuid.UUID
	emit       Emit
	logger     *slog.Logger

	responseID  string
	text        string
	consulted   []llm.SearchResult
	annotations []llm.Annotation
	failed      bool
}

func (t *translator) send(ev types.StreamEvent) {
	ev.SnapshotID = t.snapshotID
	if ev.ResponseID == "" {
		ev.ResponseID = t.responseID
	}
	t.emit(ev)
}

func (t *translator) handle(ev llm.Event) {
	if ev.ResponseID != "" {
		t.responseID = ev.ResponseID
	}

	switch ev.Kind {
	case llm.EventCreated:
		t.send(types.StreamEvent{Type: types.EventChatStreamStart})
	case llm.EventOutputTextDelta:
		t.text += ev.Delta
		t.send(types.StreamEvent{Type: types.EventChatMessageDelta, Delta: ev.Delta})
	case llm.EventReasoningSummaryDelta:
		t.send(types.StreamEvent{Type: types.EventChatReasoningDelta, Delta: ev.Delta})
	case llm.EventReasoningSummaryDone:
		t.send(types.StreamEvent{Type: types.EventChatReasoningSummary, Text: ev.Text})
	case llm.EventFileSearchInProgress:
		t.toolStatus("in_progress")
	case llm.EventFileSearchSearching:
		t.toolStatus("searching")
	case llm.EventFileSearchCompleted:
		t.consulted = append(t.consulted, ev.Results...)
		t.toolStatus("completed")
	case llm.EventOutputTextAnnotation:
		if ev.Annotation != nil {
			t.annotations = append(t.annotations, *ev.Annotation)
		}
	case llm.EventOutputTextDone:
		t.text = ev.Text
	case llm.EventCompleted:
		t.complete(ev.Response)
	case llm.EventError:
		t.failed = true
		msg := "chat stream failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		t.send(types.StreamEvent{Type: types.EventChatError, Error: msg})
	default:
		t.logger.Debug("ignoring chat stream event", "kind", string(ev.Kind))
	}
}

func (t *translator) toolStatus(status string) {
	t.send(types.StreamEvent{Type: types.EventChatToolStatus, Tool: fileSearchTool, ToolStatus: status})
}

func (t *translator) complete(resp *llm.Response) {
	if resp != nil && resp.OutputText != "" {
		t.text = resp.OutputText
	}
	inline, consulted := SplitCitations(t.consulted, t.annotations)
	t.send(types.StreamEvent{
		Type:      types.EventChatMessageComplete,
		Message:   t.text,
		Citations: inline,
		Consulted: consulted,
	})
	if resp != nil && resp.Usage != nil {
		t.send(types.StreamEvent{Type: types.EventChatUsage, Usage: resp.Usage})
	}
	t.send(types.StreamEvent{Type: types.EventChatComplete})
}

// SplitCitations separates retrieved documents the answer cites inline from
// those it only consulted. Inline citations take their URL, title and score
// from the matching retrieval result; annotations for documents that were
// never retrieved are dropped.
func SplitCitations(results []llm.SearchResult, annotations []llm.Annotation) ([]types.InlineCitation, []types.ConsultedDocument) {
	byID := make(map[string]llm.SearchResult, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		prev, seen := byID[r.DocumentID]
		if !seen {
			order = append(order, r.DocumentID)
		}
		if !seen || r.Score > prev.Score {
			byID[r.DocumentID] = r
		}
	}

	type key struct {
		id     string
		offset int
	}
	cited := make(map[string]bool)
	seenAt := make(map[key]bool)
	inline := []types.InlineCitation{}
	for _, ann := range annotations {
		doc, ok := byID[ann.DocumentID]
		if !ok || seenAt[key{ann.DocumentID, ann.Offset}] {
			continue
		}
		seenAt[key{ann.DocumentID, ann.Offset}] = true
		cited[ann.DocumentID] = true
		inline = append(inline, types.InlineCitation{
			DocumentID: doc.DocumentID,
			URL:        doc.URL,
			Title:      doc.Title,
			Quote:      ann.Quote,
			Index:      ann.Index,
			Offset:     ann.Offset,
			Score:      types.Ptr(doc.Score),
		})
	}
	sort.SliceStable(inline, func(i, j int) bool { return inline[i].Offset < inline[j].Offset })

	consulted := []types.ConsultedDocument{}
	for _, id := range order {
		if cited[id] {
			continue
		}
		doc := byID[id]
		consulted = append(consulted, types.ConsultedDocument{
			DocumentID: doc.DocumentID,
			URL:        doc.URL,
			Title:      doc.Title,
			Score:      doc.Score,
		})
	}
	return inline, consulted
}
