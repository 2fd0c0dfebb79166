package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/jonathan/company-intel/internal/types"
)

// Retriever searches the knowledge base a chat is scoped to.
type Retriever func(ctx context.Context, query string) ([]SearchResult, error)

// ChatRequest is one user turn against a knowledge base.
type ChatRequest struct {
	Instructions string
	History      []types.ChatTurn
	Message      string
	Retrieve     Retriever
}

// ChatStreamer streams answers grounded on retrieved documents.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)
}

// GeminiChat implements ChatStreamer on a Gemini chat session.
type GeminiChat struct {
	client      *genai.Client
	model       string
	temperature float32
}

// StreamChat retrieves documents for the message, then streams the model's
// answer. Inline [n] markers in the answer become annotation events.
func (c *GeminiChat) StreamChat(ctx context.Context, req ChatRequest) (Stream, error) {
	if c.model == "" {
		return nil, &AgentError{Agent: "chat", Message: "no model configured"}
	}
	if req.Retrieve == nil {
		return nil, &AgentError{Agent: "chat", Message: "retriever is required"}
	}

	s := newStream(ctx)
	go c.run(s, req)
	return s, nil
}

func (c *GeminiChat) run(s *stream, req ChatRequest) {
	s.emit(Event{Kind: EventCreated})
	s.emit(Event{Kind: EventFileSearchInProgress})
	s.emit(Event{Kind: EventFileSearchSearching})

	results, err := req.Retrieve(s.ctx, req.Message)
	if err != nil {
		s.finish(nil, &AgentError{Agent: "chat", Message: "retrieval failed", Cause: err})
		return
	}
	s.emit(Event{Kind: EventFileSearchCompleted, Results: results})

	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(c.temperature)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{
		genai.Text(req.Instructions + "\n\n" + FormatDocuments(results)),
	}}

	cs := model.StartChat()
	cs.History = chatHistory(req.History)
	it := cs.SendMessageStream(s.ctx, genai.Text(req.Message))

	text, usage, err := pumpText(s, it.Next)
	if err != nil {
		s.finish(nil, &AgentError{Agent: "chat", Message: "stream failed", Cause: err})
		return
	}

	for _, ann := range ParseCitations(text, results) {
		s.emit(Event{Kind: EventOutputTextAnnotation, Annotation: &ann})
	}
	s.emit(Event{Kind: EventOutputTextDone, Text: text})
	s.finish(&Response{ID: s.id, Model: c.model, OutputText: text, Usage: usage}, nil)
}

func chatHistory(turns []types.ChatTurn) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(turn.Content)},
		})
	}
	return history
}

// FormatDocuments numbers retrieved documents for the model to cite.
func FormatDocuments(results []SearchResult) string {
	if len(results) == 0 {
		return "No documents matched this question."
	}
	var sb strings.Builder
	sb.WriteString("Documents:\n")
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("\n[%d] %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Text))
	}
	return sb.String()
}

var citationMarker = regexp.MustCompile(`\[(\d{1,3})\]`)

// ParseCitations finds [n] markers that refer to one of results.
// Each annotation carries the sentence the marker closes.
func ParseCitations(text string, results []SearchResult) []Annotation {
	var annotations []Annotation
	lastQuote := ""
	for _, loc := range citationMarker.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || n < 1 || n > len(results) {
			continue
		}
		quote := quoteBefore(text, loc[0])
		if quote == "" {
			// adjacent markers like [1][2] share the preceding sentence
			quote = lastQuote
		}
		lastQuote = quote
		annotations = append(annotations, Annotation{
			Index:      n,
			DocumentID: results[n-1].DocumentID,
			Quote:      quote,
			Offset:     loc[0],
		})
	}
	return annotations
}

// quoteBefore returns the sentence fragment that ends at pos.
func quoteBefore(text string, pos int) string {
	start := strings.LastIndexAny(text[:pos], ".!?\n]")
	quote := strings.TrimSpace(text[start+1 : pos])
	return strings.TrimRight(quote, ",;:")
}
