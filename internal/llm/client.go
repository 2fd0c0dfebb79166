package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jonathan/company-intel/internal/types"
)

// Client owns the Gemini connection shared by the agents and chat.
type Client struct {
	client *genai.Client
	config *Config
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, config *Config, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{client: client, config: config}, nil
}

// Agent returns a streaming agent bound to the model of the given tier.
func (c *Client) Agent(tier ModelTier) *GeminiAgent {
	return &GeminiAgent{client: c.client, model: c.config.GetModel(tier), temperature: 0.1}
}

// Chat returns a chat streamer bound to the model of the given tier.
func (c *Client) Chat(tier ModelTier) *GeminiChat {
	return &GeminiChat{client: c.client, model: c.config.GetModel(tier), temperature: 0.3}
}

// Close releases resources held by the client
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// GeminiAgent implements StreamingAgent on a Gemini model.
type GeminiAgent struct {
	client      *genai.Client
	model       string
	temperature float32
}

// Model returns the model name the agent calls.
func (a *GeminiAgent) Model() string {
	return a.model
}

func (a *GeminiAgent) generativeModel(req Request) (*genai.GenerativeModel, error) {
	if a.model == "" {
		return nil, &AgentError{Agent: req.Agent, Message: "no model configured"}
	}
	model := a.client.GenerativeModel(a.model)
	model.SetTemperature(a.temperature)
	if req.Instructions != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.Instructions)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}
	return model, nil
}

// Parse runs req to completion.
func (a *GeminiAgent) Parse(ctx context.Context, req Request) (*Response, error) {
	model, err := a.generativeModel(req)
	if err != nil {
		return nil, err
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Input))
	if err != nil {
		return nil, &AgentError{Agent: req.Agent, Message: "failed to generate content", Cause: err}
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return nil, &AgentError{Agent: req.Agent, Message: "empty response", Cause: err}
	}
	if req.JSON {
		text = CleanJSONBlock(text)
	}

	return &Response{
		ID:         NewResponseID(),
		Model:      a.model,
		OutputText: text,
		Usage:      usageFrom(resp.UsageMetadata),
	}, nil
}

// Stream starts req and returns its event stream.
func (a *GeminiAgent) Stream(ctx context.Context, req Request) (Stream, error) {
	model, err := a.generativeModel(req)
	if err != nil {
		return nil, err
	}

	s := newStream(ctx)
	it := model.GenerateContentStream(s.ctx, genai.Text(req.Input))

	go func() {
		s.emit(Event{Kind: EventCreated})
		text, usage, err := pumpText(s, it.Next)
		if err != nil {
			s.finish(nil, &AgentError{Agent: req.Agent, Message: "stream failed", Cause: err})
			return
		}
		if req.JSON {
			text = CleanJSONBlock(text)
		}
		s.emit(Event{Kind: EventOutputTextDone, Text: text})
		s.finish(&Response{ID: s.id, Model: a.model, OutputText: text, Usage: usage}, nil)
	}()

	return s, nil
}

// pumpText forwards text chunks from next as delta events until the iterator is exhausted.
func pumpText(s *stream, next func() (*genai.GenerateContentResponse, error)) (string, *types.Usage, error) {
	var sb strings.Builder
	var usage *types.Usage
	for {
		resp, err := next()
		if errors.Is(err, iterator.Done) {
			return sb.String(), usage, nil
		}
		if err != nil {
			return "", nil, err
		}

		if u := usageFrom(resp.UsageMetadata); u != nil {
			usage = u
		}
		delta := chunkText(resp)
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if !s.emit(Event{Kind: EventOutputTextDelta, Delta: delta}) {
			return "", nil, s.ctx.Err()
		}
	}
}

// chunkText returns the text parts of a streamed chunk.
func chunkText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

// extractTextFromResponse extracts text from Gemini API response
func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	text := chunkText(resp)
	if text == "" {
		return "", fmt.Errorf("no text parts in response")
	}
	return text, nil
}

func usageFrom(meta *genai.UsageMetadata) *types.Usage {
	if meta == nil {
		return nil
	}
	return &types.Usage{
		InputTokens:  int(meta.PromptTokenCount),
		OutputTokens: int(meta.CandidatesTokenCount),
		TotalTokens:  int(meta.TotalTokenCount),
	}
}
