package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/company-intel/internal/llm"
	"github.com/jonathan/company-intel/internal/prompts"
	"github.com/jonathan/company-intel/internal/schemas"
	"github.com/jonathan/company-intel/internal/types"
)

// analyzeStructured runs the structured-profile agent and validates its output.
func (r *run) analyzeStructured(ctx context.Context) error {
	r.status(types.StageAnalysisStructured)

	req := llm.Request{
		Agent:        "structured",
		Instructions: prompts.MustGet(prompts.AgentsFile, "structured-profile-instructions"),
		Input:        prompts.Render("structured-profile-input", r.promptData()),
		JSON:         true,
	}

	var latest *types.StructuredProfile
	resp, meta, err := r.invoke(ctx, r.Collector.structured, req, func(delta, buffered string) {
		if parsed, ok := llm.ParsePartial[types.StructuredProfile](buffered); ok {
			latest = parsed
		}
		r.emit(types.StreamEvent{Type: types.EventStructuredDelta, Delta: delta, Summary: latest})
	})
	if err != nil {
		return upstreamError(types.StageAnalysisStructured, "structured profile agent failed", err)
	}

	raw := llm.CleanJSONBlock(resp.OutputText)
	if err := schemas.ValidateStructuredProfile(raw); err != nil {
		return schemaError(types.StageAnalysisStructured, "structured profile failed schema validation", err)
	}
	var structured types.StructuredProfile
	if err := json.Unmarshal([]byte(raw), &structured); err != nil {
		return schemaError(types.StageAnalysisStructured, "structured profile is not valid JSON", err)
	}
	if err := structured.Validate(); err != nil {
		return schemaError(types.StageAnalysisStructured, "structured profile failed validation", err)
	}

	r.structured = &structured
	r.structuredMeta = meta
	r.emit(types.StreamEvent{Type: types.EventStructuredComplete, Payload: &structured})
	return nil
}

// analyzeOverview runs the overview agent. Its only contract is non-empty text.
func (r *run) analyzeOverview(ctx context.Context) error {
	r.status(types.StageAnalysisOverview)

	req := llm.Request{
		Agent:        "overview",
		Instructions: prompts.MustGet(prompts.AgentsFile, "overview-instructions"),
		Input:        prompts.Render("overview-input", r.promptData()),
	}

	resp, meta, err := r.invoke(ctx, r.overview, req, func(delta, _ string) {
		r.emit(types.StreamEvent{Type: types.EventOverviewDelta, Delta: delta})
	})
	if err != nil {
		return upstreamError(types.StageAnalysisOverview, "overview agent failed", err)
	}

	text := strings.TrimSpace(resp.OutputText)
	if text == "" {
		return schemaError(types.StageAnalysisOverview, "overview agent returned no text", nil)
	}

	r.overviewText = text
	r.overviewMeta = meta
	r.emit(types.StreamEvent{Type: types.EventOverviewComplete, Text: text})
	return nil
}

// invoke calls agent, streaming when it supports it. onDelta receives each
// text delta and the accumulated output so far.
func (r *run) invoke(ctx context.Context, agent llm.Agent, req llm.Request, onDelta func(delta, buffered string)) (*llm.Response, types.AgentMetadata, error) {
	begin := time.Now()
	meta := types.AgentMetadata{}

	streaming, ok := agent.(llm.StreamingAgent)
	if !ok {
		resp, err := agent.Parse(ctx, req)
		if err != nil {
			return nil, meta, err
		}
		meta = agentMetadata(resp, false, begin)
		return resp, meta, nil
	}

	stream, err := streaming.Stream(ctx, req)
	if err != nil {
		return nil, meta, err
	}
	stop := context.AfterFunc(ctx, stream.Abort)
	defer stop()

	var buf strings.Builder
	for ev := range stream.Events() {
		switch ev.Kind {
		case llm.EventOutputTextDelta:
			buf.WriteString(ev.Delta)
			onDelta(ev.Delta, buf.String())
		case llm.EventReasoningSummaryDelta, llm.EventReasoningSummaryDone:
			r.logger.Debug("agent reasoning", "agent", req.Agent, "delta", ev.Delta)
		case llm.EventError:
			r.logger.Warn("agent stream error", "agent", req.Agent, "error", ev.Err)
		case llm.EventCreated, llm.EventOutputTextDone, llm.EventCompleted:
		default:
			r.logger.Debug("ignoring model event", "agent", req.Agent, "kind", ev.Kind)
		}
	}

	resp, err := stream.FinalResponse()
	if err != nil {
		return nil, meta, err
	}
	if resp == nil {
		return nil, meta, fmt.Errorf("%s agent returned no response", req.Agent)
	}
	if resp.OutputText == "" {
		resp.OutputText = buf.String()
	}
	return resp, agentMetadata(resp, true, begin), nil
}

func agentMetadata(resp *llm.Response, streamed bool, begin time.Time) types.AgentMetadata {
	return types.AgentMetadata{
		ResponseID: resp.ID,
		Model:      resp.Model,
		Usage:      resp.Usage,
		Streamed:   streamed,
		DurationMs: time.Since(begin).Milliseconds(),
	}
}

func (r *run) promptData() map[string]string {
	return map[string]string{
		"Domain":    r.params.Domain,
		"PageCount": strconv.Itoa(len(r.pages)),
		"Documents": formatDocuments(r.pages, r.cfg.MaxPageChars),
	}
}

// formatDocuments renders scraped pages as the numbered document collection
// the agents expect.
func formatDocuments(pages []page, maxChars int) string {
	var sb strings.Builder
	for i, p := range pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "<document index=\"%d\">\n", i+1)
		fmt.Fprintf(&sb, "URL: %s\n", p.URL)
		if p.Title != "" {
			fmt.Fprintf(&sb, "Title: %s\n", p.Title)
		}
		fmt.Fprintf(&sb, "Content type: %s\n\n", p.Resolved.ContentType)
		sb.WriteString(truncate(p.Resolved.PromptContent, maxChars))
		sb.WriteString("\n</document>")
	}
	return sb.String()
}

// truncate cuts s to at most maxChars runes.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars]) + "\n[truncated]"
}
