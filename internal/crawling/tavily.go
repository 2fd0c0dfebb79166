package crawling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonathan/company-intel/internal/types"
)

const (
	// DefaultTavilyBaseURL is the public Tavily API endpoint.
	DefaultTavilyBaseURL = "https://api.tavily.com"
	// DefaultTavilyTimeout bounds a single map or extract call.
	DefaultTavilyTimeout = 60 * time.Second
	// maxErrorBody caps how much of an error response is surfaced.
	maxErrorBody = 512
)

// TavilyOptions configures a TavilyClient.
type TavilyOptions struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	MapDepth          int
	MapLimit          int
	HTTPClient        *http.Client
}

// TavilyClient calls the Tavily map and extract endpoints.
type TavilyClient struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	mapDepth int
	mapLimit int
}

// NewTavilyClient creates a client authenticated with apiKey.
func NewTavilyClient(apiKey string, opts TavilyOptions) *TavilyClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTavilyBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTavilyTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.MapDepth <= 0 {
		opts.MapDepth = 2
	}
	if opts.MapLimit <= 0 {
		opts.MapLimit = 100
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &TavilyClient{
		apiKey:   apiKey,
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		mapDepth: opts.MapDepth,
		mapLimit: opts.MapLimit,
	}
}

type tavilyMapRequest struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"max_depth,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type tavilyMapResponse struct {
	BaseURL      string   `json:"base_url"`
	Results      []string `json:"results"`
	ResponseTime float64  `json:"response_time"`
	RequestID    string   `json:"request_id"`
}

type tavilyExtractRequest struct {
	URLs           []string `json:"urls"`
	Format         string   `json:"format,omitempty"`
	ExtractDepth   string   `json:"extract_depth"`
	IncludeImages  bool     `json:"include_images"`
	IncludeFavicon bool     `json:"include_favicon"`
}

type tavilyExtractResult struct {
	URL        string   `json:"url"`
	RawContent string   `json:"raw_content"`
	Images     []string `json:"images"`
	Favicon    string   `json:"favicon"`
}

type tavilyExtractResponse struct {
	Results       []tavilyExtractResult `json:"results"`
	FailedResults []struct {
		URL   string `json:"url"`
		Error string `json:"error"`
	} `json:"failed_results"`
	ResponseTime float64 `json:"response_time"`
	RequestID    string  `json:"request_id"`
}

// Map lists the pages reachable from req.URL.
func (c *TavilyClient) Map(ctx context.Context, req MapRequest) (*MapResult, error) {
	body := tavilyMapRequest{URL: req.URL, MaxDepth: req.MaxDepth, Limit: req.Limit}
	if body.MaxDepth == 0 {
		body.MaxDepth = c.mapDepth
	}
	if body.Limit == 0 {
		body.Limit = c.mapLimit
	}

	var resp tavilyMapResponse
	if err := c.post(ctx, "map", "/map", body, &resp); err != nil {
		return nil, err
	}
	return &MapResult{
		BaseURL:      resp.BaseURL,
		Results:      resp.Results,
		ResponseTime: resp.ResponseTime,
		RequestID:    resp.RequestID,
	}, nil
}

// Extract fetches the content of req.URLs.
func (c *TavilyClient) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	if len(req.URLs) == 0 {
		return &ExtractResponse{}, nil
	}
	format := req.Format
	if format == "" {
		format = FormatMarkdown
	}
	body := tavilyExtractRequest{
		URLs:           req.URLs,
		Format:         string(format),
		ExtractDepth:   "basic",
		IncludeFavicon: req.IncludeFavicon,
	}

	var resp tavilyExtractResponse
	if err := c.post(ctx, "extract", "/extract", body, &resp); err != nil {
		return nil, err
	}

	out := &ExtractResponse{
		Results:       make([]types.ExtractResult, 0, len(resp.Results)),
		FailedResults: make([]types.ExtractFailure, 0, len(resp.FailedResults)),
		ResponseTime:  resp.ResponseTime,
		RequestID:     resp.RequestID,
	}
	for _, r := range resp.Results {
		result := types.ExtractResult{URL: r.URL, Images: r.Images}
		content := r.RawContent
		switch format {
		case FormatText:
			result.Text = &content
		default:
			result.Markdown = &content
		}
		if r.Favicon != "" {
			result.Favicon = types.Ptr(r.Favicon)
		}
		out.Results = append(out.Results, result)
	}
	for _, f := range resp.FailedResults {
		out.FailedResults = append(out.FailedResults, types.ExtractFailure{URL: f.URL, Error: f.Error})
	}
	return out, nil
}

func (c *TavilyClient) post(ctx context.Context, op, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Op: op, Message: "rate limiter wait", Cause: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: op, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: op, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: errorDetail(snippet)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// errorDetail pulls the message out of a Tavily error body.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail struct {
			Error string `json:"error"`
		} `json:"detail"`
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Detail.Error != "" {
			return parsed.Detail.Error
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return "unexpected response"
}
