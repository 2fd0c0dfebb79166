package crawling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/company-intel/internal/fetch"
	"github.com/jonathan/company-intel/internal/types"
)

const (
	defaultLocalConcurrency = 4
	defaultLocalMapLimit    = 100
	// maxMapFetches bounds how many pages Map downloads to discover links.
	maxMapFetches = 10
)

// LocalOptions configures a LocalClient.
type LocalOptions struct {
	Fetch          *fetch.Options
	UseBrowser     bool
	BrowserTimeout time.Duration
	Concurrency    int
	Logger         *slog.Logger
}

// LocalClient maps and extracts sites by fetching pages directly.
type LocalClient struct {
	useBrowser  bool
	concurrency int
	logger      *slog.Logger
	fetchPage   func(ctx context.Context, url string) (*fetch.Result, error)
	render      func(ctx context.Context, url string) (string, error)
}

// NewLocalClient creates a crawler that needs no external API.
func NewLocalClient(opts LocalOptions) *LocalClient {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultLocalConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	fetchOpts := opts.Fetch
	if fetchOpts == nil {
		fetchOpts = fetch.DefaultOptions()
	}
	logger := opts.Logger
	return &LocalClient{
		useBrowser:  opts.UseBrowser,
		concurrency: opts.Concurrency,
		logger:      logger,
		fetchPage: func(ctx context.Context, url string) (*fetch.Result, error) {
			return fetch.URL(ctx, url, fetchOpts)
		},
		render: func(ctx context.Context, url string) (string, error) {
			return fetch.WithBrowser(ctx, url, opts.BrowserTimeout, logger)
		},
	}
}

// Map walks same-site links breadth-first from req.URL.
func (c *LocalClient) Map(ctx context.Context, req MapRequest) (*MapResult, error) {
	start := time.Now()
	depth := req.MaxDepth
	if depth <= 0 {
		depth = 1
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLocalMapLimit
	}

	root := strings.TrimSuffix(req.URL, "/")
	seen := map[string]bool{root: true}
	results := []string{root}
	frontier := []string{root}
	fetches := 0

	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, pageURL := range frontier {
			if fetches >= maxMapFetches || len(results) >= limit {
				break
			}
			fetches++

			html, finalURL, err := c.loadHTML(ctx, pageURL, true)
			if err != nil {
				if pageURL == root {
					return nil, &Error{Op: "map", Message: "failed to fetch " + root, Cause: err}
				}
				c.logger.Debug("skipping unreachable page during map", "url", pageURL, "error", err)
				continue
			}

			links, err := ExtractLinks(html, finalURL)
			if err != nil {
				c.logger.Debug("link extraction failed", "url", pageURL, "error", err)
				continue
			}
			for _, link := range links {
				if seen[link] || len(results) >= limit {
					continue
				}
				seen[link] = true
				results = append(results, link)
				next = append(next, link)
			}
		}
		frontier = next
	}

	return &MapResult{
		BaseURL:      root,
		Results:      results,
		ResponseTime: time.Since(start).Seconds(),
		RequestID:    uuid.NewString(),
	}, nil
}

// Extract downloads req.URLs concurrently. Per-page failures are reported
// in FailedResults; the call itself fails only when ctx is cancelled.
func (c *LocalClient) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	start := time.Now()
	results := make([]*types.ExtractResult, len(req.URLs))
	failures := make([]*types.ExtractFailure, len(req.URLs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, pageURL := range req.URLs {
		g.Go(func() error {
			res, err := c.extractOne(gctx, pageURL, req)
			if err != nil {
				failures[i] = &types.ExtractFailure{URL: pageURL, Error: err.Error()}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "extract", Message: "cancelled", Cause: err}
	}

	out := &ExtractResponse{
		ResponseTime: time.Since(start).Seconds(),
		RequestID:    uuid.NewString(),
	}
	for i := range req.URLs {
		switch {
		case results[i] != nil:
			out.Results = append(out.Results, *results[i])
		case failures[i] != nil:
			out.FailedResults = append(out.FailedResults, *failures[i])
		}
	}
	return out, nil
}

func (c *LocalClient) extractOne(ctx context.Context, pageURL string, req ExtractRequest) (*types.ExtractResult, error) {
	html, finalURL, err := c.loadHTML(ctx, pageURL, false)
	if err != nil {
		return nil, err
	}

	text, err := fetch.ExtractMainText(html, fetch.CompanyPageSelectors())
	if err != nil {
		return nil, err
	}
	if c.useBrowser && fetch.ShouldUseBrowser(text) {
		if rendered, rerr := c.renderHTML(ctx, pageURL); rerr == nil {
			if renderedText, terr := fetch.ExtractMainText(rendered, fetch.CompanyPageSelectors()); terr == nil && len(renderedText) > len(text) {
				html, text = rendered, renderedText
			}
		}
	}

	meta := fetch.ParseMetadata(html, finalURL)
	result := &types.ExtractResult{
		URL:        pageURL,
		RawContent: types.Ptr(html),
		Metadata:   map[string]any{"finalUrl": finalURL},
	}
	if text != "" {
		result.Text = types.Ptr(text)
	}
	if meta.Title != "" {
		result.Title = types.Ptr(meta.Title)
	}
	if meta.Description != "" {
		result.Description = types.Ptr(meta.Description)
	}
	if meta.Language != "" {
		result.Metadata["language"] = meta.Language
	}
	if req.IncludeFavicon && meta.Favicon != "" {
		result.Favicon = types.Ptr(meta.Favicon)
	}
	return result, nil
}

// loadHTML fetches a page, falling back to the headless browser when the
// response is unusable and browser rendering is enabled.
func (c *LocalClient) loadHTML(ctx context.Context, pageURL string, preferRender bool) (string, string, error) {
	res, err := c.fetchPage(ctx, pageURL)
	if err == nil && !isHTML(res.ContentType) {
		err = fmt.Errorf("unsupported content type %q", res.ContentType)
	}
	if err != nil {
		if !c.useBrowser || ctx.Err() != nil {
			return "", "", err
		}
		rendered, rerr := c.renderHTML(ctx, pageURL)
		if rerr != nil {
			return "", "", err
		}
		return rendered, pageURL, nil
	}

	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = pageURL
	}
	if preferRender && c.useBrowser {
		if text, terr := fetch.ExtractMainText(res.HTML, fetch.CompanyPageSelectors()); terr == nil && fetch.ShouldUseBrowser(text) {
			if rendered, rerr := c.renderHTML(ctx, pageURL); rerr == nil {
				return rendered, finalURL, nil
			}
		}
	}
	return res.HTML, finalURL, nil
}

var renderMu sync.Mutex

// renderHTML serializes browser renders; each one starts a Chrome process.
func (c *LocalClient) renderHTML(ctx context.Context, pageURL string) (string, error) {
	renderMu.Lock()
	defer renderMu.Unlock()
	html, err := c.render(ctx, pageURL)
	if err != nil {
		c.logger.Warn("browser render failed", "url", pageURL, "error", err)
	}
	return html, err
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml") || strings.Contains(ct, "text/plain")
}
