package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/company-intel/internal/content"
	"github.com/jonathan/company-intel/internal/crawling"
	"github.com/jonathan/company-intel/internal/profile"
	"github.com/jonathan/company-intel/internal/selection"
	"github.com/jonathan/company-intel/internal/types"
)

// page is a successfully scraped page that feeds the agents.
type page struct {
	URL      string
	Title    string
	Resolved content.Resolved
}

// mapSite discovers the site's links and chooses the pages to scrape.
func (r *run) mapSite(ctx context.Context) error {
	r.status(types.StageMapping)

	selected := r.params.Options.SelectedURLs
	mapped, err := r.client.Map(ctx, crawling.MapRequest{URL: crawling.HomepageURL(r.params.Domain)})
	if err != nil {
		if len(selected) == 0 {
			return upstreamError(types.StageMapping, "failed to map site", err)
		}
		r.logger.Warn("site map failed, continuing with selected URLs", "error", err)
		mapped = nil
	}

	var payload json.RawMessage
	if mapped != nil {
		r.result.TotalLinksMapped = len(mapped.Results)
		if payload, err = json.Marshal(mapped); err != nil {
			return upstreamError(types.StageMapping, "failed to encode site map", err)
		}
	}

	if len(selected) > 0 {
		r.result.Selections = selection.FromUserSelection(selected)
	} else {
		r.result.Selections = selection.Rank(r.params.Domain, mapped.Results, r.maxPages())
	}
	if len(r.result.Selections) == 0 {
		return upstreamError(types.StageMapping,
			fmt.Sprintf("no pages selected for %s (%d links mapped)", r.params.Domain, r.result.TotalLinksMapped), nil)
	}
	r.logger.Info("pages selected",
		"links_mapped", r.result.TotalLinksMapped,
		"selected", len(r.result.Selections))

	_, err = r.store.UpdateSnapshot(ctx, r.id, types.SnapshotUpdate{
		SelectedURLs: selection.URLs(r.result.Selections),
		MapPayload:   payload,
	})
	if err != nil {
		return upstreamError(types.StageMapping, "failed to save page selection", err)
	}
	return nil
}

func (r *run) maxPages() int {
	if r.params.Options.MaxPages > 0 {
		return r.params.Options.MaxPages
	}
	return r.cfg.MaxPages
}

// scrape extracts the selected pages in bounded-concurrency batches,
// reporting progress as each batch resolves.
func (r *run) scrape(ctx context.Context) error {
	urls := selection.URLs(r.result.Selections)
	total := len(urls)
	r.progress(types.StageScraping, 0, total)

	scrapes := make([]types.RawScrape, total)
	var (
		mu        sync.Mutex
		completed int
		g         errgroup.Group
	)
	g.SetLimit(r.cfg.ScrapeConcurrency)

	for start := 0; start < total; start += r.cfg.ScrapeBatchSize {
		end := min(start+r.cfg.ScrapeBatchSize, total)
		batch := urls[start:end]
		offset := start

		g.Go(func() error {
			resp, err := r.client.Extract(ctx, crawling.ExtractRequest{
				URLs:           batch,
				Format:         crawling.FormatMarkdown,
				IncludeFavicon: true,
			})
			outcomes := batchOutcomes(batch, resp, err)

			mu.Lock()
			defer mu.Unlock()
			copy(scrapes[offset:], outcomes)
			completed += len(batch)
			r.progress(types.StageScraping, completed, total)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return upstreamError(types.StageScraping, "scraping interrupted", err)
	}

	for i := range scrapes {
		s := &scrapes[i]
		if !s.Success {
			continue
		}
		resolved := content.Resolve(*s.Response)
		if resolved.Empty() {
			s.Success = false
			s.Error = types.Ptr("page returned no usable content")
			continue
		}
		r.pages = append(r.pages, page{URL: s.URL, Title: deref(s.Response.Title), Resolved: resolved})
	}
	r.favicon = bestFavicon(r.params.Domain, scrapes)
	r.result.SuccessfulPages = len(r.pages)
	r.result.FailedPages = total - len(r.pages)
	r.metrics.PagesScraped(ctx, r.result.SuccessfulPages, r.result.FailedPages)

	if _, err := r.store.UpdateSnapshot(ctx, r.id, types.SnapshotUpdate{RawScrapes: scrapes}); err != nil {
		return upstreamError(types.StageScraping, "failed to save scrape results", err)
	}
	if len(r.pages) == 0 {
		return upstreamError(types.StageScraping,
			fmt.Sprintf("no pages could be scraped (%d failed): %s", total, firstScrapeError(scrapes)), nil)
	}
	r.logger.Info("scraping finished",
		"successful_pages", r.result.SuccessfulPages,
		"failed_pages", r.result.FailedPages)
	return nil
}

// batchOutcomes pairs every requested URL with its extract result or failure.
func batchOutcomes(batch []string, resp *crawling.ExtractResponse, err error) []types.RawScrape {
	out := make([]types.RawScrape, len(batch))
	if err != nil {
		msg := err.Error()
		for i, u := range batch {
			out[i] = types.RawScrape{URL: u, Success: false, Error: types.Ptr(msg)}
		}
		return out
	}

	results := make(map[string]types.ExtractResult, len(resp.Results))
	for _, res := range resp.Results {
		results[urlKey(res.URL)] = res
	}
	failures := make(map[string]string, len(resp.FailedResults))
	for _, f := range resp.FailedResults {
		failures[urlKey(f.URL)] = f.Error
	}

	for i, u := range batch {
		key := urlKey(u)
		if res, ok := results[key]; ok {
			out[i] = types.RawScrape{URL: u, Success: true, Response: &res}
			continue
		}
		msg, ok := failures[key]
		if !ok || msg == "" {
			msg = "no content returned"
		}
		out[i] = types.RawScrape{URL: u, Success: false, Error: types.Ptr(msg)}
	}
	return out
}

// urlKey matches request URLs to result URLs that differ only in case,
// a leading www or a trailing slash.
func urlKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(strings.TrimSpace(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/") + "?" + u.RawQuery
}

// bestFavicon prefers the homepage's favicon, then any other page's.
func bestFavicon(domain string, scrapes []types.RawScrape) *string {
	home := urlKey(crawling.HomepageURL(domain))
	var fallback *string
	for _, s := range scrapes {
		if s.Response == nil {
			continue
		}
		icon := profile.NormalizeString(s.Response.Favicon)
		if icon == nil {
			continue
		}
		if urlKey(s.URL) == home {
			return icon
		}
		if fallback == nil {
			fallback = icon
		}
	}
	return fallback
}

func firstScrapeError(scrapes []types.RawScrape) string {
	for _, s := range scrapes {
		if s.Error != nil {
			return *s.Error
		}
	}
	return "no content returned"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// persist publishes the knowledge base, merges the profile and finalizes the snapshot.
func (r *run) persist(ctx context.Context) error {
	r.status(types.StagePersisting)

	update := types.SnapshotUpdate{
		Status: types.Ptr(types.SnapshotComplete),
		Summaries: &types.Summaries{
			Structured: r.structured,
			Overview:   r.overviewText,
			Metadata: types.SummaryMetadata{
				Structured: r.structuredMeta,
				Overview:   r.overviewMeta,
			},
		},
	}

	if err := r.store.ReplaceSnapshotPages(ctx, r.id, r.snapshotPages()); err != nil {
		r.logger.Warn("knowledge base publish failed", "error", err)
		update.VectorStoreStatus = types.Ptr(types.VectorStoreFailed)
		update.VectorStoreError = types.Ptr(err.Error())
	} else {
		update.VectorStoreID = types.Ptr(r.id.String())
		update.VectorStoreStatus = types.Ptr(types.VectorStoreReady)
	}

	now := r.now()
	_, err := r.store.UpsertProfile(ctx, func(p *types.Profile) error {
		profile.Merge(p, profile.Collected{
			Domain:     r.params.Domain,
			SnapshotID: r.id,
			Structured: r.structured,
			Overview:   r.overviewText,
			FaviconURL: r.favicon,
		}, now)
		return nil
	})
	if err != nil {
		return upstreamError(types.StagePersisting, "failed to update profile", err)
	}

	update.CompletedAt = &now
	if _, err := r.store.UpdateSnapshot(ctx, r.id, update); err != nil {
		return upstreamError(types.StagePersisting, "failed to finalize snapshot", err)
	}
	return nil
}

func (r *run) snapshotPages() []types.SnapshotPage {
	pages := make([]types.SnapshotPage, len(r.pages))
	for i, p := range r.pages {
		pages[i] = types.SnapshotPage{
			URL:         p.URL,
			Title:       p.Title,
			ContentType: string(p.Resolved.ContentType),
			Content:     p.Resolved.PromptContent,
			WordCount:   p.Resolved.WordCount(),
		}
	}
	return pages
}
