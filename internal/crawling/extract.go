package crawling

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractLinks extracts all same-site links from HTML content. Hosts that
// differ only by a leading "www." count as the same site.
func ExtractLinks(htmlContent string, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, &LinkExtractionError{
			Message: "failed to parse base URL",
			Cause:   err,
		}
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, &LinkExtractionError{
			Message: fmt.Sprintf("invalid base URL: %s (must have scheme and host)", baseURL),
			Cause:   nil,
		}
	}

	// Parse HTML
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, &LinkExtractionError{
			Message: "failed to parse HTML",
			Cause:   err,
		}
	}

	linkSet := make(map[string]bool)
	links := make([]string, 0)

	// Extract from all <a> tags
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}

		// Parse the link URL (could be relative or absolute)
		linkURL, err := url.Parse(href)
		if err != nil {
			// Skip malformed URLs
			return
		}

		// Resolve relative URLs
		absoluteURL := base.ResolveReference(linkURL)

		if absoluteURL.Scheme != "http" && absoluteURL.Scheme != "https" {
			return
		}
		if siteHost(absoluteURL.Host) != siteHost(base.Host) {
			return
		}

		absoluteURL.Fragment = ""
		absoluteURL.RawFragment = ""
		urlString := absoluteURL.String()

		urlString = strings.TrimSuffix(urlString, "/")

		// Add to set if not already seen
		if !linkSet[urlString] {
			linkSet[urlString] = true
			links = append(links, urlString)
		}
	})

	return links, nil
}

func siteHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
