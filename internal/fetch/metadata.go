package fetch

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Metadata is the document-level information the crawler reports per page.
type Metadata struct {
	Title       string
	Description string
	Favicon     string
	Language    string
}

// ParseMetadata reads the title, description, favicon and language of an HTML page.
// Relative favicon references are resolved against pageURL; pages without an icon
// link fall back to /favicon.ico on the same host.
func ParseMetadata(html, pageURL string) Metadata {
	var meta Metadata
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return meta
	}

	meta.Title = strings.TrimSpace(doc.Find("head title").First().Text())
	if meta.Title == "" {
		meta.Title = attr(doc, `meta[property="og:title"]`, "content")
	}
	meta.Description = attr(doc, `meta[name="description"]`, "content")
	if meta.Description == "" {
		meta.Description = attr(doc, `meta[property="og:description"]`, "content")
	}
	meta.Language = attr(doc, "html", "lang")

	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return meta
	}

	icon := ""
	for _, sel := range []string{`link[rel="icon"]`, `link[rel="shortcut icon"]`, `link[rel="apple-touch-icon"]`} {
		if icon = attr(doc, sel, "href"); icon != "" {
			break
		}
	}
	if icon == "" {
		icon = "/favicon.ico"
	}
	if ref, err := url.Parse(icon); err == nil {
		meta.Favicon = base.ResolveReference(ref).String()
	}
	return meta
}

func attr(doc *goquery.Document, selector, name string) string {
	value, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(value)
}
