// Package selection ranks mapped site links by how much company information they are likely to carry.
package selection

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/jonathan/company-intel/internal/types"
)

// UserSelectedSignal tags pages the caller picked explicitly.
const UserSelectedSignal = "user-selected"

// Signal is a path keyword group and the score it contributes.
type Signal struct {
	Name     string
	Keywords []string
	Weight   float64
}

// DefaultSignals are matched against URL path segments.
var DefaultSignals = []Signal{
	{Name: "about", Keywords: []string{"about", "about-us", "who-we-are", "our-story", "company"}, Weight: 1.0},
	{Name: "products", Keywords: []string{"product", "products", "solutions", "services", "platform"}, Weight: 0.9},
	{Name: "industries", Keywords: []string{"industries", "industry", "sectors", "use-cases"}, Weight: 0.8},
	{Name: "mission", Keywords: []string{"mission", "values", "vision", "purpose"}, Weight: 0.7},
	{Name: "customers", Keywords: []string{"customers", "case-studies", "case-study", "clients", "success-stories"}, Weight: 0.7},
	{Name: "features", Keywords: []string{"features", "how-it-works", "technology", "capabilities"}, Weight: 0.6},
	{Name: "pricing", Keywords: []string{"pricing", "plans"}, Weight: 0.6},
	{Name: "team", Keywords: []string{"team", "leadership", "management"}, Weight: 0.5},
	{Name: "careers", Keywords: []string{"careers", "jobs"}, Weight: 0.3},
	{Name: "contact", Keywords: []string{"contact", "contact-us"}, Weight: 0.2},
}

const (
	homepageScore = 1.2
	baseScore     = 0.1
	depthPenalty  = 0.1
)

// excludedSegments mark pages that never describe the company.
var excludedSegments = map[string]bool{
	"privacy": true, "privacy-policy": true, "terms": true, "terms-of-service": true, "legal": true,
	"cookies": true, "cookie-policy": true, "login": true, "signin": true, "sign-in": true,
	"signup": true, "sign-up": true, "register": true, "cart": true, "checkout": true,
	"account": true, "tag": true, "tags": true, "author": true, "feed": true, "wp-admin": true,
}

var excludedExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true, ".webp": true,
	".css": true, ".js": true, ".xml": true, ".zip": true, ".mp4": true, ".ico": true, ".json": true,
}

// Rank scores same-domain links and returns at most max of them, best first.
func Rank(domain string, links []string, max int) []types.Selection {
	return RankWithSignals(domain, links, max, DefaultSignals)
}

// RankWithSignals is Rank with a caller-supplied signal table.
func RankWithSignals(domain string, links []string, max int, signals []Signal) []types.Selection {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	seen := make(map[string]bool)
	selections := make([]types.Selection, 0, len(links))

	for _, link := range links {
		u, ok := parseLink(link)
		if !ok || !sameSite(u.Hostname(), domain) {
			continue
		}
		key := canonical(u)
		if seen[key] {
			continue
		}
		seen[key] = true

		segments := pathSegments(u.Path)
		if excluded(segments) {
			continue
		}
		selections = append(selections, score(key, segments, signals))
	}

	sort.SliceStable(selections, func(i, j int) bool {
		if selections[i].Score != selections[j].Score {
			return selections[i].Score > selections[j].Score
		}
		return selections[i].URL < selections[j].URL
	})

	if max > 0 && len(selections) > max {
		selections = selections[:max]
	}
	return selections
}

// FromUserSelection wraps caller-chosen URLs without scoring them.
func FromUserSelection(urls []string) []types.Selection {
	selections := make([]types.Selection, 0, len(urls))
	for _, u := range urls {
		selections = append(selections, types.Selection{
			URL:            u,
			Score:          0,
			MatchedSignals: []string{UserSelectedSignal},
		})
	}
	return selections
}

// URLs returns the URLs of selections in order.
func URLs(selections []types.Selection) []string {
	urls := make([]string, len(selections))
	for i, s := range selections {
		urls[i] = s.URL
	}
	return urls
}

func score(link string, segments []string, signals []Signal) types.Selection {
	sel := types.Selection{URL: link, MatchedSignals: []string{}}
	if len(segments) == 0 {
		sel.Score = homepageScore
		sel.MatchedSignals = append(sel.MatchedSignals, "homepage")
		return sel
	}

	total := 0.0
	for _, sig := range signals {
		if matchesAny(segments, sig.Keywords) {
			total += sig.Weight
			sel.MatchedSignals = append(sel.MatchedSignals, sig.Name)
		}
	}
	if total == 0 {
		total = baseScore
	}

	total -= depthPenalty * float64(len(segments)-1)
	if total < 0.01 {
		total = 0.01
	}
	sel.Score = total
	return sel
}

func matchesAny(segments, keywords []string) bool {
	for _, seg := range segments {
		for _, kw := range keywords {
			if seg == kw {
				return true
			}
		}
	}
	return false
}

func excluded(segments []string) bool {
	for _, seg := range segments {
		if excludedSegments[seg] {
			return true
		}
	}
	if len(segments) > 0 {
		if excludedExtensions[path.Ext(segments[len(segments)-1])] {
			return true
		}
	}
	return false
}

func parseLink(link string) (*url.URL, bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, false
	}
	if raw, err := url.Parse(link); err == nil && raw.Scheme != "" && raw.Scheme != "http" && raw.Scheme != "https" && raw.Opaque != "" {
		return nil, false
	}
	if !strings.Contains(link, "://") {
		link = "https://" + link
	}
	u, err := url.Parse(link)
	if err != nil || u.Host == "" || u.User != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

// OnSite reports whether link is an http(s) URL on domain or one of its
// subdomains, ignoring a leading "www.".
func OnSite(link, domain string) bool {
	u, ok := parseLink(link)
	return ok && sameSite(u.Hostname(), strings.TrimPrefix(strings.ToLower(domain), "www."))
}

func sameSite(host, domain string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func canonical(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.Host = strings.ToLower(c.Host)
	c.Path = strings.TrimSuffix(c.Path, "/")
	return c.String()
}

func pathSegments(p string) []string {
	var segments []string
	for _, seg := range strings.Split(strings.ToLower(p), "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}
