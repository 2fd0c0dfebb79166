package crawling

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/jonathan/company-intel/internal/types"
)

// Client maps a site and extracts page content.
type Client interface {
	Map(ctx context.Context, req MapRequest) (*MapResult, error)
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// MapRequest asks for the links reachable from a site root.
type MapRequest struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"max_depth,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// MapResult is the site map of a domain.
type MapResult struct {
	BaseURL      string   `json:"baseUrl"`
	Results      []string `json:"results"`
	ResponseTime float64  `json:"responseTime"`
	RequestID    string   `json:"requestId,omitempty"`
}

// Format selects the content representation returned by Extract.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// ExtractRequest asks for the content of a set of pages.
type ExtractRequest struct {
	URLs           []string
	Format         Format
	IncludeFavicon bool
}

// ExtractResponse holds per-page results and failures.
type ExtractResponse struct {
	Results       []types.ExtractResult  `json:"results"`
	FailedResults []types.ExtractFailure `json:"failedResults"`
	ResponseTime  float64                `json:"responseTime"`
	RequestID     string                 `json:"requestId,omitempty"`
}

// NormalizeDomain reduces user input such as "https://www.Acme.com/about" to "acme.com".
func NormalizeDomain(input string) (string, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", &DomainError{Input: input, Message: "empty"}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &DomainError{Input: input, Message: "unparseable"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &DomainError{Input: input, Message: "unsupported scheme " + u.Scheme}
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || strings.ContainsAny(host, " _") {
		return "", &DomainError{Input: input, Message: "missing host"}
	}
	if net.ParseIP(host) != nil {
		return "", &DomainError{Input: input, Message: "IP addresses are not supported"}
	}
	if !strings.Contains(host, ".") {
		return "", &DomainError{Input: input, Message: "host must contain a dot"}
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", &DomainError{Input: input, Message: "invalid label"}
		}
	}
	return host, nil
}

// HomepageURL is the canonical root URL for a normalized domain.
func HomepageURL(domain string) string {
	return "https://" + domain
}
