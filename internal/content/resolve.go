// Package content selects and normalizes the best textual payload of a scraped page.
package content

import (
	"strings"

	"github.com/jonathan/company-intel/internal/types"
)

// ContentType classifies the payload a page was resolved from.
type ContentType string

const (
	// ContentMarkdown covers markdown and plain-text payloads.
	ContentMarkdown ContentType = "markdown"
	// ContentHTML is raw HTML that had to be stripped.
	ContentHTML ContentType = "html"
)

// Resolved is the outcome of resolving one scraped document.
type Resolved struct {
	ContentType     ContentType
	MarkdownPayload *string
	HTMLPayload     *string
	PromptContent   string
	WordCountSource string
}

// Empty reports whether the document yielded nothing usable for the agents.
func (r Resolved) Empty() bool {
	return strings.TrimSpace(r.PromptContent) == ""
}

// WordCount counts the words of the word-count source.
func (r Resolved) WordCount() int {
	return CountWords(r.WordCountSource)
}

// Resolve picks the payload of doc in priority order: markdown, text, then raw HTML.
func Resolve(doc types.ExtractResult) Resolved {
	if md := deref(doc.Markdown); strings.TrimSpace(md) != "" {
		return Resolved{
			ContentType:     ContentMarkdown,
			MarkdownPayload: &md,
			PromptContent:   strings.TrimSpace(md),
			WordCountSource: md,
		}
	}

	if text := deref(doc.Text); strings.TrimSpace(text) != "" {
		return Resolved{
			ContentType:     ContentMarkdown,
			MarkdownPayload: &text,
			PromptContent:   strings.TrimSpace(text),
			WordCountSource: text,
		}
	}

	if doc.RawContent != nil && *doc.RawContent != "" {
		raw := *doc.RawContent
		resolved := Resolved{
			ContentType: ContentHTML,
			HTMLPayload: &raw,
		}
		if stripped := StripHTML(raw); stripped != "" {
			resolved.PromptContent = stripped
			resolved.WordCountSource = stripped
		} else if desc := strings.TrimSpace(deref(doc.Description)); desc != "" {
			resolved.PromptContent = desc
		} else {
			resolved.PromptContent = raw
		}
		return resolved
	}

	return Resolved{ContentType: ContentMarkdown}
}

// CountWords counts whitespace-separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
