// Package crawling maps company websites and extracts page content, either
// through the Tavily API or with a local HTTP crawler.
package crawling

import "fmt"

// Error represents a failed map or extract call.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, msg, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// DomainError is returned when a domain cannot be normalized.
type DomainError struct {
	Input   string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("invalid domain %q: %s", e.Input, e.Message)
}

// LinkExtractionError represents a failure in extracting links from HTML
type LinkExtractionError struct {
	Message string
	Cause   error
}

func (e *LinkExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("link extraction error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("link extraction error: %s", e.Message)
}

func (e *LinkExtractionError) Unwrap() error {
	return e.Cause
}
