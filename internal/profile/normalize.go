// Package profile implements how collection results and manual edits are
// folded into the durable company profile.
package profile

import (
	"strings"

	"github.com/jonathan/company-intel/internal/types"
)

// NormalizeString trims s and maps blank values to nil.
func NormalizeString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// NormalizeList trims entries, drops blanks and removes case-insensitive
// duplicates, keeping the first occurrence in its original position.
func NormalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		key := strings.ToLower(v)
		if v == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// NormalizeOfferings applies NormalizeList semantics to offerings, keyed by title.
func NormalizeOfferings(values []types.KeyOffering) []types.KeyOffering {
	out := make([]types.KeyOffering, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, o := range values {
		title := strings.TrimSpace(o.Title)
		key := strings.ToLower(title)
		if title == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.KeyOffering{Title: title, Description: NormalizeString(o.Description)})
	}
	return out
}
