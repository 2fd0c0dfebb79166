package types

import "github.com/google/uuid"

// ExtractResult is one successfully extracted page returned by the site client.
type ExtractResult struct {
	URL         string         `json:"url"`
	RawContent  *string        `json:"rawContent,omitempty"`
	Markdown    *string        `json:"markdown,omitempty"`
	Text        *string        `json:"text,omitempty"`
	Images      []string       `json:"images,omitempty"`
	Favicon     *string        `json:"favicon,omitempty"`
	Title       *string        `json:"title,omitempty"`
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExtractFailure is a URL the site client could not extract.
type ExtractFailure struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Selection is a mapped link chosen for scraping.
type Selection struct {
	URL            string   `json:"url"`
	Score          float64  `json:"score"`
	MatchedSignals []string `json:"matchedSignals"`
}

// RunResult summarizes a finished collection run.
type RunResult struct {
	SnapshotID       uuid.UUID      `json:"snapshotId"`
	Status           SnapshotStatus `json:"status"`
	Selections       []Selection    `json:"selections"`
	TotalLinksMapped int            `json:"totalLinksMapped"`
	SuccessfulPages  int            `json:"successfulPages"`
	FailedPages      int            `json:"failedPages"`
}
