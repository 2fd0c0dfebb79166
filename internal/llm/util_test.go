package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

const acmeProfileJSON = `{"companyName": "Acme", "tagline": null, "valueProps": ["Fast launches"], "keyOfferings": [{"title": "Launch", "description": "Orbit delivery"}], "sources": [{"page": "About", "url": "https://acme.com/about"}]}`

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "fenced profile with trailing note",
			input: "```json\n" + acmeProfileJSON + "\n```\nTagline was not stated on any page, so it is null.",
			want:  acmeProfileJSON,
		},
		{
			name:  "fence tagged with another language",
			input: "```text\n" + acmeProfileJSON + "\n```",
			want:  acmeProfileJSON,
		},
		{
			name:  "preamble before the profile",
			input: "Here is the structured profile for acme.com:\n\n" + acmeProfileJSON,
			want:  acmeProfileJSON,
		},
		{
			name:  "commentary after an unfenced profile",
			input: acmeProfileJSON + "\n\nI skipped the careers page {it had no product details}.",
			want:  acmeProfileJSON,
		},
		{
			name:  "braces inside string values",
			input: `{"companyName": "Acme {Rockets}", "tagline": "Launch } today"} trailing }`,
			want:  `{"companyName": "Acme {Rockets}", "tagline": "Launch } today"}`,
		},
		{
			name:  "escaped quotes before a brace",
			input: `Result: {"tagline": "The \"}\" company", "valueProps": []} end`,
			want:  `{"tagline": "The \"}\" company", "valueProps": []}`,
		},
		{
			name:  "bare sources array",
			input: `Sources used: [{"page": "About", "url": "https://acme.com/about"}] (2 pages skipped)`,
			want:  `[{"page": "About", "url": "https://acme.com/about"}]`,
		},
		{
			name:  "truncated object is returned trimmed",
			input: "  {\"companyName\": \"Acme\", \"valueProps\": [\"Fast  ",
			want:  "{\"companyName\": \"Acme\", \"valueProps\": [\"Fast",
		},
		{
			name:  "refusal without json",
			input: "  I could not find a company name on these pages.\n",
			want:  "I could not find a company name on these pages.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSONBlock(tt.input))
		})
	}
}

func TestCleanJSONBlock_ProfileStaysDecodable(t *testing.T) {
	inputs := []string{
		"```json\n" + acmeProfileJSON + "\n```",
		"Sure! " + acmeProfileJSON + " Let me know if you need more.",
	}
	for _, input := range inputs {
		var out struct {
			CompanyName  string `json:"companyName"`
			KeyOfferings []struct {
				Title string `json:"title"`
			} `json:"keyOfferings"`
		}
		assert.NoError(t, json.Unmarshal([]byte(CleanJSONBlock(input)), &out))
		assert.Equal(t, "Acme", out.CompanyName)
		assert.Equal(t, "Launch", out.KeyOfferings[0].Title)
	}
}
