package fetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMetadata(t *testing.T) {
	html := `<html lang="en"><head>
		<title> Acme | Rockets </title>
		<meta name="description" content=" Reusable launch vehicles. ">
		<link rel="icon" href="/static/icon.png">
	</head><body></body></html>`

	meta := ParseMetadata(html, "https://acme.com/about")
	assert.Equal(t, "Acme | Rockets", meta.Title)
	assert.Equal(t, "Reusable launch vehicles.", meta.Description)
	assert.Equal(t, "https://acme.com/static/icon.png", meta.Favicon)
	assert.Equal(t, "en", meta.Language)
}

func TestParseMetadata_Fallbacks(t *testing.T) {
	html := `<html><head>
		<meta property="og:title" content="Acme">
		<meta property="og:description" content="Rockets for everyone">
	</head></html>`

	meta := ParseMetadata(html, "https://acme.com/products/launch")
	assert.Equal(t, "Acme", meta.Title)
	assert.Equal(t, "Rockets for everyone", meta.Description)
	assert.Equal(t, "https://acme.com/favicon.ico", meta.Favicon)
}

func TestParseMetadata_BadPageURL(t *testing.T) {
	meta := ParseMetadata(`<title>Acme</title>`, "not a url")
	assert.Equal(t, "Acme", meta.Title)
	assert.Empty(t, meta.Favicon)
}
