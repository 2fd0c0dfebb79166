package content

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blockTags start and end a paragraph.
var blockTags = map[string]bool{
	"p": true, "div": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var paragraphBreak = regexp.MustCompile(`\n[ \t\r\f\v]*\n`)

// StripHTML reduces an HTML document to readable text.
// Scripts and styles are dropped, list items become "- " lines and block
// boundaries become blank-line paragraph breaks.
func StripHTML(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, template").Remove()

	var sb strings.Builder
	writeText(doc.Selection, &sb)
	return normalizeWhitespace(sb.String())
}

func writeText(s *goquery.Selection, sb *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			sb.WriteString(c.Text())
		case name == "br":
			sb.WriteString("\n\n")
		case name == "li":
			sb.WriteString("\n\n- ")
			writeText(c, sb)
			sb.WriteString("\n\n")
		case blockTags[name]:
			sb.WriteString("\n\n")
			writeText(c, sb)
			sb.WriteString("\n\n")
		default:
			writeText(c, sb)
		}
	})
}

// normalizeWhitespace collapses whitespace within lines and keeps paragraph breaks.
func normalizeWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")

	var paragraphs []string
	for _, para := range paragraphBreak.Split(text, -1) {
		var lines []string
		for _, line := range strings.Split(para, "\n") {
			if collapsed := strings.Join(strings.Fields(line), " "); collapsed != "" {
				lines = append(lines, collapsed)
			}
		}
		if len(lines) > 0 {
			paragraphs = append(paragraphs, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(paragraphs, "\n\n")
}
