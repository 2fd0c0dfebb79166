// Package observability provides run metrics and formatted event output for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/company-intel/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer renders run events for a terminal.
type Printer struct {
	out     io.Writer
	verbose bool
	// streaming is set while deltas are being echoed on the current line
	streaming bool
}

// NewPrinter creates a new Printer that writes to the given writer.
// In verbose mode model deltas are echoed as they arrive.
func NewPrinter(out io.Writer, verbose bool) *Printer {
	return &Printer{out: out, verbose: verbose}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range wrap(content, boxWidth-4) {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintEvent writes one event. Status and terminal events always print;
// deltas only in verbose mode.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev types.StreamEvent) {
	if p.streaming && ev.Type != types.EventStructuredDelta && ev.Type != types.EventOverviewDelta {
		fmt.Fprintln(p.out)
		p.streaming = false
	}

	switch ev.Type {
	case types.EventSnapshotCreated:
		fmt.Fprintf(p.out, "● snapshot %s created for %s\n", ev.SnapshotID, ev.Domain)
	case types.EventStatus:
		p.printStatus(ev)
	case types.EventStructuredDelta, types.EventOverviewDelta:
		if p.verbose {
			fmt.Fprint(p.out, ev.Delta)
			p.streaming = true
		}
	case types.EventStructuredComplete:
		p.PrintStructuredProfile(ev.Payload)
	case types.EventOverviewComplete:
		p.printBox("OVERVIEW", ev.Text)
	case types.EventRunComplete:
		p.PrintRunResult(ev.Result)
	case types.EventRunError:
		fmt.Fprintf(p.out, "✗ run failed: %s\n", ev.Error)
	case types.EventRunCancelled:
		fmt.Fprintln(p.out, "✗ run cancelled")
	}
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printStatus(ev types.StreamEvent) {
	if ev.Completed != nil && ev.Total != nil {
		fmt.Fprintf(p.out, "  %s %d/%d\n", ev.Stage, *ev.Completed, *ev.Total)
		return
	}
	fmt.Fprintf(p.out, "→ %s\n", ev.Stage)
}

// PrintStructuredProfile outputs a summary of the extracted company facts.
func (p *Printer) PrintStructuredProfile(profile *types.StructuredProfile) {
	if profile == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Company:  %s\n", profile.CompanyName))
	if profile.Tagline != nil {
		sb.WriteString(fmt.Sprintf("Tagline:  %s\n", *profile.Tagline))
	}
	if len(profile.PrimaryIndustries) > 0 {
		sb.WriteString(fmt.Sprintf("Industry: %s\n", strings.Join(profile.PrimaryIndustries, ", ")))
	}

	if len(profile.ValueProps) > 0 {
		sb.WriteString("\nValue Props:\n")
		writeList(&sb, profile.ValueProps)
	}

	if len(profile.KeyOfferings) > 0 {
		titles := make([]string, 0, len(profile.KeyOfferings))
		for _, o := range profile.KeyOfferings {
			titles = append(titles, o.Title)
		}
		sb.WriteString("\nKey Offerings:\n")
		writeList(&sb, titles)
	}

	if len(profile.Sources) > 0 {
		sb.WriteString(fmt.Sprintf("\nSources: %d pages\n", len(profile.Sources)))
	}

	p.printBox("STRUCTURED PROFILE", strings.TrimRight(sb.String(), "\n"))
}

// PrintRunResult outputs the outcome of a finished run.
func (p *Printer) PrintRunResult(result *types.RunResult) {
	if result == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Snapshot: %s\n", result.SnapshotID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", result.Status))
	sb.WriteString(fmt.Sprintf("Mapped:   %d links\n", result.TotalLinksMapped))
	sb.WriteString(fmt.Sprintf("Scraped:  %d ok, %d failed\n", result.SuccessfulPages, result.FailedPages))

	if len(result.Selections) > 0 {
		urls := make([]string, 0, len(result.Selections))
		for _, s := range result.Selections {
			urls = append(urls, s.URL)
		}
		sb.WriteString("\nPages:\n")
		writeList(&sb, urls)
	}

	p.printBox("RUN COMPLETE", strings.TrimRight(sb.String(), "\n"))
}

// writeList writes up to maxItemsToShow bullet items.
func writeList(sb *strings.Builder, items []string) {
	count := min(len(items), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString(fmt.Sprintf("  • %s\n", items[i]))
	}
	if len(items) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(items)-maxItemsToShow))
	}
}

// wrap breaks content into lines of at most width runes, splitting on
// spaces and keeping each paragraph's indentation.
func wrap(content string, width int) []string {
	var lines []string
	for _, para := range strings.Split(content, "\n") {
		indent := para[:len(para)-len(strings.TrimLeft(para, " "))]
		avail := max(width-len(indent), 1)

		line := ""
		flush := func() {
			lines = append(lines, indent+line)
			line = ""
		}
		for _, word := range strings.Fields(para) {
			for r := []rune(word); len(r) > avail; r = []rune(word) {
				if line != "" {
					flush()
				}
				line = string(r[:avail])
				flush()
				word = string(r[avail:])
			}
			switch {
			case line == "":
				line = word
			case len([]rune(line))+1+len([]rune(word)) <= avail:
				line += " " + word
			default:
				flush()
				line = word
			}
		}
		flush()
	}
	return lines
}
