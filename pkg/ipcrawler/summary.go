package ipcrawler

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rcourtman/ipcrawler-sub000/internal/report"
	"github.com/rs/zerolog/log"
)

// writeBestEffortSummary renders rpt with render and writes it to path,
// logging rather than failing the run on error: report.json already
// holds the authoritative content, so a summary write failure is
// non-fatal (spec.md §6 names only report.json as the structured
// report; report.md/report.html are unstyled renderings of it).
func writeBestEffortSummary(rpt report.Report, path string, render func(report.Report) string) {
	if err := os.WriteFile(path, []byte(render(rpt)), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to write rendered summary")
	}
}

// renderMarkdownSummary is a minimal, unstyled rendering of the content
// model — no tables, no per-tool narrative, just the run metadata, task
// list and findings a driver can display without the core taking on HTML/Markdown
// styling (explicitly out-of-scope per spec.md §1).
func renderMarkdownSummary(r report.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ipcrawler run: %s\n\n", strings.Join(r.Targets, ", "))
	fmt.Fprintf(&b, "- profile: %s\n", r.ProfileName)
	fmt.Fprintf(&b, "- started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- finished: %s\n", r.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- duration: %dms\n\n", r.DurationMS)

	b.WriteString("## Tasks\n\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "- %s %s: %s (attempts=%d)\n", t.ToolName, t.Target, t.Status, t.Attempts)
	}

	b.WriteString("\n## Findings\n\n")
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.Title, f.Description)
	}
	return b.String()
}

// renderHTMLSummary mirrors renderMarkdownSummary in an HTML shell, with
// no stylesheet of its own — a driver or outer tool that wants styling
// applies its own.
func renderHTMLSummary(r report.Report) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>ipcrawler report</title></head><body>\n")
	fmt.Fprintf(&b, "<h1>ipcrawler run: %s</h1>\n", htmlEscape(strings.Join(r.Targets, ", ")))
	fmt.Fprintf(&b, "<p>profile: %s<br>started: %s<br>finished: %s<br>duration: %dms</p>\n",
		htmlEscape(r.ProfileName), r.StartedAt.Format(time.RFC3339), r.FinishedAt.Format(time.RFC3339), r.DurationMS)

	b.WriteString("<h2>Tasks</h2>\n<ul>\n")
	for _, t := range r.Tasks {
		fmt.Fprintf(&b, "<li>%s %s: %s (attempts=%d)</li>\n", htmlEscape(t.ToolName), htmlEscape(t.Target), htmlEscape(string(t.Status)), t.Attempts)
	}
	b.WriteString("</ul>\n<h2>Findings</h2>\n<ul>\n")
	for _, f := range r.Findings {
		fmt.Fprintf(&b, "<li>[%s] %s: %s</li>\n", htmlEscape(string(f.Severity)), htmlEscape(f.Title), htmlEscape(f.Description))
	}
	b.WriteString("</ul>\n</body></html>\n")
	return b.String()
}

func htmlEscape(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")
	return replacer.Replace(s)
}
