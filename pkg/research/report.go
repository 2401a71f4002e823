package research

import (
	"fmt"
	"strings"
	"time"
)

// Report is the structured output of a research session.
type Report struct {
	Query        string          `json:"query"`
	Title        string          `json:"title"`
	Introduction string          `json:"introduction"`
	Sections     []ReportSection `json:"sections"`
	Conclusion   string          `json:"conclusion,omitempty"`
	Sources      []Source        `json:"sources"`
	// Insufficient is set when no findings were available to report on.
	Insufficient bool      `json:"insufficient"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// ReportSection is one thematic part of the report body.
type ReportSection struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Sources []int  `json:"sources,omitempty"`
}

// Source is a numbered citation.
type Source struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
}

// SourcesFromFindings numbers the distinct finding URLs in acceptance order.
func SourcesFromFindings(findings []Finding) []Source {
	seen := make(map[string]bool, len(findings))
	sources := make([]Source, 0, len(findings))
	for _, f := range findings {
		if seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		sources = append(sources, Source{Number: len(sources) + 1, URL: f.URL, Title: f.Title})
	}
	return sources
}

// InsufficientReport is the minimal report produced when nothing was found.
func InsufficientReport(query string) *Report {
	return &Report{
		Query:        query,
		Title:        fmt.Sprintf("Research report: %s", query),
		Introduction: fmt.Sprintf("This report set out to answer the question: %q.", query),
		Sections: []ReportSection{{
			Title: "Findings",
			Body:  "No sufficient information was found to answer this question. The searches performed did not surface content that was judged relevant.",
		}},
		Sources:      []Source{},
		Insufficient: true,
		GeneratedAt:  time.Now(),
	}
}

// Markdown renders the report with numbered citations and a source list.
func (r *Report) Markdown() string {
	var b strings.Builder
	title := r.Title
	if title == "" {
		title = r.Query
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("## Introduction\n\n")
	b.WriteString(strings.TrimSpace(r.Introduction))
	b.WriteString("\n\n")

	for _, sec := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n", sec.Title)
		b.WriteString(strings.TrimSpace(sec.Body))
		if len(sec.Sources) > 0 {
			refs := make([]string, len(sec.Sources))
			for i, n := range sec.Sources {
				refs[i] = fmt.Sprintf("[%d]", n)
			}
			fmt.Fprintf(&b, " %s", strings.Join(refs, ""))
		}
		b.WriteString("\n\n")
	}

	if c := strings.TrimSpace(r.Conclusion); c != "" {
		b.WriteString("## Conclusion\n\n")
		b.WriteString(c)
		b.WriteString("\n\n")
	}

	if len(r.Sources) > 0 {
		b.WriteString("## Sources\n\n")
		for _, s := range r.Sources {
			if s.Title != "" {
				fmt.Fprintf(&b, "%d. [%s](%s)\n", s.Number, s.Title, s.URL)
			} else {
				fmt.Fprintf(&b, "%d. %s\n", s.Number, s.URL)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
