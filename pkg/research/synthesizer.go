package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const synthesizerPrompt = `You are an expert researcher and report writer.
Using only the numbered findings below, write a well-structured report that answers the research question thoroughly.
Organise the body into thematic sections derived from the findings. Cite findings by their numbers in each section's "sources" list. Every finding number must be cited at least once.`

const synthesizerSchema = `Return the JSON object directly without any formatting or additional text:{
  "type": "object",
  "properties": {
    "title": {"type": "string"},
    "introduction": {"type": "string", "description": "Restates the research question and previews the answer"},
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "body": {"type": "string", "description": "Markdown body of the section"},
          "sources": {"type": "array", "items": {"type": "integer"}}
        },
        "required": ["title", "body", "sources"]
      }
    },
    "conclusion": {"type": "string"}
  },
  "required": ["title", "introduction", "sections"]
}`

type reportResponse struct {
	Title        string          `json:"title"`
	Introduction string          `json:"introduction"`
	Sections     []ReportSection `json:"sections"`
	Conclusion   string          `json:"conclusion"`
}

// LLMSynthesizer writes reports with a text generation model.
type LLMSynthesizer struct {
	caller jsonCaller
	logger *slog.Logger
}

func NewSynthesizer(model Model, logger *slog.Logger) *LLMSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMSynthesizer{caller: newJSONCaller(model, logger), logger: logger}
}

// Synthesize builds the final report. With no findings it returns the
// minimal "insufficient information" report without calling the model.
func (s *LLMSynthesizer) Synthesize(ctx context.Context, originalQuery string, findings []Finding) (*Report, error) {
	s.logger.Info("Compiling final report", "findings", len(findings))
	if len(findings) == 0 {
		return InsufficientReport(originalQuery), nil
	}

	sources := SourcesFromFindings(findings)
	number := make(map[string]int, len(sources))
	for _, src := range sources {
		number[src.URL] = src.Number
	}

	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", number[f.URL], f.URL, f.Text)
	}
	input := fmt.Sprintf("Research question: %s\n\nFindings:\n%s", originalQuery, b.String())

	var resp reportResponse
	err := s.caller.call(ctx, synthesizerPrompt+"\n\n# Response Format:\n"+synthesizerSchema, input, &resp, func() error {
		if strings.TrimSpace(resp.Introduction) == "" {
			return errors.New("report has no introduction")
		}
		if len(resp.Sections) == 0 {
			return errors.New("report has no sections")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}

	report := &Report{
		Query:        originalQuery,
		Title:        strings.TrimSpace(resp.Title),
		Introduction: resp.Introduction,
		Sections:     citeSections(resp.Sections, len(sources)),
		Conclusion:   resp.Conclusion,
		Sources:      sources,
		GeneratedAt:  time.Now(),
	}
	if report.Title == "" {
		report.Title = fmt.Sprintf("Research report: %s", originalQuery)
	}

	s.logger.Info("Final report generated", "sections", len(report.Sections), "sources", len(sources))
	return report, nil
}

// citeSections drops citations that do not refer to a source and attaches
// any source left uncited to the last section, so that every source is
// cited at least once.
func citeSections(sections []ReportSection, nSources int) []ReportSection {
	cited := make([]bool, nSources+1)
	out := make([]ReportSection, len(sections))
	for i, sec := range sections {
		var refs []int
		dup := make(map[int]bool)
		for _, n := range sec.Sources {
			if n < 1 || n > nSources || dup[n] {
				continue
			}
			dup[n] = true
			cited[n] = true
			refs = append(refs, n)
		}
		sec.Sources = refs
		out[i] = sec
	}
	last := &out[len(out)-1]
	for n := 1; n <= nSources; n++ {
		if !cited[n] {
			last.Sources = append(last.Sources, n)
		}
	}
	return out
}
