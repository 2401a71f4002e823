package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultMinScore is the lowest relevance score that is accepted.
	DefaultMinScore = 7
	// DefaultMaxExcerptRunes bounds the stored text of a finding.
	DefaultMaxExcerptRunes = 4000
	// maxPageRunes bounds the page text sent to the evaluator.
	maxPageRunes = 20000
)

const evaluatorPrompt = `You are a strict and critical research evaluator.
Given the user's research question and the content of a webpage, decide whether the page contains information that materially helps answer the question.
Score the page from 0 to 10 (10 being most useful). If it is useful, extract every piece of information relevant to the question as plain text without extra commentary, and give a one sentence rationale.`

const evaluatorSchema = `Return the JSON object directly without any formatting or additional text:{
  "type": "object",
  "properties": {
    "useful": {"type": "boolean"},
    "score": {"type": "integer", "description": "0-10"},
    "rationale": {"type": "string", "description": "One sentence on why the page is or is not useful"},
    "excerpt": {"type": "string", "description": "The relevant information extracted from the page, empty when not useful"}
  },
  "required": ["useful", "score", "rationale"]
}`

type evaluationResponse struct {
	Useful    bool   `json:"useful"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
	Excerpt   string `json:"excerpt"`
}

// LLMEvaluator screens extracted content with a text generation model.
// Any failure of the underlying call is reported as ErrEvaluationFailed and
// must be treated as a rejection.
type LLMEvaluator struct {
	MinScore        int
	MaxExcerptRunes int
	caller          jsonCaller
	logger          *slog.Logger
}

// NewEvaluator creates an evaluator with the given acceptance threshold.
func NewEvaluator(model Model, minScore, maxExcerptRunes int, logger *slog.Logger) *LLMEvaluator {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if maxExcerptRunes <= 0 {
		maxExcerptRunes = DefaultMaxExcerptRunes
	}
	if logger == nil {
		logger = slog.Default()
	}
	caller := newJSONCaller(model, logger)
	// A page judged unparseable once is not worth more than one retry.
	caller.maxRetries = 2
	return &LLMEvaluator{MinScore: minScore, MaxExcerptRunes: maxExcerptRunes, caller: caller, logger: logger}
}

// Evaluate returns a Finding when text advances the research question and
// nil when it does not.
func (e *LLMEvaluator) Evaluate(ctx context.Context, originalQuery, text, url string) (*Finding, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	input := fmt.Sprintf("Research question: %s\n\nWebpage URL: %s\n\nWebpage content (first %d characters):\n%s",
		originalQuery, url, maxPageRunes, truncateRunes(text, maxPageRunes))

	var resp evaluationResponse
	err := e.caller.call(ctx, evaluatorPrompt+"\n\n# Response Format:\n"+evaluatorSchema, input, &resp, func() error {
		if resp.Score < 0 || resp.Score > 10 {
			return fmt.Errorf("score %d out of range", resp.Score)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEvaluationFailed, url, err)
	}

	if !resp.Useful || resp.Score < e.MinScore {
		e.logger.Debug("Rejecting source", "url", url, "score", resp.Score, "rationale", resp.Rationale)
		return nil, nil
	}

	excerpt := strings.TrimSpace(resp.Excerpt)
	if excerpt == "" {
		return nil, errors.Join(ErrEvaluationFailed, fmt.Errorf("accepted %s without an excerpt", url))
	}

	e.logger.Info("Keeping source", "url", url, "score", resp.Score)
	return &Finding{
		URL:        url,
		Text:       truncateRunes(excerpt, e.MaxExcerptRunes),
		Rationale:  strings.TrimSpace(resp.Rationale),
		Score:      resp.Score,
		AcceptedAt: time.Now(),
	}, nil
}
