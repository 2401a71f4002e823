package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

const defaultMaxRetries = 3

// jsonCaller sends a system and user prompt to a Model in JSON mode and
// decodes the reply, retrying when the call fails or the reply does not
// validate.
type jsonCaller struct {
	model      Model
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
}

func newJSONCaller(model Model, logger *slog.Logger) jsonCaller {
	if logger == nil {
		logger = slog.Default()
	}
	return jsonCaller{model: model, logger: logger, maxRetries: defaultMaxRetries, backoff: time.Second}
}

// call decodes the model reply into out and runs validate on it. out must
// be a non-nil pointer; it is reset before every attempt.
func (c jsonCaller) call(ctx context.Context, systemPrompt, input string, out any, validate func() error) error {
	prompts := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			c.logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("llm generation cancelled: %w", ctx.Err())
			case <-time.After(c.backoff * time.Duration(i)):
			}
		}

		content, err := generateText(ctx, c.model, prompts, llms.WithJSONMode())
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		// Fields from a rejected attempt must not leak into the next one.
		reflect.ValueOf(out).Elem().SetZero()
		if err := json.Unmarshal([]byte(stripCodeFence(content)), out); err != nil {
			lastErr = fmt.Errorf("json parse error: %w (content: %s)", err, truncateRunes(content, 200))
			continue
		}
		if validate != nil {
			if err := validate(); err != nil {
				lastErr = fmt.Errorf("validation failed: %w", err)
				continue
			}
		}
		return nil
	}

	return fmt.Errorf("operation failed after %d retries: %w", c.maxRetries, lastErr)
}

// generateText returns the first choice of a single generation call.
func generateText(ctx context.Context, model Model, prompts []llms.MessageContent, options ...llms.CallOption) (string, error) {
	resp, err := model.GenerateContent(ctx, prompts, options...)
	if err != nil {
		return "", fmt.Errorf("llm generation failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}

// stripCodeFence removes a surrounding ``` or ```json fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncateRunes cuts s to at most n runes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
