package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

const (
	jinaReaderURL = "https://r.jina.ai/"
	// maxPageBytes bounds how much of a page body is read.
	maxPageBytes = 4 << 20
)

// JinaReader fetches a readable text rendition of a page through the
// r.jina.ai reader service.
type JinaReader struct {
	APIKey  string
	BaseURL string

	client *http.Client
}

func NewJinaReader(apiKey string) *JinaReader {
	return &JinaReader{APIKey: apiKey, BaseURL: jinaReaderURL, client: newHTTPClient(defaultTimeout)}
}

func (j *JinaReader) Extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.BaseURL+url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: jina: %w", research.ErrExtractionFailed, err)
	}
	if j.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.APIKey)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := j.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: jina: %w", research.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("jina", resp); err != nil {
		return "", fmt.Errorf("%w: %w", research.ErrExtractionFailed, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("%w: jina: read body: %w", research.ErrExtractionFailed, err)
	}
	text := strings.TrimSpace(string(body))
	slog.Debug("Jina reader fetched page", "url", url, "bytes", len(text))
	return text, nil
}
