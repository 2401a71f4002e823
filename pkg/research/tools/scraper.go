package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

const mistralOCRURL = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// MistralOCR extracts the contents of PDF documents as markdown using the
// Mistral OCR API.
type MistralOCR struct {
	APIKey  string
	BaseURL string
	Model   string

	client *http.Client
}

func NewMistralOCR(apiKey string) *MistralOCR {
	return &MistralOCR{
		APIKey:  apiKey,
		BaseURL: mistralOCRURL,
		Model:   "mistral-ocr-latest",
		// OCR of long papers is slow.
		client: newHTTPClient(2 * time.Minute),
	}
}

// Extract runs OCR over the document at url and returns its pages joined
// as markdown.
func (m *MistralOCR) Extract(ctx context.Context, url string) (string, error) {
	if m.APIKey == "" {
		return "", fmt.Errorf("%w: mistral ocr: MISTRAL_API_KEY is not set", research.ErrExtractionFailed)
	}
	url = strings.Replace(url, "http://", "https://", 1)

	slog.Info("PDF scraper called", "url", url)

	reqBody := map[string]interface{}{
		"model": m.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": url,
		},
		"include_image_base64": false,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: failed to marshal request body: %w", research.ErrExtractionFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%w: failed to create HTTP request: %w", research.ErrExtractionFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to make API request: %w", research.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("mistral", resp); err != nil {
		return "", fmt.Errorf("%w: %w", research.ErrExtractionFailed, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %w", research.ErrExtractionFailed, err)
	}
	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal OCR response: %w", research.ErrExtractionFailed, err)
	}

	var b strings.Builder
	for _, page := range ocrResponse.Pages {
		fmt.Fprintf(&b, "- Page %d -\n", page.Index)
		b.WriteString(page.Markdown)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}
