package tools

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

// Router picks an extractor per URL: PDFs go to the document extractor,
// everything else through Primary with Fallback tried on error.
type Router struct {
	PDF      research.ContentExtractor
	Primary  research.ContentExtractor
	Fallback research.ContentExtractor
	Logger   *slog.Logger
}

func (r *Router) Extract(ctx context.Context, rawURL string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.PDF != nil && IsPDF(rawURL) {
		return r.PDF.Extract(ctx, rawURL)
	}
	if r.Primary == nil {
		if r.Fallback == nil {
			return "", errors.New("no extractor configured")
		}
		return r.Fallback.Extract(ctx, rawURL)
	}

	text, err := r.Primary.Extract(ctx, rawURL)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if r.Fallback == nil || ctx.Err() != nil {
		return text, err
	}
	logger.Warn("Primary extractor failed, falling back", "url", rawURL, "error", err)
	fallbackText, fallbackErr := r.Fallback.Extract(ctx, rawURL)
	if fallbackErr != nil {
		if err == nil {
			return "", fallbackErr
		}
		return "", errors.Join(err, fallbackErr)
	}
	return fallbackText, nil
}

// IsPDF reports whether the URL names a PDF document, including arXiv
// /pdf/ links that carry no extension.
func IsPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.EqualFold(path.Ext(u.Path), ".pdf") {
		return true
	}
	return strings.HasSuffix(u.Hostname(), "arxiv.org") && strings.HasPrefix(u.Path, "/pdf/")
}
