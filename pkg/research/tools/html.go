package tools

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

// HTMLFetcher downloads a page directly and strips it down to its visible
// text. It needs no API key and serves as the fallback extractor.
type HTMLFetcher struct {
	client *http.Client
}

func NewHTMLFetcher() *HTMLFetcher {
	return &HTMLFetcher{client: newHTTPClient(defaultTimeout)}
}

// noiseSelectors are removed before the text is collected.
const noiseSelectors = "script, style, noscript, iframe, svg, nav, header, footer, aside, form"

// blockTags end a line of output text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
}

func (h *HTMLFetcher) Extract(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", research.ErrExtractionFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", research.ErrExtractionFailed, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("fetch", resp); err != nil {
		return "", fmt.Errorf("%w: %w", research.ErrExtractionFailed, err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxPageBytes)
	switch {
	case mediaType == "text/plain":
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("%w: read body: %w", research.ErrExtractionFailed, err)
		}
		return strings.TrimSpace(string(raw)), nil
	case mediaType == "" || strings.Contains(mediaType, "html"):
		return htmlText(body)
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", research.ErrExtractionFailed, mediaType)
	}
}

// htmlText returns the readable text of an HTML document, one block per line.
func htmlText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse HTML: %w", research.ErrExtractionFailed, err)
	}
	doc.Find(noiseSelectors).Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, s *goquery.Selection) {
			if goquery.NodeName(s) == "#text" {
				b.WriteString(s.Text())
				return
			}
			walk(s)
			if blockTags[goquery.NodeName(s)] {
				b.WriteByte('\n')
			}
		})
	}
	walk(root)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = collapseSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}
