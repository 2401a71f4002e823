package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

const arxivURL = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href  string `xml:"href,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// Arxiv searches the arXiv export API. Results point at the PDF when one
// is listed so the OCR extractor can read the paper.
type Arxiv struct {
	BaseURL    string
	MaxResults int

	client  *http.Client
	limiter *rate.Limiter
}

// NewArxiv creates an arXiv searcher. arXiv asks clients to keep at least
// three seconds between requests.
func NewArxiv(maxResults int) *Arxiv {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Arxiv{
		BaseURL:    arxivURL,
		MaxResults: maxResults,
		client:     newHTTPClient(defaultTimeout),
		limiter:    newLimiter(1.0 / (3 * time.Second).Seconds()),
	}
}

// Search queries the arXiv API for papers matching the query.
func (a *Arxiv) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: arxiv: %w", research.ErrSearchUnavailable, err)
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(a.MaxResults))
	params.Add("start", "0")
	apiURL := a.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: arxiv: %w", research.ErrSearchUnavailable, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: arxiv: failed to make API request: %w", research.ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()

	slog.Info("API request made", "url", apiURL)

	if err := checkStatus("arxiv", resp); err != nil {
		slog.Error("API returned non-200 status code", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: %w", research.ErrSearchUnavailable, err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: arxiv: failed to read response body: %w", research.ErrSearchUnavailable, err)
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("%w: arxiv: failed to unmarshal XML: %w", research.ErrSearchUnavailable, err)
	}

	results := make([]research.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		link := entry.pdfLink()
		if link == "" {
			continue
		}
		results = append(results, research.SearchResult{
			Title:   collapseSpace(entry.Title),
			URL:     link,
			Snippet: collapseSpace(entry.Summary),
			Query:   query,
		})
	}
	slog.Info("arXiv search complete", "query", query, "count", len(results))
	return results, nil
}

func (e ArxivEntry) pdfLink() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" || link.Title == "pdf" {
			return strings.Replace(link.Href, "http://", "https://", 1)
		}
	}
	return strings.TrimSpace(e.ID)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
