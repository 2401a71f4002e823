package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

const tavilyURL = "https://api.tavily.com/search"

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Tavily searches the web through the Tavily search API.
type Tavily struct {
	APIKey     string
	BaseURL    string
	Depth      string
	MaxResults int

	client  *http.Client
	limiter *rate.Limiter
}

func NewTavily(apiKey string, maxResults int, rps float64) *Tavily {
	if maxResults < 1 {
		maxResults = 5
	} else if maxResults > 20 {
		maxResults = 20
	}
	return &Tavily{
		APIKey:     apiKey,
		BaseURL:    tavilyURL,
		Depth:      "basic",
		MaxResults: maxResults,
		client:     newHTTPClient(defaultTimeout),
		limiter:    newLimiter(rps),
	}
}

// Search runs a Tavily search for the query.
func (t *Tavily) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	if t.APIKey == "" {
		return nil, fmt.Errorf("%w: tavily: API key not configured", research.ErrSearchUnavailable)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: tavily: search query cannot be empty", research.ErrSearchUnavailable)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: tavily: %w", research.ErrSearchUnavailable, err)
	}

	body, err := json.Marshal(tavilyRequest{APIKey: t.APIKey, Query: query, SearchDepth: t.Depth, MaxResults: t.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("%w: tavily: marshal request: %w", research.ErrSearchUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: tavily: create request: %w", research.ErrSearchUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tavily: api call failed: %w", research.ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("tavily", resp); err != nil {
		return nil, fmt.Errorf("%w: %w", research.ErrSearchUnavailable, err)
	}

	var out tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: tavily: decode response: %w", research.ErrSearchUnavailable, err)
	}

	results := make([]research.SearchResult, 0, len(out.Results))
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, research.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content, Query: query})
	}
	slog.Info("Tavily search successful", "query", query, "count", len(results))
	return results, nil
}
