package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

const serpAPIURL = "https://serpapi.com/search"

// SerpAPI searches Google through serpapi.com.
type SerpAPI struct {
	APIKey  string
	BaseURL string
	// Engine is the SerpAPI engine parameter, "google" by default.
	Engine     string
	NumResults int

	client  *http.Client
	limiter *rate.Limiter
}

// NewSerpAPI constructs a SerpAPI searcher allowing rps requests per second.
func NewSerpAPI(apiKey string, numResults int, rps float64) *SerpAPI {
	if numResults <= 0 {
		numResults = 10
	}
	return &SerpAPI{
		APIKey:     apiKey,
		BaseURL:    serpAPIURL,
		Engine:     "google",
		NumResults: numResults,
		client:     newHTTPClient(defaultTimeout),
		limiter:    newLimiter(rps),
	}
}

// Search returns the organic results of a Google search.
func (s *SerpAPI) Search(ctx context.Context, query string) ([]research.SearchResult, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, fmt.Errorf("%w: serpapi: API key is missing", research.ErrSearchUnavailable)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: serpapi: %w", research.ErrSearchUnavailable, err)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("api_key", s.APIKey)
	params.Set("engine", s.Engine)
	params.Set("num", strconv.Itoa(s.NumResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: serpapi: %w", research.ErrSearchUnavailable, err)
	}

	slog.Debug("SerpAPI request", "query", query)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: serpapi: %w", research.ErrSearchUnavailable, stripURL(err))
	}
	defer resp.Body.Close()

	if err := checkStatus("serpapi", resp); err != nil {
		return nil, fmt.Errorf("%w: %w", research.ErrSearchUnavailable, err)
	}

	var payload struct {
		Error          string `json:"error"`
		OrganicResults []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: serpapi: decode: %w", research.ErrSearchUnavailable, err)
	}
	if payload.Error != "" && len(payload.OrganicResults) == 0 {
		// SerpAPI reports an empty result page as an error string.
		if strings.Contains(payload.Error, "hasn't returned any results") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: serpapi: %w", research.ErrSearchUnavailable, errors.New(payload.Error))
	}

	results := make([]research.SearchResult, 0, len(payload.OrganicResults))
	for _, r := range payload.OrganicResults {
		if r.Link == "" {
			continue
		}
		results = append(results, research.SearchResult{Title: r.Title, URL: r.Link, Snippet: r.Snippet, Query: query})
	}
	slog.Info("SerpAPI search successful", "query", query, "count", len(results))
	return results, nil
}

// newLimiter returns a limiter for rps requests per second; rps <= 0
// disables limiting.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}
