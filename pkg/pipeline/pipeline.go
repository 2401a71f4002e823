// Package pipeline builds a research Engine and its collaborators from
// configuration.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mikeboe/deep-researcher/pkg/clients"
	"github.com/mikeboe/deep-researcher/pkg/config"
	"github.com/mikeboe/deep-researcher/pkg/research"
	"github.com/mikeboe/deep-researcher/pkg/research/tools"
)

// Pipeline owns an Engine and the resources behind it.
type Pipeline struct {
	Engine *research.Engine
	cfg    *config.Config
	closer func() error
}

// Option customizes New.
type Option func(*research.Engine)

// WithIndexer stores accepted findings through ix.
func WithIndexer(ix research.FindingIndexer) Option {
	return func(e *research.Engine) { e.Indexer = ix }
}

// New creates the models, the search client and the extractor chain
// selected by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reasoning, err := clients.New(ctx, cfg, cfg.ReasoningModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoning model: %w", err)
	}
	fast, err := clients.New(ctx, cfg, cfg.FastModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast model: %w", err)
	}

	searcher, err := NewSearcher(cfg)
	if err != nil {
		return nil, err
	}
	extractor, closer := NewExtractor(ctx, cfg, logger)

	engine := research.NewEngine(
		research.NewQueryGenerator(reasoning, cfg.MaxQueries, logger),
		searcher,
		extractor,
		research.NewEvaluator(fast, cfg.MinRelevanceScore, cfg.MaxExcerptChars, logger),
		research.NewSynthesizer(reasoning, logger),
		Options(cfg),
	)
	engine.Logger = logger
	for _, opt := range opts {
		opt(engine)
	}

	return &Pipeline{Engine: engine, cfg: cfg, closer: closer}, nil
}

// NewSession creates a session; maxIterations of zero uses the configured
// default.
func (p *Pipeline) NewSession(query string, maxIterations int) *research.Session {
	if maxIterations == 0 {
		maxIterations = p.cfg.MaxIterations
	}
	return research.NewSession(query, maxIterations)
}

func (p *Pipeline) Close() error {
	return p.closer()
}

// Options maps configuration onto engine options.
func Options(cfg *config.Config) research.Options {
	return research.Options{
		CallTimeout:        cfg.CallTimeout,
		SearchConcurrency:  cfg.SearchConcurrency,
		ExtractConcurrency: cfg.ExtractConcurrency,
		ResultsPerQuery:    cfg.ResultsPerQuery,
	}
}

// NewSearcher returns the web search client named by cfg.SearchProvider.
func NewSearcher(cfg *config.Config) (research.WebSearcher, error) {
	switch cfg.SearchProvider {
	case "serpapi", "":
		return tools.NewSerpAPI(cfg.SerpApiKey, cfg.ResultsPerQuery, cfg.SearchRPS), nil
	case "tavily":
		return tools.NewTavily(cfg.TavilyApiKey, cfg.ResultsPerQuery, cfg.SearchRPS), nil
	case "arxiv":
		return tools.NewArxiv(cfg.ResultsPerQuery), nil
	default:
		return nil, fmt.Errorf("unknown search provider: %s", cfg.SearchProvider)
	}
}

// NewExtractor builds the extractor chain: Jina reader with a direct HTML
// fallback, Mistral OCR for PDFs when a key is configured, all behind a
// Redis cache when REDIS_URL is set and reachable. The returned func
// releases the cache connection.
func NewExtractor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (research.ContentExtractor, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() error { return nil }
	router := &tools.Router{
		Primary:  tools.NewJinaReader(cfg.JinaApiKey),
		Fallback: tools.NewHTMLFetcher(),
		Logger:   logger,
	}
	if cfg.MistralApiKey != "" {
		router.PDF = tools.NewMistralOCR(cfg.MistralApiKey)
	}

	if cfg.RedisURL == "" {
		return router, noop
	}
	cache, err := tools.NewRedisCache(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("Extraction cache disabled", "error", err)
		return router, noop
	}
	logger.Info("Extraction cache enabled", "ttl", cfg.ExtractCacheTTL)
	return &tools.CachedExtractor{Next: router, Cache: cache, TTL: cfg.ExtractCacheTTL, Logger: logger}, cache.Close
}
