package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the CLI and the server. Values come from
// built-in defaults, then an optional YAML file, then the environment.
type Config struct {
	LLMProvider      string `yaml:"llm_provider"`
	GoogleApiKey     string `yaml:"google_api_key"`
	OpenRouterApiKey string `yaml:"openrouter_api_key"`
	AnthropicApiKey  string `yaml:"anthropic_api_key"`
	ReasoningModel   string `yaml:"reasoning_model"`
	FastModel        string `yaml:"fast_model"`

	SearchProvider string `yaml:"search_provider"`
	SerpApiKey     string `yaml:"serpapi_api_key"`
	TavilyApiKey   string `yaml:"tavily_api_key"`
	JinaApiKey     string `yaml:"jina_api_key"`
	MistralApiKey  string `yaml:"mistral_api_key"`
	// SearchRPS caps requests per second to the search provider; 0 disables pacing.
	SearchRPS float64 `yaml:"search_rps"`

	MaxIterations      int           `yaml:"max_iterations"`
	MaxQueries         int           `yaml:"max_queries"`
	ResultsPerQuery    int           `yaml:"results_per_query"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	SearchConcurrency  int           `yaml:"search_concurrency"`
	ExtractConcurrency int           `yaml:"extract_concurrency"`
	MinRelevanceScore  int           `yaml:"min_relevance_score"`
	MaxExcerptChars    int           `yaml:"max_excerpt_chars"`

	DatabaseURL     string        `yaml:"database_url"`
	RedisURL        string        `yaml:"redis_url"`
	ExtractCacheTTL time.Duration `yaml:"extract_cache_ttl"`
	Port            string        `yaml:"port"`

	ChunkSize      int    `yaml:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap"`
	EmbeddingModel string `yaml:"embedding_model"`
	CollectionName string `yaml:"collection_name"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LLMProvider:        "google",
		SearchProvider:     "serpapi",
		MaxIterations:      10,
		MaxQueries:         4,
		ResultsPerQuery:    5,
		CallTimeout:        60 * time.Second,
		SearchConcurrency:  4,
		ExtractConcurrency: 3,
		MinRelevanceScore:  7,
		MaxExcerptChars:    4000,
		ExtractCacheTTL:    24 * time.Hour,
		Port:               "3000",
		ChunkSize:          1000,
		ChunkOverlap:       200,
		EmbeddingModel:     "gemini-embedding-001",
		CollectionName:     "research_findings",
	}
}

// Load reads the configuration. path names an optional YAML file; when
// empty RESEARCH_CONFIG is consulted. Environment variables (including
// those from a .env file) take precedence over the file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("RESEARCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLMProvider))
	cfg.GoogleApiKey = getEnv("GOOGLE_API_KEY", cfg.GoogleApiKey)
	cfg.OpenRouterApiKey = getEnv("OPENROUTER_API_KEY", cfg.OpenRouterApiKey)
	cfg.AnthropicApiKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicApiKey)
	cfg.ReasoningModel = getEnv("REASONING_MODEL", cfg.ReasoningModel)
	cfg.FastModel = getEnv("FAST_MODEL", cfg.FastModel)

	cfg.SearchProvider = strings.ToLower(getEnv("SEARCH_PROVIDER", cfg.SearchProvider))
	cfg.SerpApiKey = getEnv("SERPAPI_API_KEY", cfg.SerpApiKey)
	cfg.TavilyApiKey = getEnv("TAVILY_API_KEY", cfg.TavilyApiKey)
	cfg.JinaApiKey = getEnv("JINA_API_KEY", cfg.JinaApiKey)
	cfg.MistralApiKey = getEnv("MISTRAL_API_KEY", cfg.MistralApiKey)
	cfg.SearchRPS = getEnvAsFloat("SEARCH_RPS", cfg.SearchRPS)

	cfg.MaxIterations = getEnvAsInt("MAX_ITERATIONS", cfg.MaxIterations)
	cfg.MaxQueries = getEnvAsInt("MAX_QUERIES", cfg.MaxQueries)
	cfg.ResultsPerQuery = getEnvAsInt("RESULTS_PER_QUERY", cfg.ResultsPerQuery)
	cfg.CallTimeout = getEnvAsDuration("CALL_TIMEOUT", cfg.CallTimeout)
	cfg.SearchConcurrency = getEnvAsInt("SEARCH_CONCURRENCY", cfg.SearchConcurrency)
	cfg.ExtractConcurrency = getEnvAsInt("EXTRACT_CONCURRENCY", cfg.ExtractConcurrency)
	cfg.MinRelevanceScore = getEnvAsInt("MIN_RELEVANCE_SCORE", cfg.MinRelevanceScore)
	cfg.MaxExcerptChars = getEnvAsInt("MAX_EXCERPT_CHARS", cfg.MaxExcerptChars)

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.ExtractCacheTTL = getEnvAsDuration("EXTRACT_CACHE_TTL", cfg.ExtractCacheTTL)
	cfg.Port = getEnv("PORT", cfg.Port)

	cfg.ChunkSize = getEnvAsInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = getEnvAsInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.EmbeddingModel = getEnv("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.CollectionName = getEnv("COLLECTION_NAME", cfg.CollectionName)

	if models, ok := defaultModels[cfg.LLMProvider]; ok {
		if cfg.ReasoningModel == "" {
			cfg.ReasoningModel = models[0]
		}
		if cfg.FastModel == "" {
			cfg.FastModel = models[1]
		}
	}

	return cfg, nil
}

// defaultModels holds the reasoning and fast model per provider.
var defaultModels = map[string][2]string{
	"google":     {"gemini-3-pro-preview", "gemini-3-flash-preview"},
	"openrouter": {"anthropic/claude-sonnet-4", "google/gemini-2.5-flash"},
	"anthropic":  {"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"},
}

// Validate reports missing credentials for the selected providers and
// out-of-range limits.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLMProvider {
	case "google":
		if c.GoogleApiKey == "" {
			errs = append(errs, errors.New("GOOGLE_API_KEY is not set"))
		}
	case "openrouter":
		if c.OpenRouterApiKey == "" {
			errs = append(errs, errors.New("OPENROUTER_API_KEY is not set"))
		}
	case "anthropic":
		if c.AnthropicApiKey == "" {
			errs = append(errs, errors.New("ANTHROPIC_API_KEY is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.SearchProvider {
	case "serpapi":
		if c.SerpApiKey == "" {
			errs = append(errs, errors.New("SERPAPI_API_KEY is not set"))
		}
	case "tavily":
		if c.TavilyApiKey == "" {
			errs = append(errs, errors.New("TAVILY_API_KEY is not set"))
		}
	case "arxiv":
	default:
		errs = append(errs, fmt.Errorf("unknown SEARCH_PROVIDER %q", c.SearchProvider))
	}

	if c.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("MAX_ITERATIONS must be at least 1, got %d", c.MaxIterations))
	}
	if c.MaxQueries < 1 {
		errs = append(errs, fmt.Errorf("MAX_QUERIES must be at least 1, got %d", c.MaxQueries))
	}
	if c.MinRelevanceScore < 1 || c.MinRelevanceScore > 10 {
		errs = append(errs, fmt.Errorf("MIN_RELEVANCE_SCORE must be between 1 and 10, got %d", c.MinRelevanceScore))
	}
	if c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
