package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"LLM_PROVIDER", "GOOGLE_API_KEY", "OPENROUTER_API_KEY", "ANTHROPIC_API_KEY", "REASONING_MODEL", "FAST_MODEL",
	"SEARCH_PROVIDER", "SERPAPI_API_KEY", "TAVILY_API_KEY", "JINA_API_KEY", "MISTRAL_API_KEY", "SEARCH_RPS",
	"MAX_ITERATIONS", "MAX_QUERIES", "RESULTS_PER_QUERY", "CALL_TIMEOUT", "SEARCH_CONCURRENCY",
	"EXTRACT_CONCURRENCY", "MIN_RELEVANCE_SCORE", "MAX_EXCERPT_CHARS", "DATABASE_URL", "REDIS_URL",
	"EXTRACT_CACHE_TTL", "PORT", "CHUNK_SIZE", "CHUNK_OVERLAP", "EMBEDDING_MODEL", "COLLECTION_NAME",
	"RESEARCH_CONFIG",
}

// clearEnv blanks every key so a developer's .env or shell does not leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
	// godotenv.Load reads .env from the working directory.
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	want := Default()
	want.ReasoningModel = "gemini-3-pro-preview"
	want.FastModel = "gemini-3-flash-preview"
	assert.Equal(t, want, cfg)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 4, cfg.MaxQueries)
	assert.Equal(t, 60*time.Second, cfg.CallTimeout)
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm_provider: openrouter
max_iterations: 3
call_timeout: 90s
search_provider: tavily
tavily_api_key: from-file
`), 0o600))

	t.Setenv("TAVILY_API_KEY", "from-env")
	t.Setenv("MAX_QUERIES", "2")
	t.Setenv("EXTRACT_CACHE_TTL", "3600")
	t.Setenv("MIN_RELEVANCE_SCORE", "not a number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openrouter", cfg.LLMProvider)
	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.ReasoningModel)
	assert.Equal(t, 3, cfg.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.CallTimeout)
	assert.Equal(t, "from-env", cfg.TavilyApiKey)
	assert.Equal(t, 2, cfg.MaxQueries)
	assert.Equal(t, time.Hour, cfg.ExtractCacheTTL)
	assert.Equal(t, 7, cfg.MinRelevanceScore)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"8080\"\n"), 0o600))
	t.Setenv("RESEARCH_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_iterations: [1"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name: "complete",
			mutate: func(c *Config) {
				c.GoogleApiKey = "g"
				c.SerpApiKey = "s"
			},
		},
		{
			name:    "missing keys",
			mutate:  func(c *Config) {},
			wantErr: []string{"GOOGLE_API_KEY", "SERPAPI_API_KEY"},
		},
		{
			name: "arxiv needs no key",
			mutate: func(c *Config) {
				c.LLMProvider = "anthropic"
				c.AnthropicApiKey = "a"
				c.SearchProvider = "arxiv"
			},
		},
		{
			name: "unknown providers and bad limits",
			mutate: func(c *Config) {
				c.LLMProvider = "llama"
				c.SearchProvider = "bing"
				c.MaxIterations = 0
				c.MinRelevanceScore = 11
			},
			wantErr: []string{"LLM_PROVIDER", "SEARCH_PROVIDER", "MAX_ITERATIONS", "MIN_RELEVANCE_SCORE"},
		},
		{
			name: "zero relevance threshold",
			mutate: func(c *Config) {
				c.GoogleApiKey = "g"
				c.SerpApiKey = "s"
				c.MinRelevanceScore = 0
			},
			wantErr: []string{"MIN_RELEVANCE_SCORE must be between 1 and 10"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
