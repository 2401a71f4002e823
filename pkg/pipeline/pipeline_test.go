package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-researcher/pkg/config"
	"github.com/mikeboe/deep-researcher/pkg/research/tools"
)

func TestNewSearcher(t *testing.T) {
	tests := []struct {
		provider string
		want     any
		wantErr  bool
	}{
		{provider: "serpapi", want: &tools.SerpAPI{}},
		{provider: "tavily", want: &tools.Tavily{}},
		{provider: "arxiv", want: &tools.Arxiv{}},
		{provider: "bing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := config.Default()
			cfg.SearchProvider = tt.provider
			s, err := NewSearcher(cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestNewExtractor(t *testing.T) {
	cfg := config.Default()
	x, closer := NewExtractor(context.Background(), cfg, nil)
	router, ok := x.(*tools.Router)
	require.True(t, ok)
	assert.Nil(t, router.PDF)
	assert.NotNil(t, router.Fallback)
	assert.NoError(t, closer())

	cfg.MistralApiKey = "m"
	x, _ = NewExtractor(context.Background(), cfg, nil)
	assert.NotNil(t, x.(*tools.Router).PDF)
}

func TestNewExtractorUnreachableCache(t *testing.T) {
	cfg := config.Default()
	// Nothing listens on port 1; the cache is skipped rather than failing.
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	x, _ := NewExtractor(ctx, cfg, nil)
	assert.IsType(t, &tools.Router{}, x)
}

func TestOptions(t *testing.T) {
	cfg := config.Default()
	cfg.CallTimeout = time.Second
	opts := Options(cfg)
	assert.Equal(t, time.Second, opts.CallTimeout)
	assert.Equal(t, 4, opts.SearchConcurrency)
	assert.Equal(t, 3, opts.ExtractConcurrency)
	assert.Equal(t, 5, opts.ResultsPerQuery)
}
