package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikeboe/deep-researcher/pkg/config"
	"github.com/mikeboe/deep-researcher/pkg/database"
	"github.com/mikeboe/deep-researcher/pkg/embeddings"
	"github.com/mikeboe/deep-researcher/pkg/splitter"
	"github.com/mikeboe/deep-researcher/pkg/vectorstore"
)

// Index is the pgvector store of accepted findings and the pieces that
// write to and query it.
type Index struct {
	Store    *vectorstore.PGVectorStore
	Embedder *embeddings.GoogleEmbedder
	Indexer  *vectorstore.FindingIndexer
}

// NewIndex prepares the findings table in db and the Gemini embedder that
// fills it.
func NewIndex(ctx context.Context, cfg *config.Config, db *database.PostgresDB) (*Index, error) {
	if cfg.GoogleApiKey == "" {
		return nil, errors.New("GOOGLE_API_KEY is required to embed findings")
	}
	store, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("invalid collection name: %w", err)
	}
	if err := db.InitFindingIndex(ctx, cfg.CollectionName, embeddings.Dimension); err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &Index{
		Store:    store,
		Embedder: embedder,
		Indexer: vectorstore.NewFindingIndexer(store, embedder,
			splitter.NewMarkdownTextSplitter(cfg.ChunkSize, cfg.ChunkOverlap)),
	}, nil
}
