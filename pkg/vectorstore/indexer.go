package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

// Embedder turns texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Splitter cuts a text into chunks.
type Splitter interface {
	SplitText(text string) ([]string, error)
}

// DocumentWriter persists embedded documents.
type DocumentWriter interface {
	AddDocuments(ctx context.Context, docs []Document) error
}

// FindingIndexer chunks, embeds and stores accepted findings so that a
// finished job can be searched semantically. Every chunk carries the job
// ID and the finding's source URL as metadata.
type FindingIndexer struct {
	Store    DocumentWriter
	Embedder Embedder
	Splitter Splitter
}

func NewFindingIndexer(store DocumentWriter, embedder Embedder, splitter Splitter) *FindingIndexer {
	return &FindingIndexer{Store: store, Embedder: embedder, Splitter: splitter}
}

func (ix *FindingIndexer) Index(ctx context.Context, jobID string, f research.Finding) error {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return nil
	}

	chunks := []string{text}
	if ix.Splitter != nil {
		split, err := ix.Splitter.SplitText(text)
		if err != nil {
			return fmt.Errorf("failed to split finding: %w", err)
		}
		if len(split) > 0 {
			chunks = split
		}
	}

	vectors, err := ix.Embedder.EmbedTexts(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to embed finding: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	docs := make([]Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = Document{
			Content: chunk,
			Metadata: map[string]interface{}{
				"job_id":    jobID,
				"source":    f.URL,
				"title":     f.Title,
				"query":     f.Query,
				"score":     f.Score,
				"iteration": f.Iteration,
				"chunk":     i,
			},
			Embedding: vectors[i],
		}
	}
	if err := ix.Store.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("failed to store finding: %w", err)
	}
	return nil
}
