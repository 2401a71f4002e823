package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Document is one embedded chunk of a finding.
type Document struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Embedding []float32              `json:"embedding,omitempty"`
}

// SimilaritySearchResult is a document with its cosine similarity to the query.
type SimilaritySearchResult struct {
	Document Document
	Score    float64
}

// PGVectorStore stores documents in a pgvector table with content, JSONB
// metadata and embedding columns.
type PGVectorStore struct {
	pool  *pgxpool.Pool
	table string
}

// Lower-case start, at most 63 bytes (the PostgreSQL identifier limit).
var tableNamePattern = regexp.MustCompile(`^[a-z_][a-zA-Z0-9_]{0,62}$`)

func isValidTableName(name string) bool {
	return tableNamePattern.MatchString(name)
}

func NewPGVectorStore(pool *pgxpool.Pool, tableName string) (*PGVectorStore, error) {
	if !isValidTableName(tableName) {
		return nil, fmt.Errorf("invalid table name %q: use letters, digits and underscores, starting with a lower-case letter or underscore, at most 63 characters", tableName)
	}
	return &PGVectorStore{pool: pool, table: pgx.Identifier{tableName}.Sanitize()}, nil
}

// AddDocuments inserts docs in one batch.
func (vs *PGVectorStore) AddDocuments(ctx context.Context, docs []Document) error {
	insert := `INSERT INTO ` + vs.table + ` (content, metadata, embedding) VALUES ($1, $2, $3)`

	batch := &pgx.Batch{}
	for _, doc := range docs {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		batch.Queue(insert, doc.Content, meta, pgvector.NewVector(doc.Embedding))
	}

	br := vs.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range docs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert document: %w", err)
		}
	}
	return nil
}

// SimilaritySearch returns the topK documents closest to queryEmbedding
// among those matching filter (see GetContentByMetadata for the syntax).
func (vs *PGVectorStore) SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter map[string]interface{}) ([]SimilaritySearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	w := &whereBuilder{args: []interface{}{pgvector.NewVector(queryEmbedding)}}
	where, err := w.build(filter)
	if err != nil {
		return nil, err
	}
	w.args = append(w.args, topK)

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1
		LIMIT $%d
	`, vs.table, where, len(w.args))

	rows, err := vs.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute similarity search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilaritySearchResult, error) {
		var r SimilaritySearchResult
		err := scanDocument(row, &r.Document, &r.Score)
		return r, err
	})
}

// GetContentBySource returns all chunks of a source URL in insertion order.
// A non-empty jobID restricts the lookup to that research job.
func (vs *PGVectorStore) GetContentBySource(ctx context.Context, jobID, source string) ([]Document, error) {
	filter := map[string]interface{}{"source": source}
	if jobID != "" {
		filter["job_id"] = jobID
	}
	return vs.GetContentByMetadata(ctx, filter)
}

// GetContentByMetadata returns the documents whose metadata matches filter.
// Plain keys must match exactly (JSONB containment); "$and" and "$or" take
// a list of filters and "$not" takes one.
func (vs *PGVectorStore) GetContentByMetadata(ctx context.Context, filter map[string]interface{}) ([]Document, error) {
	w := &whereBuilder{}
	where, err := w.build(filter)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, content, metadata FROM ` + vs.table + ` WHERE ` + where + ` ORDER BY created_at, id`
	rows, err := vs.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var doc Document
		err := scanDocument(row, &doc)
		return doc, err
	})
}

// scanDocument reads id, content and metadata followed by any extra columns.
func scanDocument(row pgx.CollectableRow, doc *Document, extra ...interface{}) error {
	var meta []byte
	dest := append([]interface{}{&doc.ID, &doc.Content, &meta}, extra...)
	if err := row.Scan(dest...); err != nil {
		return fmt.Errorf("failed to scan row: %w", err)
	}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return nil
}

var errBadFilter = errors.New("invalid metadata filter")

// whereBuilder compiles a metadata filter to a WHERE clause. Placeholders
// continue after any args already present.
type whereBuilder struct {
	args []interface{}
}

func (w *whereBuilder) build(filter map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []string
	for _, key := range keys {
		value := filter[key]
		switch key {
		case "$and", "$or":
			cond, err := w.combine(key, value)
			if err != nil {
				return "", err
			}
			if cond != "" {
				conds = append(conds, cond)
			}

		case "$not":
			sub, ok := value.(map[string]interface{})
			if !ok {
				return "", fmt.Errorf("%w: $not takes an object", errBadFilter)
			}
			inner, err := w.build(sub)
			if err != nil {
				return "", err
			}
			conds = append(conds, "NOT ("+inner+")")

		default:
			pair, err := json.Marshal(map[string]interface{}{key: value})
			if err != nil {
				return "", fmt.Errorf("%w: %v", errBadFilter, err)
			}
			w.args = append(w.args, pair)
			conds = append(conds, fmt.Sprintf("metadata @> $%d", len(w.args)))
		}
	}

	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), nil
}

func (w *whereBuilder) combine(op string, value interface{}) (string, error) {
	list, ok := value.([]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s takes a list of objects", errBadFilter, op)
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		sub, ok := item.(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("%w: %s takes a list of objects", errBadFilter, op)
		}
		inner, err := w.build(sub)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+inner+")")
	}
	if len(parts) == 0 {
		return "", nil
	}
	sep := " AND "
	if op == "$or" {
		sep = " OR "
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}
