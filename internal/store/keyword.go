package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
)

// KeywordIndex wraps a bleve index over chunk text for lexical search.
// Articles are prose, so the standard analyzer is a good fit.
type KeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

type keywordDocument struct {
	Content string `json:"content"`
}

// KeywordHit is a single lexical search hit with its bleve relevance score.
type KeywordHit struct {
	ID    string
	Score float64
}

// NewKeywordIndex opens or creates a bleve index at path. An empty path
// yields an in-memory index.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	mapping := bleve.NewIndexMapping()

	var idx bleve.Index
	var err error
	if path == "" {
		idx, err = bleve.NewMemOnly(mapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create keyword index directory: %w", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, mapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}
	return &KeywordIndex{index: idx}, nil
}

// Index adds or replaces chunk documents in one batch.
func (k *KeywordIndex) Index(chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, keywordDocument{Content: c.Content}); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("execute keyword batch: %w", err)
	}
	return nil
}

// Search returns up to limit hits for query, best first. An empty query
// returns no hits.
func (k *KeywordIndex) Search(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, fmt.Errorf("keyword index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	req := bleve.NewSearchRequest(match)
	req.Size = limit

	result, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	hits := make([]KeywordHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, KeywordHit{ID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Delete removes chunk documents by ID.
func (k *KeywordIndex) Delete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return fmt.Errorf("keyword index is closed")
	}

	batch := k.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("delete keyword documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (k *KeywordIndex) Count() (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return 0, fmt.Errorf("keyword index is closed")
	}
	n, err := k.index.DocCount()
	return int(n), err
}

// Close closes the underlying bleve index.
func (k *KeywordIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.index.Close()
}
