package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/embed"
)

// Store coordinates the three backends. SQLite is the source of truth; the
// vector and keyword indexes are derived and rebuilt from it on startup if
// their on-disk copies are missing.
type Store struct {
	db      *sql.DB
	vectors *VectorIndex
	keyword *KeywordIndex

	vectorPath string
}

// Open creates or opens a store rooted at dataDir.
func Open(dataDir string) (*Store, error) {
	db, err := openDB(filepath.Join(dataDir, "lightopedia.db"))
	if err != nil {
		return nil, err
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectors := NewVectorIndex(embed.Dimension)
	if err := vectors.Load(vectorPath); err != nil {
		// A stale or corrupt snapshot is recoverable by rebuilding from
		// SQLite rows.
		slog.Warn("vector index load failed, rebuilding from database",
			slog.String("error", err.Error()))
		vectors = NewVectorIndex(embed.Dimension)
	}

	keyword, err := NewKeywordIndex(filepath.Join(dataDir, "keyword.bleve"))
	if err != nil {
		_ = db.Close()
		_ = vectors.Close()
		return nil, err
	}

	s := &Store{db: db, vectors: vectors, keyword: keyword, vectorPath: vectorPath}
	if err := s.reconcile(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory creates a store with no on-disk state, for tests.
func OpenInMemory() (*Store, error) {
	db, err := openDB("")
	if err != nil {
		return nil, err
	}
	keyword, err := NewKeywordIndex("")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:      db,
		vectors: NewVectorIndex(embed.Dimension),
		keyword: keyword,
	}, nil
}

// reconcile refills the vector index from persisted embeddings when the
// snapshot lagged the database.
func (s *Store) reconcile(ctx context.Context) error {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&total); err != nil {
		return fmt.Errorf("count embeddings: %w", err)
	}
	if s.vectors.Count() >= total {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector FROM embeddings`)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	var vecs [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		ids = append(ids, id)
		vecs = append(vecs, decodeVector(blob))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := s.vectors.Add(ids, vecs); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	slog.Info("vector index rebuilt", slog.Int("vectors", len(ids)))
	return nil
}

// UpsertChunks replaces the stored article and all of its chunks in one
// transaction, then refreshes the derived indexes. Chunks and vectors must
// be parallel slices.
func (s *Store) UpsertChunks(ctx context.Context, article *Article, chunks []*Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return apperr.Newf(apperr.KindInternal,
			"chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}
	for _, v := range vectors {
		if len(v) != embed.Dimension {
			return ErrDimensionMismatch{Expected: embed.Dimension, Got: len(v)}
		}
	}

	oldIDs, err := s.chunkIDs(ctx, article.Repo, article.Path)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE repo = ? AND path = ?`,
		article.Repo, article.Path); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	if article.IndexedAt.IsZero() {
		article.IndexedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO articles (repo, path, title, revision, content, indexed_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(repo, path) DO UPDATE SET
			title = excluded.title,
			revision = excluded.revision,
			content = excluded.content,
			indexed_at = excluded.indexed_at`,
		article.Repo, article.Path, article.Title, article.Revision,
		article.Content, article.IndexedAt); err != nil {
		return fmt.Errorf("upsert article: %w", err)
	}

	for i, c := range chunks {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = article.IndexedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, repo, path, ordinal, content, section,
				title, source_type, revision, index_run_id, program_version,
				created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, c.Repo, c.Path, c.Ordinal, c.Content, c.Section, c.Title,
			c.SourceType, c.Revision, c.IndexRunID, c.ProgramVersion,
			c.CreatedAt); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embeddings (chunk_id, dim, vector) VALUES (?,?,?)`,
			c.ID, len(vectors[i]), encodeVector(vectors[i])); err != nil {
			return fmt.Errorf("insert embedding %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	// Derived indexes follow the committed rows. A crash between commit and
	// here is healed by reconcile on the next open.
	s.vectors.Delete(oldIDs)
	if err := s.keyword.Delete(oldIDs); err != nil {
		return err
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := s.vectors.Add(ids, vectors); err != nil {
		return err
	}
	return s.keyword.Index(chunks)
}

// DeleteArticle removes an article and its chunks, returning the number of
// chunks removed. Deleting an absent article is a no-op.
func (s *Store) DeleteArticle(ctx context.Context, repo, path string) (int, error) {
	ids, err := s.chunkIDs(ctx, repo, path)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM articles WHERE repo = ? AND path = ?`, repo, path); err != nil {
		return 0, fmt.Errorf("delete article: %w", err)
	}
	s.vectors.Delete(ids)
	if err := s.keyword.Delete(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteByRun removes every chunk written by one index run, returning the
// count removed. Parent articles are left in place.
func (s *Store) DeleteByRun(ctx context.Context, runID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE index_run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("query run chunks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE index_run_id = ?`, runID); err != nil {
		return 0, fmt.Errorf("delete run chunks: %w", err)
	}
	s.vectors.Delete(ids)
	if err := s.keyword.Delete(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) chunkIDs(ctx context.Context, repo, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chunks WHERE repo = ? AND path = ?`, repo, path)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MatchDocs returns the k nearest chunks to the query vector, hydrated
// with content and metadata.
func (s *Store) MatchDocs(ctx context.Context, query []float32, k int) ([]MatchResult, error) {
	hits, err := s.vectors.Search(query, k)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, hits)
}

// SearchKeyword returns up to k lexical matches. Scores are raw bleve
// relevance; callers normalize before blending with vector similarity.
func (s *Store) SearchKeyword(ctx context.Context, query string, k int) ([]MatchResult, error) {
	hits, err := s.keyword.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	vhits := make([]VectorHit, len(hits))
	for i, h := range hits {
		vhits[i] = VectorHit{ID: h.ID, Similarity: h.Score}
	}
	return s.hydrate(ctx, vhits)
}

func (s *Store) hydrate(ctx context.Context, hits []VectorHit) ([]MatchResult, error) {
	out := make([]MatchResult, 0, len(hits))
	for _, h := range hits {
		c, err := s.getChunk(ctx, h.ID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, MatchResult{
			ID:         c.ID,
			Content:    c.Content,
			Metadata:   MetadataOf(c),
			Similarity: h.Similarity,
		})
	}
	return out, nil
}

func (s *Store) getChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo, path, ordinal, content, section, title, source_type,
			revision, index_run_id, program_version, created_at
		FROM chunks WHERE id = ?`, id)

	var c Chunk
	err := row.Scan(&c.ID, &c.Repo, &c.Path, &c.Ordinal, &c.Content,
		&c.Section, &c.Title, &c.SourceType, &c.Revision, &c.IndexRunID,
		&c.ProgramVersion, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("chunk %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("query chunk: %w", err)
	}
	return &c, nil
}

// HasRevision reports whether the article is already stored at exactly this
// revision.
func (s *Store) HasRevision(ctx context.Context, repo, path, revision string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT revision FROM articles WHERE repo = ? AND path = ?`,
		repo, path).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query article revision: %w", err)
	}
	return stored == revision, nil
}

// GetArticle fetches one stored article with its full content.
func (s *Store) GetArticle(ctx context.Context, repo, path string) (*Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo, path, title, revision, content, indexed_at
		FROM articles WHERE repo = ? AND path = ?`, repo, path)

	var a Article
	err := row.Scan(&a.Repo, &a.Path, &a.Title, &a.Revision, &a.Content, &a.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("article %s/%s not found", repo, path))
	}
	if err != nil {
		return nil, fmt.Errorf("query article: %w", err)
	}
	return &a, nil
}

// ListArticles returns all stored articles without content, ordered by repo
// then path. This backs the knowledge base manifest.
func (s *Store) ListArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo, path, title, revision, indexed_at
		FROM articles ORDER BY repo, path`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.Repo, &a.Path, &a.Title, &a.Revision, &a.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

// SaveQALog persists one request log.
func (s *Store) SaveQALog(ctx context.Context, l *QALog) error {
	return saveQALog(ctx, s.db, l)
}

// GetQALog fetches a request log by ID.
func (s *Store) GetQALog(ctx context.Context, requestID string) (*QALog, error) {
	return getQALog(ctx, s.db, requestID)
}

// SaveFeedback persists one feedback verdict.
func (s *Store) SaveFeedback(ctx context.Context, f *Feedback) error {
	return saveFeedback(ctx, s.db, f)
}

// ListFeedback returns all feedback rows for a request, oldest first.
func (s *Store) ListFeedback(ctx context.Context, requestID string) ([]Feedback, error) {
	return listFeedback(ctx, s.db, requestID)
}

// Close snapshots the vector index and closes all backends.
func (s *Store) Close() error {
	var firstErr error
	if s.vectorPath != "" {
		if err := s.vectors.Save(s.vectorPath); err != nil {
			slog.Warn("vector index save failed", slog.String("error", err.Error()))
			firstErr = err
		}
	}
	if err := s.vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.keyword.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
