package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/embed"
)

// vecOf builds a deterministic unit-ish vector whose direction varies with
// seed, so distinct seeds are distinguishable under cosine similarity.
func vecOf(seed int) []float32 {
	v := make([]float32, embed.Dimension)
	for i := range v {
		v[i] = 0.001
	}
	v[seed%embed.Dimension] = 1
	return v
}

func testArticle(repo, path, revision string) *Article {
	return &Article{
		Repo:     repo,
		Path:     path,
		Title:    "Billing Guide",
		Revision: revision,
		Content:  "# Billing Guide\n\nHow invoices work.",
	}
}

func testChunks(repo, path, revision string, n int) ([]*Chunk, [][]float32) {
	chunks := make([]*Chunk, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		chunks[i] = &Chunk{
			ID:             fmt.Sprintf("%s:%s:%d:%s", repo, path, i, revision),
			Repo:           repo,
			Path:           path,
			Ordinal:        i,
			Content:        fmt.Sprintf("invoice reconciliation details part %d", i),
			Section:        "Billing Guide",
			Title:          "Billing Guide",
			SourceType:     "article",
			Revision:       revision,
			IndexRunID:     "run-1",
			ProgramVersion: "pipeline.v1.0",
		}
		vecs[i] = vecOf(i)
	}
	return chunks, vecs
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndMatchDocs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks, vecs := testChunks("uselight/help-center", "docs/billing.md", "rev1", 3)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/billing.md", "rev1"), chunks, vecs))

	hits, err := s.MatchDocs(ctx, vecOf(1), 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, chunks[1].ID, hits[0].ID)
	assert.Greater(t, hits[0].Similarity, 0.9)
	assert.Equal(t, "uselight/help-center", hits[0].Metadata["repo_slug"])
	assert.Equal(t, "docs/billing.md", hits[0].Metadata["path"])
	assert.Equal(t, "rev1", hits[0].Metadata["commit_sha"])
	assert.Equal(t, "run-1", hits[0].Metadata["index_run_id"])
}

func TestUpsertReplacesPreviousRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks1, vecs1 := testChunks("uselight/help-center", "docs/a.md", "rev1", 4)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/a.md", "rev1"), chunks1, vecs1))

	chunks2, vecs2 := testChunks("uselight/help-center", "docs/a.md", "rev2", 2)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/a.md", "rev2"), chunks2, vecs2))

	n, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := s.MatchDocs(ctx, vecOf(0), 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "rev2", h.Metadata["commit_sha"])
	}
}

func TestDeleteArticle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks, vecs := testChunks("uselight/product-docs", "guide.md", "rev1", 3)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/product-docs", "guide.md", "rev1"), chunks, vecs))

	removed, err := s.DeleteArticle(ctx, "uselight/product-docs", "guide.md")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = s.GetArticle(ctx, "uselight/product-docs", "guide.md")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	hits, err := s.MatchDocs(ctx, vecOf(0), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Second delete is a no-op.
	removed, err = s.DeleteArticle(ctx, "uselight/product-docs", "guide.md")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestDeleteByRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks, vecs := testChunks("uselight/help-center", "docs/b.md", "rev1", 2)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/b.md", "rev1"), chunks, vecs))

	removed, err := s.DeleteByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = s.DeleteByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestHasRevision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks, vecs := testChunks("uselight/help-center", "docs/c.md", "rev1", 1)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/c.md", "rev1"), chunks, vecs))

	ok, err := s.HasRevision(ctx, "uselight/help-center", "docs/c.md", "rev1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasRevision(ctx, "uselight/help-center", "docs/c.md", "rev2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.HasRevision(ctx, "uselight/help-center", "missing.md", "rev1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSearchKeyword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks, vecs := testChunks("uselight/help-center", "docs/d.md", "rev1", 2)
	chunks[0].Content = "Multi currency wallets hold balances in several currencies."
	chunks[1].Content = "Card disputes are filed from the dashboard."
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/d.md", "rev1"), chunks, vecs))

	hits, err := s.SearchKeyword(ctx, "currency wallets", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, chunks[0].ID, hits[0].ID)

	hits, err = s.SearchKeyword(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestListArticles(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, path := range []string{"docs/z.md", "docs/a.md"} {
		chunks, vecs := testChunks("uselight/help-center", path, "rev1", 1)
		require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", path, "rev1"), chunks, vecs))
	}

	articles, err := s.ListArticles(ctx)
	require.NoError(t, err)
	require.Len(t, articles, 2)
	assert.Equal(t, "docs/a.md", articles[0].Path)
	assert.Equal(t, "docs/z.md", articles[1].Path)
	assert.Empty(t, articles[0].Content)
}

func TestQALogRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &QALog{
		RequestID:        "req-123",
		Question:         "How do wallets work?",
		RouteVersion:     "router.v1.0",
		RouteMode:        "capability_docs",
		RouteConfidence:  "high",
		RouteHints:       []string{"wallets"},
		RetrievalVersion: "retrieval.v1.0",
		RetrievalQueries: []string{"How do wallets work?", "wallet balances"},
		CandidateCount:   6,
		TopSimilarities:  []float64{0.81, 0.77},
		FetchedURLs:      []string{"https://github.com/uselight/help-center/blob/main/docs/wallets.md"},
		FinalAnswer:      "Wallets hold balances.",
		Citations:        []string{"https://github.com/uselight/help-center/blob/main/docs/wallets.md"},
		Confidence:       "high",
		LatencyMS:        842,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveQALog(ctx, in))

	out, err := s.GetQALog(ctx, "req-123")
	require.NoError(t, err)
	assert.Equal(t, in.Question, out.Question)
	assert.Equal(t, in.RouteMode, out.RouteMode)
	assert.Equal(t, in.RetrievalQueries, out.RetrievalQueries)
	assert.Equal(t, in.TopSimilarities, out.TopSimilarities)
	assert.Equal(t, in.Citations, out.Citations)
	assert.Equal(t, in.LatencyMS, out.LatencyMS)

	_, err = s.GetQALog(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSaveFeedback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveFeedback(ctx, &Feedback{
		RequestID: "req-123",
		Label:     "helpful",
		UserID:    "U042",
		Source:    "button",
		Comment:   "answered the currency question exactly",
	}))
	require.NoError(t, s.SaveFeedback(ctx, &Feedback{
		RequestID: "req-123",
		Label:     "needs_context",
		Source:    "api",
	}))

	got, err := s.ListFeedback(ctx, "req-123")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "helpful", got[0].Label)
	assert.Equal(t, "answered the currency question exactly", got[0].Comment)
	assert.Equal(t, "needs_context", got[1].Label)
	assert.False(t, got[0].CreatedAt.IsZero())

	empty, err := s.ListFeedback(ctx, "req-other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	chunks, vecs := testChunks("uselight/help-center", "docs/p.md", "rev1", 2)
	require.NoError(t, s.UpsertChunks(ctx, testArticle("uselight/help-center", "docs/p.md", "rev1"), chunks, vecs))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	hits, err := s2.MatchDocs(ctx, vecOf(0), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, chunks[0].ID, hits[0].ID)

	kw, err := s2.SearchKeyword(ctx, "reconciliation", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, kw)
}

func TestVectorDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	chunks, _ := testChunks("uselight/help-center", "docs/e.md", "rev1", 1)
	err := s.UpsertChunks(context.Background(),
		testArticle("uselight/help-center", "docs/e.md", "rev1"),
		chunks, [][]float32{{1, 2, 3}})
	require.Error(t, err)
}
