// Package indexer drives the ingestion pipeline: policy validation,
// chunking, embedding, and atomic upsert into the store. It serves three
// callers with identical semantics: the CLI bulk run, the push webhook, and
// the nightly backfill.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/chunk"
	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/policy"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
	"github.com/uselight/lightopedia/pkg/version"
)

// Summary reports the outcome of one indexing run.
type Summary struct {
	RunID              string   `json:"run_id"`
	Repo               string   `json:"repo"`
	Revision           string   `json:"revision"`
	DocumentsProcessed int      `json:"documents_processed"`
	ChunksCreated      int      `json:"chunks_created"`
	Skipped            int      `json:"skipped"`
	Deleted            int      `json:"deleted"`
	Errors             []string `json:"errors,omitempty"`
}

// PushEvent is the normalized form of a VCS push webhook.
type PushEvent struct {
	Repo     string
	Branch   string
	Revision string
	Added    []string
	Modified []string
	Removed  []string
}

// Indexer wires the ingestion pipeline together.
type Indexer struct {
	store    *store.Store
	embedder embed.Embedder
	fetcher  source.Fetcher
	lockPath string
}

// New builds an Indexer. lockDir, when non-empty, hosts a file lock that
// serializes bulk runs across processes sharing the data directory.
func New(s *store.Store, e embed.Embedder, f source.Fetcher, lockDir string) *Indexer {
	lockPath := ""
	if lockDir != "" {
		lockPath = filepath.Join(lockDir, "index.lock")
	}
	return &Indexer{store: s, embedder: e, fetcher: f, lockPath: lockPath}
}

// IndexFile validates, chunks, embeds, and upserts one file. Returns the
// number of chunks created and whether the file was skipped. A skip with
// force=false happens when the stored revision already matches.
func (ix *Indexer) IndexFile(ctx context.Context, repo, path, content, revision, runID string, force bool) (int, bool, error) {
	if d := policy.ValidateIndex(repo, path); !d.Allowed {
		return 0, false, apperr.Validation(d.Reason)
	}

	if !force {
		same, err := ix.store.HasRevision(ctx, repo, path, revision)
		if err != nil {
			return 0, false, err
		}
		if same {
			slog.Debug("already indexed at this revision",
				slog.String("repo", repo), slog.String("path", path),
				slog.String("revision", revision))
			return 0, true, nil
		}
	}

	chunks := chunk.Split(content, repo+"/"+path)
	if len(chunks) == 0 {
		// Empty or sub-minimum content still counts as processed; any
		// previously stored chunks for the file are cleared.
		article := &store.Article{Repo: repo, Path: path, Revision: revision, Content: content}
		return 0, false, ix.store.UpsertChunks(ctx, article, nil, nil)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, false, err
	}

	now := time.Now().UTC()
	rows := make([]*store.Chunk, len(chunks))
	for i, c := range chunks {
		rows[i] = &store.Chunk{
			ID:             uuid.NewString(),
			Repo:           repo,
			Path:           c.Path,
			Ordinal:        c.Ordinal,
			Content:        c.Text,
			Section:        c.Section,
			Title:          c.Title,
			SourceType:     c.SourceType,
			Revision:       revision,
			IndexRunID:     runID,
			ProgramVersion: version.Pipeline,
			CreatedAt:      now,
		}
	}

	article := &store.Article{
		Repo:      repo,
		Path:      path,
		Title:     chunks[0].Title,
		Revision:  revision,
		Content:   content,
		IndexedAt: now,
	}
	if err := ix.store.UpsertChunks(ctx, article, rows, vectors); err != nil {
		return 0, false, err
	}
	return len(rows), false, nil
}

// IndexRepo indexes every policy-approved file in the repo at the given
// branch (default branch when empty). Per-file errors are accumulated; a
// repo-level validation or auth error aborts the run.
func (ix *Indexer) IndexRepo(ctx context.Context, repo, branch string, force bool) (*Summary, error) {
	if !policy.IsAllowedRepo(repo) {
		return nil, apperr.Validation("repository " + repo + " is not on the indexing allowlist")
	}

	unlock, err := ix.acquireLock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if branch == "" {
		branch, err = ix.fetcher.DefaultBranch(ctx, repo)
		if err != nil {
			return nil, err
		}
	}
	revision, err := ix.fetcher.ResolveRef(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	entries, err := ix.fetcher.ListTree(ctx, repo, revision)
	if err != nil {
		return nil, err
	}

	summary := &Summary{RunID: uuid.NewString(), Repo: repo, Revision: revision}
	started := time.Now()
	slog.Info("index run started",
		slog.String("run_id", summary.RunID),
		slog.String("repo", repo),
		slog.String("revision", revision),
		slog.Int("tree_entries", len(entries)))

	for _, entry := range entries {
		if !policy.ShouldIndex(entry.Path) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		content, err := ix.fetcher.FetchBlob(ctx, repo, entry.BlobID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindAuth {
				// Credential rejection will fail every remaining fetch.
				return summary, err
			}
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
			continue
		}

		created, skipped, err := ix.IndexFile(ctx, repo, entry.Path, string(content), revision, summary.RunID, force)
		switch {
		case err != nil:
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", entry.Path, err))
		case skipped:
			summary.Skipped++
		default:
			summary.DocumentsProcessed++
			summary.ChunksCreated += created
		}
	}

	slog.Info("index run finished",
		slog.String("run_id", summary.RunID),
		slog.Int("documents_processed", summary.DocumentsProcessed),
		slog.Int("chunks_created", summary.ChunksCreated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", len(summary.Errors)),
		slog.Duration("elapsed", time.Since(started)))
	return summary, nil
}

// HandleWebhookPush applies a push delta: changed files that pass policy
// are re-indexed, removed files are purged. Pushes off the default branch
// are ignored.
func (ix *Indexer) HandleWebhookPush(ctx context.Context, event PushEvent) (*Summary, error) {
	if !policy.IsAllowedRepo(event.Repo) {
		return nil, apperr.Validation("repository " + event.Repo + " is not on the indexing allowlist")
	}

	defaultBranch, err := ix.fetcher.DefaultBranch(ctx, event.Repo)
	if err != nil {
		return nil, err
	}
	if event.Branch != defaultBranch {
		slog.Debug("ignoring push off default branch",
			slog.String("repo", event.Repo), slog.String("branch", event.Branch))
		return &Summary{Repo: event.Repo, Revision: event.Revision}, nil
	}

	summary := &Summary{RunID: uuid.NewString(), Repo: event.Repo, Revision: event.Revision}

	changed := append(append([]string{}, event.Added...), event.Modified...)
	for _, path := range changed {
		if !policy.ShouldIndex(path) {
			continue
		}
		content, err := ix.fetcher.FetchRaw(ctx, event.Repo, path, event.Revision)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		created, skipped, err := ix.IndexFile(ctx, event.Repo, path, string(content), event.Revision, summary.RunID, false)
		switch {
		case err != nil:
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", path, err))
		case skipped:
			summary.Skipped++
		default:
			summary.DocumentsProcessed++
			summary.ChunksCreated += created
		}
	}

	for _, path := range event.Removed {
		if !policy.ShouldIndex(path) {
			continue
		}
		removed, err := ix.store.DeleteArticle(ctx, event.Repo, path)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if removed > 0 {
			summary.Deleted++
		}
	}

	slog.Info("webhook push applied",
		slog.String("run_id", summary.RunID),
		slog.String("repo", event.Repo),
		slog.Int("documents_processed", summary.DocumentsProcessed),
		slog.Int("deleted", summary.Deleted),
		slog.Int("errors", len(summary.Errors)))
	return summary, nil
}

func (ix *Indexer) acquireLock() (func(), error) {
	if ix.lockPath == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(ix.lockPath), 0o755); err != nil {
		return nil, apperr.Internal("create lock directory", err)
	}
	lock := flock.New(ix.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, apperr.Internal("acquire index lock", err)
	}
	if !ok {
		return nil, apperr.Validation("another indexing run holds the lock")
	}
	return func() { _ = lock.Unlock() }, nil
}
