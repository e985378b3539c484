// Package store is the durable persistence layer: article and chunk rows in
// SQLite, chunk vectors in an HNSW graph, and chunk text in a bleve keyword
// index. All three are updated together so a chunk is either fully
// searchable or absent.
package store

import (
	"fmt"
	"time"
)

// Article is an indexed markdown document at its current revision. At most
// one revision per (repo, path) is current.
type Article struct {
	Repo      string
	Path      string
	Title     string
	Revision  string
	Content   string
	IndexedAt time.Time
}

// Chunk is a stored retrieval unit.
type Chunk struct {
	ID             string
	Repo           string
	Path           string
	Ordinal        int
	Content        string
	Section        string
	Title          string
	SourceType     string
	Revision       string
	IndexRunID     string
	ProgramVersion string
	CreatedAt      time.Time
}

// MatchResult is a single similarity or keyword hit, hydrated with the
// chunk row and its metadata.
type MatchResult struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float64
}

// MetadataOf builds the per-chunk metadata map persisted alongside each
// search hit.
func MetadataOf(c *Chunk) map[string]string {
	return map[string]string{
		"source_type":               c.SourceType,
		"repo_slug":                 c.Repo,
		"path":                      c.Path,
		"section":                   c.Section,
		"title":                     c.Title,
		"commit_sha":                c.Revision,
		"index_run_id":              c.IndexRunID,
		"retrieval_program_version": c.ProgramVersion,
	}
}

// QALog is one persisted request, sufficient to replay routing and
// retrieval.
type QALog struct {
	RequestID        string
	TeamID           string
	ChannelID        string
	ThreadTS         string
	Question         string
	RouteVersion     string
	RouteMode        string
	RouteConfidence  string
	RouteHints       []string
	RetrievalVersion string
	RetrievalQueries []string
	CandidateCount   int
	TopSimilarities  []float64
	TimedOut         int
	FetchedURLs      []string
	DraftAnswer      string
	FinalAnswer      string
	Citations        []string
	Confidence       string
	Escalation       string
	LatencyMS        int64
	CreatedAt        time.Time
}

// Feedback is a user verdict on an answer.
type Feedback struct {
	RequestID string
	Label     string // helpful, not_helpful, needs_context
	UserID    string
	Source    string // button, reaction, api
	Comment   string
	CreatedAt time.Time
}

// ErrDimensionMismatch indicates a vector of the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
