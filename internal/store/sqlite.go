package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/uselight/lightopedia/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS articles (
	repo        TEXT NOT NULL,
	path        TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	revision    TEXT NOT NULL,
	content     TEXT NOT NULL,
	indexed_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (repo, path)
);

CREATE TABLE IF NOT EXISTS chunks (
	id               TEXT PRIMARY KEY,
	repo             TEXT NOT NULL,
	path             TEXT NOT NULL,
	ordinal          INTEGER NOT NULL,
	content          TEXT NOT NULL,
	section          TEXT NOT NULL DEFAULT '',
	title            TEXT NOT NULL DEFAULT '',
	source_type      TEXT NOT NULL,
	revision         TEXT NOT NULL,
	index_run_id     TEXT NOT NULL,
	program_version  TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	FOREIGN KEY (repo, path) REFERENCES articles(repo, path) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_repo_path ON chunks(repo, path);
CREATE INDEX IF NOT EXISTS idx_chunks_run ON chunks(index_run_id);

CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id  TEXT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	dim       INTEGER NOT NULL,
	vector    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS qa_logs (
	request_id         TEXT PRIMARY KEY,
	team_id            TEXT NOT NULL DEFAULT '',
	channel_id         TEXT NOT NULL DEFAULT '',
	thread_ts          TEXT NOT NULL DEFAULT '',
	question           TEXT NOT NULL,
	route_version      TEXT NOT NULL,
	route_mode         TEXT NOT NULL,
	route_confidence   TEXT NOT NULL,
	route_hints        TEXT NOT NULL DEFAULT '[]',
	retrieval_version  TEXT NOT NULL,
	retrieval_queries  TEXT NOT NULL DEFAULT '[]',
	candidate_count    INTEGER NOT NULL DEFAULT 0,
	top_similarities   TEXT NOT NULL DEFAULT '[]',
	timed_out          INTEGER NOT NULL DEFAULT 0,
	fetched_urls       TEXT NOT NULL DEFAULT '[]',
	draft_answer       TEXT NOT NULL DEFAULT '',
	final_answer       TEXT NOT NULL DEFAULT '',
	citations          TEXT NOT NULL DEFAULT '[]',
	confidence         TEXT NOT NULL DEFAULT '',
	escalation         TEXT NOT NULL DEFAULT '',
	latency_ms         INTEGER NOT NULL DEFAULT 0,
	created_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL,
	label       TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
`

// openDB opens (or creates) the SQLite database at path and applies the
// schema. An empty path opens an in-memory database.
func openDB(path string) (*sql.DB, error) {
	dsn := path
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; modernc.org/sqlite serializes anyway and a pool of
	// one avoids lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// modernc.org/sqlite ignores DSN pragma params, so set them explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// encodeVector serializes a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector deserializes a little-endian float32 vector.
func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func unmarshalFloats(s string) []float64 {
	var out []float64
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// saveQALog inserts one request log row.
func saveQALog(ctx context.Context, db *sql.DB, l *QALog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO qa_logs (
			request_id, team_id, channel_id, thread_ts, question,
			route_version, route_mode, route_confidence, route_hints,
			retrieval_version, retrieval_queries, candidate_count,
			top_similarities, timed_out, fetched_urls, draft_answer,
			final_answer, citations, confidence, escalation, latency_ms,
			created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.RequestID, l.TeamID, l.ChannelID, l.ThreadTS, l.Question,
		l.RouteVersion, l.RouteMode, l.RouteConfidence, marshalJSON(l.RouteHints),
		l.RetrievalVersion, marshalJSON(l.RetrievalQueries), l.CandidateCount,
		marshalJSON(l.TopSimilarities), l.TimedOut, marshalJSON(l.FetchedURLs),
		l.DraftAnswer, l.FinalAnswer, marshalJSON(l.Citations), l.Confidence,
		l.Escalation, l.LatencyMS, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert qa log: %w", err)
	}
	return nil
}

// getQALog fetches one request log by ID.
func getQALog(ctx context.Context, db *sql.DB, requestID string) (*QALog, error) {
	row := db.QueryRowContext(ctx, `
		SELECT request_id, team_id, channel_id, thread_ts, question,
			route_version, route_mode, route_confidence, route_hints,
			retrieval_version, retrieval_queries, candidate_count,
			top_similarities, timed_out, fetched_urls, draft_answer,
			final_answer, citations, confidence, escalation, latency_ms,
			created_at
		FROM qa_logs WHERE request_id = ?`, requestID)

	var l QALog
	var hints, queries, sims, urls, cites string
	err := row.Scan(&l.RequestID, &l.TeamID, &l.ChannelID, &l.ThreadTS,
		&l.Question, &l.RouteVersion, &l.RouteMode, &l.RouteConfidence, &hints,
		&l.RetrievalVersion, &queries, &l.CandidateCount, &sims, &l.TimedOut,
		&urls, &l.DraftAnswer, &l.FinalAnswer, &cites, &l.Confidence,
		&l.Escalation, &l.LatencyMS, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(fmt.Sprintf("request %s not found", requestID))
	}
	if err != nil {
		return nil, fmt.Errorf("query qa log: %w", err)
	}
	l.RouteHints = unmarshalStrings(hints)
	l.RetrievalQueries = unmarshalStrings(queries)
	l.TopSimilarities = unmarshalFloats(sims)
	l.FetchedURLs = unmarshalStrings(urls)
	l.Citations = unmarshalStrings(cites)
	return &l, nil
}

// saveFeedback appends one feedback row.
func saveFeedback(ctx context.Context, db *sql.DB, f *Feedback) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO feedback (request_id, label, user_id, source, comment, created_at)
		VALUES (?,?,?,?,?,?)`,
		f.RequestID, f.Label, f.UserID, f.Source, f.Comment, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// listFeedback returns feedback rows for a request, oldest first.
func listFeedback(ctx context.Context, db *sql.DB, requestID string) ([]Feedback, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT request_id, label, user_id, source, comment, created_at
		FROM feedback WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.RequestID, &f.Label, &f.UserID, &f.Source, &f.Comment, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
