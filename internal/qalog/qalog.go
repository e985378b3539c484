// Package qalog persists per-request telemetry and replays past requests.
// Replay re-runs routing and retrieval against the store's current state;
// synthesis is excluded because the external model is not deterministic.
package qalog

import (
	"context"
	"log/slog"

	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/store"
)

// Recorder writes request logs. Failures are logged, never propagated; a
// telemetry outage must not fail a served answer.
type Recorder struct {
	store *store.Store
}

// NewRecorder builds a Recorder over the shared store.
func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record persists one request log row.
func (r *Recorder) Record(ctx context.Context, entry *store.QALog) {
	if err := r.store.SaveQALog(ctx, entry); err != nil {
		slog.Error("qa log write failed",
			slog.String("request_id", entry.RequestID),
			slog.String("error", err.Error()))
	}
}

// Feedback persists a user verdict on an answered request.
func (r *Recorder) Feedback(ctx context.Context, f *store.Feedback) error {
	return r.store.SaveFeedback(ctx, f)
}

// Result is a replayed request: the persisted row plus fresh route and
// retrieval outcomes computed with the current pinned program versions.
type Result struct {
	Original *store.QALog    `json:"original"`
	Route    route.Decision  `json:"route"`
	Pack     *retrieval.Pack `json:"retrieval"`
}

// Replayer re-executes routing and retrieval for a logged request.
type Replayer struct {
	store  *store.Store
	router *route.Router
	engine *retrieval.Engine
}

// NewReplayer builds a Replayer over the shared components.
func NewReplayer(s *store.Store, router *route.Router, engine *retrieval.Engine) *Replayer {
	return &Replayer{store: s, router: router, engine: engine}
}

// Replay loads the persisted request and re-runs route and retrieve on its
// question.
func (r *Replayer) Replay(ctx context.Context, requestID string) (*Result, error) {
	original, err := r.store.GetQALog(ctx, requestID)
	if err != nil {
		return nil, err
	}

	decision := r.router.Route(ctx, route.Input{Question: original.Question})
	pack := r.engine.Retrieve(ctx, original.Question, decision)

	slog.Info("request replayed",
		slog.String("request_id", requestID),
		slog.String("original_route_version", original.RouteVersion),
		slog.String("replay_route_version", decision.Version),
		slog.String("mode", string(decision.Mode)),
		slog.Int("candidates", len(pack.Candidates)))

	return &Result{Original: original, Route: decision, Pack: pack}, nil
}
