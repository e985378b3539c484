// Package ask is the request pipeline: route, retrieve, run the agent,
// guard, assemble, log. It is the single entry point every inbound surface
// (HTTP API, chat shell, debug replay) calls into.
package ask

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/uselight/lightopedia/internal/agent"
	"github.com/uselight/lightopedia/internal/answer"
	"github.com/uselight/lightopedia/internal/guard"
	"github.com/uselight/lightopedia/internal/qalog"
	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/store"
)

// Request is one inbound question with its conversational context.
type Request struct {
	Question      string
	TeamID        string
	UserID        string
	ChannelID     string
	ThreadTS      string
	ChannelType   string // dm or channel
	ThreadHistory []route.HistoryMessage
	Attachments   []agent.Attachment
}

// Service wires the pipeline stages. Construct once, share across
// requests.
type Service struct {
	router   *route.Router
	engine   *retrieval.Engine
	agent    *agent.Agent
	recorder *qalog.Recorder
}

// New builds the pipeline service.
func New(router *route.Router, engine *retrieval.Engine, ag *agent.Agent, recorder *qalog.Recorder) *Service {
	return &Service{router: router, engine: engine, agent: ag, recorder: recorder}
}

// HandleQuestion runs the full pipeline for one question. It always
// returns an Answer; internal failures surface as the generic error
// response carrying the request id.
func (s *Service) HandleQuestion(ctx context.Context, req Request) *answer.Answer {
	requestID := uuid.NewString()
	started := time.Now()
	logger := slog.With(slog.String("request_id", requestID))

	entry := &store.QALog{
		RequestID: requestID,
		TeamID:    req.TeamID,
		ChannelID: req.ChannelID,
		ThreadTS:  req.ThreadTS,
		Question:  req.Question,
	}
	defer func() {
		entry.LatencyMS = time.Since(started).Milliseconds()
		s.recorder.Record(context.WithoutCancel(ctx), entry)
	}()

	decision := s.router.Route(ctx, route.Input{
		Question:        req.Question,
		ChannelType:     req.ChannelType,
		ThreadHistory:   req.ThreadHistory,
		AttachmentHints: attachmentNames(req.Attachments),
	})
	entry.RouteVersion = decision.Version
	entry.RouteMode = string(decision.Mode)
	entry.RouteConfidence = decision.Confidence
	entry.RouteHints = decision.QueryHints
	logger.Info("question routed",
		slog.String("mode", string(decision.Mode)),
		slog.String("confidence", decision.Confidence),
		slog.Bool("used_classifier", decision.UsedClassifier))

	switch decision.Mode {
	case route.ModeOutOfScope:
		a := answer.MissingContext(requestID, nil)
		entry.FinalAnswer = a.Summary
		entry.Confidence = a.Confidence
		return a
	case route.ModeClarify:
		a := clarifyAnswer(requestID, decision)
		entry.FinalAnswer = a.Summary
		entry.Confidence = a.Confidence
		return a
	}

	pack := s.engine.Retrieve(ctx, req.Question, decision)
	entry.RetrievalVersion = pack.Version
	entry.RetrievalQueries = pack.Queries
	entry.CandidateCount = len(pack.Candidates)
	entry.TimedOut = pack.TimedOut
	entry.TopSimilarities = topSimilarities(pack, 5)
	logger.Info("evidence retrieved",
		slog.Int("candidates", len(pack.Candidates)),
		slog.Bool("confident", pack.Confident),
		slog.Bool("degraded", pack.Degraded),
		slog.Int("timed_out", pack.TimedOut))

	result, err := s.agent.Run(ctx, req.Question, decision, req.ThreadHistory, req.Attachments)
	if err != nil {
		logger.Error("agent loop failed", slog.String("error", err.Error()))
		a := answer.Errored(requestID)
		entry.FinalAnswer = a.Summary
		entry.Confidence = a.Confidence
		return a
	}
	entry.FetchedURLs = result.FetchedURLs
	entry.DraftAnswer = result.Draft
	if result.Escalation != nil {
		entry.Escalation = result.Escalation.RequestType + ": " + result.Escalation.Title
	}

	outcome := guard.Run(requestID, result.Draft, result.FetchedURLs)

	a := answer.Assemble(requestID, outcome.Text, result.Fetched, outcome.Downgraded, result.Escalation)
	entry.FinalAnswer = a.Summary
	entry.Confidence = a.Confidence
	entry.Citations = guard.Citations(a.Summary)

	logger.Info("answer assembled",
		slog.String("confidence", a.Confidence),
		slog.Int("sources", len(a.Sources)),
		slog.Int("iterations", result.Iterations),
		slog.Duration("latency", time.Since(started)))
	return a
}

// Replay exposes route+retrieve for the debug endpoint without synthesis.
func (s *Service) Replay(ctx context.Context, question string, history []route.HistoryMessage) (route.Decision, *retrieval.Pack) {
	decision := s.router.Route(ctx, route.Input{Question: question, ThreadHistory: history})
	if decision.Mode == route.ModeOutOfScope || decision.Mode == route.ModeClarify {
		return decision, &retrieval.Pack{Version: decision.Version}
	}
	return decision, s.engine.Retrieve(ctx, question, decision)
}

func clarifyAnswer(requestID string, decision route.Decision) *answer.Answer {
	var sb strings.Builder
	sb.WriteString("I need a bit more detail to answer this.")
	if len(decision.MissingInfo) > 0 {
		sb.WriteString(" Specifically: ")
		sb.WriteString(strings.Join(decision.MissingInfo, "; "))
		sb.WriteString(".")
	}
	fmt.Fprintf(&sb, " (request ID %s)", requestID)
	return &answer.Answer{
		Summary:    sb.String(),
		Confidence: answer.ConfidenceNeedsClarification,
		RequestID:  requestID,
	}
}

func attachmentNames(attachments []agent.Attachment) []string {
	if len(attachments) == 0 {
		return nil
	}
	names := make([]string, len(attachments))
	for i, a := range attachments {
		names[i] = a.Name
	}
	return names
}

func topSimilarities(pack *retrieval.Pack, n int) []float64 {
	if len(pack.Candidates) < n {
		n = len(pack.Candidates)
	}
	sims := make([]float64, n)
	for i := 0; i < n; i++ {
		sims[i] = pack.Candidates[i].Final
	}
	return sims
}
