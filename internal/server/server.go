// Package server exposes the HTTP surface: the authenticated ask/feedback
// API, the GitHub push webhook, and unauthenticated health and debug
// endpoints.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/uselight/lightopedia/internal/agent"
	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/ask"
	"github.com/uselight/lightopedia/internal/indexer"
	"github.com/uselight/lightopedia/internal/qalog"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/store"
	"github.com/uselight/lightopedia/pkg/version"
)

// Config holds the HTTP-surface settings.
type Config struct {
	// APIKeys are the accepted bearer tokens for /api/v1. Empty disables
	// the API endpoints.
	APIKeys []string

	// WebhookSecret enables HMAC verification of push webhooks when set.
	WebhookSecret string

	// RateLimitPerMinute is the fixed-window per-key request budget.
	RateLimitPerMinute int
}

// Server owns the gin router and its dependencies.
type Server struct {
	cfg      Config
	svc      *ask.Service
	recorder *qalog.Recorder
	replayer *qalog.Replayer
	indexer  *indexer.Indexer
	limiter  *rateLimiter

	// indexPush dispatches webhook-triggered indexing. Asynchronous in
	// production so the webhook can be acknowledged within GitHub's
	// delivery timeout.
	indexPush func(event indexer.PushEvent)
}

// New builds the server. The indexer may be nil for query-only deployments;
// the webhook then answers 503.
func New(cfg Config, svc *ask.Service, recorder *qalog.Recorder, replayer *qalog.Replayer, ix *indexer.Indexer) *Server {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 30
	}
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		recorder: recorder,
		replayer: replayer,
		indexer:  ix,
		limiter:  newRateLimiter(cfg.RateLimitPerMinute),
	}
	s.indexPush = func(event indexer.PushEvent) {
		go func() {
			if _, err := ix.HandleWebhookPush(context.Background(), event); err != nil {
				slog.Error("webhook indexing failed",
					slog.String("repo", event.Repo),
					slog.String("error", err.Error()))
			}
		}()
	}
	return s
}

// Router assembles the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		requestID := uuid.NewString()
		slog.Error("handler panic",
			slog.String("request_id", requestID),
			slog.String("path", c.Request.URL.Path),
			slog.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "internal error",
			"request_id": requestID,
		})
	}))
	r.Use(requestLogger(), cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/debug/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version.GetInfo())
	})
	r.POST("/debug/replay", s.handleReplay)
	r.POST("/webhooks/github", s.handleWebhook)

	api := r.Group("/api/v1", s.authenticate, s.rateLimit)
	api.POST("/ask", s.handleAsk)
	api.POST("/feedback", s.handleFeedback)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type askRequest struct {
	Question      string                 `json:"question" binding:"required"`
	TeamID        string                 `json:"team_id"`
	UserID        string                 `json:"user_id"`
	ChannelID     string                 `json:"channel_id"`
	ThreadTS      string                 `json:"thread_ts"`
	ChannelType   string                 `json:"channel_type"`
	ThreadHistory []route.HistoryMessage `json:"thread_history"`
	Attachments   []agent.Attachment     `json:"attachments"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	a := s.svc.HandleQuestion(c.Request.Context(), ask.Request{
		Question:      req.Question,
		TeamID:        req.TeamID,
		UserID:        req.UserID,
		ChannelID:     req.ChannelID,
		ThreadTS:      req.ThreadTS,
		ChannelType:   req.ChannelType,
		ThreadHistory: req.ThreadHistory,
		Attachments:   req.Attachments,
	})
	c.JSON(http.StatusOK, a)
}

type feedbackRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Label     string `json:"label" binding:"required"`
	UserID    string `json:"user_id"`
	Source    string `json:"source"`
	Comment   string `json:"comment"`
}

var feedbackLabels = map[string]struct{}{
	"helpful":       {},
	"not_helpful":   {},
	"needs_context": {},
}

func (s *Server) handleFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and label are required"})
		return
	}
	if _, ok := feedbackLabels[req.Label]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label must be helpful, not_helpful, or needs_context"})
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	err := s.recorder.Feedback(c.Request.Context(), &store.Feedback{
		RequestID: req.RequestID,
		Label:     req.Label,
		UserID:    req.UserID,
		Source:    req.Source,
		Comment:   req.Comment,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feedback write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type replayRequest struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`
}

// handleReplay re-runs route+retrieve for a logged request id or an ad-hoc
// question. Synthesis is never replayed.
func (s *Server) handleReplay(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.RequestID == "" && req.Question == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id or question is required"})
		return
	}

	if req.RequestID != "" {
		res, err := s.replayer.Replay(c.Request.Context(), req.RequestID)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "replay failed"})
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	decision, pack := s.svc.Replay(c.Request.Context(), req.Question, nil)
	c.JSON(http.StatusOK, gin.H{"route": decision, "retrieval": pack})
}

// pushPayload is the subset of GitHub's push event the webhook consumes.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []struct {
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	if s.indexer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "indexing is not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if s.cfg.WebhookSecret != "" {
		sig := c.GetHeader("X-Hub-Signature-256")
		if !verifySignature(s.cfg.WebhookSecret, body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
			return
		}
	}

	if event := c.GetHeader("X-GitHub-Event"); event != "push" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "event": event})
		return
	}

	pe, err := parsePushEvent(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.indexPush(pe)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "repo": pe.Repo, "revision": pe.Revision})
}

// parsePushEvent flattens commit file lists into one PushEvent. A path both
// removed and re-added within the push lands in the modified set.
func parsePushEvent(body []byte) (indexer.PushEvent, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return indexer.PushEvent{}, errors.New("malformed push payload")
	}
	if p.Repository.FullName == "" || p.Ref == "" {
		return indexer.PushEvent{}, errors.New("push payload missing repository or ref")
	}

	added := map[string]struct{}{}
	modified := map[string]struct{}{}
	removed := map[string]struct{}{}
	for _, commit := range p.Commits {
		for _, f := range commit.Added {
			delete(removed, f)
			added[f] = struct{}{}
		}
		for _, f := range commit.Modified {
			modified[f] = struct{}{}
		}
		for _, f := range commit.Removed {
			if _, ok := added[f]; ok {
				delete(added, f)
				modified[f] = struct{}{}
				continue
			}
			removed[f] = struct{}{}
		}
	}

	return indexer.PushEvent{
		Repo:     p.Repository.FullName,
		Branch:   strings.TrimPrefix(p.Ref, "refs/heads/"),
		Revision: p.After,
		Added:    keysOf(added),
		Modified: keysOf(modified),
		Removed:  keysOf(removed),
	}, nil
}

func verifySignature(secret string, body []byte, header string) bool {
	want, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	got := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authenticate checks the bearer token against the configured key list.
func (s *Server) authenticate(c *gin.Context) {
	if len(s.cfg.APIKeys) == 0 {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "api is not configured"})
		return
	}

	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	for _, key := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			c.Set("api_key", key)
			c.Next()
			return
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
}

func (s *Server) rateLimit(c *gin.Context) {
	key, _ := c.Get("api_key")
	keyStr, _ := key.(string)
	if !s.limiter.allow(keyStr) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		slog.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(started)))
	}
}

func keysOf(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
