// Package route classifies incoming questions into answering modes. The
// heuristic pass is authoritative when confident; otherwise a fast model
// classifier breaks the tie. The router never fails: any classifier error
// degrades to capability_docs with low confidence.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/pkg/version"
)

// Mode is an answering policy.
type Mode string

const (
	ModeCapabilityDocs  Mode = "capability_docs"
	ModeEnablementSales Mode = "enablement_sales"
	ModeOnboardingHowto Mode = "onboarding_howto"
	ModeFollowup        Mode = "followup"
	ModeClarify         Mode = "clarify"
	ModeOutOfScope      Mode = "out_of_scope"
)

var allModes = map[Mode]struct{}{
	ModeCapabilityDocs:  {},
	ModeEnablementSales: {},
	ModeOnboardingHowto: {},
	ModeFollowup:        {},
	ModeClarify:         {},
	ModeOutOfScope:      {},
}

// Confidence levels for a route decision.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// HistoryMessage is one prior thread message.
type HistoryMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Input is everything the router sees for one question.
type Input struct {
	Question        string
	ChannelType     string
	ThreadHistory   []HistoryMessage
	AttachmentHints []string
}

// Decision is the routing outcome.
type Decision struct {
	Mode            Mode     `json:"mode"`
	Confidence      string   `json:"confidence"`
	QueryHints      []string `json:"query_hints,omitempty"`
	MissingInfo     []string `json:"missing_info,omitempty"`
	FollowupContext string   `json:"followup_context,omitempty"`
	Version         string   `json:"version"`
	UsedClassifier  bool     `json:"used_classifier"`
}

const cacheSize = 512

// Router routes questions. Safe for concurrent use.
type Router struct {
	llm   *llm.Client
	cache *lru.Cache[string, Decision]
}

// New builds a Router over the shared completion client.
func New(client *llm.Client) *Router {
	cache, _ := lru.New[string, Decision](cacheSize)
	return &Router{llm: client, cache: cache}
}

var modePatterns = map[Mode][]string{
	ModeCapabilityDocs: {
		"can light", "does light", "is light able", "is it possible",
		"do you support", "does it support", "supported", "feature",
		"capability", "integrate with", "integration", "handle",
	},
	ModeEnablementSales: {
		"pitch", "customer", "prospect", "objection", "pricing", "pricing tier",
		"competitor", "sales", "demo", "talk track", "positioning", "win",
		"deal", "battlecard",
	},
	ModeOnboardingHowto: {
		"how do i", "how to", "how can i", "set up", "setup", "configure",
		"getting started", "enable", "activate", "where do i", "step by step",
		"connect my",
	},
}

var outOfScopePatterns = []*regexp.Regexp{
	regexp.MustCompile(`what happens when`),
	regexp.MustCompile(`retry (logic|behavior|behaviour)`),
	regexp.MustCompile(`why did this`),
	regexp.MustCompile(`stack ?trace`),
	regexp.MustCompile(`source code`),
	regexp.MustCompile(`under the hood`),
	regexp.MustCompile(`race condition`),
	regexp.MustCompile(`\w+\.\w+\(`),
	regexp.MustCompile(`exception|nullpointer|segfault`),
	regexp.MustCompile(`database (schema|query|migration)`),
}

var followupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(what|how|and|also|it|that|this|those|they|there)\b`),
	regexp.MustCompile(`^(why|really|ok(ay)?|thanks?|more)\??$`),
	regexp.MustCompile(`\b(about (that|this|it)|the same|as well|too)\b`),
}

var interrogativePattern = regexp.MustCompile(
	`\b(what|how|why|when|where|who|which|can|could|does|do|is|are|will|would|should)\b`)

const shortFollowupChars = 30
const clarifyMinChars = 15

// Route classifies one question. It never returns an error.
func (r *Router) Route(ctx context.Context, in Input) Decision {
	question := strings.TrimSpace(in.Question)
	lower := strings.ToLower(question)

	cacheable := len(in.ThreadHistory) == 0 && len(in.AttachmentHints) == 0
	if cacheable {
		if d, ok := r.cache.Get(lower); ok {
			return d
		}
	}

	d := r.classify(ctx, question, lower, in)
	d.QueryHints = ExtractHints(question, in.AttachmentHints)
	d.Version = version.Router

	if cacheable {
		r.cache.Add(lower, d)
	}
	return d
}

func (r *Router) classify(ctx context.Context, question, lower string, in Input) Decision {
	// Short follow-up in a live thread.
	if len(question) < shortFollowupChars && len(in.ThreadHistory) > 0 && matchesAny(followupPatterns, lower) {
		return Decision{
			Mode:            ModeFollowup,
			Confidence:      ConfidenceHigh,
			FollowupContext: lastUserText(in.ThreadHistory),
		}
	}

	// Deep behavioural questions are out of scope regardless of other
	// signals.
	if countMatches(outOfScopePatterns, lower) >= 2 {
		return Decision{Mode: ModeOutOfScope, Confidence: ConfidenceHigh}
	}

	// Ambiguity gate.
	if missing := ambiguityOf(question, lower); len(missing) > 0 {
		return Decision{Mode: ModeClarify, Confidence: ConfidenceHigh, MissingInfo: missing}
	}

	// Heuristic mode scoring.
	best, runnerUp := Mode(""), 0
	bestScore := 0
	for mode, patterns := range modePatterns {
		score := 0
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore, runnerUp = mode, score, bestScore
		} else if score > runnerUp {
			runnerUp = score
		}
	}
	if bestScore > 0 {
		margin := bestScore - runnerUp
		switch {
		case margin >= 2:
			return Decision{Mode: best, Confidence: ConfidenceHigh}
		case margin == 1:
			return Decision{Mode: best, Confidence: ConfidenceMedium}
		}
	}

	return r.classifyWithModel(ctx, question, in)
}

// classifyWithModel asks the fast model tier for a mode. The prompt forbids
// answering; output is validated against the mode set.
func (r *Router) classifyWithModel(ctx context.Context, question string, in Input) Decision {
	fallback := Decision{Mode: ModeCapabilityDocs, Confidence: ConfidenceLow, UsedClassifier: true}

	var sb strings.Builder
	sb.WriteString("You are a query classifier for an internal product QA assistant. ")
	sb.WriteString("Classify the question into exactly one mode. Do not answer the question. ")
	sb.WriteString("Modes: capability_docs (product capability questions), ")
	sb.WriteString("enablement_sales (sales positioning and customer conversations), ")
	sb.WriteString("onboarding_howto (setup and configuration steps), ")
	sb.WriteString("followup (depends on earlier thread messages), ")
	sb.WriteString("clarify (too vague to answer), ")
	sb.WriteString("out_of_scope (internal code or system behaviour questions). ")
	sb.WriteString(`Respond with JSON only: {"mode": "...", "confidence": "high|medium|low"}`)

	user := question
	if n := len(in.ThreadHistory); n > 0 {
		user += fmt.Sprintf("\n\n(thread has %d earlier messages)", n)
	}

	resp, err := r.llm.Chat(ctx, llm.ChatRequest{
		Model:       llm.FastModel,
		Temperature: 0,
		MaxTokens:   60,
		JSONOnly:    true,
		Messages: []llm.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		slog.Warn("route classifier call failed", slog.String("error", err.Error()))
		return fallback
	}

	var out struct {
		Mode       string `json:"mode"`
		Confidence string `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		slog.Warn("route classifier returned malformed JSON", slog.String("content", resp.Content))
		return fallback
	}
	mode := Mode(out.Mode)
	if _, ok := allModes[mode]; !ok {
		slog.Warn("route classifier returned unknown mode", slog.String("mode", out.Mode))
		return fallback
	}
	conf := out.Confidence
	if conf != ConfidenceHigh && conf != ConfidenceMedium && conf != ConfidenceLow {
		conf = ConfidenceLow
	}
	return Decision{Mode: mode, Confidence: conf, UsedClassifier: true}
}

// ambiguityOf returns the reasons a question needs clarification, or nil.
func ambiguityOf(question, lower string) []string {
	var missing []string
	if len(question) < clarifyMinChars {
		missing = append(missing, "question is too short to act on")
	}
	if !strings.Contains(question, "?") && !interrogativePattern.MatchString(lower) {
		missing = append(missing, "no question detected")
	}
	if hasUnresolvableOr(lower) {
		missing = append(missing, "multiple alternatives, unclear which one is asked about")
	}
	return missing
}

var orBranchPattern = regexp.MustCompile(`\b\w+ or \w+\b`)

// hasUnresolvableOr flags bare "x or y" fragments with no interrogative
// framing around them.
func hasUnresolvableOr(lower string) bool {
	return orBranchPattern.MatchString(lower) && !interrogativePattern.MatchString(lower)
}

func lastUserText(history []HistoryMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Text
		}
	}
	if len(history) > 0 {
		return history[len(history)-1].Text
	}
	return ""
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(s) {
			n++
		}
	}
	return n
}
