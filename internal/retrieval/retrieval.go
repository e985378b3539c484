// Package retrieval turns a routed question into an EvidencePack: the
// ranked chunks a synthesis pass may cite. Retrieval never fails; every
// degraded path narrows recall and is recorded in the pack metadata.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/store"
	"github.com/uselight/lightopedia/pkg/version"
)

// Scoring and fanout constants. These are pinned; changing any of them
// requires a retrieval version bump.
const (
	// SMin is the minimum combined similarity a candidate must reach.
	SMin = 0.42

	// MaxQueries bounds the expanded query set, original included.
	MaxQueries = 7

	// DefaultVectorK and DefaultKeywordK are the per-query fanout limits.
	DefaultVectorK  = 8
	DefaultKeywordK = 8

	// DefaultRPCTimeout is the per-call budget for vector and keyword RPCs.
	DefaultRPCTimeout = 5 * time.Second

	vectorWeight  = 0.7
	keywordWeight = 0.3

	// keywordBoost is added when a chunk contains enough question terms.
	keywordBoost     = 0.05
	boostMinTermHits = 2

	rerankWeight = 0.6
	hybridWeight = 0.4

	// RMin is the minimum average rerank score for a confident pack.
	RMin = 4.0

	// MinPackTokens is the minimum estimated token mass for a confident
	// pack.
	MinPackTokens = 120
)

// Candidate is one scored chunk.
type Candidate struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Metadata     map[string]string `json:"metadata"`
	VectorSim    float64           `json:"vector_similarity"`
	KeywordScore float64           `json:"keyword_score"`
	Combined     float64           `json:"combined_score"`
	RerankScore  float64           `json:"rerank_score,omitempty"`
	Final        float64           `json:"final_score"`
}

// Pack is the retrieval outcome for one request.
type Pack struct {
	Candidates []Candidate `json:"candidates"`
	Queries    []string    `json:"queries"`
	Confident  bool        `json:"confident"`
	Degraded   bool        `json:"degraded"`
	Reranked   bool        `json:"reranked"`
	TimedOut   int         `json:"timed_out"`
	Version    string      `json:"version"`
}

// Searcher is the slice of the store retrieval needs.
type Searcher interface {
	MatchDocs(ctx context.Context, query []float32, k int) ([]store.MatchResult, error)
	SearchKeyword(ctx context.Context, query string, k int) ([]store.MatchResult, error)
}

// Engine executes hybrid retrieval. Safe for concurrent use.
type Engine struct {
	searcher Searcher
	embedder embed.Embedder
	llm      *llm.Client

	VectorK    int
	KeywordK   int
	RPCTimeout time.Duration
}

// New builds an Engine with default fanout and timeouts.
func New(s Searcher, e embed.Embedder, c *llm.Client) *Engine {
	return &Engine{
		searcher:   s,
		embedder:   e,
		llm:        c,
		VectorK:    DefaultVectorK,
		KeywordK:   DefaultKeywordK,
		RPCTimeout: DefaultRPCTimeout,
	}
}

// Retrieve builds the evidence pack for a routed question. It never
// returns an error; failures degrade the pack instead.
func (e *Engine) Retrieve(ctx context.Context, question string, decision route.Decision) *Pack {
	pack := &Pack{Version: version.Retrieval}

	queries := e.expandQueries(ctx, question, decision)
	pack.Queries = queries

	vectorByID, keywordByID, timedOut, vectorAlive := e.fanOut(ctx, queries)
	pack.TimedOut = timedOut
	pack.Degraded = !vectorAlive

	candidates := merge(vectorByID, keywordByID, pack.Degraded)
	candidates = filterAndBoost(candidates, question)
	candidates = e.rerank(ctx, question, candidates, pack)

	pack.Candidates = candidates
	pack.Confident = e.confident(pack)
	return pack
}

// expandQueries asks the fast model for extra keyword queries phrased with
// Light's domain synonyms. The original question always leads; router
// hints pad the set when the model is unavailable.
func (e *Engine) expandQueries(ctx context.Context, question string, decision route.Decision) []string {
	queries := []string{question}
	seen := map[string]struct{}{strings.ToLower(question): {}}
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || len(queries) >= MaxQueries {
			return
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
	}

	prompt := "Rewrite the question into 3 short keyword search queries for Light's help articles. " +
		"Use Light's vocabulary: customers say contracts, Light says bills; " +
		"expenses are called spend; suppliers are vendors. " +
		"Return one query per line, nothing else."
	user := question
	if len(decision.QueryHints) > 0 {
		user += "\nHints: " + strings.Join(decision.QueryHints, ", ")
	}

	resp, err := e.llm.Chat(ctx, llm.ChatRequest{
		Model:       llm.FastModel,
		Temperature: 0,
		MaxTokens:   120,
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		slog.Warn("query expansion failed", slog.String("error", err.Error()))
	} else {
		for _, line := range strings.Split(resp.Content, "\n") {
			add(strings.Trim(line, "-•* \t"))
		}
	}

	for _, hint := range decision.QueryHints {
		add(hint)
	}
	return queries
}

// fanOut runs vector and keyword searches for every query in parallel.
// Per-call failures are counted, never propagated.
func (e *Engine) fanOut(ctx context.Context, queries []string) (map[string]store.MatchResult, map[string]store.MatchResult, int, bool) {
	var mu sync.Mutex
	vectorByID := make(map[string]store.MatchResult)
	keywordByID := make(map[string]store.MatchResult)
	timedOut := 0
	vectorOK := 0

	vectors, err := e.embedder.Embed(ctx, queries)
	if err != nil {
		slog.Warn("query embedding failed, vector path degraded", slog.String("error", err.Error()))
		timedOut += len(queries)
		vectors = nil
	}

	var g errgroup.Group
	for i := range queries {
		query := queries[i]
		if vectors != nil {
			vec := vectors[i]
			g.Go(func() error {
				callCtx, cancel := context.WithTimeout(ctx, e.RPCTimeout)
				defer cancel()
				hits, err := e.searcher.MatchDocs(callCtx, vec, e.VectorK)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					timedOut++
					return nil
				}
				vectorOK++
				for _, h := range hits {
					if prev, ok := vectorByID[h.ID]; !ok || h.Similarity > prev.Similarity {
						vectorByID[h.ID] = h
					}
				}
				return nil
			})
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.RPCTimeout)
			defer cancel()
			hits, err := e.searcher.SearchKeyword(callCtx, query, e.KeywordK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				timedOut++
				return nil
			}
			for _, h := range hits {
				if prev, ok := keywordByID[h.ID]; !ok || h.Similarity > prev.Similarity {
					keywordByID[h.ID] = h
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return vectorByID, keywordByID, timedOut, vectorOK > 0
}

// merge unions the two hit sets into combined-scored candidates. Keyword
// scores are normalized by the max observed score before blending.
func merge(vectorByID, keywordByID map[string]store.MatchResult, degraded bool) []Candidate {
	maxKeyword := 0.0
	for _, h := range keywordByID {
		if h.Similarity > maxKeyword {
			maxKeyword = h.Similarity
		}
	}

	byID := make(map[string]*Candidate)
	for id, h := range vectorByID {
		byID[id] = &Candidate{
			ID:        id,
			Content:   h.Content,
			Metadata:  h.Metadata,
			VectorSim: h.Similarity,
		}
	}
	for id, h := range keywordByID {
		norm := 0.0
		if maxKeyword > 0 {
			norm = h.Similarity / maxKeyword
		}
		if c, ok := byID[id]; ok {
			c.KeywordScore = norm
		} else {
			byID[id] = &Candidate{
				ID:           id,
				Content:      h.Content,
				Metadata:     h.Metadata,
				KeywordScore: norm,
			}
		}
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		if degraded {
			// Keyword-only hits must survive the similarity filter; the
			// normalized keyword score only breaks ties above it.
			if c.KeywordScore > 0 {
				c.Combined = SMin + keywordBoost*c.KeywordScore
			}
		} else {
			c.Combined = vectorWeight*c.VectorSim + keywordWeight*c.KeywordScore
		}
		c.Final = c.Combined
		out = append(out, *c)
	}
	return out
}

// filterAndBoost drops candidates under SMin, then adds the keyword boost
// for chunks carrying enough question terms.
func filterAndBoost(candidates []Candidate, question string) []Candidate {
	terms := questionTerms(question)

	out := candidates[:0]
	for _, c := range candidates {
		if c.Combined < SMin {
			continue
		}
		if termHits(c.Content, terms) >= boostMinTermHits {
			c.Combined += keywordBoost
			if c.Combined > 1.0 {
				c.Combined = 1.0
			}
			c.Final = c.Combined
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Final > out[j].Final })
	return out
}

func (e *Engine) confident(p *Pack) bool {
	if len(p.Candidates) == 0 {
		return false
	}
	totalTokens := 0
	sumCombined := 0.0
	sumRerank := 0.0
	for _, c := range p.Candidates {
		totalTokens += estimateTokens(c.Content)
		sumCombined += c.Combined
		sumRerank += c.RerankScore
	}
	n := float64(len(p.Candidates))
	if totalTokens < MinPackTokens {
		return false
	}
	if sumCombined/n < SMin {
		return false
	}
	// The rerank criterion only applies when the reranker actually ran.
	if p.Reranked && sumRerank/n < RMin {
		return false
	}
	return true
}

// estimateTokens approximates token count at four characters per token.
func estimateTokens(s string) int {
	return len(s) / 4
}

var stopTerms = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "do": {}, "does": {},
	"can": {}, "how": {}, "what": {}, "with": {}, "for": {}, "to": {},
	"of": {}, "in": {}, "and": {}, "or": {}, "light": {},
}

func questionTerms(question string) []string {
	fields := strings.Fields(strings.ToLower(question))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "?.,!\"'()")
		if len(f) < 3 {
			continue
		}
		if _, stop := stopTerms[f]; stop {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

func termHits(content string, terms []string) int {
	lower := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return hits
}
