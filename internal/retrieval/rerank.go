package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/uselight/lightopedia/internal/llm"
)

// maxRerankCandidates bounds the rerank prompt size.
const maxRerankCandidates = 12

// rerank asks the fast model to score each candidate 1-10 against the
// question, then blends that with the hybrid score. Any failure leaves the
// hybrid ordering untouched.
func (e *Engine) rerank(ctx context.Context, question string, candidates []Candidate, pack *Pack) []Candidate {
	if len(candidates) == 0 {
		return candidates
	}
	top := candidates
	if len(top) > maxRerankCandidates {
		top = top[:maxRerankCandidates]
	}

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nScore each passage 1-10 for how well it answers the question.\n")
	for i, c := range top {
		excerpt := c.Content
		if len(excerpt) > 400 {
			excerpt = excerpt[:400]
		}
		fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, excerpt)
	}
	sb.WriteString("\nRespond with JSON only: {\"scores\": [s1, s2, ...]} with one score per passage in order.")

	resp, err := e.llm.Chat(ctx, llm.ChatRequest{
		Model:       llm.FastModel,
		Temperature: 0,
		MaxTokens:   200,
		JSONOnly:    true,
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		slog.Warn("rerank call failed, keeping hybrid order", slog.String("error", err.Error()))
		return candidates
	}

	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil || len(out.Scores) != len(top) {
		slog.Warn("rerank returned unusable scores", slog.String("content", resp.Content))
		return candidates
	}

	for i := range top {
		score := out.Scores[i]
		if score < 1 {
			score = 1
		}
		if score > 10 {
			score = 10
		}
		candidates[i].RerankScore = score
		candidates[i].Final = rerankWeight*(score/10) + hybridWeight*candidates[i].Combined
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Final > candidates[j].Final })
	pack.Reranked = true
	return candidates
}
