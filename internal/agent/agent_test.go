package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, embed.Dimension)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

type fakeFetcher struct{ raw map[string]string }

func (f *fakeFetcher) DefaultBranch(context.Context, string) (string, error) { return "main", nil }
func (f *fakeFetcher) ResolveRef(context.Context, string, string) (string, error) {
	return "rev", nil
}
func (f *fakeFetcher) ListTree(context.Context, string, string) ([]source.TreeEntry, error) {
	return nil, nil
}
func (f *fakeFetcher) FetchBlob(context.Context, string, string) ([]byte, error) {
	return nil, apperr.NotFound("no blob")
}
func (f *fakeFetcher) FetchRaw(_ context.Context, repo, path, _ string) ([]byte, error) {
	if content, ok := f.raw[repo+"/"+path]; ok {
		return []byte(content), nil
	}
	return nil, apperr.NotFound("no raw content")
}

// scriptedModel serves a fixed sequence of chat responses.
func scriptedModel(t *testing.T, responses []map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		require.Less(t, n, len(responses), "model called more times than scripted")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       responses[n],
				"finish_reason": "stop",
			}},
		})
	}))
	return srv, &calls
}

func toolCallMsg(name, args string) map[string]any {
	return map[string]any{
		"content": "",
		"tool_calls": []map[string]any{{
			"id":   "call_" + name,
			"type": "function",
			"function": map[string]any{
				"name":      name,
				"arguments": args,
			},
		}},
	}
}

const seedRepo = "uselight/help-center"
const seedPath = "docs/currency.md"

func seedStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	vec := make([]float32, embed.Dimension)
	vec[0] = 1
	err = s.UpsertChunks(context.Background(),
		&store.Article{
			Repo:     seedRepo,
			Path:     seedPath,
			Title:    "Multi-currency invoicing",
			Revision: "rev1",
			Content: "# Multi-currency invoicing\n\nLight supports configurable per-customer base " +
				"currencies. Invoices are issued in the customer's currency and settled in " +
				"the entity wallet currency using daily reference exchange rates.",
		},
		[]*store.Chunk{{
			ID:         "chunk-currency-0",
			Repo:       seedRepo,
			Path:       seedPath,
			Content: "Light supports configurable per-customer base currencies. Invoices are " +
				"issued in the customer's currency and settled in the entity wallet currency " +
				"using daily reference exchange rates applied at invoice creation time.",
			Section:        "Multi-currency invoicing",
			Title:          "Multi-currency invoicing",
			SourceType:     "article",
			Revision:       "rev1",
			IndexRunID:     "run-1",
			ProgramVersion: "pipeline.v1.0",
		}},
		[][]float32{vec})
	require.NoError(t, err)
	return s
}

// brokenLLM answers every request with a non-retryable failure, which keeps
// retrieval's expansion and rerank out of the scripted sequence.
func brokenLLM(t *testing.T) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{BaseURL: srv.URL})
}

func newAgent(t *testing.T, s *store.Store, model *httptest.Server) *Agent {
	t.Helper()
	engine := retrieval.New(s, fakeEmbedder{}, brokenLLM(t))
	return New(llm.NewClient(llm.Config{BaseURL: model.URL}), s, engine, &fakeFetcher{})
}

func TestRunSearchFetchSynthesize(t *testing.T) {
	s := seedStore(t)
	url := ArticleURL(seedRepo, seedPath)

	srv, calls := scriptedModel(t, []map[string]any{
		toolCallMsg("search_articles", `{"query":"multi currency invoicing"}`),
		{"content": "I have enough evidence."},
		{"content": "Light supports per-customer base currencies [[1]](" + url + ")."},
	})
	defer srv.Close()

	a := newAgent(t, s, srv)
	res, err := a.Run(context.Background(), "Can Light handle multi-currency invoicing?", route.Decision{}, nil, nil)
	require.NoError(t, err)

	assert.Contains(t, res.Draft, "[[1]]("+url+")")
	require.Len(t, res.FetchedURLs, 1)
	assert.Equal(t, url, res.FetchedURLs[0])
	assert.Nil(t, res.Escalation)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunMalformedToolArguments(t *testing.T) {
	s := seedStore(t)
	srv, _ := scriptedModel(t, []map[string]any{
		toolCallMsg("knowledge_base", `{not json`),
		{"content": "Nothing useful found."},
		{"content": "I could not find documentation for this."},
	})
	defer srv.Close()

	a := newAgent(t, s, srv)
	res, err := a.Run(context.Background(), "Does Light support quantum billing?", route.Decision{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "I could not find documentation for this.", res.Draft)
	assert.Empty(t, res.Fetched)
}

func TestRunEscalationWithoutEvidence(t *testing.T) {
	s := seedStore(t)
	srv, calls := scriptedModel(t, []map[string]any{
		toolCallMsg("escalate_to_human",
			`{"title":"Quantum billing request","request_type":"feature_request","problem_statement":"No docs cover quantum billing."}`),
		{"content": "I've escalated this to the Light team."},
	})
	defer srv.Close()

	a := newAgent(t, s, srv)
	res, err := a.Run(context.Background(), "Does Light support quantum billing?", route.Decision{}, nil, nil)
	require.NoError(t, err)

	// With zero fetched articles and a drafted escalation, the loop's last
	// assistant message stands as the answer with no extra completion.
	assert.Equal(t, "I've escalated this to the Light team.", res.Draft)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, "feature_request", res.Escalation.RequestType)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunIterationCap(t *testing.T) {
	s := seedStore(t)
	responses := make([]map[string]any, 0, MaxIter+1)
	for i := 0; i < MaxIter; i++ {
		responses = append(responses, toolCallMsg("knowledge_base", `{}`))
	}
	responses = append(responses, map[string]any{"content": "Ran out of iterations."})
	srv, calls := scriptedModel(t, responses)
	defer srv.Close()

	a := newAgent(t, s, srv)
	res, err := a.Run(context.Background(), "Does Light support something obscure?", route.Decision{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxIter, res.Iterations)
	assert.Equal(t, int32(MaxIter+1), calls.Load())
	assert.Equal(t, "Ran out of iterations.", res.Draft)
}

func TestFetchArticlesDedupesAndFallsBack(t *testing.T) {
	s := seedStore(t)
	deps := &toolDeps{
		store:     s,
		retriever: retrieval.New(s, fakeEmbedder{}, brokenLLM(t)),
		fetcher:   &fakeFetcher{raw: map[string]string{"uselight/product-docs/guide.md": "# Guide\n\nRaw content."}},
	}
	st := newState()
	ctx := context.Background()

	storedURL := ArticleURL(seedRepo, seedPath)
	rawURL := ArticleURL("uselight/product-docs", "guide.md")
	args, _ := json.Marshal(map[string]any{"urls": []string{storedURL, rawURL, storedURL, "nonsense"}})

	out := deps.fetchArticles(ctx, args, st)
	assert.Contains(t, out, "Multi-currency invoicing")
	assert.Contains(t, out, "Raw content.")
	assert.Contains(t, out, "Could not fetch nonsense")
	assert.Len(t, st.Fetched, 2)

	// A second call with an already-fetched URL adds nothing.
	args2, _ := json.Marshal(map[string]any{"urls": []string{storedURL}})
	deps.fetchArticles(ctx, args2, st)
	assert.Len(t, st.Fetched, 2)
}

func TestParseArticleURL(t *testing.T) {
	tests := []struct {
		in   string
		repo string
		path string
		ok   bool
	}{
		{"https://github.com/uselight/help-center/blob/main/docs/a.md", "uselight/help-center", "docs/a.md", true},
		{"github.com/uselight/help-center/blob/rev123/docs/a.md", "uselight/help-center", "docs/a.md", true},
		{"uselight/help-center/docs/a.md", "uselight/help-center", "docs/a.md", true},
		{"just-a-word", "", "", false},
		{"uselight/help-center", "", "", false},
	}
	for _, tt := range tests {
		repo, path, ok := parseArticleURL(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.repo, repo, tt.in)
		assert.Equal(t, tt.path, path, tt.in)
	}
}

func TestCompressHistoryKeepsParentAndTail(t *testing.T) {
	history := []route.HistoryMessage{
		{Role: "user", Text: "parent question"},
		{Role: "assistant", Text: "m1"},
		{Role: "user", Text: "m2"},
		{Role: "assistant", Text: "m3"},
		{Role: "user", Text: "m4"},
	}
	block := compressHistory(history)
	assert.Contains(t, block, "parent question")
	assert.Contains(t, block, "m2")
	assert.Contains(t, block, "m4")
	assert.NotContains(t, block, "m1")
}
