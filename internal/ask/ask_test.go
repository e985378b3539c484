package ask

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uselight/lightopedia/internal/agent"
	"github.com/uselight/lightopedia/internal/answer"
	"github.com/uselight/lightopedia/internal/embed"
	"github.com/uselight/lightopedia/internal/llm"
	"github.com/uselight/lightopedia/internal/qalog"
	"github.com/uselight/lightopedia/internal/retrieval"
	"github.com/uselight/lightopedia/internal/route"
	"github.com/uselight/lightopedia/internal/source"
	"github.com/uselight/lightopedia/internal/store"
	"github.com/uselight/lightopedia/pkg/version"
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

type nopFetcher struct{}

func (nopFetcher) DefaultBranch(context.Context, string) (string, error) { return "main", nil }
func (nopFetcher) ResolveRef(context.Context, string, string) (string, error) {
	return "rev", nil
}
func (nopFetcher) ListTree(context.Context, string, string) ([]source.TreeEntry, error) {
	return nil, nil
}
func (nopFetcher) FetchBlob(context.Context, string, string) ([]byte, error) { return nil, nil }
func (nopFetcher) FetchRaw(context.Context, string, string, string) ([]byte, error) {
	return nil, nil
}

func brokenLLM(t *testing.T) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{BaseURL: srv.URL})
}

func scriptedLLM(t *testing.T, responses []map[string]any) *llm.Client {
	t.Helper()
	n := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, n, len(responses), "model called more times than scripted")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       responses[n],
				"finish_reason": "stop",
			}},
		})
		n++
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{BaseURL: srv.URL})
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
	require.NoError(t, s.UpsertChunks(context.Background(),
		&store.Article{Repo: seedRepo, Path: seedPath, Title: "Multi-currency invoicing", Revision: "r1",
			Content: "# Multi-currency invoicing\n\nLight supports configurable per-customer base currencies."},
		[]*store.Chunk{{
			ID: "c1", Repo: seedRepo, Path: seedPath,
			Content: "Light supports configurable per-customer base currencies with settlement " +
				"in the entity wallet currency using daily reference exchange rates for invoices.",
			SourceType: "article", Revision: "r1", IndexRunID: "run", ProgramVersion: version.Pipeline,
		}},
		[][]float32{vec}))
	return s
}

func newService(t *testing.T, s *store.Store, agentClient *llm.Client) *Service {
	t.Helper()
	engine := retrieval.New(s, fakeEmbedder{}, brokenLLM(t))
	ag := agent.New(agentClient, s, engine, nopFetcher{})
	return New(route.New(brokenLLM(t)), engine, ag, qalog.NewRecorder(s))
}

func TestHandleQuestionCapabilityFlow(t *testing.T) {
	s := seedStore(t)
	url := agent.ArticleURL(seedRepo, seedPath)

	client := scriptedLLM(t, []map[string]any{
		{
			"content": "",
			"tool_calls": []map[string]any{{
				"id":   "call_1",
				"type": "function",
				"function": map[string]any{
					"name":      "search_articles",
					"arguments": `{"query":"multi currency invoicing"}`,
				},
			}},
		},
		{"content": "done"},
		{"content": "Light supports per-customer base currencies [[1]](" + url + ")."},
	})
	svc := newService(t, s, client)

	a := svc.HandleQuestion(context.Background(), Request{Question: "Can Light handle multi-currency invoicing?"})
	assert.Equal(t, answer.ConfidenceConfirmed, a.Confidence)
	require.Len(t, a.Sources, 1)
	assert.Equal(t, url, a.Sources[0].URL)
	assert.Contains(t, a.Summary, "[[1]]")
	assert.NotEmpty(t, a.RequestID)

	logRow, err := s.GetQALog(context.Background(), a.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "capability_docs", logRow.RouteMode)
	assert.Equal(t, version.Retrieval, logRow.RetrievalVersion)
	assert.Equal(t, []string{url}, logRow.Citations)
	assert.NotEmpty(t, logRow.TopSimilarities)
}

func TestHandleQuestionOutOfScope(t *testing.T) {
	s := seedStore(t)
	svc := newService(t, s, brokenLLM(t))

	a := svc.HandleQuestion(context.Background(), Request{Question: "What happens when Invoice.markPaid() is called?"})
	assert.Equal(t, answer.ConfidenceNeedsClarification, a.Confidence)
	assert.Contains(t, a.Summary, a.RequestID)

	logRow, err := s.GetQALog(context.Background(), a.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "out_of_scope", logRow.RouteMode)
	assert.Empty(t, logRow.RetrievalQueries)
}

func TestHandleQuestionClarify(t *testing.T) {
	s := seedStore(t)
	svc := newService(t, s, brokenLLM(t))

	a := svc.HandleQuestion(context.Background(), Request{Question: "invoices maybe"})
	assert.Equal(t, answer.ConfidenceNeedsClarification, a.Confidence)
	assert.Contains(t, a.Summary, "more detail")
}

func TestHandleQuestionAgentFailureIsGenericError(t *testing.T) {
	s := seedStore(t)
	svc := newService(t, s, brokenLLM(t))

	a := svc.HandleQuestion(context.Background(), Request{Question: "Can Light handle multi-currency invoicing?"})
	assert.Equal(t, answer.ConfidenceNeedsClarification, a.Confidence)
	assert.Contains(t, a.Summary, a.RequestID)
	assert.Contains(t, a.Summary, "Something went wrong")
}

func TestReplaySkipsRetrievalForShortCircuitModes(t *testing.T) {
	s := seedStore(t)
	svc := newService(t, s, brokenLLM(t))

	decision, pack := svc.Replay(context.Background(), "What happens when Invoice.markPaid() is called?", nil)
	assert.Equal(t, route.ModeOutOfScope, decision.Mode)
	assert.Empty(t, pack.Candidates)

	decision, pack = svc.Replay(context.Background(), "Can Light handle multi-currency invoicing?", nil)
	assert.Equal(t, route.ModeCapabilityDocs, decision.Mode)
	assert.NotEmpty(t, pack.Candidates)
}
