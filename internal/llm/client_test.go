package llm

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
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}), srv
}

func embeddingOf(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = 0.01
	}
	return v
}

func TestChatBasic(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req wireChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, FastModel, req.Model)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": FastModel,
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"total_tokens": 12},
		})
	})
	defer srv.Close()

	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    FastModel,
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.TotalTokens)
}

func TestChatToolCalls(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "search_articles",
							"arguments": `{"query":"multi currency"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	})
	defer srv.Close()

	resp, err := client.Chat(context.Background(), ChatRequest{Model: SynthesisModel})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search_articles", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"query":"multi currency"}`, resp.ToolCalls[0].Function.Arguments)
}

func TestEmbedOrdering(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		// Return out of order; the client must restore input order.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": embeddingOf(EmbeddingDim)},
				{"index": 0, "embedding": embeddingOf(EmbeddingDim)},
			},
		})
	})
	defer srv.Close()

	vecs, err := client.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], EmbeddingDim)
	assert.Len(t, vecs[1], EmbeddingDim)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": embeddingOf(8)},
			},
		})
	})
	defer srv.Close()

	_, err := client.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindParse, apperr.KindOf(err))
}

func TestEmbedEmptyInput(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused"})
	vecs, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	_, err := client.Chat(context.Background(), ChatRequest{Model: FastModel})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "ok"},
				"finish_reason": "stop",
			}},
		})
	})
	defer srv.Close()

	resp, err := client.Chat(context.Background(), ChatRequest{Model: FastModel})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}
