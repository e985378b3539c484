// Package llm is the OpenAI-compatible REST client used for completions,
// tool calling, and embeddings. Model identifiers are pinned here; nothing
// else in the codebase names a model.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/uselight/lightopedia/internal/apperr"
)

// Pinned model identifiers and dimensions. Changing the embedding model or
// dimension invalidates every stored vector and requires a full reindex.
const (
	// EmbeddingModel produces D-dimensional vectors for chunks and queries.
	EmbeddingModel = "text-embedding-3-small"

	// EmbeddingDim is the pinned embedding dimension.
	EmbeddingDim = 1536

	// SynthesisModel drives the agentic tool loop and final synthesis.
	SynthesisModel = "gpt-4o"

	// FastModel serves classification, query expansion, and reranking.
	FastModel = "gpt-4o-mini"
)

// Config configures the client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// HTTPTimeout bounds a single HTTP round trip.
	HTTPTimeout time.Duration
}

// Client talks to an OpenAI-compatible API. Construct once and share;
// it is safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a client. A zero HTTPTimeout defaults to 60s.
func NewClient(cfg Config) *Client {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Message is a chat message in the OpenAI wire format.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Tool describes a callable function exposed to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the schema half of a tool definition.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	// JSONOnly requests a json_object response format.
	JSONOnly bool `json:"-"`
}

// ChatResponse is the decoded completion.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	TotalTokens  int
}

type wireChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []Tool          `json:"tools,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type wireChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type wireEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type wireEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Chat requests a chat completion, with or without tools.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := wireChatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
	}
	if req.JSONOnly {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	respBody, err := c.doPost(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp wireChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperr.Parse("decoding chat response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.Parse("chat response has no choices", nil)
	}

	choice := resp.Choices[0]
	return &ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Model:        resp.Model,
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	respBody, err := c.doPost(ctx, "/v1/embeddings", wireEmbeddingRequest{
		Model: EmbeddingModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp wireEmbeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperr.Parse("decoding embedding response", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.Newf(apperr.KindParse,
			"embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
	}

	// Order by index; providers may not preserve input order.
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(embeddings) {
			return nil, apperr.Newf(apperr.KindParse, "embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != EmbeddingDim {
			return nil, apperr.Newf(apperr.KindParse,
				"embedding dimension mismatch: expected %d, got %d", EmbeddingDim, len(d.Embedding))
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}

const (
	maxRetries     = 3
	baseRetryDelay = time.Second
	maxRetryDelay  = 16 * time.Second
)

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func (c *Client) doPost(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Internal("encoding request", err)
	}
	url := c.cfg.BaseURL + path

	delay := baseRetryDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("llm request retry",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, apperr.Internal("building request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Timeout("llm call cancelled or timed out", ctx.Err())
			}
			lastErr = apperr.Timeout("llm call failed", err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = apperr.Upstream("reading llm response", readErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return respBody, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, apperr.Auth("llm provider rejected credentials", nil).
				WithDetail("status", strconv.Itoa(resp.StatusCode))
		case retryableStatus(resp.StatusCode):
			lastErr = apperr.Newf(apperr.KindUpstreamFailure,
				"llm api error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
			continue
		default:
			return nil, apperr.Newf(apperr.KindUpstreamFailure,
				"llm api error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}
	}

	return nil, fmt.Errorf("llm request failed after %d retries: %w", maxRetries, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
