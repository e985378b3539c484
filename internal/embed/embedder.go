// Package embed maps text to fixed-dimension vectors via the pinned
// embedding model. Batching and retry live here so callers see a single
// Embed call that either returns len(texts) vectors of the pinned dimension
// or an error.
package embed

import (
	"context"
	"log/slog"

	"github.com/uselight/lightopedia/internal/apperr"
	"github.com/uselight/lightopedia/internal/llm"
)

// Dimension is the pinned embedding dimension.
const Dimension = llm.EmbeddingDim

// maxBatchSize is the per-request input limit for the embedding endpoint.
const maxBatchSize = 100

// Embedder maps texts to vectors. Implementations must return exactly one
// vector of Dimension per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client is the production Embedder backed by the llm client.
type Client struct {
	llm   *llm.Client
	retry RetryConfig
}

// NewClient creates an embedder over the shared llm client.
func NewClient(c *llm.Client) *Client {
	return &Client{llm: c, retry: DefaultRetryConfig()}
}

var _ Embedder = (*Client)(nil)

// Embed embeds all texts, batching requests under the provider limit.
// Each batch is retried with exponential backoff; after the retry budget is
// exhausted the error propagates unchanged so retrieval can treat it as a
// timeout.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vecs [][]float32
		err := WithRetry(ctx, c.retry, func() error {
			var embedErr error
			vecs, embedErr = c.llm.Embed(ctx, batch)
			return embedErr
		})
		if err != nil {
			slog.Error("embedding batch failed",
				slog.Int("batch_start", start),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()))
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, apperr.Newf(apperr.KindParse,
				"embedder returned %d vectors for %d texts", len(vecs), len(batch))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
