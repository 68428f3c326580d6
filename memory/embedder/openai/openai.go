// Package openai implements memory.Embedder using the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"

	"github.com/openmemoryhq/openmemory-go/memory"
)

// Options configure the embedder.
type Options struct {
	Model      openai.EmbeddingModel
	Dimensions int
}

// Embedder calls the OpenAI embeddings endpoint.
type Embedder struct {
	client *openai.Client
	opts   Options
}

// Compile-time interface check.
var _ memory.Embedder = (*Embedder)(nil)

// New creates an embedder using the default client (API key from the
// environment).
func New(optFns ...func(o *Options)) *Embedder {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an embedder from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{
		Model:      openai.EmbeddingModelTextEmbedding3Small,
		Dimensions: 1536,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{client: client, opts: opts}
}

// Embed converts text to an embedding vector. Rate limiting and connectivity
// failures map onto the engine's error taxonomy so the sync engine can count
// per-record errors without inspecting provider details.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: e.opts.Model,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if len(res.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response: %w", memory.ErrProviderUnavailable)
	}
	raw := res.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int { return e.opts.Dimensions }

func mapErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("openai embeddings: %w: %v", memory.ErrRateLimited, err)
	}
	return fmt.Errorf("openai embeddings: %w: %v", memory.ErrProviderUnavailable, err)
}
