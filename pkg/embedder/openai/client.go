// Package openai implements embedder.Provider on the OpenAI Embeddings API.
//
// Any OpenAI-compatible endpoint can be used by setting BaseURL.
package openai

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/oceanbase/powermem-substrate/pkg/core"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "text-embedding-ada-002"

// Client implements embedder.Provider on go-openai.
type Client struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// Config selects the endpoint and model.
//
// APIKey is required. Model defaults to DefaultModel and must be one of the
// embedding models go-openai knows by name. BaseURL defaults to the public
// OpenAI endpoint and Dimensions to 1536. Responses whose vectors are not
// Dimensions long are rejected.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// NewClient validates cfg and builds the go-openai client.
//
// Args:
//   - cfg: endpoint, credentials, model and expected dimensions
//
// Returns:
//   - *Client: ready to embed
//   - error: core.ErrInvalidConfig if the API key is missing, the model is
//     unknown or dimensions are negative
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai.NewClient: %w: missing api key", core.ErrInvalidConfig)
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("openai.NewClient: %w: negative dimensions", core.ErrInvalidConfig)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	name := cfg.Model
	if name == "" {
		name = DefaultModel
	}
	model, err := parseModel(name)
	if err != nil {
		return nil, err
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = 1536
	}

	return &Client{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed is EmbedBatch with a single input.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch sends all texts in one request.
//
// Args:
//   - ctx: cancels the request
//   - texts: inputs, at most the endpoint's batch limit
//
// Returns:
//   - [][]float64: one vector per text, reordered by the response index
//   - error: core.ErrEmbeddingFailed if the request fails, the result count differs
//     from the input count or a vector has the wrong dimensionality
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai.EmbedBatch: %w: %w", core.ErrEmbeddingFailed, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai.EmbedBatch: %w: got %d results, expected %d", core.ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	embeddings := make([][]float64, len(texts))
	for i, d := range data {
		if len(d.Embedding) != c.dimensions {
			return nil, fmt.Errorf("openai.EmbedBatch: %w: %w: got %d dimensions, expected %d",
				core.ErrEmbeddingFailed, core.ErrDimensionMismatch, len(d.Embedding), c.dimensions)
		}
		embedding := make([]float64, len(d.Embedding))
		for j, v := range d.Embedding {
			embedding[j] = float64(v)
		}
		embeddings[i] = embedding
	}

	return embeddings, nil
}

// Dimensions implements embedder.Provider.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Model implements embedder.Provider.
func (c *Client) Model() string {
	return c.model.String()
}

// Close is a no-op; the go-openai client holds no resources of its own.
func (c *Client) Close() error {
	return nil
}

// parseModel resolves a model name to its go-openai enum value.
func parseModel(name string) (openai.EmbeddingModel, error) {
	var model openai.EmbeddingModel
	_ = model.UnmarshalText([]byte(name))
	if model == openai.Unknown {
		return openai.Unknown, fmt.Errorf("openai.NewClient: %w: unsupported model %q", core.ErrInvalidConfig, name)
	}
	return model, nil
}
