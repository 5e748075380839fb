package embed

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

const defaultOpenAIModel = "text-embedding-3-small"

// openaiModelDimensions maps known embedding models to their dimensions so
// Dimensions() is correct before the first call.
var openaiModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder uses an OpenAI-compatible embeddings API, with optional
// client-side rate limiting.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	limiter    *rate.Limiter
	retry      RetryConfig
}

// OpenAIOptions configures the OpenAI embedder.
type OpenAIOptions struct {
	APIKey     string
	BaseURL    string // empty uses the default endpoint
	Model      string
	Dimensions int     // 0 = look up by model, detect on first call otherwise
	RPS        float64 // requests per second; 0 disables limiting
	Retry      *RetryConfig
}

// NewOpenAIEmbedder creates an OpenAI embedder.
func NewOpenAIEmbedder(opts OpenAIOptions) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "openai embedder requires an API key", nil)
	}
	if opts.Model == "" {
		opts.Model = defaultOpenAIModel
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	dims := opts.Dimensions
	if dims == 0 {
		dims = openaiModelDimensions[opts.Model]
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      opts.Model,
		dimensions: dims,
		limiter:    limiter,
		retry:      retry,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, ragerr.InvalidParameter(
			fmt.Sprintf("batch size %d exceeds maximum %d", len(texts), MaxBatchSize))
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var resp openai.EmbeddingResponse
	err := withRetry(ctx, e.retry, func() error {
		var callErr error
		resp, callErr = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if callErr != nil {
			return ragerr.New(ragerr.ErrCodeEmbeddingFailed, callErr.Error(), callErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, ragerr.Newf(ragerr.ErrCodeEmbeddingFailed,
			"openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	// Results carry their input index; order by it before assembly.
	data := resp.Data
	sort.Slice(data, func(a, b int) bool { return data[a].Index < data[b].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		if e.dimensions == 0 {
			e.dimensions = len(d.Embedding)
		}
		out[i] = normalizeVector(d.Embedding)
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

func (e *OpenAIEmbedder) ModelName() string { return e.model }

// Available reports readiness. The embeddings endpoint has no cheap health
// probe, so a configured client is considered available and failures surface
// on first use.
func (e *OpenAIEmbedder) Available(_ context.Context) bool { return e.client != nil }

func (e *OpenAIEmbedder) Close() error { return nil }
