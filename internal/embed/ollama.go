package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// OllamaEmbedder talks to a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	host       string
	model      string
	dimensions int
	client     *http.Client
	retry      RetryConfig
}

// OllamaOptions configures the Ollama embedder.
type OllamaOptions struct {
	Host       string
	Model      string
	Dimensions int // 0 = detect on first call
	Timeout    time.Duration
	Retry      *RetryConfig
}

// NewOllamaEmbedder creates an Ollama embedder.
func NewOllamaEmbedder(opts OllamaOptions) *OllamaEmbedder {
	if opts.Host == "" {
		opts.Host = defaultOllamaHost
	}
	if opts.Model == "" {
		opts.Model = defaultOllamaModel
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	retry := DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &OllamaEmbedder{
		host:       strings.TrimRight(opts.Host, "/"),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		client:     &http.Client{Timeout: opts.Timeout},
		retry:      retry,
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if len(texts) > MaxBatchSize {
		return nil, ragerr.InvalidParameter(
			fmt.Sprintf("batch size %d exceeds maximum %d", len(texts), MaxBatchSize))
	}

	var resp ollamaEmbedResponse
	err := withRetry(ctx, e.retry, func() error {
		return e.post(ctx, ollamaEmbedRequest{Model: e.model, Input: texts}, &resp)
	})
	if err != nil {
		return nil, ragerr.New(ragerr.ErrCodeEmbeddingFailed,
			fmt.Sprintf("ollama embed failed for model %s", e.model), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, ragerr.Newf(ragerr.ErrCodeEmbeddingFailed,
			"ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		if e.dimensions == 0 {
			e.dimensions = len(vec)
		}
		out[i] = normalizeVector(vec)
	}
	return out, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, reqBody ollamaEmbedRequest, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return ragerr.Wrap(ragerr.ErrCodeDependencyDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return ragerr.Newf(ragerr.ErrCodeDependencyDown,
			"ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

func (e *OllamaEmbedder) ModelName() string { return e.model }

// Available probes the server version endpoint with a short timeout.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *OllamaEmbedder) Close() error { return nil }
