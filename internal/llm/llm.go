// Package llm provides answer synthesis over an OpenAI-compatible chat
// completions API. The client is optional everywhere it is consumed: a nil
// client means callers use their extractive fallback instead.
package llm

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	ragerr "github.com/ragweave/ragweave/internal/errors"
)

// Client generates text from a prompt.
type Client interface {
	// Complete returns the model's response to a system + user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)

	// ModelName returns the model identifier.
	ModelName() string
}

// Options configures the OpenAI-backed client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// OpenAIClient implements Client over go-openai.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// New creates an OpenAI-backed client.
func New(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid, "llm client requires an API key", nil)
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       opts.Model,
		temperature: float32(opts.Temperature),
		maxTokens:   opts.MaxTokens,
	}, nil
}

// Complete runs a single chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", ragerr.New(ragerr.ErrCodeGenerationFailed, err.Error(), err)
	}
	if len(resp.Choices) == 0 {
		return "", ragerr.Newf(ragerr.ErrCodeGenerationFailed, "model %s returned no choices", c.model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ModelName returns the model identifier.
func (c *OpenAIClient) ModelName() string { return c.model }
