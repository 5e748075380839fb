package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragweave/ragweave/internal/config"
	ragerr "github.com/ragweave/ragweave/internal/errors"
)

// NewFromConfig builds the configured embedder, wrapped in the LRU cache.
// An empty provider auto-detects: openai when an API key is configured,
// then a reachable ollama server, then the static fallback.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingsConfig, logger *slog.Logger) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider := strings.ToLower(cfg.Provider)
	if provider == "" {
		provider = detectProvider(ctx, cfg)
		logger.Info("auto-detected embedding provider", slog.String("provider", provider))
	}

	inner, err := newProvider(provider, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("embedding provider ready",
		slog.String("provider", provider),
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

func newProvider(provider string, cfg config.EmbeddingsConfig) (Embedder, error) {
	switch provider {
	case "openai":
		return NewOpenAIEmbedder(OpenAIOptions{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			RPS:        cfg.RateLimitRPS,
		})
	case "ollama":
		return NewOllamaEmbedder(OllamaOptions{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		}), nil
	case "static":
		return NewStaticEmbedder(), nil
	default:
		return nil, ragerr.New(ragerr.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown embedding provider %q", provider), nil)
	}
}

func detectProvider(ctx context.Context, cfg config.EmbeddingsConfig) string {
	if cfg.OpenAIAPIKey != "" {
		return "openai"
	}
	probe := NewOllamaEmbedder(OllamaOptions{Host: cfg.OllamaHost})
	if probe.Available(ctx) {
		return "ollama"
	}
	return "static"
}
