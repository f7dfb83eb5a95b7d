package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedDocuments returns one vector per text, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query. Some models embed queries and
	// passages differently.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// knownDimensions covers the models the providers are commonly run with.
var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"nomic-embed-text":                       768,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

// NewProvider creates the provider named by cfg.Provider.
func NewProvider(cfg *Config, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	metrics := NewMetrics(logger)

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case ProviderFastEmbed, "":
		cacheDir, perr := config.ExpandPath(cfg.CacheDir)
		if perr != nil {
			return nil, fmt.Errorf("expanding cache dir: %w", perr)
		}
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:     cfg.Model,
			CacheDir:  cacheDir,
			MaxLength: cfg.MaxLength,
		})
	case ProviderTEI:
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
		})
	case ProviderOpenAI:
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
		})
	case ProviderFake:
		p = NewFake(dim)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("embedding provider initialized",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
	)
	return &instrumented{Provider: p, model: cfg.Model, metrics: metrics}, nil
}

// instrumented records otel metrics around every call.
type instrumented struct {
	Provider
	model   string
	metrics *Metrics
}

func (p *instrumented) EmbedDocuments(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	defer func(start time.Time) {
		p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	}(time.Now())
	return p.Provider.EmbedDocuments(ctx, texts)
}

func (p *instrumented) EmbedQuery(ctx context.Context, text string) (vector []float32, err error) {
	defer func(start time.Time) {
		p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, err)
	}(time.Now())
	return p.Provider.EmbedQuery(ctx, text)
}
