package embeddings

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Provider names accepted by Config.Provider.
const (
	ProviderFastEmbed = "fastembed"
	ProviderTEI       = "tei"
	ProviderOpenAI    = "openai"
	ProviderFake      = "fake"
)

// Config holds embedding provider configuration.
type Config struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	// BaseURL is the tei or openai endpoint.
	BaseURL string        `koanf:"base_url"`
	APIKey  config.Secret `koanf:"api_key"`
	// CacheDir holds downloaded fastembed models.
	CacheDir  string `koanf:"cache_dir"`
	MaxLength int    `koanf:"max_length"`
	// Dimension overrides the dimension detected from the model name.
	Dimension int `koanf:"dimension"`
	// BatchSize is the number of texts sent per provider call.
	BatchSize int `koanf:"batch_size"`
	// Concurrency bounds in-flight batches per job.
	Concurrency int `koanf:"concurrency"`
	// Timeout bounds one batch call. Expiry leaves the batch unembedded.
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns embedding defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Provider:    ProviderFastEmbed,
		Model:       "BAAI/bge-small-en-v1.5",
		BaseURL:     "http://localhost:8080",
		CacheDir:    "~/.cache/archivist/models",
		MaxLength:   512,
		BatchSize:   64,
		Concurrency: 2,
		Timeout:     config.Duration(30 * time.Second),
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderFastEmbed, ProviderFake, "":
	case ProviderTEI, ProviderOpenAI:
		if c.BaseURL == "" {
			return fmt.Errorf("%w: base_url required for %s", ErrInvalidConfig, c.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Provider != ProviderFake && c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension cannot be negative", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
