package vectorstore

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// Backends.
const (
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
)

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Config selects and configures the vector backend.
type Config struct {
	// Provider is "chromem" (default) or "qdrant".
	Provider string `koanf:"provider"`
	// Collection holds every owner's message vectors.
	Collection string `koanf:"collection"`
	// VectorSize must match the embedder's output dimension.
	VectorSize int `koanf:"vector_size"`

	// ChromemPath is the persistence directory. Empty keeps vectors in
	// memory only.
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`

	QdrantHost   string          `koanf:"qdrant_host"`
	QdrantPort   int             `koanf:"qdrant_port"`
	QdrantAPIKey config.Secret   `koanf:"qdrant_api_key"`
	QdrantTLS    bool            `koanf:"qdrant_tls"`
	MaxRetries   int             `koanf:"max_retries"`
	RetryBackoff config.Duration `koanf:"retry_backoff"`
	// CircuitBreakerThreshold is the number of failures before Qdrant calls
	// fail fast for 30s.
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`
}

// NewDefaultConfig returns vector store defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Provider:                ProviderChromem,
		Collection:              "archive_messages",
		VectorSize:              384,
		ChromemPath:             "~/.local/share/archivist/vectors",
		QdrantHost:              "localhost",
		QdrantPort:              6334,
		MaxRetries:              3,
		RetryBackoff:            config.Duration(time.Second),
		CircuitBreakerThreshold: 5,
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector_size must be positive", ErrInvalidConfig)
	}
	switch c.Provider {
	case ProviderChromem, "":
	case ProviderQdrant:
		if c.QdrantHost == "" {
			return fmt.Errorf("%w: qdrant_host required", ErrInvalidConfig)
		}
		if c.QdrantPort <= 0 || c.QdrantPort > 65535 {
			return fmt.Errorf("%w: invalid qdrant_port: %d", ErrInvalidConfig, c.QdrantPort)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	return nil
}

// ValidateCollectionName validates a collection name against security rules.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}
