package vectorstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	chromemInstrumentationName = "github.com/fyrsmithlabs/archivist/internal/vectorstore/chromem"
	qdrantInstrumentationName  = "github.com/fyrsmithlabs/archivist/internal/vectorstore/qdrant"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
}

// WithTracerProvider sets where store spans go. The default is the global
// provider at construction time.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	return o
}

func (o options) tracer(name string) trace.Tracer {
	return o.tracerProvider.Tracer(name)
}

// New creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded, no external service
//   - "qdrant": external Qdrant server over gRPC
func New(ctx context.Context, cfg *Config, logger *zap.Logger, opts ...Option) (Store, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	switch cfg.Provider {
	case ProviderChromem, "":
		return NewChromemStore(cfg, logger, opts...)
	case ProviderQdrant:
		return NewQdrantStore(ctx, cfg, logger, opts...)
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider: %s", ErrInvalidConfig, cfg.Provider)
	}
}
