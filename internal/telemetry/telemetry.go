package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the daemon's trace and metric pipelines. A provider that
// fails to start is left out and recorded in Health; the daemon keeps
// running without it.
type Telemetry struct {
	cfg *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	mu      sync.Mutex
	reasons []string
	closed  bool
}

// New starts the configured providers and installs them as the otel
// globals, along with W3C trace-context propagation. With telemetry
// disabled it returns an instance backed by the no-op globals.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}
	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(cfg)
	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracer provider: %v", err)
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}
	if cfg.Metrics.Enabled {
		if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
			t.degrade("meter provider: %v", err)
		} else {
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// TracerProvider returns the provider components should build tracers
// from. It falls back to the global provider when tracing is off.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return t.tracerProvider
}

// MeterProvider returns the metric provider, or the global one when
// metrics are off.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider()
	}
	return t.meterProvider
}

// LoggerProvider returns the provider for the otelzap log bridge: the
// global log provider when telemetry is enabled, nil otherwise.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.cfg == nil || !t.cfg.Enabled {
		return nil
	}
	return logglobal.GetLoggerProvider()
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies. Calls after the first are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// HealthStatus reports which providers failed to start.
type HealthStatus struct {
	Degraded bool
	Reasons  []string
}

// Health returns the startup status. A nil Telemetry is degraded.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true, Reasons: []string{"telemetry not initialized"}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthStatus{
		Degraded: len(t.reasons) > 0,
		Reasons:  append([]string(nil), t.reasons...),
	}
}

func (t *Telemetry) degrade(format string, args ...interface{}) {
	t.mu.Lock()
	t.reasons = append(t.reasons, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
