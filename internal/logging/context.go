package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if owner := OwnerFromContext(ctx); owner != "" {
		fields = append(fields, zap.String("owner.id", owner))
	}
	if jobID := JobIDFromContext(ctx); jobID != "" {
		fields = append(fields, zap.String("job.id", jobID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type ownerCtxKey struct{}
type jobCtxKey struct{}
type requestCtxKey struct{}

const (
	maxOwnerLen = 128
	maxIDLen    = 128
)

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateOwner accepts any printable UTF-8 owner up to maxOwnerLen bytes.
// Owners are opaque strings chosen by the caller, often email addresses.
func validateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("owner cannot be empty")
	}
	if !utf8.ValidString(owner) {
		return fmt.Errorf("owner contains invalid UTF-8")
	}
	if len(owner) > maxOwnerLen {
		return fmt.Errorf("owner exceeds max length %d", maxOwnerLen)
	}
	for _, r := range owner {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("owner contains control characters")
		}
	}
	return nil
}

// validateID validates a job or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// OwnerFromContext extracts the owner from context.
func OwnerFromContext(ctx context.Context) string {
	if o, ok := ctx.Value(ownerCtxKey{}).(string); ok {
		return o
	}
	return ""
}

// WithOwner adds the owner to context.
// Panics if owner is empty or malformed.
func WithOwner(ctx context.Context, owner string) context.Context {
	if err := validateOwner(owner); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, ownerCtxKey{}, owner)
}

// JobIDFromContext extracts the archive job ID from context.
func JobIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(jobCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithJobID adds the archive job ID to context.
// Panics if jobID is empty or contains invalid characters.
func WithJobID(ctx context.Context, jobID string) context.Context {
	if err := validateID(jobID, "jobID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, jobCtxKey{}, jobID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
//
// Request IDs may come from clients, so unlike WithOwner and WithJobID an
// invalid ID is dropped instead of panicking.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}
