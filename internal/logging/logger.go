package logging

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// instrumentationScope names the otelzap bridge logger.
const instrumentationScope = "github.com/fyrsmithlabs/archivist"

// Logger owns the daemon's root zap logger. Packages take Underlying() and
// add their own fields.
type Logger struct {
	zap *zap.Logger
}

// NewLogger builds the logger described by cfg. otelProvider may be nil, in
// which case the OTEL output is skipped even when enabled.
func NewLogger(cfg *Config, otelProvider log.LoggerProvider) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	core, err := newCore(cfg, cfg.Level.Zap(), zapcore.Lock(os.Stdout), otelProvider)
	if err != nil {
		return nil, err
	}

	opts := []zap.Option{zap.AddStacktrace(cfg.StacktraceLevel.Zap())}
	if cfg.Caller {
		opts = append(opts, zap.AddCaller())
	}
	if len(cfg.Fields) > 0 {
		keys := make([]string, 0, len(cfg.Fields))
		for k := range cfg.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]zap.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, zap.String(k, cfg.Fields[k]))
		}
		opts = append(opts, zap.Fields(fields...))
	}

	return &Logger{zap: zap.New(core, opts...)}, nil
}

// newCore tees the enabled outputs and applies sampling over the result.
// stdout receives the encoded entries when cfg.Stdout is set.
func newCore(cfg *Config, level zapcore.LevelEnabler, stdout zapcore.WriteSyncer, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	var cores []zapcore.Core
	if cfg.Stdout {
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "ts"
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		enc.EncodeLevel = encodeLevel

		var base zapcore.Encoder
		if cfg.Format == "console" {
			base = zapcore.NewConsoleEncoder(enc)
		} else {
			base = zapcore.NewJSONEncoder(enc)
		}
		encoder, err := NewRedactingEncoder(base, cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, stdout, level))
	}
	if cfg.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(instrumentationScope, otelzap.WithLoggerProvider(otelProvider))
		cores = append(cores, newFilterCore(bridge, level.Enabled))
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no log output available: stdout disabled and no OTEL log provider")
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling)
}

// encodeLevel prints TraceLevel as "trace" instead of "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// Underlying returns the root *zap.Logger.
func (l *Logger) Underlying() *zap.Logger { return l.zap }

// Sync flushes buffered entries. EINVAL and ENOTTY from syncing a terminal
// or pipe are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
