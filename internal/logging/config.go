package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

// maxPatternLen bounds redaction patterns; they run against every string
// field the daemon logs.
const maxPatternLen = 200

// Config is the "logging" section.
type Config struct {
	Level  Level  `koanf:"level"`
	Format string `koanf:"format"` // json or console
	// Stdout writes encoded entries to standard output.
	Stdout bool `koanf:"stdout"`
	// OTEL also ships entries through the otelzap bridge when the
	// telemetry layer provides a log provider.
	OTEL bool `koanf:"otel"`
	// Caller adds file:line to every entry.
	Caller bool `koanf:"caller"`
	// StacktraceLevel attaches stacks at and above this level.
	StacktraceLevel Level             `koanf:"stacktrace_level"`
	Sampling        SamplingConfig    `koanf:"sampling"`
	Fields          map[string]string `koanf:"fields"`
	Redaction       RedactionConfig   `koanf:"redaction"`
}

// SamplingConfig limits repeated messages per tick. Levels maps a level
// name to its budget; levels without an entry, and Error and above, are
// never sampled.
type SamplingConfig struct {
	Enabled bool                           `koanf:"enabled"`
	Tick    config.Duration                `koanf:"tick"`
	Levels  map[string]LevelSamplingConfig `koanf:"levels"`
}

// LevelSamplingConfig keeps the first Initial entries of a message per
// tick, then every Thereafter-th (none when zero).
type LevelSamplingConfig struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// RedactionConfig masks sensitive keys and values in encoded output.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// NewDefaultConfig returns JSON logging at Info to stdout, sampled below
// Error, with credential redaction.
func NewDefaultConfig() *Config {
	return &Config{
		Level:           Level(zapcore.InfoLevel),
		Format:          "json",
		Stdout:          true,
		Caller:          true,
		StacktraceLevel: Level(zapcore.ErrorLevel),
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Levels:  DefaultLevelSampling(),
		},
		Fields: map[string]string{"service": "archivistd"},
		Redaction: RedactionConfig{
			Enabled: true,
			Fields: []string{
				"password", "secret", "token", "api_key", "authorization",
				"dsn", "qdrant_api_key", "openai_api_key",
			},
			Patterns: []string{
				`(?i)bearer\s+\S+`,
				`(?i)api[_-]?key[=:]\s*\S+`,
				// Postgres DSNs carry the password in the userinfo.
				`(?i)postgres(ql)?://[^:/\s]+:[^@\s]+@`,
			},
		},
	}
}

// DefaultLevelSampling keeps every distinct per-asset or per-message line
// for the first burst of a job and thins the rest.
func DefaultLevelSampling() map[string]LevelSamplingConfig {
	return map[string]LevelSamplingConfig{
		"trace": {Initial: 1, Thereafter: 0},
		"debug": {Initial: 20, Thereafter: 0},
		"info":  {Initial: 100, Thereafter: 10},
		"warn":  {Initial: 100, Thereafter: 100},
	}
}

// Validate checks the section.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		for name, rate := range c.Sampling.Levels {
			if _, err := ParseLevel(name); err != nil {
				return fmt.Errorf("sampling: %w", err)
			}
			if rate.Initial < 0 || rate.Thereafter < 0 {
				return fmt.Errorf("sampling %s: initial and thereafter must be >= 0", name)
			}
		}
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars)", maxPatternLen)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
