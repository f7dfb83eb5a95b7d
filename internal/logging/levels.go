package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. Per-record parser detail is logged here and
// is almost always filtered in production.
const TraceLevel = zapcore.Level(-2)

// ParseLevel parses a level name, case-insensitively. It accepts "trace" in
// addition to zap's names; the empty string is Info.
func ParseLevel(s string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Level is the configured minimum level. It decodes from config files and
// LOGGING_LEVEL like zapcore.Level, plus "trace".
type Level zapcore.Level

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	lvl, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = Level(lvl)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l Level) String() string {
	if zapcore.Level(l) == TraceLevel {
		return "trace"
	}
	return zapcore.Level(l).String()
}

// Zap returns the zap level.
func (l Level) Zap() zapcore.Level { return zapcore.Level(l) }
