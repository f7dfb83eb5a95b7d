package logging

import (
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry at TraceLevel and above so tests can assert
// what a service logged. Inject Underlying() wherever a *zap.Logger is taken.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core)},
		observed: observed,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// Count returns how many entries contain msg.
func (t *TestLogger) Count(msg string) int {
	return t.matching(msg).Len()
}

// Reset drops the recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

func (t *TestLogger) matching(msg string) *observer.ObservedLogs {
	return t.observed.Filter(func(e observer.LoggedEntry) bool {
		return strings.Contains(e.Message, msg)
	})
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.matching(msg).All() {
		if e.Level == level {
			return
		}
	}
	tb.Errorf("expected %v entry containing %q, got %d entries", level, msg, t.observed.Len())
}

// AssertNotLogged fails tb if any entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	for _, e := range t.matching(msg).All() {
		if e.Level == level {
			tb.Errorf("unexpected %v entry containing %q", level, msg)
			return
		}
	}
}

// AssertField fails tb unless an entry containing msg carries key with the
// given value. Values are compared through their logged representation.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.matching(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry containing %q has %s=%v", msg, key, want)
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+\S+`),
	regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`),
	regexp.MustCompile(`(?i)postgres(ql)?://[^:/\s]+:[^@\s]+@`),
}

// AssertNoSecrets fails tb if a recorded message or string field looks like
// a credential, or a sensitive key holds an unredacted value.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	keys := NewDefaultConfig().Redaction.Fields
	for _, e := range t.observed.All() {
		for _, re := range secretPatterns {
			if re.MatchString(e.Message) {
				tb.Errorf("credential in message %q", e.Message)
			}
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			for _, re := range secretPatterns {
				if re.MatchString(f.String) {
					tb.Errorf("credential in field %q", f.Key)
				}
			}
			for _, k := range keys {
				if strings.EqualFold(f.Key, k) && f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
					tb.Errorf("field %q not redacted", f.Key)
				}
			}
		}
	}
}
