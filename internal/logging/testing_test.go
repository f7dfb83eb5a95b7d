package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// failureTB records Errorf calls so assertion helpers can be checked for
// both outcomes.
type failureTB struct {
	testing.TB
	failures []string
}

func (f *failureTB) Helper() {}

func (f *failureTB) Errorf(format string, args ...interface{}) {
	f.failures = append(f.failures, fmt.Sprintf(format, args...))
}

func TestTestLogger_Assertions(t *testing.T) {
	tests := []struct {
		name   string
		log    func(*zap.Logger)
		assert func(*TestLogger, testing.TB)
		fails  bool
	}{
		{
			name:   "logged at level",
			log:    func(l *zap.Logger) { l.Warn("message skipped", zap.String("reason", "bad timestamp")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertLogged(tb, zapcore.WarnLevel, "skipped") },
		},
		{
			name:   "logged at other level",
			log:    func(l *zap.Logger) { l.Info("message skipped") },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertLogged(tb, zapcore.WarnLevel, "skipped") },
			fails:  true,
		},
		{
			name:   "not logged",
			log:    func(l *zap.Logger) { l.Info("job completed") },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNotLogged(tb, zapcore.ErrorLevel, "job") },
		},
		{
			name:   "unexpectedly logged",
			log:    func(l *zap.Logger) { l.Error("job failed") },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNotLogged(tb, zapcore.ErrorLevel, "job") },
			fails:  true,
		},
		{
			name:   "field present",
			log:    func(l *zap.Logger) { l.Debug("media extraction failed", zap.String("ref_id", "r1")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertField(tb, "extraction failed", "ref_id", "r1") },
		},
		{
			name:   "field value differs",
			log:    func(l *zap.Logger) { l.Debug("media extraction failed", zap.String("ref_id", "r2")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertField(tb, "extraction failed", "ref_id", "r1") },
			fails:  true,
		},
		{
			name:   "no secrets",
			log:    func(l *zap.Logger) { l.Info("store opened", zap.String("driver", "sqlite")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNoSecrets(tb) },
		},
		{
			name:   "redacted secret",
			log:    func(l *zap.Logger) { l.Info("store opened", zap.String("dsn", "[REDACTED:40]")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNoSecrets(tb) },
		},
		{
			name:   "plain secret field",
			log:    func(l *zap.Logger) { l.Info("store opened", zap.String("password", "hunter2")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNoSecrets(tb) },
			fails:  true,
		},
		{
			name:   "dsn in value",
			log:    func(l *zap.Logger) { l.Info("connect", zap.String("url", "postgres://u:pw@db/x")) },
			assert: func(tl *TestLogger, tb testing.TB) { tl.AssertNoSecrets(tb) },
			fails:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTestLogger()
			tt.log(tl.Underlying())

			tb := &failureTB{TB: t}
			tt.assert(tl, tb)
			if tt.fails {
				assert.NotEmpty(t, tb.failures)
			} else {
				assert.Empty(t, tb.failures)
			}
		})
	}
}

func TestTestLogger_CountAndReset(t *testing.T) {
	tl := NewTestLogger()
	l := tl.Underlying()

	l.Check(TraceLevel, "record decoded").Write()
	l.Debug("record decoded")
	l.Info("archive parsed")

	assert.Equal(t, 2, tl.Count("record decoded"))
	assert.Len(t, tl.All(), 3)

	tl.Reset()
	assert.Empty(t, tl.All())
}
