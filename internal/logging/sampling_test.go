package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/archivist/internal/config"
)

func sampledLogger(t *testing.T, levels map[string]LevelSamplingConfig) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, observed := observer.New(TraceLevel)
	sampled, err := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels:  levels,
	})
	require.NoError(t, err)
	return zap.New(sampled), observed
}

func TestNewSampledCore_Disabled(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	sampled, err := newSampledCore(core, SamplingConfig{Enabled: false, Levels: DefaultLevelSampling()})
	require.NoError(t, err)
	assert.Equal(t, core, sampled)
}

func TestNewSampledCore_UnknownLevel(t *testing.T) {
	core, _ := observer.New(zapcore.InfoLevel)

	_, err := newSampledCore(core, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Second),
		Levels:  map[string]LevelSamplingConfig{"chatty": {Initial: 1}},
	})
	assert.Error(t, err)
}

func TestNewSampledCore_PerLevelBudgets(t *testing.T) {
	tests := []struct {
		name  string
		level zapcore.Level
		want  int
	}{
		{"trace keeps one", TraceLevel, 1},
		{"debug keeps initial burst", zapcore.DebugLevel, 20},
		{"info keeps initial then every tenth", zapcore.InfoLevel, 100 + 10},
		{"error is never sampled", zapcore.ErrorLevel, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, observed := sampledLogger(t, DefaultLevelSampling())
			for i := 0; i < 300; i++ {
				if ce := logger.Check(tt.level, "repeated"); ce != nil {
					ce.Write()
				}
			}
			assert.Equal(t, tt.want, observed.Len())
		})
	}
}

func TestNewSampledCore_BudgetsAreIndependent(t *testing.T) {
	logger, observed := sampledLogger(t, map[string]LevelSamplingConfig{
		"debug": {Initial: 2},
	})

	for i := 0; i < 10; i++ {
		logger.Debug("asset skipped")
	}
	logger.Info("asset skipped")
	logger.Warn("asset skipped")

	assert.Equal(t, 2, observed.FilterLevelExact(zapcore.DebugLevel).Len())
	assert.Equal(t, 1, observed.FilterLevelExact(zapcore.InfoLevel).Len())
	assert.Equal(t, 1, observed.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestFilterCore(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	only := newFilterCore(core, func(l zapcore.Level) bool { return l == zapcore.WarnLevel })

	assert.True(t, only.Enabled(zapcore.WarnLevel))
	assert.False(t, only.Enabled(zapcore.InfoLevel))

	logger := zap.New(only.With([]zapcore.Field{zap.String("archive_id", "a1")}))
	logger.Info("dropped")
	logger.Warn("kept")

	require.Equal(t, 1, observed.Len())
	entry := observed.All()[0]
	assert.Equal(t, "kept", entry.Message)
	assert.Equal(t, "a1", entry.ContextMap()["archive_id"])
}
