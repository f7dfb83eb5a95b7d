package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// newSampledCore gives every configured level its own sampler so a flood of
// per-asset debug lines cannot eat the info budget. Error and above bypass
// sampling entirely.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) (zapcore.Core, error) {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core, nil
	}

	sampled := make(map[zapcore.Level]bool, len(cfg.Levels))
	cores := make([]zapcore.Core, 0, len(cfg.Levels)+1)
	for name, rate := range cfg.Levels {
		lvl, err := ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("sampling: %w", err)
		}
		if lvl >= zapcore.ErrorLevel || sampled[lvl] {
			continue
		}
		sampled[lvl] = true
		only := newFilterCore(core, func(l zapcore.Level) bool { return l == lvl })
		cores = append(cores, zapcore.NewSamplerWithOptions(only, cfg.Tick.Duration(), rate.Initial, rate.Thereafter))
	}
	cores = append(cores, newFilterCore(core, func(l zapcore.Level) bool { return !sampled[l] }))
	return zapcore.NewTee(cores...), nil
}

// filterCore passes only the levels keep accepts.
type filterCore struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func newFilterCore(core zapcore.Core, keep func(zapcore.Level) bool) *filterCore {
	return &filterCore{Core: core, keep: keep}
}

func (c *filterCore) Enabled(lvl zapcore.Level) bool {
	return c.keep(lvl) && c.Core.Enabled(lvl)
}

func (c *filterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.keep(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *filterCore) With(fields []zapcore.Field) zapcore.Core {
	return &filterCore{Core: c.Core.With(fields), keep: c.keep}
}
