package logging

import "go.uber.org/zap/zapcore"

// namespaceCore filters entries by the live level of its namespace.
type namespaceCore struct {
	zapcore.Core
	ns     string
	levels *Levels
}

func (c *namespaceCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.levels.Level(c.ns)
}

func (c *namespaceCore) With(fields []zapcore.Field) zapcore.Core {
	return &namespaceCore{Core: c.Core.With(fields), ns: c.ns, levels: c.levels}
}

func (c *namespaceCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}
