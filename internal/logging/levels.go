package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/teamflow/config"
)

// RootNamespace is the namespace every teamflow logger lives under.
const RootNamespace = "teamflow"

// Levels is a registry of per-namespace log levels sharing one output core.
type Levels struct {
	mu       sync.RWMutex
	fallback zapcore.Level
	levels   map[string]zapcore.Level

	base    zapcore.Core
	opts    []zap.Option
	closeFn func()
}

// New builds the output core from cfg and applies its levels.
func New(cfg config.LogConfig) (*Levels, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	paths := cfg.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}
	sink, closeFn, err := zap.Open(paths...)
	if err != nil {
		return nil, fmt.Errorf("open log outputs: %w", err)
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// 底层 core 放行所有级别，过滤交给 namespaceCore
	l := newLevels(zapcore.NewCore(encoder, sink, zapcore.DebugLevel), level, opts...)
	l.closeFn = closeFn
	for ns, lvl := range cfg.Levels {
		if err := l.SetLevelText(ns, lvl); err != nil {
			closeFn()
			return nil, err
		}
	}
	return l, nil
}

// NewWithCore wraps an existing core, mainly for tests using zaptest/observer.
func NewWithCore(core zapcore.Core, fallback zapcore.Level) *Levels {
	return newLevels(core, fallback)
}

// NewNop returns a registry whose loggers discard everything.
func NewNop() *Levels {
	return newLevels(zapcore.NewNopCore(), zapcore.InfoLevel)
}

func newLevels(core zapcore.Core, fallback zapcore.Level, opts ...zap.Option) *Levels {
	return &Levels{
		fallback: fallback,
		levels:   make(map[string]zapcore.Level),
		base:     core,
		opts:     opts,
	}
}

// Logger returns a logger for the namespace ns. The logger name is ns.
func (l *Levels) Logger(ns string) *zap.Logger {
	core := &namespaceCore{Core: l.base, ns: ns, levels: l}
	return zap.New(core, l.opts...).Named(ns)
}

// Root returns the logger of RootNamespace.
func (l *Levels) Root() *zap.Logger {
	return l.Logger(RootNamespace)
}

// SetLevel pins the level of ns and, implicitly, of every namespace below it
// that has no level of its own.
func (l *Levels) SetLevel(ns string, level zapcore.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[ns] = level
}

// SetLevelText is SetLevel with a textual level.
func (l *Levels) SetLevelText(ns, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return fmt.Errorf("namespace %s: %w", ns, err)
	}
	l.SetLevel(ns, lvl)
	return nil
}

// Level resolves the effective level of ns: its own level, else the closest
// ancestor's, else the fallback level.
func (l *Levels) Level(ns string) zapcore.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resolve(ns)
}

func (l *Levels) resolve(ns string) zapcore.Level {
	for name := ns; name != ""; {
		if lvl, ok := l.levels[name]; ok {
			return lvl
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return l.fallback
}

// EnableDebug sets ns and every namespace configured below it to Debug.
func (l *Levels) EnableDebug(ns string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[ns] = zapcore.DebugLevel
	prefix := ns + "."
	for name := range l.levels {
		if strings.HasPrefix(name, prefix) {
			l.levels[name] = zapcore.DebugLevel
		}
	}
}

// ApplyConfig replaces the fallback level and all namespace levels with those
// of cfg. Used on config reload; output settings are not changed.
func (l *Levels) ApplyConfig(cfg config.LogConfig) error {
	fallback, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	levels := make(map[string]zapcore.Level, len(cfg.Levels))
	for ns, text := range cfg.Levels {
		lvl, err := ParseLevel(text)
		if err != nil {
			return fmt.Errorf("namespace %s: %w", ns, err)
		}
		levels[ns] = lvl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = fallback
	l.levels = levels
	return nil
}

// Namespaces lists namespaces with an explicit level, sorted.
func (l *Levels) Namespaces() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.levels))
	for ns := range l.levels {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Sync flushes the output core.
func (l *Levels) Sync() error {
	return l.base.Sync()
}

// Close flushes and releases the outputs opened by New.
func (l *Levels) Close() {
	_ = l.base.Sync()
	if l.closeFn != nil {
		l.closeFn()
	}
}

// ParseLevel 解析日志级别，空字符串视为 info
func ParseLevel(text string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", text)
	}
}
