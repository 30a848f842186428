package log

import (
	"context"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelCrit:  "crit",
}

func LevelString(l slog.Level) string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// Logger writes key/value records tagged with the subsystem that produced
// them.
type Logger interface {
	// With returns a Logger that adds attrs to every record.
	With(attrs ...any) Logger
	// Module returns a Logger bound to one subsystem.
	Module(name string) *ModuleLogger

	Write(level slog.Level, module string, msg string, attrs ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) With(attrs ...any) Logger { return &logger{l.inner.With(attrs...)} }

func (l *logger) Module(name string) *ModuleLogger { return &ModuleLogger{l: l, name: name} }

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.Add("mod", module)
	}
	r.Add(attrs...)
	l.inner.Handler().Handle(context.Background(), r)
}

// ModuleLogger applies the module switches to one subsystem's records:
// trace and debug output only appears for enabled modules.
type ModuleLogger struct {
	l    Logger
	name string
}

func (m *ModuleLogger) Name() string { return m.name }

func (m *ModuleLogger) verbose(level slog.Level, msg string, attrs []any) {
	if isModuleEnabled(m.name) {
		m.l.Write(level, m.name, msg, attrs...)
	}
}

func (m *ModuleLogger) Trace(msg string, attrs ...any) { m.verbose(LevelTrace, msg, attrs) }
func (m *ModuleLogger) Debug(msg string, attrs ...any) { m.verbose(LevelDebug, msg, attrs) }
func (m *ModuleLogger) Info(msg string, attrs ...any)  { m.l.Write(LevelInfo, m.name, msg, attrs...) }
func (m *ModuleLogger) Warn(msg string, attrs ...any)  { m.l.Write(LevelWarn, m.name, msg, attrs...) }
func (m *ModuleLogger) Error(msg string, attrs ...any) { m.l.Write(LevelError, m.name, msg, attrs...) }

// Crit logs and exits the process.
func (m *ModuleLogger) Crit(msg string, attrs ...any) {
	m.l.Write(LevelCrit, m.name, msg, attrs...)
	os.Exit(1)
}
