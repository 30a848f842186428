package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	gethlog "github.com/ethereum/go-ethereum/log"
)

const (
	TCG     = "tcg"     // host code generation
	TB      = "tb"      // translation block cache
	CPU     = "cpu"     // execution loop
	Helper  = "helper"  // helper registration and dispatch
	Syscall = "syscall" // safe syscalls and guest signals
	Machine = "machine" // host machine model
	Engine  = "engine"  // translation engine
	PVM     = "pvm"     // pvm frontend
)

var root atomic.Value

func init() {
	root.Store(NewLogger(gethlog.DiscardHandler()))
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// InitLogger installs a terminal logger on stderr at the given level.
func InitLogger(logLevel string) error {
	return InitLoggerTo(os.Stderr, logLevel, true)
}

func InitLoggerTo(w io.Writer, logLevel string, useColor bool) error {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		return err
	}
	SetDefault(NewLogger(gethlog.NewTerminalHandlerWithLevel(w, logLvl, useColor)))
	return nil
}

// SetDefault replaces the root logger and slog's default.
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

func Root() Logger {
	return root.Load().(Logger)
}

var (
	moduleMu      sync.RWMutex
	moduleEnabled = map[string]bool{}
)

// EnableModule enables debug and trace logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = true
	moduleMu.Unlock()
}

// EnableModules takes a comma separated list, e.g. "tcg,tb".
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		if m = strings.TrimSpace(m); m != "" {
			EnableModule(m)
		}
	}
}

func DisableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = false
	moduleMu.Unlock()
}

func isModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	return moduleEnabled[module]
}

// For returns the root logger bound to module.
func For(module string) *ModuleLogger { return Root().Module(module) }

// Trace and Debug only write for modules switched on with EnableModule.
func Trace(module string, msg string, attrs ...any) { For(module).Trace(msg, attrs...) }
func Debug(module string, msg string, attrs ...any) { For(module).Debug(msg, attrs...) }
func Info(module string, msg string, attrs ...any)  { For(module).Info(msg, attrs...) }
func Warn(module string, msg string, attrs ...any)  { For(module).Warn(msg, attrs...) }
func Error(module string, msg string, attrs ...any) { For(module).Error(msg, attrs...) }
func Crit(module string, msg string, attrs ...any)  { For(module).Crit(msg, attrs...) }
