// Package logging provides per-module structured loggers on top of
// log/slog. Each module gets its own logger with a runtime-adjustable
// level, configured from the [logging] table of the config file. Records
// additionally land in an in-memory ring buffer so recent history can be
// published over the command bus for remote diagnostics.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

const defaultHistorySize = 500

// Logger is a duck-typed interface satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mu              sync.RWMutex
	globalConfig    Config
	initialized     bool
	globalLevelVar  = &slog.LevelVar{}
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	history         *Ring
	entryCallback   EntryCallback
)

// Initialize sets up the logging system. Loggers created before Initialize
// are re-pointed at the configured level and handler chain.
func Initialize(config Config) {
	mu.Lock()
	defer mu.Unlock()

	globalConfig = config
	initialized = true
	history = NewRing(defaultHistorySize)

	globalLevelVar.Set(parseLevel(config.Level))

	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(config, module))
		moduleLoggers[module] = slog.New(buildHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(buildHandler(config.Format, globalLevelVar)))
}

// GetLogger returns the logger for a module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mu.RLock()
	if logger, ok := moduleLoggers[module]; ok {
		mu.RUnlock()
		return logger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if logger, ok := moduleLoggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	format := "text"
	if initialized {
		levelVar.Set(moduleLevel(globalConfig, module))
		format = globalConfig.Format
	} else {
		levelVar.Set(slog.LevelInfo)
	}

	logger := slog.New(buildHandler(format, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// History returns the ring buffer of recent entries, or nil before
// Initialize.
func History() *Ring {
	mu.RLock()
	defer mu.RUnlock()
	return history
}

// SetEntryCallback registers a callback invoked for every record at or
// above warn level. Used to publish log events on the command bus without
// an import cycle.
func SetEntryCallback(cb EntryCallback) {
	mu.Lock()
	defer mu.Unlock()
	entryCallback = cb
}

// buildHandler assembles the handler chain: stdout plus the ring buffer.
func buildHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdout slog.Handler
	if format == "json" {
		stdout = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdout = slog.NewTextHandler(os.Stdout, opts)
	}

	return NewMultiHandler(stdout, NewRingHandler(level))
}

// moduleLevel resolves the effective level for a module.
func moduleLevel(config Config, module string) slog.Level {
	if levelStr, ok := config.Modules[module]; ok {
		return parseLevel(levelStr)
	}
	return parseLevel(config.Level)
}

// parseLevel converts a string level to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
