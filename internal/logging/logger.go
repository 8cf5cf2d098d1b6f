// Package logging provides config-driven categorized logging for stratum.
// Logs are written to .stratum/logs/ with one file per category.
// Logging is controlled by debug_mode - when false, every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryPerformance Category = "performance" // Slow operations

	// Runtime categories
	CategoryReify      Category = "reify"      // Strategy reification and tree cache
	CategoryNavigation Category = "navigation" // Hint-driven tree walks
	CategoryTrace      Category = "trace"      // Node and answer id minting
	CategorySearch     Category = "search"     // Search policies (DFS, streams)
	CategoryAbduction  Category = "abduction"  // Abduction policy internals

	// Outer layers
	CategoryDemo   Category = "demo"   // Demonstration interpreter
	CategoryCache  Category = "cache"  // Answer cache
	CategoryRunner Category = "runner" // Run-strategy command
	CategoryLogic  Category = "logic"  // Mangle knowledge base
)

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a sugared zap logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	// sink, when set, receives every category instead of per-category files.
	sink *zap.Logger
)

// Initialize sets up the logging directory from the given config.
// Should be called once at startup with the workspace path.
func Initialize(workspace string, cfg Config) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	configMu.Lock()
	config = cfg
	configMu.Unlock()

	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	if !cfg.DebugMode {
		return nil
	}

	dir := filepath.Join(workspace, ".stratum", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== stratum logging initialized ===")
	boot.Info("Logs directory: %s", dir)
	boot.Info("Log level: %s", lvl)
	if len(cfg.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

// UseLogger routes every category through z instead of the per-category files.
// Passing nil restores file output.
func UseLogger(z *zap.Logger) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	sink = z
	loggers = make(map[Category]*Logger)
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return nop(category)
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	dir, s := logsDir, sink
	loggersMu.RUnlock()

	if s == nil && (dir == "" || !IsDebugMode()) {
		return nop(category)
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	z := s
	if z == nil {
		built, err := build(dir, category)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
			return nop(category)
		}
		z = built
	}
	l := &Logger{category: category, sugar: z.Named(string(category)).Sugar()}
	loggers[category] = l
	return l
}

func build(dir string, category Category) (*zap.Logger, error) {
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.OutputPaths = []string{logPath}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.Sampling = nil
	configMu.RLock()
	jsonFormat := config.JSONFormat
	configMu.RUnlock()
	if !jsonFormat {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	z, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", logPath, err)
	}
	return z, nil
}

func nop(category Category) *Logger {
	return &Logger{category: category, sugar: zap.NewNop().Sugar()}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a logger carrying the given key-value pairs on every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// CloseAll flushes every open logger and forgets them.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})            { Get(CategoryBoot).Info(format, args...) }
func Reify(format string, args ...interface{})           { Get(CategoryReify).Info(format, args...) }
func ReifyDebug(format string, args ...interface{})      { Get(CategoryReify).Debug(format, args...) }
func Navigation(format string, args ...interface{})      { Get(CategoryNavigation).Info(format, args...) }
func NavigationDebug(format string, args ...interface{}) { Get(CategoryNavigation).Debug(format, args...) }
func TraceDebug(format string, args ...interface{})      { Get(CategoryTrace).Debug(format, args...) }
func Search(format string, args ...interface{})          { Get(CategorySearch).Info(format, args...) }
func SearchDebug(format string, args ...interface{})     { Get(CategorySearch).Debug(format, args...) }
func Abduction(format string, args ...interface{})       { Get(CategoryAbduction).Info(format, args...) }
func AbductionDebug(format string, args ...interface{})  { Get(CategoryAbduction).Debug(format, args...) }
func Demo(format string, args ...interface{})            { Get(CategoryDemo).Info(format, args...) }
func DemoDebug(format string, args ...interface{})       { Get(CategoryDemo).Debug(format, args...) }
func DemoWarn(format string, args ...interface{})        { Get(CategoryDemo).Warn(format, args...) }
func Cache(format string, args ...interface{})           { Get(CategoryCache).Info(format, args...) }
func CacheDebug(format string, args ...interface{})      { Get(CategoryCache).Debug(format, args...) }
func CacheError(format string, args ...interface{})      { Get(CategoryCache).Error(format, args...) }
func Runner(format string, args ...interface{})          { Get(CategoryRunner).Info(format, args...) }
func RunnerDebug(format string, args ...interface{})     { Get(CategoryRunner).Debug(format, args...) }
func Logic(format string, args ...interface{})           { Get(CategoryLogic).Info(format, args...) }
func LogicDebug(format string, args ...interface{})      { Get(CategoryLogic).Debug(format, args...) }

// =============================================================================
// TIMERS
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a performance warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("%s/%s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
