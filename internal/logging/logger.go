// Package logging provides categorized file-based logging for oracle, backed
// by zap. Each category writes to its own file under the configured log
// directory; warnings and errors are mirrored to stderr. When debug mode is
// off, only the stderr mirror is active.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup, config
	CategorySession  Category = "session"  // browser session lifecycle
	CategoryCapture  Category = "capture"  // answer capture strategies
	CategoryReattach Category = "reattach" // session reattachment
	CategoryBrowser  Category = "browser"  // raw page interactions
)

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*zap.Logger)
	baseLevel = zapcore.InfoLevel
	logsDir   string
	debugMode bool
)

// Initialize sets up the logging directory and level. Safe to call once at
// startup; before it is called, L returns a no-op logger.
func Initialize(dir, level string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()

	switch level {
	case "debug":
		baseLevel = zapcore.DebugLevel
	case "warn":
		baseLevel = zapcore.WarnLevel
	case "error":
		baseLevel = zapcore.ErrorLevel
	default:
		baseLevel = zapcore.InfoLevel
	}

	debugMode = debug
	if !debug {
		return nil
	}
	if dir == "" {
		dir = filepath.Join(".oracle", "logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logsDir = dir
	return nil
}

// L returns the logger for a category, creating it on first use.
func L(cat Category) *zap.Logger {
	mu.RLock()
	if lg, ok := loggers[cat]; ok {
		mu.RUnlock()
		return lg
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if lg, ok := loggers[cat]; ok {
		return lg
	}
	lg := build(cat)
	loggers[cat] = lg
	return lg
}

// build assembles the per-category core stack. Caller must hold mu.
func build(cat Category) *zap.Logger {
	stderrEnc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(stderrEnc, zapcore.Lock(os.Stderr), zapcore.WarnLevel),
	}

	if debugMode && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
			cores = append(cores, zapcore.NewCore(fileEnc, zapcore.Lock(f), baseLevel))
		}
	}

	return zap.New(zapcore.NewTee(cores...)).Named(string(cat))
}

// Reset drops all cached loggers. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	for cat, lg := range loggers {
		_ = lg.Sync()
		delete(loggers, cat)
	}
	logsDir = ""
	debugMode = false
	baseLevel = zapcore.InfoLevel
}
