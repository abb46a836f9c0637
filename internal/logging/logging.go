// Package logging provides categorized file-based debug logging.
// Logs go to <data-dir>/logs/amq.log; nothing is written unless debug
// logging is enabled, and nothing ever goes to the interactive stream.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.SugaredLogger = zap.NewNop().Sugar()
)

// Init configures the file logger under dataDir. Called once at
// startup when debug logging is enabled; before Init (or when debug is
// off) all loggers are no-ops.
func Init(dataDir string) error {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(logDir, "amq.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	root = logger.Sugar()
	mu.Unlock()
	return nil
}

// Named returns a category-tagged logger (coordinator, dispatch,
// storage, worker, ...).
func Named(category string) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(category)
}

// Sync flushes buffered log entries. Safe to call on a no-op logger.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
