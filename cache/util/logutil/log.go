// Package logutil sets up the process-wide logger.
package logutil

import (
	"os"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the global logger from cfg. An empty level falls back to
// the LOG_LEVEL environment variable, then to info.
func InitLogger(cfg *log.Config) error {
	if cfg.Level == "" {
		cfg.Level = levelFromEnv()
	}
	cfg.Level = strings.ToLower(cfg.Level)
	lg, props, err := log.InitLogger(cfg, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, props)
	return nil
}

func levelFromEnv() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

// LogPanic logs a recovered panic with its stack and exits. Use it deferred at the
// top of long-running goroutines.
func LogPanic() {
	if e := recover(); e != nil {
		log.Fatal("panic", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
