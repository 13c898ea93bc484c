package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// InitLogger builds the process logger for env. level overrides the
// environment's default level when set ("debug", "info", "warn", "error").
func InitLogger(env, level string) error {
	var cfg zap.Config

	switch env {
	case "test":
		logger = zap.NewNop()
		return nil
	case "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	// stdout belongs to command output in the agent
	cfg.OutputPaths = []string{"stderr"}

	built, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = built.With(zap.String("env", env))
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the process logger, falling back to a development
// logger when InitLogger was never called.
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// Named returns the process logger scoped to a component.
func Named(component string) *zap.Logger {
	return GetLogger().Named(component)
}

func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
