// Package logger provides structured logging capabilities.
//
// Every package logs through a single zap.Logger built here from the
// loaded configuration: the mode picks the encoder profile, the level sets
// the verbosity floor.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/execbox/execbox/config"
)

// NewFromConfig builds the application logger from the logging section of
// the loaded configuration.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger for the given mode and level. Both encoder profiles
// write to stderr, keeping stdout free for the MCP stdio transport.
func New(mode, level string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}

	var zapCfg zap.Config
	switch mode {
	case "development":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "timestamp"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(logLevel)

	return zapCfg.Build()
}
