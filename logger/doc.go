// Package logger provides structured logging capabilities.
//
// The logger package builds the application's zap.Logger from configuration.
// Log output goes to stderr on both encoder profiles so the MCP stdio
// transport keeps stdout to itself.
//
// Usage:
//
//	logger, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	logger.Info("sandbox ready", zap.String("backend", "docker"))
package logger
