// Package main is the entry point for the Execbox MCP server.
//
// The Execbox server implements a secure, configurable Model Context
// Protocol (MCP) server that executes untrusted Python code in ephemeral
// sandboxes (Docker containers or Kubernetes batch jobs) after static
// validation. Code execution is disabled until an operator turns the
// feature flag on.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/execbox/execbox/config"
	"github.com/execbox/execbox/logger"
	"github.com/execbox/execbox/mcpserver"
	"github.com/execbox/execbox/metrics"
	"github.com/execbox/execbox/sandbox"
)

func newRecorder(cfg *config.Config) metrics.Recorder {
	if cfg.Metrics.Enabled {
		return metrics.NewPrometheus(prometheus.DefaultRegisterer)
	}
	return metrics.NewNop()
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Outcome metrics hooks
			newRecorder,

			// Sandbox backends from config
			sandbox.NewRegistry,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
