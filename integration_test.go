package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execbox/execbox/config"
	"github.com/execbox/execbox/logger"
	"github.com/execbox/execbox/mcpserver"
	"github.com/execbox/execbox/metrics"
	"github.com/execbox/execbox/sandbox"
	"github.com/execbox/execbox/validator"
)

func integrationConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Transport: "stdio",
			HTTPPort:  8080,
		},
		Sandbox: config.SandboxConfig{
			Enabled: true,
			Backend: "docker",
			Preset:  "testing",
		},
		Docker: config.DockerConfig{
			Image: "python:3.12-slim",
		},
		Logging: config.LoggingConfig{
			Mode:  "development",
			Level: "debug",
		},
	}
}

// TestIntegrationConfigLoggerSandbox tests the integration between config,
// logger, and sandbox packages
func TestIntegrationConfigLoggerSandbox(t *testing.T) {
	t.Run("ConfigAndLoggerIntegration", func(t *testing.T) {
		cfg := integrationConfig()
		require.NoError(t, cfg.Validate())

		testLogger, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		require.NotNil(t, testLogger)

		testLogger.Info("Integration test started")
		_ = testLogger.Sync()
	})

	t.Run("ConfigLoggerRegistryIntegration", func(t *testing.T) {
		cfg := integrationConfig()
		testLogger, err := logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		require.NoError(t, err)

		// The registry construction path must work without a reachable
		// engine: the Docker client only connects on the first Execute.
		registry, err := sandbox.NewRegistry(testLogger, cfg)
		require.NoError(t, err)
		require.NotNil(t, registry)
		assert.NotNil(t, registry.Default())
		assert.Equal(t, []string{"docker"}, registry.Names())
	})

	t.Run("ConfigToLimitsIntegration", func(t *testing.T) {
		cfg := integrationConfig()
		cfg.Sandbox.TimeoutSec = 15
		cfg.Sandbox.Memory = "256m"

		limits, err := sandbox.LimitsFromConfig(cfg)
		require.NoError(t, err)

		// Preset values with the explicit overrides applied on top.
		assert.Equal(t, 15, limits.TimeoutSec())
		assert.Equal(t, 256, limits.MemoryMB())
		assert.Equal(t, sandbox.NetworkNone, limits.Network())
	})

	t.Run("FullMCPIntegration", func(t *testing.T) {
		cfg := integrationConfig()
		testLogger, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)

		registry, err := sandbox.NewRegistry(testLogger, cfg)
		require.NoError(t, err)

		server, err := mcpserver.New(cfg, testLogger, registry, metrics.NewNop())
		require.NoError(t, err)
		require.NotNil(t, server)
		assert.NotNil(t, server.GetMCPServer())
	})
}

// TestIntegrationValidatorConfig tests that the configured import allow-list
// reaches the validator unchanged
func TestIntegrationValidatorConfig(t *testing.T) {
	cfg := integrationConfig()
	cfg.Validator.AllowedImports = []string{"numpy", "pandas"}

	result := validator.Validate("import numpy\nimport pandas", cfg.Validator.AllowedImports)
	assert.True(t, result.Valid, "violations: %v", result.Violations)

	result = validator.Validate("import math", cfg.Validator.AllowedImports)
	assert.False(t, result.Valid, "the configured list replaces the default, not extends it")
}
