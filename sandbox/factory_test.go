package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/execbox/execbox/config"
)

func registryConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Enabled: true,
			Backend: "docker",
			Preset:  "production",
		},
		Docker: config.DockerConfig{Image: "python:3.12-slim"},
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("DefaultBackend", func(t *testing.T) {
		r, err := NewRegistry(zaptest.NewLogger(t), registryConfig())
		require.NoError(t, err)

		assert.NotNil(t, r.Default())
		assert.IsType(t, &DockerSandbox{}, r.Default())
		assert.Equal(t, []string{"docker"}, r.Names())
	})

	t.Run("GetByName", func(t *testing.T) {
		r, err := NewRegistry(zaptest.NewLogger(t), registryConfig())
		require.NoError(t, err)

		backend, err := r.Get("docker")
		require.NoError(t, err)
		assert.Same(t, r.Default(), backend)
	})

	t.Run("GetUnconfigured", func(t *testing.T) {
		r, err := NewRegistry(zaptest.NewLogger(t), registryConfig())
		require.NoError(t, err)

		_, err = r.Get("kubernetes")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not configured")
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.Backend = "firecracker"
		_, err := NewRegistry(zaptest.NewLogger(t), cfg)
		require.Error(t, err)
	})
}

func TestLimitsFromConfig(t *testing.T) {
	t.Run("PresetOnly", func(t *testing.T) {
		limits, err := LimitsFromConfig(registryConfig())
		require.NoError(t, err)

		// The production preset untouched.
		assert.Equal(t, 30, limits.TimeoutSec())
		assert.Equal(t, 512, limits.MemoryMB())
		assert.Equal(t, NetworkAllowlist, limits.Network())
	})

	t.Run("ExplicitOverrides", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.TimeoutSec = 60
		cfg.Sandbox.Memory = "1g"
		cfg.Sandbox.CPUQuota = 2.0
		cfg.Sandbox.DiskQuotaMB = 1024
		cfg.Sandbox.MaxProcesses = 64
		cfg.Sandbox.NetworkMode = "none"

		limits, err := LimitsFromConfig(cfg)
		require.NoError(t, err)

		assert.Equal(t, 60, limits.TimeoutSec())
		assert.Equal(t, 1024, limits.MemoryMB())
		assert.Equal(t, 2.0, limits.CPUQuota())
		assert.Equal(t, 1024, limits.DiskQuotaMB())
		assert.Equal(t, 64, limits.MaxProcessCount())
		assert.Equal(t, NetworkNone, limits.Network())
	})

	t.Run("AllowedDomainsCarryOver", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.AllowedDomains = []string{"api.example.com"}

		limits, err := LimitsFromConfig(cfg)
		require.NoError(t, err)
		assert.Equal(t, []string{"api.example.com"}, limits.AllowedDomains())
	})

	t.Run("UnknownPreset", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.Preset = "staging"
		_, err := LimitsFromConfig(cfg)
		require.Error(t, err)
	})

	t.Run("BadMemoryString", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.Memory = "lots"
		_, err := LimitsFromConfig(cfg)
		require.Error(t, err)
	})

	t.Run("OverrideOutOfBounds", func(t *testing.T) {
		cfg := registryConfig()
		cfg.Sandbox.TimeoutSec = 9999
		_, err := LimitsFromConfig(cfg)
		require.Error(t, err, "overrides go through the same bounds validation")
	})
}
