// Package config provides application configuration management.
//
// Configuration is loaded from a YAML file and the environment: every key
// can be overridden by an EXECBOX_-prefixed variable (dots become
// underscores, e.g. EXECBOX_SANDBOX_BACKEND). The loaded configuration is
// validated before anything else starts.
package config

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Validator  ValidatorConfig  `mapstructure:"validator"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig holds MCP server configuration.
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds the execution feature flag, backend selection, and
// the limit fields. A zero/empty limit field means "use the preset value";
// a set field overrides the preset.
type SandboxConfig struct {
	// Enabled is the master feature flag. Code execution is off unless
	// the operator turns it on explicitly.
	Enabled bool `mapstructure:"enabled"`

	// Backend is the default backend; Backends lists every backend to
	// construct (for per-call overrides). Empty Backends means just the
	// default.
	Backend  string   `mapstructure:"backend"`
	Backends []string `mapstructure:"backends"`

	Preset string `mapstructure:"preset"`

	TimeoutSec   int     `mapstructure:"timeout_sec"`
	Memory       string  `mapstructure:"memory"` // human-readable, e.g. "512m", "2g"
	CPUQuota     float64 `mapstructure:"cpu_quota"`
	DiskQuotaMB  int     `mapstructure:"disk_quota_mb"`
	MaxProcesses int     `mapstructure:"max_processes"`

	NetworkMode    string   `mapstructure:"network_mode"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
}

// ValidatorConfig holds the static-analysis configuration.
type ValidatorConfig struct {
	// AllowedImports replaces the default import allow-list when set.
	AllowedImports []string `mapstructure:"allowed_imports"`
}

// DockerConfig holds Docker backend connection parameters.
type DockerConfig struct {
	Host              string `mapstructure:"host"`
	Image             string `mapstructure:"image"`
	RestrictedNetwork string `mapstructure:"restricted_network"`
}

// KubernetesConfig holds Kubernetes backend connection parameters.
type KubernetesConfig struct {
	Namespace  string `mapstructure:"namespace"`
	Image      string `mapstructure:"image"`
	InCluster  bool   `mapstructure:"in_cluster"`
	Kubeconfig string `mapstructure:"kubeconfig"`
	JobTTLSec  int    `mapstructure:"job_ttl_sec"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// MetricsConfig holds the observability hook configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// New loads and validates the application configuration.
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("EXECBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Feature flag: execution is disabled until the operator opts in.
	viper.SetDefault("sandbox.enabled", false)

	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.preset", "production")
	viper.SetDefault("sandbox.network_mode", "")
	viper.SetDefault("sandbox.allowed_domains", []string{})

	viper.SetDefault("docker.image", "python:3.12-slim")
	viper.SetDefault("docker.restricted_network", "")

	viper.SetDefault("kubernetes.namespace", "execbox")
	viper.SetDefault("kubernetes.image", "python:3.12-slim")
	viper.SetDefault("kubernetes.in_cluster", true)
	viper.SetDefault("kubernetes.job_ttl_sec", 300)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("metrics.enabled", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// Validate ensures the configuration is coherent. Limit bounds are checked
// again at ResourceLimits construction; this pass catches operator typos
// at startup instead of on the first request.
func (c *Config) Validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"kubernetes": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}
	for _, name := range c.Sandbox.Backends {
		if !supportedBackends[name] {
			return fmt.Errorf("unsupported entry in sandbox.backends: %s", name)
		}
	}

	switch c.Sandbox.Preset {
	case "development", "production", "testing", "data_processing":
	default:
		return fmt.Errorf("invalid sandbox.preset: %s", c.Sandbox.Preset)
	}

	switch c.Sandbox.NetworkMode {
	case "", "none", "allowlist", "unrestricted":
	default:
		return fmt.Errorf("invalid sandbox.network_mode: %s", c.Sandbox.NetworkMode)
	}

	if c.Sandbox.Memory != "" {
		if _, err := c.MemoryMB(); err != nil {
			return err
		}
	}

	if c.Kubernetes.JobTTLSec < 0 {
		return fmt.Errorf("kubernetes.job_ttl_sec must not be negative, got: %d", c.Kubernetes.JobTTLSec)
	}

	return nil
}

// MemoryMB parses the human-readable sandbox.memory value ("512m", "2g")
// into megabytes. Returns 0 when the field is unset.
func (c *Config) MemoryMB() (int, error) {
	if c.Sandbox.Memory == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(c.Sandbox.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.memory %q: %w", c.Sandbox.Memory, err)
	}
	return int(bytes / units.MiB), nil
}

// BackendNames returns every backend to construct, default first,
// deduplicated.
func (c *Config) BackendNames() []string {
	names := []string{c.Sandbox.Backend}
	for _, name := range c.Sandbox.Backends {
		if name != c.Sandbox.Backend {
			names = append(names, name)
		}
	}
	return names
}
