package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/execbox/execbox/config"
)

// Registry holds the backends constructed from configuration. Backend
// selection happens here, once, at construction time; per-call overrides
// only ever pick between already-constructed backends.
type Registry struct {
	backends    map[string]Sandbox
	defaultName string
}

// NewRegistry constructs every configured backend and designates the
// default one.
func NewRegistry(logger *zap.Logger, cfg *config.Config) (*Registry, error) {
	r := &Registry{
		backends:    make(map[string]Sandbox),
		defaultName: cfg.Sandbox.Backend,
	}

	for _, name := range cfg.BackendNames() {
		if _, ok := r.backends[name]; ok {
			continue
		}
		backend, err := newBackend(logger, cfg, name)
		if err != nil {
			return nil, fmt.Errorf("failed to construct backend %q: %w", name, err)
		}
		r.backends[name] = backend
	}

	return r, nil
}

func newBackend(logger *zap.Logger, cfg *config.Config, name string) (Sandbox, error) {
	switch name {
	case "docker":
		return NewDockerSandbox(logger, DockerConfig{
			Host:              cfg.Docker.Host,
			Image:             cfg.Docker.Image,
			RestrictedNetwork: cfg.Docker.RestrictedNetwork,
		})
	case "kubernetes":
		return NewKubeSandbox(logger, KubeConfig{
			Namespace:     cfg.Kubernetes.Namespace,
			Image:         cfg.Kubernetes.Image,
			InCluster:     cfg.Kubernetes.InCluster,
			Kubeconfig:    cfg.Kubernetes.Kubeconfig,
			JobTTLSeconds: int32(cfg.Kubernetes.JobTTLSec),
		})
	default:
		return nil, fmt.Errorf("unsupported backend: %s", name)
	}
}

// NewStaticRegistry builds a registry from pre-constructed backends, for
// callers that manage backend construction themselves.
func NewStaticRegistry(defaultName string, backends map[string]Sandbox) *Registry {
	return &Registry{
		backends:    backends,
		defaultName: defaultName,
	}
}

// Default returns the configured default backend.
func (r *Registry) Default() Sandbox {
	return r.backends[r.defaultName]
}

// Get returns the named backend, or an error when it was not configured.
func (r *Registry) Get(name string) (Sandbox, error) {
	backend, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not configured", name)
	}
	return backend, nil
}

// Names returns the configured backend names, default first.
func (r *Registry) Names() []string {
	names := []string{r.defaultName}
	for name := range r.backends {
		if name != r.defaultName {
			names = append(names, name)
		}
	}
	return names
}

// LimitsFromConfig resolves the configured preset and applies any explicit
// limit overrides on top, producing the fully-validated ResourceLimits a
// backend consumes. Called once per execution request.
func LimitsFromConfig(cfg *config.Config) (ResourceLimits, error) {
	preset, err := PresetLimits(cfg.Sandbox.Preset)
	if err != nil {
		return ResourceLimits{}, err
	}

	spec := LimitSpec{
		TimeoutSec:     preset.TimeoutSec(),
		MemoryMB:       preset.MemoryMB(),
		CPUQuota:       preset.CPUQuota(),
		DiskQuotaMB:    preset.DiskQuotaMB(),
		MaxProcesses:   preset.MaxProcessCount(),
		NetworkMode:    preset.Network(),
		AllowedDomains: cfg.Sandbox.AllowedDomains,
	}

	if cfg.Sandbox.TimeoutSec > 0 {
		spec.TimeoutSec = cfg.Sandbox.TimeoutSec
	}
	memoryMB, err := cfg.MemoryMB()
	if err != nil {
		return ResourceLimits{}, err
	}
	if memoryMB > 0 {
		spec.MemoryMB = memoryMB
	}
	if cfg.Sandbox.CPUQuota > 0 {
		spec.CPUQuota = cfg.Sandbox.CPUQuota
	}
	if cfg.Sandbox.DiskQuotaMB > 0 {
		spec.DiskQuotaMB = cfg.Sandbox.DiskQuotaMB
	}
	if cfg.Sandbox.MaxProcesses > 0 {
		spec.MaxProcesses = cfg.Sandbox.MaxProcesses
	}
	if cfg.Sandbox.NetworkMode != "" {
		spec.NetworkMode = NetworkMode(cfg.Sandbox.NetworkMode)
	}

	return NewResourceLimits(spec)
}
