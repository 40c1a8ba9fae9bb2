// Package sandbox provides secure code execution capabilities.
//
// ResourceLimits is the immutable bundle of execution constraints consumed
// by every backend. All numeric fields are bounds-checked at construction;
// a limits value that exists is always valid.
package sandbox

import (
	"fmt"
	"time"
)

// NetworkMode controls what network access the sandboxed code gets.
type NetworkMode string

const (
	// NetworkNone disables all network access.
	NetworkNone NetworkMode = "none"

	// NetworkAllowlist restricts egress to the configured allowed domains.
	// Enforcement is delegated to a pre-provisioned restricted network
	// (Docker) or cluster NetworkPolicies (Kubernetes).
	NetworkAllowlist NetworkMode = "allowlist"

	// NetworkUnrestricted gives the sandbox full outbound access.
	NetworkUnrestricted NetworkMode = "unrestricted"
)

// Bounds for each numeric limit field. Construction fails outside these.
const (
	MinTimeoutSec = 1
	MaxTimeoutSec = 600
	MinMemoryMB   = 64
	MaxMemoryMB   = 16384
	MinCPUQuota   = 0.1
	MaxCPUQuota   = 8.0
	MinDiskMB     = 1
	MaxDiskMB     = 10240
	MinProcesses  = 1
	MaxProcesses  = 100
)

// LimitSpec is the mutable input to NewResourceLimits. It exists only to
// name the constructor arguments; backends never see one.
type LimitSpec struct {
	TimeoutSec     int
	MemoryMB       int
	CPUQuota       float64
	DiskQuotaMB    int
	MaxProcesses   int
	NetworkMode    NetworkMode
	AllowedDomains []string
}

// ResourceLimits is an immutable, validated set of execution constraints.
// A fresh value is built per invocation and discarded when the call returns.
type ResourceLimits struct {
	timeoutSec     int
	memoryMB       int
	cpuQuota       float64
	diskQuotaMB    int
	maxProcesses   int
	networkMode    NetworkMode
	allowedDomains []string
}

// NewResourceLimits validates spec and returns an immutable limits value.
// Any out-of-range field fails construction; no partially-built value is
// ever observable.
func NewResourceLimits(spec LimitSpec) (ResourceLimits, error) {
	if spec.TimeoutSec < MinTimeoutSec || spec.TimeoutSec > MaxTimeoutSec {
		return ResourceLimits{}, fmt.Errorf("timeout_sec must be in [%d, %d], got %d", MinTimeoutSec, MaxTimeoutSec, spec.TimeoutSec)
	}
	if spec.MemoryMB < MinMemoryMB || spec.MemoryMB > MaxMemoryMB {
		return ResourceLimits{}, fmt.Errorf("memory_mb must be in [%d, %d], got %d", MinMemoryMB, MaxMemoryMB, spec.MemoryMB)
	}
	if spec.CPUQuota < MinCPUQuota || spec.CPUQuota > MaxCPUQuota {
		return ResourceLimits{}, fmt.Errorf("cpu_quota must be in [%g, %g], got %g", MinCPUQuota, MaxCPUQuota, spec.CPUQuota)
	}
	if spec.DiskQuotaMB < MinDiskMB || spec.DiskQuotaMB > MaxDiskMB {
		return ResourceLimits{}, fmt.Errorf("disk_quota_mb must be in [%d, %d], got %d", MinDiskMB, MaxDiskMB, spec.DiskQuotaMB)
	}
	if spec.MaxProcesses < MinProcesses || spec.MaxProcesses > MaxProcesses {
		return ResourceLimits{}, fmt.Errorf("max_processes must be in [%d, %d], got %d", MinProcesses, MaxProcesses, spec.MaxProcesses)
	}
	switch spec.NetworkMode {
	case NetworkNone, NetworkAllowlist, NetworkUnrestricted:
	default:
		return ResourceLimits{}, fmt.Errorf("invalid network_mode: %q, must be one of 'none', 'allowlist', 'unrestricted'", spec.NetworkMode)
	}

	domains := make([]string, len(spec.AllowedDomains))
	copy(domains, spec.AllowedDomains)

	return ResourceLimits{
		timeoutSec:     spec.TimeoutSec,
		memoryMB:       spec.MemoryMB,
		cpuQuota:       spec.CPUQuota,
		diskQuotaMB:    spec.DiskQuotaMB,
		maxProcesses:   spec.MaxProcesses,
		networkMode:    spec.NetworkMode,
		allowedDomains: domains,
	}, nil
}

// PresetLimits returns the limits for a named preset. Presets are plain
// defaults: backends only ever see the fully-resolved ResourceLimits.
func PresetLimits(name string) (ResourceLimits, error) {
	switch name {
	case "development":
		return NewResourceLimits(LimitSpec{
			TimeoutSec:   300,
			MemoryMB:     2048,
			CPUQuota:     2.0,
			DiskQuotaMB:  2048,
			MaxProcesses: 64,
			NetworkMode:  NetworkUnrestricted,
		})
	case "production":
		return NewResourceLimits(LimitSpec{
			TimeoutSec:   30,
			MemoryMB:     512,
			CPUQuota:     1.0,
			DiskQuotaMB:  512,
			MaxProcesses: 32,
			NetworkMode:  NetworkAllowlist,
		})
	case "testing":
		return NewResourceLimits(LimitSpec{
			TimeoutSec:   5,
			MemoryMB:     128,
			CPUQuota:     0.5,
			DiskQuotaMB:  64,
			MaxProcesses: 16,
			NetworkMode:  NetworkNone,
		})
	case "data_processing":
		return NewResourceLimits(LimitSpec{
			TimeoutSec:   600,
			MemoryMB:     8192,
			CPUQuota:     4.0,
			DiskQuotaMB:  8192,
			MaxProcesses: 64,
			NetworkMode:  NetworkNone,
		})
	default:
		return ResourceLimits{}, fmt.Errorf("unknown limits preset: %q", name)
	}
}

// WithTimeout returns a copy of l with the timeout replaced. The receiver
// is unchanged; the new timeout is validated like any other construction.
func (l ResourceLimits) WithTimeout(seconds int) (ResourceLimits, error) {
	if seconds < MinTimeoutSec || seconds > MaxTimeoutSec {
		return ResourceLimits{}, fmt.Errorf("timeout_sec must be in [%d, %d], got %d", MinTimeoutSec, MaxTimeoutSec, seconds)
	}
	l.timeoutSec = seconds
	return l, nil
}

// TimeoutSec returns the wall-clock deadline in seconds.
func (l ResourceLimits) TimeoutSec() int { return l.timeoutSec }

// Timeout returns the wall-clock deadline as a duration.
func (l ResourceLimits) Timeout() time.Duration { return time.Duration(l.timeoutSec) * time.Second }

// MemoryMB returns the memory ceiling in megabytes.
func (l ResourceLimits) MemoryMB() int { return l.memoryMB }

// MemoryBytes returns the memory ceiling in bytes.
func (l ResourceLimits) MemoryBytes() int64 { return int64(l.memoryMB) * 1024 * 1024 }

// CPUQuota returns the CPU allowance in cores.
func (l ResourceLimits) CPUQuota() float64 { return l.cpuQuota }

// NanoCPUs returns the CPU allowance in billionths of a core, the unit the
// container runtime expects.
func (l ResourceLimits) NanoCPUs() int64 { return int64(l.cpuQuota * 1e9) }

// DiskQuotaMB returns the writable-space quota in megabytes.
func (l ResourceLimits) DiskQuotaMB() int { return l.diskQuotaMB }

// DiskQuotaBytes returns the writable-space quota in bytes.
func (l ResourceLimits) DiskQuotaBytes() int64 { return int64(l.diskQuotaMB) * 1024 * 1024 }

// MaxProcessCount returns the process-count ceiling.
func (l ResourceLimits) MaxProcessCount() int { return l.maxProcesses }

// Network returns the network mode.
func (l ResourceLimits) Network() NetworkMode { return l.networkMode }

// AllowedDomains returns a copy of the egress allow-list. Meaningful only
// when the network mode is NetworkAllowlist.
func (l ResourceLimits) AllowedDomains() []string {
	domains := make([]string, len(l.allowedDomains))
	copy(domains, l.allowedDomains)
	return domains
}
