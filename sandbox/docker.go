// Package sandbox provides secure code execution capabilities.
//
// The DockerSandbox backend runs code in single-use Docker containers with
// the resource limits translated into engine-native constraints: memory and
// CPU caps, a pids limit, a size-bounded tmpfs as the only writable path,
// dropped capabilities, and no privilege escalation. No host paths are ever
// mounted; the code reaches the container as an entrypoint argument.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// DockerConfig holds the connection and image settings for the Docker backend.
type DockerConfig struct {
	// Host is the engine endpoint (e.g. unix:///var/run/docker.sock).
	// Empty means the standard DOCKER_HOST environment resolution.
	Host string

	// Image is the base runtime image containers are created from.
	Image string

	// RestrictedNetwork names a pre-provisioned Docker network with
	// filtered egress, used for the allowlist network mode. When empty,
	// allowlist mode falls back to no network at all.
	RestrictedNetwork string
}

// EngineAPI is the subset of the Docker Engine client used by the backend.
// It exists so tests can substitute a mock engine.
type EngineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// engineClient adapts *client.Client to EngineAPI, hiding the networking
// and platform parameters the backend never sets.
type engineClient struct {
	cli *client.Client
}

func (e engineClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	return e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
}

func (e engineClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return e.cli.ContainerStart(ctx, containerID, options)
}

func (e engineClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return e.cli.ContainerWait(ctx, containerID, condition)
}

func (e engineClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	return e.cli.ContainerLogs(ctx, containerID, options)
}

func (e engineClient) ContainerKill(ctx context.Context, containerID, signal string) error {
	return e.cli.ContainerKill(ctx, containerID, signal)
}

func (e engineClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return e.cli.ContainerRemove(ctx, containerID, options)
}

func (e engineClient) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	return e.cli.ImagePull(ctx, refStr, options)
}

// DockerSandbox implements Sandbox using the Docker Engine API.
type DockerSandbox struct {
	logger *zap.Logger
	cfg    DockerConfig
	api    EngineAPI
}

// DockerSandboxOption defines a functional option for DockerSandbox.
type DockerSandboxOption func(*DockerSandbox)

// WithEngineAPI sets the engine client for DockerSandbox. Used by tests.
func WithEngineAPI(api EngineAPI) DockerSandboxOption {
	return func(d *DockerSandbox) {
		d.api = api
	}
}

// NewDockerSandbox creates a Docker-backed sandbox. The engine client is
// built from the environment plus the configured host; constructing the
// client does not contact the daemon, so an unreachable engine surfaces as
// a SandboxError on the first Execute call.
func NewDockerSandbox(logger *zap.Logger, cfg DockerConfig, opts ...DockerSandboxOption) (*DockerSandbox, error) {
	d := &DockerSandbox{
		logger: logger,
		cfg:    cfg,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if cfg.Host != "" {
			clientOpts = append(clientOpts, client.WithHost(cfg.Host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = engineClient{cli: cli}
	}

	return d, nil
}

// Execute runs code in a fresh container and removes it on every path.
func (d *DockerSandbox) Execute(ctx context.Context, code string, limits ResourceLimits) (ExecutionResult, error) {
	name := fmt.Sprintf("execbox-%d", time.Now().UnixNano())

	containerCfg := &container.Config{
		Image:           d.cfg.Image,
		Cmd:             []string{"python3", "-u", "-B", "-c", code},
		User:            "65534:65534",
		WorkingDir:      "/tmp",
		Env:             []string{"PYTHONUNBUFFERED=1", "LANG=C.UTF-8"},
		NetworkDisabled: limits.Network() == NetworkNone,
	}
	hostCfg := d.hostConfig(limits)

	resp, err := d.api.ContainerCreate(ctx, containerCfg, hostCfg, name)
	if err != nil {
		// The image may simply not be present yet. Pull once and retry;
		// any other engine failure will fail the retry too.
		if pullErr := d.pullImage(ctx); pullErr != nil {
			return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "create container", Err: err}
		}
		resp, err = d.api.ContainerCreate(ctx, containerCfg, hostCfg, name)
		if err != nil {
			return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "create container", Err: err}
		}
	}
	containerID := resp.ID

	// Teardown is unconditional: the container must not outlive this call
	// regardless of how it ends.
	defer d.removeContainer(containerID)

	if startErr := d.api.ContainerStart(ctx, containerID, container.StartOptions{}); startErr != nil {
		return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "start container", Err: startErr}
	}

	started := time.Now()
	timer := time.NewTimer(limits.Timeout())
	defer timer.Stop()

	waitCh, errCh := d.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	timedOut := false

	select {
	case w := <-waitCh:
		if w.Error != nil {
			return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "wait for container", Err: fmt.Errorf("%s", w.Error.Message)}
		}
		exitCode = int(w.StatusCode)
	case waitErr := <-errCh:
		return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "wait for container", Err: waitErr}
	case <-timer.C:
		d.killContainer(containerID)
		timedOut = true
	case <-ctx.Done():
		// Caller cancellation takes the same forced-termination path as
		// a timeout; there is no soft cancel.
		d.killContainer(containerID)
		timedOut = true
	}

	elapsed := time.Since(started).Seconds()

	stdout, stderr, logsErr := d.collectLogs(containerID)
	if logsErr != nil {
		if !timedOut {
			return ExecutionResult{}, &SandboxError{Backend: "docker", Op: "collect logs", Err: logsErr}
		}
		// Best effort on the timeout path: the kill may have raced log
		// collection, and the timeout verdict matters more than output.
		d.logger.Warn("failed to collect logs after timeout",
			zap.String("container", containerID), zap.Error(logsErr))
	}

	if timedOut {
		d.logger.Info("execution timed out",
			zap.String("container", containerID),
			zap.Int("timeout_sec", limits.TimeoutSec()))
		return ExecutionResult{
			Success:       false,
			Stdout:        stdout,
			Stderr:        stderr,
			ExecutionTime: elapsed,
			ExitCode:      ExitCodeTimeout,
			TimedOut:      true,
		}, nil
	}

	return ExecutionResult{
		Success:       exitCode == 0,
		Stdout:        stdout,
		Stderr:        stderr,
		ExecutionTime: elapsed,
		ExitCode:      exitCode,
	}, nil
}

// hostConfig translates the limits into engine-native constraints.
func (d *DockerSandbox) hostConfig(limits ResourceLimits) *container.HostConfig {
	pids := int64(limits.MaxProcessCount())
	return &container.HostConfig{
		Resources: container.Resources{
			Memory:    limits.MemoryBytes(),
			NanoCPUs:  limits.NanoCPUs(),
			PidsLimit: &pids,
			Ulimits: []*units.Ulimit{
				{Name: "fsize", Soft: limits.DiskQuotaBytes(), Hard: limits.DiskQuotaBytes()},
			},
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", limits.DiskQuotaMB()),
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: d.networkMode(limits),
	}
}

func (d *DockerSandbox) networkMode(limits ResourceLimits) container.NetworkMode {
	switch limits.Network() {
	case NetworkUnrestricted:
		return "bridge"
	case NetworkAllowlist:
		if d.cfg.RestrictedNetwork != "" {
			return container.NetworkMode(d.cfg.RestrictedNetwork)
		}
		d.logger.Warn("allowlist network mode requested but no restricted network configured, disabling network")
		return "none"
	default:
		return "none"
	}
}

func (d *DockerSandbox) pullImage(ctx context.Context) error {
	d.logger.Info("pulling sandbox image", zap.String("image", d.cfg.Image))
	rc, err := d.api.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// capWriter keeps the first MaxOutputBytes+1 bytes and discards the rest,
// so an unbounded stream is never buffered past the truncation point. It
// always reports the full write so the demultiplexer keeps draining.
type capWriter struct {
	buf *bytes.Buffer
}

func (w capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if keep := MaxOutputBytes + 1 - w.buf.Len(); keep > 0 {
		if n > keep {
			p = p[:keep]
		}
		w.buf.Write(p)
	}
	return n, nil
}

// collectLogs fetches and demultiplexes the container's output streams,
// truncating each at the output cap. The container has already stopped, so
// a fresh short-lived context is used rather than the (possibly expired)
// execution context.
func (d *DockerSandbox) collectLogs(containerID string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := d.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(capWriter{&stdoutBuf}, capWriter{&stderrBuf}, rc); err != nil {
		return "", "", err
	}

	return Truncate(stdoutBuf.String()), Truncate(stderrBuf.String()), nil
}

// killContainer forcibly terminates a running container. Used on the
// timeout and cancellation paths.
func (d *DockerSandbox) killContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.api.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		d.logger.Warn("failed to kill container", zap.String("container", containerID), zap.Error(err))
	}
}

// removeContainer force-removes the container, retrying once with a fresh
// context. A failed removal is logged, not escalated: the result of the
// execution is already decided by the time teardown runs.
func (d *DockerSandbox) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := container.RemoveOptions{Force: true}
	if err := d.api.ContainerRemove(ctx, containerID, opts); err != nil {
		if retryErr := d.api.ContainerRemove(ctx, containerID, opts); retryErr != nil {
			d.logger.Warn("failed to remove container",
				zap.String("container", containerID), zap.Error(retryErr))
		}
	}
}
