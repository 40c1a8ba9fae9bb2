// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated, ephemeral environments. It supports two backends behind
// one contract: Docker containers and Kubernetes batch jobs.
//
// The package defines the Sandbox interface, the immutable ResourceLimits
// value consumed by every backend, and the ExecutionResult returned from
// each run. Every execution creates a fresh unit, supervises it against a
// wall-clock deadline, and tears it down unconditionally: no container or
// job ever outlives the Execute call that created it.
//
// Usage:
//
//	limits, err := sandbox.PresetLimits("production")
//	backend, err := sandbox.NewDockerSandbox(logger, sandbox.DockerConfig{
//	    Image: "python:3.12-slim",
//	})
//	result, err := backend.Execute(ctx, "print('Hello, World!')", limits)
package sandbox
