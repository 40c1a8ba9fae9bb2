// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// code in isolated, ephemeral environments. It supports two backends behind
// one contract: Docker containers and Kubernetes batch jobs. Each execution
// creates a fresh unit, supervises it against a wall-clock deadline, and
// tears it down unconditionally before returning.
package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// Output bounds. Each captured stream is cut at MaxOutputBytes with
// TruncationMarker appended so callers can tell more output existed.
const (
	MaxOutputBytes   = 10 * 1024
	TruncationMarker = "\n... [output truncated]"
)

// Exit code conventions shared by both backends.
const (
	// ExitCodeTimeout is reported when the deadline fired and the unit
	// was forcibly terminated.
	ExitCodeTimeout = 124

	// ExitCodeUnknown is used when the backend could not observe the
	// real exit status of the unit.
	ExitCodeUnknown = -1
)

// ExecutionResult is the single structured outcome of one Execute call.
// It is created exactly once by a backend and never mutated after return.
type ExecutionResult struct {
	// Success is true only when the code ran to completion and exited zero.
	Success bool

	// Stdout and Stderr are UTF-8 text, truncated at MaxOutputBytes.
	Stdout string
	Stderr string

	// ExecutionTime is the wall-clock duration in seconds, measured by
	// the sandbox, not self-reported by the executed code.
	ExecutionTime float64

	// ExitCode is the exit status of the executed code, ExitCodeTimeout
	// on a forced termination, or ExitCodeUnknown when unobservable.
	ExitCode int

	// TimedOut marks a deadline-triggered forced termination.
	TimedOut bool
}

// Sandbox is the contract both backends implement. Execute runs one code
// submission under the given limits and returns its captured outcome.
//
// Failures of the executed code (non-zero exit, runtime exception inside
// the sandbox, timeout) are reported inside a normal ExecutionResult. The
// returned error is non-nil only for backend-infrastructure failures, and
// is always a *SandboxError.
type Sandbox interface {
	Execute(ctx context.Context, code string, limits ResourceLimits) (ExecutionResult, error)
}

// SandboxError is a non-recoverable backend condition: the execution
// substrate itself could not create, run, or observe the unit. Executed
// code failing is never a SandboxError.
type SandboxError struct {
	Backend string // "docker" or "kubernetes"
	Op      string // the backend operation that failed
	Err     error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// Truncate bounds s at MaxOutputBytes, appending TruncationMarker when the
// cap is hit. Truncating an already-truncated string is a no-op.
func Truncate(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	if strings.HasSuffix(s, TruncationMarker) && len(s) <= MaxOutputBytes+len(TruncationMarker) {
		return s
	}
	return s[:MaxOutputBytes] + TruncationMarker
}
