package mcpserver

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/execbox/execbox/config"
	"github.com/execbox/execbox/metrics"
	"github.com/execbox/execbox/sandbox"
)

// stubSandbox implements sandbox.Sandbox with a canned response.
type stubSandbox struct {
	result sandbox.ExecutionResult
	err    error

	calls      int
	lastCode   string
	lastLimits sandbox.ResourceLimits
}

func (s *stubSandbox) Execute(_ context.Context, code string, limits sandbox.ResourceLimits) (sandbox.ExecutionResult, error) {
	s.calls++
	s.lastCode = code
	s.lastLimits = limits
	return s.result, s.err
}

// recorderSpy implements metrics.Recorder and remembers what it saw.
type recorderSpy struct {
	outcomes []metrics.Outcome
}

func (r *recorderSpy) ObserveExecution(outcome metrics.Outcome, _ float64) {
	r.outcomes = append(r.outcomes, outcome)
}

func serverConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Transport: "stdio", HTTPPort: 8080},
		Sandbox: config.SandboxConfig{
			Enabled: true,
			Backend: "docker",
			Preset:  "testing",
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, backends map[string]sandbox.Sandbox, spy *recorderSpy) *MCPServer {
	t.Helper()
	registry := sandbox.NewStaticRegistry(cfg.Sandbox.Backend, backends)
	s, err := New(cfg, zaptest.NewLogger(t), registry, spy)
	require.NoError(t, err)
	return s
}

func executeRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "execute_code"
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func TestExecuteCodeDisabled(t *testing.T) {
	cfg := serverConfig()
	cfg.Sandbox.Enabled = false
	backend := &stubSandbox{}
	spy := &recorderSpy{}
	s := newTestServer(t, cfg, map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{"code": "print(1)"}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "disabled")
	assert.Zero(t, backend.calls, "nothing may reach a backend while the flag is off")
	assert.Empty(t, spy.outcomes)
}

func TestExecuteCodeRejectedByValidator(t *testing.T) {
	backend := &stubSandbox{}
	spy := &recorderSpy{}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
		"code": "import os\nos.system('ls')",
	}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, "[import]")
	assert.Contains(t, text, "line 1")

	assert.Zero(t, backend.calls, "rejected code must never reach a backend")
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeRejected}, spy.outcomes)
}

func TestExecuteCodeSuccess(t *testing.T) {
	backend := &stubSandbox{
		result: sandbox.ExecutionResult{
			Success:       true,
			Stdout:        "6\n",
			ExecutionTime: 0.42,
		},
	}
	spy := &recorderSpy{}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
		"code": "print(sum([1,2,3]))",
	}))
	require.NoError(t, err)

	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "succeeded")
	assert.Contains(t, text, "--- stdout ---")
	assert.Contains(t, text, "6")

	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, "print(sum([1,2,3]))", backend.lastCode)
	// The testing preset's limits flow through unchanged.
	assert.Equal(t, 5, backend.lastLimits.TimeoutSec())
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeSuccess}, spy.outcomes)
}

func TestExecuteCodeFailure(t *testing.T) {
	backend := &stubSandbox{
		result: sandbox.ExecutionResult{
			Success:  false,
			Stderr:   "Traceback: boom\n",
			ExitCode: 1,
		},
	}
	spy := &recorderSpy{}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
		"code": "raise RuntimeError('boom')",
	}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "exit code 1")
	assert.Contains(t, text, "--- stderr ---")
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeFailure}, spy.outcomes)
}

func TestExecuteCodeTimedOut(t *testing.T) {
	backend := &stubSandbox{
		result: sandbox.ExecutionResult{
			TimedOut: true,
			ExitCode: sandbox.ExitCodeTimeout,
		},
	}
	spy := &recorderSpy{}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
		"code": "print(1)",
	}))
	require.NoError(t, err)

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "timed out")
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeTimeout}, spy.outcomes)
}

func TestExecuteCodeBackendError(t *testing.T) {
	backend := &stubSandbox{
		err: &sandbox.SandboxError{Backend: "docker", Op: "create container", Err: errors.New("connection refused")},
	}
	spy := &recorderSpy{}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, spy)

	result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
		"code": "print(1)",
	}))
	require.NoError(t, err, "infrastructure failures are reported, not raised")

	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "backend failure")
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeBackendError}, spy.outcomes)
}

func TestExecuteCodeTimeoutOverride(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		backend := &stubSandbox{result: sandbox.ExecutionResult{Success: true}}
		s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, &recorderSpy{})

		_, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code":        "print(1)",
			"timeout_sec": 42,
		}))
		require.NoError(t, err)
		assert.Equal(t, 42, backend.lastLimits.TimeoutSec())
	})

	t.Run("OutOfRange", func(t *testing.T) {
		backend := &stubSandbox{}
		s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": backend}, &recorderSpy{})

		result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code":        "print(1)",
			"timeout_sec": 9999,
		}))
		require.NoError(t, err)

		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "Invalid timeout override")
		assert.Zero(t, backend.calls)
	})
}

func TestExecuteCodeBackendOverride(t *testing.T) {
	docker := &stubSandbox{result: sandbox.ExecutionResult{Success: true}}
	kube := &stubSandbox{result: sandbox.ExecutionResult{Success: true}}
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{
		"docker":     docker,
		"kubernetes": kube,
	}, &recorderSpy{})

	t.Run("SelectsNamedBackend", func(t *testing.T) {
		_, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code":    "print(1)",
			"backend": "kubernetes",
		}))
		require.NoError(t, err)
		assert.Equal(t, 1, kube.calls)
		assert.Zero(t, docker.calls)
	})

	t.Run("UnknownBackend", func(t *testing.T) {
		result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code":    "print(1)",
			"backend": "firecracker",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "Invalid backend override")
	})
}

func TestExecuteCodeCustomAllowList(t *testing.T) {
	cfg := serverConfig()
	cfg.Validator.AllowedImports = []string{"numpy"}
	backend := &stubSandbox{result: sandbox.ExecutionResult{Success: true}}
	s := newTestServer(t, cfg, map[string]sandbox.Sandbox{"docker": backend}, &recorderSpy{})

	t.Run("ExpandedImportAccepted", func(t *testing.T) {
		result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code": "import numpy",
		}))
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("DefaultImportNowRejected", func(t *testing.T) {
		result, err := s.handleExecuteCode(context.Background(), executeRequest(map[string]any{
			"code": "import math",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestValidateCode(t *testing.T) {
	s := newTestServer(t, serverConfig(), map[string]sandbox.Sandbox{"docker": &stubSandbox{}}, &recorderSpy{})

	req := func(code string) mcp.CallToolRequest {
		r := mcp.CallToolRequest{}
		r.Params.Name = "validate_code"
		r.Params.Arguments = map[string]any{"code": code}
		return r
	}

	t.Run("ValidCode", func(t *testing.T) {
		result, err := s.handleValidateCode(context.Background(), req("print(1)"))
		require.NoError(t, err)
		assert.False(t, result.IsError)
		assert.Contains(t, resultText(t, result), "passed")
	})

	t.Run("InvalidCode", func(t *testing.T) {
		result, err := s.handleValidateCode(context.Background(), req("eval('1')"))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "rejected")
	})
}
