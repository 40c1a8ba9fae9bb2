// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package is the thin adapter between the agent's
// tool-calling interface and the sandbox: it validates submitted code,
// resolves resource limits, selects a backend, and renders the execution
// outcome. It owns the feature flag that keeps code execution disabled by
// default.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/execbox/execbox/config"
	"github.com/execbox/execbox/metrics"
	"github.com/execbox/execbox/sandbox"
	"github.com/execbox/execbox/validator"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	registry  *sandbox.Registry
	recorder  metrics.Recorder
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, registry *sandbox.Registry, recorder metrics.Recorder) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		recorder: recorder,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Bool("sandbox.enabled", cfg.Sandbox.Enabled),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Strings("sandbox.backends", registry.Names()),
		zap.String("sandbox.preset", cfg.Sandbox.Preset),
		zap.String("sandbox.network_mode", cfg.Sandbox.NetworkMode),
		zap.Strings("sandbox.allowed_domains", cfg.Sandbox.AllowedDomains),
	)

	s.mcpServer = server.NewMCPServer("execbox", "A secure code execution server")

	s.registerExecuteCodeTool()
	s.registerValidateCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        "execute_code",
		Description: "Validate and execute untrusted Python code in an ephemeral sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Wall-clock timeout override in seconds (1-600, optional)",
				},
				"backend": map[string]any{
					"type":        "string",
					"description": "Backend override (optional)",
					"enum":        []string{"docker", "kubernetes"},
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// registerValidateCodeTool registers the validate_code tool
func (s *MCPServer) registerValidateCodeTool() {
	tool := mcp.Tool{
		Name:        "validate_code",
		Description: "Statically validate Python code without executing it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to validate",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleValidateCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.Sandbox.Enabled {
		return errorResult("Code execution is disabled. Set sandbox.enabled (EXECBOX_SANDBOX_ENABLED) to turn it on."), nil
	}

	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	// Validation gates every execution: nothing reaches a backend before
	// the code passes.
	result := validator.Validate(code, s.allowedImports())
	if !result.Valid {
		s.logger.Info("code rejected by validator", zap.Int("violations", len(result.Violations)))
		s.recorder.ObserveExecution(metrics.OutcomeRejected, 0)
		return errorResult(renderRejection(result)), nil
	}

	limits, err := sandbox.LimitsFromConfig(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource limits: %w", err)
	}

	if timeoutSec := request.GetInt("timeout_sec", 0); timeoutSec != 0 {
		limits, err = limits.WithTimeout(timeoutSec)
		if err != nil {
			return errorResult(fmt.Sprintf("Invalid timeout override: %v", err)), nil
		}
	}

	backend := s.registry.Default()
	backendName := s.config.Sandbox.Backend
	if override := request.GetString("backend", ""); override != "" {
		backend, err = s.registry.Get(override)
		if err != nil {
			return errorResult(fmt.Sprintf("Invalid backend override: %v", err)), nil
		}
		backendName = override
	}

	s.logger.Info("executing code in sandbox",
		zap.String("backend", backendName),
		zap.Int("timeout_sec", limits.TimeoutSec()),
		zap.Int("code_len", len(code)))

	execResult, err := backend.Execute(ctx, code, limits)
	if err != nil {
		s.logger.Error("sandbox backend failure",
			zap.String("backend", backendName),
			zap.Error(err))
		s.recorder.ObserveExecution(metrics.OutcomeBackendError, 0)
		return errorResult(fmt.Sprintf("Execution backend failure: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String("backend", backendName),
		zap.Bool("success", execResult.Success),
		zap.Bool("timed_out", execResult.TimedOut),
		zap.Int("exit_code", execResult.ExitCode),
		zap.Float64("execution_time_sec", execResult.ExecutionTime))

	s.recorder.ObserveExecution(outcomeFor(execResult), execResult.ExecutionTime)

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: renderResult(execResult),
			},
		},
		IsError: !execResult.Success,
	}, nil
}

// handleValidateCode handles the validate_code tool
func (s *MCPServer) handleValidateCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	result := validator.Validate(code, s.allowedImports())
	if !result.Valid {
		return errorResult(renderRejection(result)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "Code passed validation."},
		},
	}, nil
}

func (s *MCPServer) allowedImports() []string {
	if len(s.config.Validator.AllowedImports) > 0 {
		return s.config.Validator.AllowedImports
	}
	return nil // validator falls back to its default allow-list
}

func outcomeFor(result sandbox.ExecutionResult) metrics.Outcome {
	switch {
	case result.TimedOut:
		return metrics.OutcomeTimeout
	case result.Success:
		return metrics.OutcomeSuccess
	default:
		return metrics.OutcomeFailure
	}
}

// renderRejection explains which rules fired and where, so the caller can
// fix the code instead of guessing.
func renderRejection(result validator.Result) string {
	var b strings.Builder
	b.WriteString("Code rejected by validation:\n")
	for _, v := range result.Violations {
		fmt.Fprintf(&b, "- [%s] line %d, col %d: %s\n", v.Kind, v.Line, v.Column, v.Description)
	}
	return b.String()
}

func renderResult(result sandbox.ExecutionResult) string {
	var b strings.Builder

	switch {
	case result.TimedOut:
		fmt.Fprintf(&b, "Execution timed out after %.2fs (exit code %d).\n", result.ExecutionTime, result.ExitCode)
	case result.Success:
		fmt.Fprintf(&b, "Execution succeeded in %.2fs.\n", result.ExecutionTime)
	default:
		fmt.Fprintf(&b, "Execution failed in %.2fs (exit code %d).\n", result.ExecutionTime, result.ExitCode)
	}

	if result.Stdout != "" {
		b.WriteString("\n--- stdout ---\n")
		b.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if result.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			b.WriteString("\n")
		}
	}

	return b.String()
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
