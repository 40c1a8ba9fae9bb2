// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// the execute_code and validate_code tools. It uses the mark3labs/mcp-go
// library to handle the protocol details and acts as the thin adapter
// between the agent's tool-calling interface and the sandbox backends:
// validation first, then limit resolution, backend selection, execution,
// and outcome rendering.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
package mcpserver
