// Package main is the entry point for the Execbox MCP server.
//
// The Execbox server executes untrusted Python code in ephemeral,
// resource-bounded sandboxes after static validation. It supports Docker
// containers and Kubernetes batch jobs as execution backends, selected by
// configuration, and serves the MCP protocol over stdio or HTTP.
package main
