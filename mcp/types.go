// ABOUTME: MCP protocol types shared by the client, transports, and in-process servers.
// ABOUTME: Tool descriptors, text content results, and the initialize handshake payloads.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ProtocolVersion is the MCP revision this runtime speaks.
const ProtocolVersion = "2024-11-05"

// ErrServerUnavailable is returned for calls against a server that is not
// in the Ready state (still starting, reconnecting, or dead).
var ErrServerUnavailable = errors.New("tool server unavailable")

// ErrInvalidInput is returned when tool arguments fail validation (-32602).
var ErrInvalidInput = errors.New("invalid input")

// ErrToolNotFound is returned when a tool name resolves to nothing (-32601).
var ErrToolNotFound = errors.New("tool not found")

// Tool describes one tool a server exposes.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one item of a tool result. Only text content is produced by
// the built-in servers; other types pass through untouched.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result member of a tools/call response.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult builds a single-text-item tool result.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool-level error result. Tool failures are data for
// the model, not protocol errors.
func ErrorResult(text string) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Text joins all text content items with newlines.
func (r *ToolResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ServerInfo identifies a server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the client side of the handshake.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

// InitializeResult is the server side of the handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// Server is implemented by in-process tool servers attached to every
// session (memory, service manager). The same interface backs the inproc
// transport so the client treats them like any subprocess server.
type Server interface {
	Info() ServerInfo
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// QualifiedName joins a server and tool name into the namespaced form
// offered to the model.
func QualifiedName(server, tool string) string {
	return server + "__" + tool
}

// SplitQualifiedName splits a namespaced tool name at the first "__".
// Returns ok=false when the name has no namespace.
func SplitQualifiedName(qualified string) (server, tool string, ok bool) {
	i := strings.Index(qualified, "__")
	if i < 0 {
		return "", qualified, false
	}
	return qualified[:i], qualified[i+2:], true
}
