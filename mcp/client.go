// ABOUTME: MCP client wrapping one transport: handshake, tool discovery, and tool calls.
// ABOUTME: Runs the initialize/initialized exchange and caches the server's tool list.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Default deadlines for protocol operations.
const (
	StartupTimeout     = 10 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// Client drives the MCP protocol over one transport.
type Client struct {
	name      string
	transport Transport

	mu         sync.RWMutex
	tools      []Tool
	serverInfo ServerInfo
}

// NewClient wraps a transport; name is the server's pool name.
func NewClient(name string, transport Transport) *Client {
	return &Client{name: name, transport: transport}
}

// Connect starts the transport and performs the initialize handshake,
// then caches the server's tools. Bounded by StartupTimeout.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StartupTimeout)
	defer cancel()

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	raw, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ServerInfo{Name: "stampede", Version: "1.0.0"},
	}, StartupTimeout)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify("notifications/initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return c.RefreshTools(ctx)
}

// RefreshTools re-fetches and caches the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", map[string]any{}, DefaultCallTimeout)
	if err != nil {
		return fmt.Errorf("tools/list %s: %w", c.name, err)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// ServerInfo returns the identity reported at initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// CallTool invokes a tool by its bare (unqualified) name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if args == nil {
		args = json.RawMessage("{}")
	}
	raw, err := c.transport.Call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, timeout)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			switch rpcErr.Code {
			case CodeMethodNotFound:
				return nil, fmt.Errorf("%w: %s on %s", ErrToolNotFound, name, c.name)
			case CodeInvalidParams:
				return nil, fmt.Errorf("%w: %s: %s", ErrInvalidInput, name, rpcErr.Message)
			}
		}
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &result, nil
}

// Done exposes the transport's death signal.
func (c *Client) Done() <-chan struct{} { return c.transport.Done() }

// Close tears down the transport.
func (c *Client) Close() error { return c.transport.Close() }
