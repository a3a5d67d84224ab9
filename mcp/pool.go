// ABOUTME: Tool session pool managing one connection per MCP server for a session.
// ABOUTME: Tracks per-server state, reconnects dead subprocesses with backoff, and routes namespaced tool calls.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// ConnState is the lifecycle state of one server connection.
type ConnState string

const (
	StateSpawning     ConnState = "spawning"
	StateInitializing ConnState = "initializing"
	StateReady        ConnState = "ready"
	StateReconnecting ConnState = "reconnecting"
	StateDead         ConnState = "dead"
)

// Reconnect policy for dead subprocess transports.
const (
	reconnectAttempts = 3
	reconnectBase     = 100 * time.Millisecond
	reconnectMax      = 2 * time.Second
)

// ServerSpec declares one server for the pool. Either Command (stdio
// subprocess) or Inproc (built-in server) must be set.
type ServerSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`

	Inproc Server `json:"-" yaml:"-"`
}

// conn is one managed server connection.
type conn struct {
	spec ServerSpec

	mu     sync.RWMutex
	state  ConnState
	client *Client

	stop     chan struct{}
	stopOnce sync.Once
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *conn) current() (*Client, ConnState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.state
}

// Pool owns the tool server connections for one session.
type Pool struct {
	mu          sync.RWMutex
	conns       map[string]*conn
	order       []string
	callTimeout time.Duration
	wg          sync.WaitGroup
}

// NewPool builds an empty pool with the default 30s tool call timeout.
func NewPool() *Pool {
	return &Pool{
		conns:       make(map[string]*conn),
		callTimeout: DefaultCallTimeout,
	}
}

// SetCallTimeout overrides the per-call deadline.
func (p *Pool) SetCallTimeout(d time.Duration) {
	if d > 0 {
		p.callTimeout = d
	}
}

// AddServer registers and connects a server. Duplicate names are rejected.
func (p *Pool) AddServer(ctx context.Context, spec ServerSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: server name required", ErrInvalidInput)
	}
	if spec.Command == "" && spec.Inproc == nil {
		return fmt.Errorf("%w: server %q needs a command or an in-process implementation", ErrInvalidInput, spec.Name)
	}

	p.mu.Lock()
	if _, exists := p.conns[spec.Name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("server %q already registered", spec.Name)
	}
	c := &conn{spec: spec, state: StateSpawning, stop: make(chan struct{})}
	p.conns[spec.Name] = c
	p.order = append(p.order, spec.Name)
	p.mu.Unlock()

	if err := p.connect(ctx, c); err != nil {
		c.setState(StateDead)
		return err
	}

	p.wg.Add(1)
	go p.monitor(c)
	return nil
}

// connect builds a fresh transport and runs the handshake.
func (p *Pool) connect(ctx context.Context, c *conn) error {
	c.setState(StateSpawning)

	var transport Transport
	if c.spec.Inproc != nil {
		transport = NewInprocTransport(c.spec.Inproc)
	} else {
		transport = NewStdioTransport(c.spec.Name, c.spec.Command, c.spec.Args, c.spec.Env)
	}
	client := NewClient(c.spec.Name, transport)

	c.setState(StateInitializing)
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect %s: %w", c.spec.Name, err)
	}

	c.mu.Lock()
	c.client = client
	c.state = StateReady
	c.mu.Unlock()

	log.Printf("component=mcp.pool action=server_ready server=%s tools=%d", c.spec.Name, len(client.Tools()))
	return nil
}

// monitor watches for transport death and drives reconnection.
// In-process servers never die on their own, so this exits on stop.
func (p *Pool) monitor(c *conn) {
	defer p.wg.Done()

	for {
		client, _ := c.current()
		if client == nil {
			return
		}

		select {
		case <-c.stop:
			return
		case <-client.Done():
		}

		select {
		case <-c.stop:
			return
		default:
		}

		log.Printf("component=mcp.pool action=server_died server=%s", c.spec.Name)
		if !p.reconnect(c) {
			c.setState(StateDead)
			log.Printf("component=mcp.pool action=server_dead server=%s attempts=%d", c.spec.Name, reconnectAttempts)
			return
		}
	}
}

// reconnect retries the connection with exponential backoff. Returns true
// once the server is Ready again.
func (p *Pool) reconnect(c *conn) bool {
	c.setState(StateReconnecting)

	delay := reconnectBase
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-c.stop:
			return false
		case <-time.After(delay):
		}

		log.Printf("component=mcp.pool action=reconnect server=%s attempt=%d", c.spec.Name, attempt)
		err := p.connect(context.Background(), c)
		if err == nil {
			return true
		}
		log.Printf("component=mcp.pool action=reconnect_failed server=%s attempt=%d err=%v", c.spec.Name, attempt, err)

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
	return false
}

// RemoveServer closes and forgets a server connection.
func (p *Pool) RemoveServer(name string) error {
	p.mu.Lock()
	c, ok := p.conns[name]
	if ok {
		delete(p.conns, name)
		for i, n := range p.order {
			if n == name {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("server %q not registered", name)
	}
	c.stopOnce.Do(func() { close(c.stop) })
	if client, _ := c.current(); client != nil {
		_ = client.Close()
	}
	return nil
}

// ServerStates reports each server's current state.
func (p *Pool) ServerStates() map[string]ConnState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]ConnState, len(p.conns))
	for name, c := range p.conns {
		out[name] = c.State()
	}
	return out
}

// ListTools returns every Ready server's tools under namespaced names, in
// server registration order. The first occurrence of a qualified name wins;
// later duplicates are logged and skipped.
func (p *Pool) ListTools() []Tool {
	p.mu.RLock()
	order := make([]string, len(p.order))
	copy(order, p.order)
	conns := make(map[string]*conn, len(p.conns))
	for name, c := range p.conns {
		conns[name] = c
	}
	p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []Tool
	for _, name := range order {
		client, state := conns[name].current()
		if state != StateReady || client == nil {
			continue
		}
		for _, tool := range client.Tools() {
			qualified := QualifiedName(name, tool.Name)
			if seen[qualified] {
				log.Printf("component=mcp.pool action=duplicate_tool_skipped tool=%s", qualified)
				continue
			}
			seen[qualified] = true
			out = append(out, Tool{
				Name:        qualified,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return out
}

// CallTool routes a namespaced tool call to its server.
func (p *Pool) CallTool(ctx context.Context, qualified string, args json.RawMessage) (*ToolResult, error) {
	serverName, toolName, ok := SplitQualifiedName(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: tool name %q has no server prefix", ErrToolNotFound, qualified)
	}

	p.mu.RLock()
	c, exists := p.conns[serverName]
	p.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: no server %q", ErrToolNotFound, serverName)
	}

	client, state := c.current()
	if state != StateReady || client == nil {
		return nil, fmt.Errorf("%w: server %q is %s", ErrServerUnavailable, serverName, state)
	}

	return client.CallTool(ctx, toolName, args, p.callTimeout)
}

// Close tears down every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.order = nil
	p.mu.Unlock()

	for _, c := range conns {
		c.stopOnce.Do(func() { close(c.stop) })
		if client, _ := c.current(); client != nil {
			_ = client.Close()
		}
	}
	p.wg.Wait()
	return nil
}
