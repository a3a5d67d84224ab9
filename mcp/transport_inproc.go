// ABOUTME: In-process transport adapting a Server implementation to the Transport interface.
// ABOUTME: Lets built-in servers (memory, service manager) sit in the pool beside subprocesses.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// InprocTransport dispatches JSON-RPC methods directly to a Server value.
type InprocTransport struct {
	server        Server
	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// NewInprocTransport wraps an in-process server.
func NewInprocTransport(server Server) *InprocTransport {
	return &InprocTransport{
		server:        server,
		notifications: make(chan Notification),
		done:          make(chan struct{}),
	}
}

// Start implements Transport; in-process servers have nothing to spawn.
func (t *InprocTransport) Start(ctx context.Context) error { return nil }

// Call implements Transport by invoking the server directly.
func (t *InprocTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-t.done:
		return nil, ErrServerUnavailable
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch method {
	case "initialize":
		return json.Marshal(InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      t.server.Info(),
		})

	case "tools/list":
		tools, err := t.server.ListTools(ctx)
		if err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		return json.Marshal(map[string]any{"tools": tools})

	case "tools/call":
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(raw, &call); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		result, err := t.server.CallTool(ctx, call.Name, call.Arguments)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return json.Marshal(result)

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

// rpcErrorFor maps server errors to JSON-RPC codes.
func rpcErrorFor(err error) *RPCError {
	switch {
	case errors.Is(err, ErrToolNotFound):
		return &RPCError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidInput):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: CodeInternalError, Message: err.Error()}
	}
}

// Notify implements Transport; in-process servers take no notifications.
func (t *InprocTransport) Notify(method string, params any) error { return nil }

// Notifications implements Transport.
func (t *InprocTransport) Notifications() <-chan Notification { return t.notifications }

// Done implements Transport.
func (t *InprocTransport) Done() <-chan struct{} { return t.done }

// Close implements Transport.
func (t *InprocTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

var _ Transport = (*InprocTransport)(nil)
