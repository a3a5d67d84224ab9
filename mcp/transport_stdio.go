// ABOUTME: Stdio transport running an MCP server as a child process.
// ABOUTME: Newline-delimited JSON over stdin/stdout, response demux by request ID, stderr relayed to logs.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Transport moves JSON-RPC messages to and from one tool server.
type Transport interface {
	// Start establishes the connection (spawns the subprocess for stdio).
	Start(ctx context.Context) error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)

	// Notify sends a request with no ID and expects no response.
	Notify(method string, params any) error

	// Notifications delivers server-initiated messages.
	Notifications() <-chan Notification

	// Done is closed when the transport dies (process exit, pipe EOF).
	Done() <-chan struct{}

	// Close tears the connection down.
	Close() error
}

// scannerBuffer caps one newline-delimited JSON message at 1MiB.
const scannerBuffer = 1024 * 1024

// StdioTransport speaks JSON-RPC to a subprocess over stdin/stdout.
type StdioTransport struct {
	name    string
	command string
	args    []string
	env     []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	nextID  atomic.Int64
	pending map[int64]chan *Response
	mu      sync.Mutex // guards pending and stdin writes

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// NewStdioTransport prepares (but does not start) a subprocess transport.
// name is used only for logging.
func NewStdioTransport(name, command string, args, env []string) *StdioTransport {
	return &StdioTransport{
		name:          name,
		command:       command,
		args:          args,
		env:           env,
		pending:       make(map[int64]chan *Response),
		notifications: make(chan Notification, 16),
		done:          make(chan struct{}),
	}
}

// Start spawns the subprocess and begins the read loop.
func (t *StdioTransport) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(cmd.Environ(), t.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", t.command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	go t.readLoop()
	go t.relayStderr()

	log.Printf("component=mcp.stdio action=started server=%s command=%s pid=%d", t.name, t.command, cmd.Process.Pid)
	return nil
}

// Call sends a request and blocks until the response with the same ID
// arrives, the timeout elapses, the context cancels, or the transport dies.
func (t *StdioTransport) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	respCh := make(chan *Response, 1)

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return nil, ErrServerUnavailable
	default:
	}
	t.pending[id] = respCh
	err := t.writeLocked(NewRequest(id, method, params))
	t.mu.Unlock()

	if err != nil {
		t.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		t.dropPending(id)
		return nil, fmt.Errorf("%s %s: timeout after %s", t.name, method, timeout)
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	case <-t.done:
		t.dropPending(id)
		return nil, ErrServerUnavailable
	}
}

// Notify sends a request with no ID.
func (t *StdioTransport) Notify(method string, params any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return ErrServerUnavailable
	default:
	}
	return t.writeLocked(NewNotification(method, params))
}

// writeLocked marshals and writes one message followed by a newline.
// Caller holds t.mu, keeping a single writer on the pipe.
func (t *StdioTransport) writeLocked(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s: %w", t.name, err)
	}
	return nil
}

func (t *StdioTransport) dropPending(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notifications implements Transport.
func (t *StdioTransport) Notifications() <-chan Notification { return t.notifications }

// Done implements Transport.
func (t *StdioTransport) Done() <-chan struct{} { return t.done }

// readLoop scans stdout for newline-delimited messages until EOF.
func (t *StdioTransport) readLoop() {
	defer t.markDone()

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("component=mcp.stdio action=read_failed server=%s err=%v", t.name, err)
	}
}

// dispatch routes one message: responses (with ID) to the pending waiter,
// everything else to the notification channel.
func (t *StdioTransport) dispatch(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		log.Printf("component=mcp.stdio action=bad_message server=%s err=%v", t.name, err)
		return
	}

	if resp.ID != nil {
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		} else {
			log.Printf("component=mcp.stdio action=orphan_response server=%s id=%d", t.name, *resp.ID)
		}
		return
	}

	var note Notification
	if err := json.Unmarshal(line, &note); err != nil || note.Method == "" {
		return
	}
	select {
	case t.notifications <- note:
	default:
		log.Printf("component=mcp.stdio action=notification_dropped server=%s method=%s", t.name, note.Method)
	}
}

// relayStderr copies the child's stderr lines into the runtime log.
func (t *StdioTransport) relayStderr() {
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 64*1024), scannerBuffer)
	for scanner.Scan() {
		log.Printf("component=mcp.stdio action=server_stderr server=%s line=%s", t.name, scanner.Text())
	}
}

// markDone closes done and fails all in-flight calls.
func (t *StdioTransport) markDone() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.mu.Lock()
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- NewError(&id, CodeInternalError, "transport closed")
	}
	t.mu.Unlock()
}

// Close terminates the subprocess and releases pipes.
func (t *StdioTransport) Close() error {
	t.markDone()
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	return nil
}

var _ Transport = (*StdioTransport)(nil)
