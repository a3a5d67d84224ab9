// ABOUTME: Python script management and sandboxed execution service.
// ABOUTME: Script CRUD under a base directory; execution via python3 -I with a hard timeout and output cap.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/stampede/mcp"
)

// Execution limits for untrusted snippets.
const (
	execTimeout   = 5 * time.Second
	execOutputCap = 64 * 1024
)

// PythonService manages scripts and sandboxes under one base directory.
type PythonService struct {
	baseDir string
	catalog *catalog

	mu        sync.Mutex
	sandboxes map[string]*sandbox
}

// sandbox retains interpreter state by replaying previously successful
// snippets before each new one. python3 -I gives an isolated interpreter,
// so replay is the only way to carry definitions across calls.
type sandbox struct {
	createdAt time.Time
	snippets  []string
	runs      int
}

// NewPythonService builds the service, creating baseDir if needed.
func NewPythonService(baseDir string) (*PythonService, error) {
	if baseDir == "" {
		baseDir = "python_scripts"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	cat, err := newCatalog(pythonTools())
	if err != nil {
		return nil, err
	}
	return &PythonService{
		baseDir:   baseDir,
		catalog:   cat,
		sandboxes: make(map[string]*sandbox),
	}, nil
}

// ListTools implements the service surface.
func (p *PythonService) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return p.catalog.Tools(), nil
}

// Close implements the service surface.
func (p *PythonService) Close() error { return nil }

// scriptPath validates a script name and resolves it under baseDir.
func (p *PythonService) scriptPath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid script name %q", mcp.ErrInvalidInput, name)
	}
	if !strings.HasSuffix(name, ".py") {
		name += ".py"
	}
	return filepath.Join(p.baseDir, name), nil
}

// CallTool implements the service surface.
func (p *PythonService) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	if !p.catalog.Has(name) {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}
	if err := p.catalog.Validate(name, args); err != nil {
		return nil, err
	}

	switch name {
	case "python_create", "python_update":
		var in struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		path, err := p.scriptPath(in.Name)
		if err != nil {
			return nil, err
		}
		if name == "python_create" {
			if _, err := os.Stat(path); err == nil {
				return mcp.ErrorResult(fmt.Sprintf("script %q already exists", in.Name)), nil
			}
		} else if _, err := os.Stat(path); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("script %q does not exist", in.Name)), nil
		}
		if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("write failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("wrote %s (%d bytes)", filepath.Base(path), len(in.Content))), nil

	case "python_read":
		var in struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		path, err := p.scriptPath(in.Name)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("read failed: %v", err)), nil
		}
		return mcp.TextResult(string(data)), nil

	case "python_delete":
		var in struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		path, err := p.scriptPath(in.Name)
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("deleted %s", filepath.Base(path))), nil

	case "python_list":
		names, err := p.listScripts()
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		if len(names) == 0 {
			return mcp.TextResult("no scripts stored"), nil
		}
		return mcp.TextResult("scripts:\n- " + strings.Join(names, "\n- ")), nil

	case "python_search":
		var in struct {
			Query string `json:"query"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		matches, err := p.searchScripts(in.Query)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		if len(matches) == 0 {
			return mcp.TextResult(fmt.Sprintf("no scripts match %q", in.Query)), nil
		}
		return mcp.TextResult("matches:\n- " + strings.Join(matches, "\n- ")), nil

	case "python_execute":
		var in struct {
			Code      string `json:"code"`
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return p.execute(ctx, in.Code, in.SandboxID)

	case "python_execute_file":
		var in struct {
			Name      string `json:"name"`
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		path, err := p.scriptPath(in.Name)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("read failed: %v", err)), nil
		}
		return p.execute(ctx, string(data), in.SandboxID)

	case "sandbox_create":
		var in struct {
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, exists := p.sandboxes[in.SandboxID]; exists {
			return mcp.ErrorResult(fmt.Sprintf("sandbox %q already exists", in.SandboxID)), nil
		}
		p.sandboxes[in.SandboxID] = &sandbox{createdAt: time.Now()}
		return mcp.TextResult(fmt.Sprintf("created sandbox %q", in.SandboxID)), nil

	case "sandbox_delete":
		var in struct {
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, exists := p.sandboxes[in.SandboxID]; !exists {
			return mcp.ErrorResult(fmt.Sprintf("sandbox %q does not exist", in.SandboxID)), nil
		}
		delete(p.sandboxes, in.SandboxID)
		return mcp.TextResult(fmt.Sprintf("deleted sandbox %q", in.SandboxID)), nil

	case "sandbox_status":
		var in struct {
			SandboxID string `json:"sandbox_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		sb, exists := p.sandboxes[in.SandboxID]
		if !exists {
			return mcp.ErrorResult(fmt.Sprintf("sandbox %q does not exist", in.SandboxID)), nil
		}
		return mcp.TextResult(fmt.Sprintf("sandbox %q: created %s, %d runs, %d retained snippets",
			in.SandboxID, sb.createdAt.Format(time.RFC3339), sb.runs, len(sb.snippets))), nil

	case "sandbox_list":
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.sandboxes) == 0 {
			return mcp.TextResult("no active sandboxes"), nil
		}
		ids := make([]string, 0, len(p.sandboxes))
		for id := range p.sandboxes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return mcp.TextResult("sandboxes:\n- " + strings.Join(ids, "\n- ")), nil
	}

	return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
}

func (p *PythonService) listScripts() ([]string, error) {
	entries, err := os.ReadDir(p.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".py") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (p *PythonService) searchScripts(query string) ([]string, error) {
	names, err := p.listScripts()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var matches []string
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), q) {
			matches = append(matches, name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.baseDir, name))
		if err == nil && strings.Contains(strings.ToLower(string(data)), q) {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

// execute runs code in an isolated interpreter. With a sandbox ID the
// sandbox's accumulated snippets run first, and code that exits cleanly is
// retained for the next call.
func (p *PythonService) execute(ctx context.Context, code, sandboxID string) (*mcp.ToolResult, error) {
	program := code
	var sb *sandbox
	if sandboxID != "" {
		p.mu.Lock()
		sb = p.sandboxes[sandboxID]
		if sb == nil {
			p.mu.Unlock()
			return mcp.ErrorResult(fmt.Sprintf("sandbox %q does not exist", sandboxID)), nil
		}
		program = strings.Join(append(append([]string{}, sb.snippets...), code), "\n")
		p.mu.Unlock()
	}

	stdout, stderr, err := runPython(ctx, program)
	if sb != nil {
		p.mu.Lock()
		sb.runs++
		if err == nil {
			sb.snippets = append(sb.snippets, code)
		}
		p.mu.Unlock()
	}

	if err != nil {
		out := stderr
		if out == "" {
			out = stdout
		}
		return mcp.ErrorResult(fmt.Sprintf("execution failed: %v\n%s", err, out)), nil
	}
	if stdout == "" {
		stdout = "(no output)"
	}
	return mcp.TextResult(stdout), nil
}

// runPython executes one program under the exec timeout and output cap.
func runPython(ctx context.Context, program string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "python3", "-I", "-c", program)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timed out after %s", execTimeout)
	}
	return truncate(outBuf.String()), truncate(errBuf.String()), err
}

func truncate(s string) string {
	if len(s) <= execOutputCap {
		return s
	}
	return s[:execOutputCap] + "\n... output truncated"
}

// errNoPython reports an unusable interpreter for service_info display.
var errNoPython = errors.New("python3 not found in PATH")

// pythonAvailable probes for a usable interpreter.
func pythonAvailable() error {
	if _, err := exec.LookPath("python3"); err != nil {
		return errNoPython
	}
	return nil
}

// pythonTools is the python service's tool catalog.
func pythonTools() []mcp.Tool {
	scriptName := `"name": {"type": "string", "description": "Script name (a .py suffix is added when missing)"}`
	sandboxID := `"sandbox_id": {"type": "string", "description": "Sandbox identifier"}`
	return []mcp.Tool{
		{
			Name:        "python_create",
			Description: "Create a new Python script",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + scriptName + `, "content": {"type": "string", "description": "Script source"}}, "required": ["name", "content"]}`),
		},
		{
			Name:        "python_read",
			Description: "Read a stored Python script",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + scriptName + `}, "required": ["name"]}`),
		},
		{
			Name:        "python_update",
			Description: "Replace the content of an existing Python script",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + scriptName + `, "content": {"type": "string", "description": "New source"}}, "required": ["name", "content"]}`),
		},
		{
			Name:        "python_delete",
			Description: "Delete a stored Python script",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + scriptName + `}, "required": ["name"]}`),
		},
		{
			Name:        "python_list",
			Description: "List stored Python scripts",
			InputSchema: mustSchema(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "python_search",
			Description: "Search scripts by name or content",
			InputSchema: mustSchema(`{"type": "object", "properties": {"query": {"type": "string", "description": "Search text"}}, "required": ["query"]}`),
		},
		{
			Name:        "python_execute",
			Description: "Execute a Python snippet in an isolated interpreter",
			InputSchema: mustSchema(`{"type": "object", "properties": {"code": {"type": "string", "description": "Python source to run"}, ` + sandboxID + `}, "required": ["code"]}`),
		},
		{
			Name:        "python_execute_file",
			Description: "Execute a stored Python script",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + scriptName + `, ` + sandboxID + `}, "required": ["name"]}`),
		},
		{
			Name:        "sandbox_create",
			Description: "Create a sandbox that retains state across executions",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + sandboxID + `}, "required": ["sandbox_id"]}`),
		},
		{
			Name:        "sandbox_delete",
			Description: "Delete a sandbox and its retained state",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + sandboxID + `}, "required": ["sandbox_id"]}`),
		},
		{
			Name:        "sandbox_status",
			Description: "Describe a sandbox",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + sandboxID + `}, "required": ["sandbox_id"]}`),
		},
		{
			Name:        "sandbox_list",
			Description: "List active sandboxes",
			InputSchema: mustSchema(`{"type": "object", "properties": {}}`),
		},
	}
}
