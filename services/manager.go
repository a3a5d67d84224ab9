// ABOUTME: Service manager exposing dynamic service instances through the six service_* tools.
// ABOUTME: Attached to every session pool under the server name "mcp_service_manager".
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/stampede/mcp"
	"github.com/2389-research/stampede/memory"
)

// Service is the surface every managed service instance provides.
type Service interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error)
	Close() error
}

// serviceInstance pairs a running service with its creation record.
type serviceInstance struct {
	serviceType string
	service     Service
	config      map[string]any
	createdAt   time.Time
}

// Registrar lets created instances join the session's tool pool so their
// tools are callable directly, not only through service_call. A *mcp.Pool
// satisfies it.
type Registrar interface {
	AddServer(ctx context.Context, spec mcp.ServerSpec) error
	RemoveServer(name string) error
}

// Manager creates and routes to service instances on demand.
type Manager struct {
	baseDir string
	catalog *catalog

	mu        sync.Mutex
	instances map[string]*serviceInstance
	registrar Registrar
}

// NewManager builds a manager whose instances keep their data under baseDir.
func NewManager(baseDir string) (*Manager, error) {
	if baseDir == "" {
		baseDir = "services"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create services dir: %w", err)
	}
	cat, err := newCatalog(managerTools())
	if err != nil {
		return nil, err
	}
	return &Manager{
		baseDir:   baseDir,
		catalog:   cat,
		instances: make(map[string]*serviceInstance),
	}, nil
}

// SetRegistrar wires the pool new instances register with. Call before the
// manager serves traffic.
func (m *Manager) SetRegistrar(r Registrar) {
	m.registrar = r
}

// Info implements mcp.Server.
func (m *Manager) Info() mcp.ServerInfo {
	return mcp.ServerInfo{Name: "mcp_service_manager", Version: "1.0.0"}
}

// ListTools implements mcp.Server.
func (m *Manager) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return m.catalog.Tools(), nil
}

// Close shuts down every instance.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, inst := range m.instances {
		if err := inst.service.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", id, err)
		}
		delete(m.instances, id)
	}
	return firstErr
}

// newService constructs a service of the given type under the instance dir.
func (m *Manager) newService(serviceType, serviceID string, config map[string]any) (Service, error) {
	instanceDir := filepath.Join(m.baseDir, serviceID)
	switch serviceType {
	case "python":
		return NewPythonService(filepath.Join(instanceDir, "python_scripts"))
	case "graph":
		return NewGraphService(filepath.Join(instanceDir, "graphs"))
	case "memory":
		if err := os.MkdirAll(instanceDir, 0o755); err != nil {
			return nil, err
		}
		store, err := memory.Open(filepath.Join(instanceDir, "memory.db"))
		if err != nil {
			return nil, err
		}
		return NewMemoryServer(store)
	}
	return nil, fmt.Errorf("unknown service type %q", serviceType)
}

func validServiceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// CallTool implements mcp.Server.
func (m *Manager) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	if !m.catalog.Has(name) {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}
	if err := m.catalog.Validate(name, args); err != nil {
		return nil, err
	}

	switch name {
	case "service_list":
		var in struct {
			ShowInstances bool `json:"show_instances"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return m.serviceList(in.ShowInstances), nil

	case "service_create":
		var in struct {
			ServiceType string         `json:"service_type"`
			ServiceID   string         `json:"service_id"`
			Config      map[string]any `json:"config"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if !validServiceID(in.ServiceID) {
			return nil, fmt.Errorf("%w: invalid service id %q", mcp.ErrInvalidInput, in.ServiceID)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, exists := m.instances[in.ServiceID]; exists {
			return mcp.ErrorResult(fmt.Sprintf("service %q already exists", in.ServiceID)), nil
		}
		svc, err := m.newService(in.ServiceType, in.ServiceID, in.Config)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("failed to create service: %v", err)), nil
		}
		if m.registrar != nil {
			spec := mcp.ServerSpec{Name: in.ServiceID, Inproc: &registeredService{id: in.ServiceID, Service: svc}}
			if err := m.registrar.AddServer(ctx, spec); err != nil {
				_ = svc.Close()
				return mcp.ErrorResult(fmt.Sprintf("failed to register service: %v", err)), nil
			}
		}
		m.instances[in.ServiceID] = &serviceInstance{
			serviceType: in.ServiceType,
			service:     svc,
			config:      in.Config,
			createdAt:   time.Now(),
		}
		return mcp.TextResult(fmt.Sprintf("created %s service %q", in.ServiceType, in.ServiceID)), nil

	case "service_delete":
		var in struct {
			ServiceID string `json:"service_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		inst, exists := m.instances[in.ServiceID]
		if !exists {
			return mcp.ErrorResult(fmt.Sprintf("service %q does not exist", in.ServiceID)), nil
		}
		delete(m.instances, in.ServiceID)
		if m.registrar != nil {
			_ = m.registrar.RemoveServer(in.ServiceID)
		}
		if err := inst.service.Close(); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("service %q removed but close failed: %v", in.ServiceID, err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("deleted service %q", in.ServiceID)), nil

	case "service_info":
		var in struct {
			ServiceID string `json:"service_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		m.mu.Lock()
		inst, exists := m.instances[in.ServiceID]
		m.mu.Unlock()
		if !exists {
			return mcp.ErrorResult(fmt.Sprintf("service %q does not exist", in.ServiceID)), nil
		}
		return m.serviceInfo(ctx, in.ServiceID, inst), nil

	case "service_list_tools":
		var in struct {
			ServiceID string `json:"service_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		m.mu.Lock()
		inst, exists := m.instances[in.ServiceID]
		m.mu.Unlock()
		if !exists {
			return mcp.ErrorResult(fmt.Sprintf("service %q does not exist", in.ServiceID)), nil
		}
		tools, err := inst.service.ListTools(ctx)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("list tools failed: %v", err)), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "service %q (%s) exposes %d tools:", in.ServiceID, inst.serviceType, len(tools))
		for _, t := range tools {
			fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Description)
		}
		return mcp.TextResult(b.String()), nil

	case "service_call":
		var in struct {
			ServiceID string          `json:"service_id"`
			ToolName  string          `json:"tool_name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		m.mu.Lock()
		inst, exists := m.instances[in.ServiceID]
		m.mu.Unlock()
		if !exists {
			return mcp.ErrorResult(fmt.Sprintf("service %q does not exist", in.ServiceID)), nil
		}
		result, err := inst.service.CallTool(ctx, in.ToolName, in.Arguments)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("call to %s on %q failed: %v", in.ToolName, in.ServiceID, err)), nil
		}
		return prefixResult(in.ServiceID, result), nil
	}

	return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
}

// registeredService presents a managed instance as a pool server under its
// instance ID. The manager keeps ownership of the instance lifecycle.
type registeredService struct {
	id string
	Service
}

func (r *registeredService) Info() mcp.ServerInfo {
	return mcp.ServerInfo{Name: r.id, Version: "1.0.0"}
}

// prefixResult tags each text block with the originating instance so
// interleaved calls stay attributable in the transcript.
func prefixResult(serviceID string, result *mcp.ToolResult) *mcp.ToolResult {
	out := &mcp.ToolResult{IsError: result.IsError}
	for _, c := range result.Content {
		if c.Type == "text" {
			c.Text = fmt.Sprintf("[%s] %s", serviceID, c.Text)
		}
		out.Content = append(out.Content, c)
	}
	return out
}

func (m *Manager) serviceList(showInstances bool) *mcp.ToolResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("available service types:\n- python: script storage and sandboxed execution\n- graph: DAG documents with topological execution\n- memory: persistent memory records")
	if !showInstances {
		return mcp.TextResult(b.String())
	}
	if len(m.instances) == 0 {
		b.WriteString("\n\nno active instances")
		return mcp.TextResult(b.String())
	}
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintf(&b, "\n\nactive instances (%d):", len(ids))
	for _, id := range ids {
		inst := m.instances[id]
		fmt.Fprintf(&b, "\n- %s (%s, created %s)", id, inst.serviceType, inst.createdAt.Format(time.RFC3339))
	}
	return mcp.TextResult(b.String())
}

func (m *Manager) serviceInfo(ctx context.Context, id string, inst *serviceInstance) *mcp.ToolResult {
	info := map[string]any{
		"service_id":   id,
		"service_type": inst.serviceType,
		"created_at":   inst.createdAt.Format(time.RFC3339),
	}
	if len(inst.config) > 0 {
		info["config"] = inst.config
	}
	if tools, err := inst.service.ListTools(ctx); err == nil {
		info["tool_count"] = len(tools)
	}
	if inst.serviceType == "python" {
		if err := pythonAvailable(); err != nil {
			info["interpreter"] = err.Error()
		} else {
			info["interpreter"] = "python3 available"
		}
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return mcp.ErrorResult(err.Error())
	}
	return mcp.TextResult(string(data))
}

// managerTools is the manager's own tool catalog.
func managerTools() []mcp.Tool {
	serviceID := `"service_id": {"type": "string", "description": "Service instance identifier"}`
	return []mcp.Tool{
		{
			Name:        "service_list",
			Description: "List available service types and optionally active instances",
			InputSchema: mustSchema(`{"type": "object", "properties": {"show_instances": {"type": "boolean", "description": "Include active instances"}}}`),
		},
		{
			Name:        "service_create",
			Description: "Create a new service instance",
			InputSchema: mustSchema(`{"type": "object", "properties": {"service_type": {"type": "string", "enum": ["python", "graph", "memory"], "description": "Service type"}, ` + serviceID + `, "config": {"type": "object", "description": "Service configuration"}}, "required": ["service_type", "service_id"]}`),
		},
		{
			Name:        "service_delete",
			Description: "Delete a service instance",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + serviceID + `}, "required": ["service_id"]}`),
		},
		{
			Name:        "service_info",
			Description: "Describe a service instance",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + serviceID + `}, "required": ["service_id"]}`),
		},
		{
			Name:        "service_list_tools",
			Description: "List the tools a service instance exposes",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + serviceID + `}, "required": ["service_id"]}`),
		},
		{
			Name:        "service_call",
			Description: "Invoke a tool on a service instance",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + serviceID + `, "tool_name": {"type": "string", "description": "Tool to invoke"}, "arguments": {"type": "object", "description": "Tool arguments"}}, "required": ["service_id", "tool_name"]}`),
		},
	}
}

var _ mcp.Server = (*Manager)(nil)
var _ Service = (*PythonService)(nil)
var _ Service = (*GraphService)(nil)
var _ Service = (*MemoryServer)(nil)
