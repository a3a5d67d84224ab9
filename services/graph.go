// ABOUTME: Graph service managing JSON DAG documents with validation and topological execution.
// ABOUTME: Documents persist under a graphs directory via write-temp-rename.
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
)

// GraphNode is one step in a graph document.
type GraphNode struct {
	ID     string            `json:"id"`
	Label  string            `json:"label,omitempty"`
	Kind   string            `json:"kind,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// GraphEdge is a directed dependency between two nodes.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphDoc is the persisted graph format.
type GraphDoc struct {
	ID        string      `json:"id"`
	Name      string      `json:"name,omitempty"`
	Nodes     []GraphNode `json:"nodes"`
	Edges     []GraphEdge `json:"edges"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// GraphService keeps loaded graphs in memory and persists them as JSON files.
type GraphService struct {
	baseDir string
	catalog *catalog

	mu     sync.Mutex
	graphs map[string]*GraphDoc
	now    func() time.Time
}

// NewGraphService builds the service, creating baseDir if needed.
func NewGraphService(baseDir string) (*GraphService, error) {
	if baseDir == "" {
		baseDir = "graphs"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create graphs dir: %w", err)
	}
	cat, err := newCatalog(graphTools())
	if err != nil {
		return nil, err
	}
	return &GraphService{
		baseDir: baseDir,
		catalog: cat,
		graphs:  make(map[string]*GraphDoc),
		now:     time.Now,
	}, nil
}

// ListTools implements the service surface.
func (g *GraphService) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return g.catalog.Tools(), nil
}

// Close implements the service surface.
func (g *GraphService) Close() error { return nil }

func (g *GraphService) graphPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: invalid graph id %q", mcp.ErrInvalidInput, id)
	}
	return filepath.Join(g.baseDir, id+".json"), nil
}

// persist writes doc atomically next to its final location.
func (g *GraphService) persist(doc *GraphDoc) error {
	path, err := g.graphPath(doc.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// get returns a loaded graph, pulling it from disk on first access.
func (g *GraphService) get(id string) (*GraphDoc, error) {
	if doc, ok := g.graphs[id]; ok {
		return doc, nil
	}
	path, err := g.graphPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph %q not loaded and not on disk", id)
	}
	var doc GraphDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graph %q is corrupt: %w", id, err)
	}
	g.graphs[id] = &doc
	return &doc, nil
}

// CallTool implements the service surface.
func (g *GraphService) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	if !g.catalog.Has(name) {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}
	if err := g.catalog.Validate(name, args); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch name {
	case "graph_create":
		var in struct {
			GraphID string `json:"graph_id"`
			Name    string `json:"name"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if _, ok := g.graphs[in.GraphID]; ok {
			return mcp.ErrorResult(fmt.Sprintf("graph %q already exists", in.GraphID)), nil
		}
		if path, err := g.graphPath(in.GraphID); err != nil {
			return nil, err
		} else if _, err := os.Stat(path); err == nil {
			return mcp.ErrorResult(fmt.Sprintf("graph %q already exists on disk", in.GraphID)), nil
		}
		now := g.now()
		doc := &GraphDoc{ID: in.GraphID, Name: in.Name, CreatedAt: now, UpdatedAt: now}
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		g.graphs[in.GraphID] = doc
		return mcp.TextResult(fmt.Sprintf("created graph %q", in.GraphID)), nil

	case "graph_load":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		return mcp.TextResult(fmt.Sprintf("loaded graph %q (%d nodes, %d edges)", doc.ID, len(doc.Nodes), len(doc.Edges))), nil

	case "graph_save":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, ok := g.graphs[in.GraphID]
		if !ok {
			return mcp.ErrorResult(fmt.Sprintf("graph %q is not loaded", in.GraphID)), nil
		}
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("saved graph %q", in.GraphID)), nil

	case "graph_delete":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		path, err := g.graphPath(in.GraphID)
		if err != nil {
			return nil, err
		}
		_, loaded := g.graphs[in.GraphID]
		delete(g.graphs, in.GraphID)
		rmErr := os.Remove(path)
		if !loaded && rmErr != nil {
			return mcp.ErrorResult(fmt.Sprintf("graph %q does not exist", in.GraphID)), nil
		}
		return mcp.TextResult(fmt.Sprintf("deleted graph %q", in.GraphID)), nil

	case "graph_list":
		ids, err := g.listGraphs()
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		if len(ids) == 0 {
			return mcp.TextResult("no graphs stored"), nil
		}
		return mcp.TextResult("graphs:\n- " + strings.Join(ids, "\n- ")), nil

	case "graph_info":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(string(data)), nil

	case "graph_node_add":
		var in struct {
			GraphID string            `json:"graph_id"`
			NodeID  string            `json:"node_id"`
			Label   string            `json:"label"`
			Kind    string            `json:"kind"`
			Attrs   map[string]string `json:"attrs"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		for _, n := range doc.Nodes {
			if n.ID == in.NodeID {
				return mcp.ErrorResult(fmt.Sprintf("node %q already exists", in.NodeID)), nil
			}
		}
		doc.Nodes = append(doc.Nodes, GraphNode{ID: in.NodeID, Label: in.Label, Kind: in.Kind, Attrs: in.Attrs})
		doc.UpdatedAt = g.now()
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("added node %q to graph %q", in.NodeID, in.GraphID)), nil

	case "graph_node_remove":
		var in struct {
			GraphID string `json:"graph_id"`
			NodeID  string `json:"node_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		kept := doc.Nodes[:0]
		found := false
		for _, n := range doc.Nodes {
			if n.ID == in.NodeID {
				found = true
				continue
			}
			kept = append(kept, n)
		}
		if !found {
			return mcp.ErrorResult(fmt.Sprintf("node %q does not exist", in.NodeID)), nil
		}
		doc.Nodes = kept
		edges := doc.Edges[:0]
		for _, e := range doc.Edges {
			if e.From == in.NodeID || e.To == in.NodeID {
				continue
			}
			edges = append(edges, e)
		}
		doc.Edges = edges
		doc.UpdatedAt = g.now()
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("removed node %q and its edges", in.NodeID)), nil

	case "graph_edge_add":
		var in struct {
			GraphID string `json:"graph_id"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		if !hasNode(doc, in.From) || !hasNode(doc, in.To) {
			return mcp.ErrorResult("both endpoints must exist before adding an edge"), nil
		}
		for _, e := range doc.Edges {
			if e.From == in.From && e.To == in.To {
				return mcp.ErrorResult("edge already exists"), nil
			}
		}
		doc.Edges = append(doc.Edges, GraphEdge{From: in.From, To: in.To})
		doc.UpdatedAt = g.now()
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("added edge %s -> %s", in.From, in.To)), nil

	case "graph_edge_remove":
		var in struct {
			GraphID string `json:"graph_id"`
			From    string `json:"from"`
			To      string `json:"to"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		kept := doc.Edges[:0]
		found := false
		for _, e := range doc.Edges {
			if e.From == in.From && e.To == in.To {
				found = true
				continue
			}
			kept = append(kept, e)
		}
		if !found {
			return mcp.ErrorResult("edge does not exist"), nil
		}
		doc.Edges = kept
		doc.UpdatedAt = g.now()
		if err := g.persist(doc); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("persist failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("removed edge %s -> %s", in.From, in.To)), nil

	case "graph_validate":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		if problems := validateGraph(doc); len(problems) > 0 {
			return mcp.ErrorResult("graph is invalid:\n- " + strings.Join(problems, "\n- ")), nil
		}
		return mcp.TextResult(fmt.Sprintf("graph %q is a valid DAG (%d nodes, %d edges)", doc.ID, len(doc.Nodes), len(doc.Edges))), nil

	case "graph_run":
		var in struct {
			GraphID string `json:"graph_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		doc, err := g.get(in.GraphID)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		order, err := topoSort(doc)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		var b strings.Builder
		fmt.Fprintf(&b, "executed graph %q, %d nodes in order:", doc.ID, len(order))
		for i, id := range order {
			fmt.Fprintf(&b, "\n%d. %s", i+1, id)
		}
		return mcp.TextResult(b.String()), nil
	}

	return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
}

func (g *GraphService) listGraphs() ([]string, error) {
	seen := make(map[string]bool)
	for id := range g.graphs {
		seen[id] = true
	}
	entries, err := os.ReadDir(g.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read graphs dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			seen[strings.TrimSuffix(e.Name(), ".json")] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func hasNode(doc *GraphDoc, id string) bool {
	for _, n := range doc.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// validateGraph collects structural problems: duplicate nodes, dangling
// edge endpoints, and cycles.
func validateGraph(doc *GraphDoc) []string {
	var problems []string
	seen := make(map[string]bool)
	for _, n := range doc.Nodes {
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node %q", n.ID))
		}
		seen[n.ID] = true
	}
	for _, e := range doc.Edges {
		if !seen[e.From] {
			problems = append(problems, fmt.Sprintf("edge references missing node %q", e.From))
		}
		if !seen[e.To] {
			problems = append(problems, fmt.Sprintf("edge references missing node %q", e.To))
		}
	}
	if len(problems) == 0 {
		if _, err := topoSort(doc); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

// topoSort orders nodes so every edge runs source before target. Ready
// nodes drain in insertion order, so runs are deterministic.
func topoSort(doc *GraphDoc) ([]string, error) {
	indegree := make(map[string]int, len(doc.Nodes))
	order := make([]string, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		indegree[n.ID] = 0
	}
	adj := make(map[string][]string)
	for _, e := range doc.Edges {
		if _, ok := indegree[e.From]; !ok {
			return nil, fmt.Errorf("edge references missing node %q", e.From)
		}
		if _, ok := indegree[e.To]; !ok {
			return nil, fmt.Errorf("edge references missing node %q", e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	var queue []string
	for _, n := range doc.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(doc.Nodes) {
		return nil, fmt.Errorf("graph contains a cycle (%d of %d nodes orderable)", len(order), len(doc.Nodes))
	}
	return order, nil
}

// graphTools is the graph service's tool catalog.
func graphTools() []mcp.Tool {
	graphID := `"graph_id": {"type": "string", "description": "Graph identifier"}`
	return []mcp.Tool{
		{
			Name:        "graph_create",
			Description: "Create a new empty graph",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `, "name": {"type": "string", "description": "Display name"}}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_load",
			Description: "Load a graph from disk into memory",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_save",
			Description: "Persist a loaded graph to disk",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_delete",
			Description: "Delete a graph from memory and disk",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_list",
			Description: "List all graphs",
			InputSchema: mustSchema(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "graph_info",
			Description: "Show a graph's full document",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_node_add",
			Description: "Add a node to a graph",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `, "node_id": {"type": "string", "description": "Node identifier"}, "label": {"type": "string"}, "kind": {"type": "string"}, "attrs": {"type": "object"}}, "required": ["graph_id", "node_id"]}`),
		},
		{
			Name:        "graph_node_remove",
			Description: "Remove a node and its edges from a graph",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `, "node_id": {"type": "string", "description": "Node identifier"}}, "required": ["graph_id", "node_id"]}`),
		},
		{
			Name:        "graph_edge_add",
			Description: "Add a directed edge between two existing nodes",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `, "from": {"type": "string"}, "to": {"type": "string"}}, "required": ["graph_id", "from", "to"]}`),
		},
		{
			Name:        "graph_edge_remove",
			Description: "Remove a directed edge",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `, "from": {"type": "string"}, "to": {"type": "string"}}, "required": ["graph_id", "from", "to"]}`),
		},
		{
			Name:        "graph_validate",
			Description: "Check a graph for duplicate nodes, dangling edges, and cycles",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
		{
			Name:        "graph_run",
			Description: "Execute a graph's nodes in topological order",
			InputSchema: mustSchema(`{"type": "object", "properties": {` + graphID + `}, "required": ["graph_id"]}`),
		},
	}
}
