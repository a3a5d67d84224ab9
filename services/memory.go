// ABOUTME: In-process MCP server exposing the session's memory store as memory_* tools.
// ABOUTME: Attached to every session pool under the server name "memory".
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389-research/stampede/mcp"
	"github.com/2389-research/stampede/memory"
)

// MemoryServer serves memory_* tools over one session's store.
type MemoryServer struct {
	store   *memory.Store
	catalog *catalog
}

// NewMemoryServer wraps a store in the tool surface.
func NewMemoryServer(store *memory.Store) (*MemoryServer, error) {
	cat, err := newCatalog(memoryTools())
	if err != nil {
		return nil, err
	}
	return &MemoryServer{store: store, catalog: cat}, nil
}

// Info implements mcp.Server.
func (m *MemoryServer) Info() mcp.ServerInfo {
	return mcp.ServerInfo{Name: "memory", Version: "1.0.0"}
}

// ListTools implements mcp.Server.
func (m *MemoryServer) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return m.catalog.Tools(), nil
}

// Close releases the underlying store.
func (m *MemoryServer) Close() error { return m.store.Close() }

// CallTool implements mcp.Server. Tool-level failures come back as error
// results, not protocol errors, so the model can react to them.
func (m *MemoryServer) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	if !m.catalog.Has(name) {
		return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
	}
	if err := m.catalog.Validate(name, args); err != nil {
		return nil, err
	}

	switch name {
	case "memory_store":
		var in struct {
			Content    string            `json:"content"`
			MemoryType string            `json:"memory_type"`
			Importance *float64          `json:"importance"`
			Metadata   map[string]string `json:"metadata"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		importance := 0.5
		if in.Importance != nil {
			importance = *in.Importance
		}
		rec, err := m.store.Save(memory.Kind(in.MemoryType), in.Content, importance, in.Metadata)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("failed to store memory: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("stored memory %s (%s, importance %.2f)", rec.ID, rec.Kind, rec.Importance)), nil

	case "memory_search":
		var in struct {
			Query         string  `json:"query"`
			MemoryType    string  `json:"memory_type"`
			MinImportance float64 `json:"min_importance"`
			Limit         int     `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		results, err := m.store.Search(in.Query, memory.SearchOptions{
			Kind:          memory.Kind(in.MemoryType),
			MinImportance: in.MinImportance,
			Limit:         in.Limit,
		})
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcp.TextResult("no matching memories"), nil
		}
		out := fmt.Sprintf("found %d memories:", len(results))
		for _, r := range results {
			out += fmt.Sprintf("\n- [%s] (%s, score %.3f) %s", r.Record.ID, r.Record.Kind, r.Score, r.Record.Content)
		}
		return mcp.TextResult(out), nil

	case "memory_get_recent":
		var in struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		recs, err := m.store.GetRecent(in.Limit)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		return mcp.TextResult(formatRecords("recent memories", recs)), nil

	case "memory_get_important":
		var in struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		recs, err := m.store.GetImportant(in.Limit)
		if err != nil {
			return mcp.ErrorResult(err.Error()), nil
		}
		return mcp.TextResult(formatRecords("important memories", recs)), nil

	case "memory_update":
		var in struct {
			MemoryID   string            `json:"memory_id"`
			Content    *string           `json:"content"`
			Importance *float64          `json:"importance"`
			Metadata   map[string]string `json:"metadata"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		rec, err := m.store.Update(in.MemoryID, in.Content, in.Importance, in.Metadata)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("update failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("updated memory %s", rec.ID)), nil

	case "memory_delete":
		var in struct {
			MemoryID string `json:"memory_id"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if err := m.store.Delete(in.MemoryID); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("deleted memory %s", in.MemoryID)), nil

	case "memory_consolidate":
		promoted, err := m.store.Consolidate()
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("consolidate failed: %v", err)), nil
		}
		return mcp.TextResult(fmt.Sprintf("promoted %d short-term memories to long-term", promoted)), nil

	case "memory_stats":
		stats, err := m.store.Stats()
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("stats failed: %v", err)), nil
		}
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.TextResult(string(data)), nil
	}

	return nil, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, name)
}

func formatRecords(title string, recs []*memory.Record) string {
	if len(recs) == 0 {
		return "no memories stored"
	}
	out := fmt.Sprintf("%s (%d):", title, len(recs))
	for _, r := range recs {
		out += fmt.Sprintf("\n- [%s] (%s, importance %.2f, accessed %d) %s", r.ID, r.Kind, r.Importance, r.AccessCount, r.Content)
	}
	return out
}

// memoryTools is the memory server's tool catalog.
func memoryTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "memory_store",
			Description: "Store a new memory record",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"content": {"type": "string", "description": "Memory content"},
					"memory_type": {"type": "string", "enum": ["short_term", "long_term", "episodic", "semantic"], "description": "Memory type (default short_term)"},
					"importance": {"type": "number", "minimum": 0, "maximum": 1, "description": "Importance from 0 to 1 (default 0.5)"},
					"metadata": {"type": "object", "description": "Optional metadata"}
				},
				"required": ["content"]
			}`),
		},
		{
			Name:        "memory_search",
			Description: "Search memories by keyword",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search query"},
					"memory_type": {"type": "string", "enum": ["short_term", "long_term", "episodic", "semantic"], "description": "Restrict to one memory type"},
					"min_importance": {"type": "number", "minimum": 0, "maximum": 1, "description": "Minimum importance"},
					"limit": {"type": "integer", "minimum": 1, "description": "Maximum results (default 5)"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "memory_get_recent",
			Description: "Get the most recently stored memories",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "description": "Maximum results (default 5)"}
				}
			}`),
		},
		{
			Name:        "memory_get_important",
			Description: "Get memories ranked by importance and access frequency",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "description": "Maximum results (default 5)"}
				}
			}`),
		},
		{
			Name:        "memory_update",
			Description: "Update an existing memory record",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"memory_id": {"type": "string", "description": "Record ID"},
					"content": {"type": "string", "description": "New content"},
					"importance": {"type": "number", "minimum": 0, "maximum": 1, "description": "New importance"},
					"metadata": {"type": "object", "description": "Replacement metadata"}
				},
				"required": ["memory_id"]
			}`),
		},
		{
			Name:        "memory_delete",
			Description: "Delete a memory record",
			InputSchema: mustSchema(`{
				"type": "object",
				"properties": {
					"memory_id": {"type": "string", "description": "Record ID"}
				},
				"required": ["memory_id"]
			}`),
		},
		{
			Name:        "memory_consolidate",
			Description: "Promote qualifying short-term memories to long-term",
			InputSchema: mustSchema(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        "memory_stats",
			Description: "Summarize stored memories",
			InputSchema: mustSchema(`{"type": "object", "properties": {}}`),
		},
	}
}

var _ mcp.Server = (*MemoryServer)(nil)
