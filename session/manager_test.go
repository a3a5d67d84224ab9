// ABOUTME: Tests for the session manager.
// ABOUTME: Covers on-disk layout, CRUD round-trips, list sources, secret redaction, and idempotent delete.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/stampede/mcp"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateLayout(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{ID: "s1", Name: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, sub := range []string{"memory", "mcp", "graphs", "logs"} {
		if fi, err := os.Stat(filepath.Join(sess.Dir(), sub)); err != nil || !fi.IsDir() {
			t.Errorf("missing subdir %s: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(sess.Dir(), "session_config.json")); err != nil {
		t.Errorf("missing config: %v", err)
	}

	cfg := sess.Config()
	if cfg.Agent.MaxIterations != DefaultMaxIterations || cfg.Agent.MaxMessages != DefaultMaxMessages {
		t.Errorf("defaults not applied: %+v", cfg.Agent)
	}
	if cfg.CreatedAt.IsZero() || cfg.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestCreateGeneratesID(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID() == "" {
		t.Error("expected generated id")
	}
}

func TestCreateDuplicate(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create(Config{ID: "dup"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(Config{ID: "dup"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRejectsBadID(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"..", "a/b"} {
		if _, err := m.Create(Config{ID: id}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("id %q: err = %v", id, err)
		}
	}
}

func TestGetRoundTrip(t *testing.T) {
	m := newManager(t)
	want := Config{
		ID:          "rt",
		Name:        "round trip",
		Description: "persisted fields",
		Metadata:    map[string]string{"team": "infra"},
		Agent: AgentSettings{
			Instruction:   "be brief",
			Provider:      "local",
			Model:         "test-model",
			MaxIterations: 3,
		},
	}
	if _, err := m.Create(want); err != nil {
		t.Fatal(err)
	}

	// A second manager over the same root reads from disk.
	m2, err := NewManager(filepath.Dir(m.root))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := m2.Get("rt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := sess.Config()
	if got.Name != want.Name || got.Description != want.Description ||
		got.Agent.Instruction != want.Agent.Instruction || got.Agent.Model != want.Agent.Model ||
		got.Metadata["team"] != "infra" {
		t.Errorf("got %+v", got)
	}
	if got.Agent.MaxIterations != 3 {
		t.Errorf("max iterations = %d", got.Agent.MaxIterations)
	}
}

func TestGetUnknown(t *testing.T) {
	m := newManager(t)
	if _, err := m.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSources(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create(Config{ID: "disk-and-live"}); err != nil {
		t.Fatal(err)
	}

	// A session created through another manager exists only on disk here.
	m2, err := NewManager(filepath.Dir(m.root))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := m2.Create(Config{ID: "disk-only"}); err != nil {
		t.Fatal(err)
	}

	mem, err := m.List(SourceMemory)
	if err != nil {
		t.Fatal(err)
	}
	if len(mem) != 1 || mem[0].ID != "disk-and-live" {
		t.Errorf("memory list = %+v", mem)
	}

	all, err := m.List(SourceAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all list = %+v", all)
	}
	if !all[0].UpdatedAt.After(all[1].UpdatedAt) {
		t.Error("list not sorted by updated_at desc")
	}
}

func TestUpdate(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create(Config{ID: "u", Name: "before"}); err != nil {
		t.Fatal(err)
	}

	name := "after"
	cfg, err := m.Update("u", UpdateRequest{Name: &name, Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if cfg.Name != "after" || cfg.Metadata["k"] != "v" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.UpdatedAt.After(cfg.CreatedAt) {
		t.Error("updated_at not bumped")
	}

	if _, err := m.Update("ghost", UpdateRequest{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{ID: "del"})
	if err != nil {
		t.Fatal(err)
	}
	dir := sess.Dir()

	if err := m.Delete("del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("directory still present")
	}
	if _, err := m.Get("del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if err := m.Delete("del"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestSecretsNeverPersisted(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{
		ID: "sec",
		Agent: AgentSettings{
			MCPServers: []mcp.ServerSpec{{
				Name:    "ext",
				Command: "ext-server",
				Env:     []string{"API_KEY=sk-hunter2", "MY_TOKEN=abc", "PLAIN=ok"},
			}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(sess.Dir(), "session_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hunter2") || strings.Contains(string(data), "MY_TOKEN") {
		t.Errorf("secret reached disk: %s", data)
	}
	if !strings.Contains(string(data), "PLAIN=ok") {
		t.Errorf("non-secret env dropped: %s", data)
	}

	// The live config keeps the full environment.
	if got := sess.Config().Agent.MCPServers[0].Env; len(got) != 3 {
		t.Errorf("live env = %v", got)
	}
}

func TestConfigFileShape(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{ID: "shape", Name: "n"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(sess.Dir(), "session_config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("config not valid JSON: %v", err)
	}
	for _, key := range []string{"session_id", "created_at", "updated_at", "agent_settings"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("config missing %q", key)
		}
	}
}

func TestInitializeAttachesBuiltins(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{ID: "init"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// Second call is a no-op.
	if err := sess.Initialize(context.Background()); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}

	states := sess.Pool().ServerStates()
	if states["memory"] != mcp.StateReady || states["mcp_service_manager"] != mcp.StateReady {
		t.Errorf("states = %v", states)
	}

	var memTool, svcTool bool
	for _, tool := range sess.Pool().ListTools() {
		switch tool.Name {
		case "memory__memory_store":
			memTool = true
		case "mcp_service_manager__service_create":
			svcTool = true
		}
	}
	if !memTool || !svcTool {
		t.Errorf("builtin tools missing: mem=%v svc=%v", memTool, svcTool)
	}

	stats, err := sess.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DiskBytes == 0 || stats.Memory == nil {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTurnLock(t *testing.T) {
	m := newManager(t)
	sess, err := m.Create(Config{ID: "lock"})
	if err != nil {
		t.Fatal(err)
	}
	if !sess.TryBeginTurn() {
		t.Fatal("first claim should succeed")
	}
	if sess.TryBeginTurn() {
		t.Fatal("second claim should fail while turn active")
	}
	sess.EndTurn()
	if !sess.TryBeginTurn() {
		t.Fatal("claim after release should succeed")
	}
	sess.EndTurn()
}

func TestManagerDefaultsApplyToNewSessions(t *testing.T) {
	m := newManager(t)
	m.SetDefaults(Defaults{
		Provider:   "openai",
		Model:      "gpt-4o",
		MCPServers: []mcp.ServerSpec{{Name: "calc", Command: "/usr/local/bin/calctool"}},
	})

	sess, err := m.Create(Config{ID: "plain"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := sess.Config()
	if cfg.Agent.Provider != "openai" || cfg.Agent.Model != "gpt-4o" {
		t.Errorf("defaults not applied: %+v", cfg.Agent)
	}
	if len(cfg.Agent.MCPServers) != 1 || cfg.Agent.MCPServers[0].Name != "calc" {
		t.Errorf("default servers not applied: %+v", cfg.Agent.MCPServers)
	}

	// Explicit settings win over manager defaults.
	sess, err = m.Create(Config{ID: "custom", Agent: AgentSettings{
		Provider:   "anthropic",
		Model:      "claude-sonnet",
		MCPServers: []mcp.ServerSpec{{Name: "own", Command: "/bin/own"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	cfg = sess.Config()
	if cfg.Agent.Provider != "anthropic" || cfg.Agent.Model != "claude-sonnet" {
		t.Errorf("explicit settings overridden: %+v", cfg.Agent)
	}
	if len(cfg.Agent.MCPServers) != 1 || cfg.Agent.MCPServers[0].Name != "own" {
		t.Errorf("explicit servers overridden: %+v", cfg.Agent.MCPServers)
	}
}
