// ABOUTME: Tests for the YAML server config loader.
// ABOUTME: Covers full documents, missing files, validation of MCP server declarations, and flag merging.
package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeTempConfig(t, `
addr: "0.0.0.0:9000"
data_dir: /var/lib/stampede
default_provider: openai
default_model: gpt-4o
mcp_servers:
  - name: calc
    command: /usr/local/bin/calctool
    args: ["-v"]
    env: ["CALC_MODE=strict"]
`)

	cfg, err := loadServerConfig(path, true)
	if err != nil {
		t.Fatalf("loadServerConfig failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.DataDir != "/var/lib/stampede" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.DefaultProvider != "openai" || cfg.DefaultModel != "gpt-4o" {
		t.Errorf("defaults = %q / %q", cfg.DefaultProvider, cfg.DefaultModel)
	}
	if len(cfg.MCPServers) != 1 {
		t.Fatalf("mcp_servers = %+v", cfg.MCPServers)
	}
	spec := cfg.MCPServers[0]
	if spec.Name != "calc" || spec.Command != "/usr/local/bin/calctool" {
		t.Errorf("server spec = %+v", spec)
	}
	if len(spec.Args) != 1 || spec.Args[0] != "-v" {
		t.Errorf("server args = %v", spec.Args)
	}
}

func TestLoadServerConfigMissingOptional(t *testing.T) {
	cfg, err := loadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"), false)
	if err != nil {
		t.Fatalf("optional missing config should not error: %v", err)
	}
	if cfg.Addr != "" || len(cfg.MCPServers) != 0 {
		t.Errorf("expected zero config, got %+v", cfg)
	}
}

func TestLoadServerConfigMissingRequired(t *testing.T) {
	_, err := loadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err == nil {
		t.Fatal("expected error for missing required config")
	}
}

func TestLoadServerConfigRejectsBadServerSpec(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing name", "mcp_servers:\n  - command: /bin/tool\n", "missing name"},
		{"missing command", "mcp_servers:\n  - name: calc\n", "missing command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.body)
			_, err := loadServerConfig(path, true)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestLoadServerConfigRejectsMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "addr: [unclosed\n")
	if _, err := loadServerConfig(path, true); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q", got)
	}
}
