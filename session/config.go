// ABOUTME: Session configuration document persisted as session_config.json.
// ABOUTME: Atomic write-temp-rename persistence; credential-looking env entries are never written to disk.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/2389-research/stampede/mcp"
)

// Defaults applied when agent settings leave fields zero.
const (
	DefaultMaxIterations     = 10
	DefaultMaxMessages       = 100
	DefaultMaxContextLength  = 50
	DefaultMemoryContextSize = 5
)

const configFileName = "session_config.json"

// AgentSettings configures the model and loop behavior for one session.
type AgentSettings struct {
	Name              string           `json:"name,omitempty"`
	Instruction       string           `json:"instruction,omitempty"`
	Provider          string           `json:"provider,omitempty"`
	Model             string           `json:"model,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
	MaxIterations     int              `json:"max_iterations,omitempty"`
	MaxMessages       int              `json:"max_messages,omitempty"`
	MaxContextLength  int              `json:"max_context_length,omitempty"`
	MemoryEnabled     *bool            `json:"memory_enabled,omitempty"`
	MemoryContextSize int              `json:"memory_context_size,omitempty"`
	MCPServers        []mcp.ServerSpec `json:"mcp_servers,omitempty"`
}

// Config is the persisted session document.
type Config struct {
	ID          string            `json:"session_id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Agent       AgentSettings     `json:"agent_settings"`
}

// applyDefaults fills zero-valued loop bounds.
func (c *Config) applyDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Agent.MaxMessages <= 0 {
		c.Agent.MaxMessages = DefaultMaxMessages
	}
	if c.Agent.MaxContextLength <= 0 {
		c.Agent.MaxContextLength = DefaultMaxContextLength
	}
	if c.Agent.MemoryContextSize <= 0 {
		c.Agent.MemoryContextSize = DefaultMemoryContextSize
	}
}

// memoryEnabled defaults to true unless explicitly disabled.
func (c *Config) memoryEnabled() bool {
	return c.Agent.MemoryEnabled == nil || *c.Agent.MemoryEnabled
}

// secretEnvMarkers flag env entries that must never reach disk.
var secretEnvMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

func isSecretEnv(entry string) bool {
	name, _, _ := strings.Cut(entry, "=")
	upper := strings.ToUpper(name)
	for _, marker := range secretEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// sanitized returns a copy safe to persist: credential-looking env entries
// in tool server specs are stripped. The live config keeps them.
func (c Config) sanitized() Config {
	if len(c.Agent.MCPServers) == 0 {
		return c
	}
	servers := make([]mcp.ServerSpec, len(c.Agent.MCPServers))
	copy(servers, c.Agent.MCPServers)
	for i, spec := range servers {
		if len(spec.Env) == 0 {
			continue
		}
		var kept []string
		for _, entry := range spec.Env {
			if !isSecretEnv(entry) {
				kept = append(kept, entry)
			}
		}
		servers[i].Env = kept
	}
	c.Agent.MCPServers = servers
	return c
}

// saveConfig writes the sanitized config atomically into dir.
func saveConfig(dir string, cfg Config) error {
	data, err := json.MarshalIndent(cfg.sanitized(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	path := filepath.Join(dir, configFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write session config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session config: %w", err)
	}
	return nil
}

// loadConfig reads a session config from dir.
func loadConfig(dir string) (Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse session config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
