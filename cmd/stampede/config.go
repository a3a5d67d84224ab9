// ABOUTME: YAML server configuration for the stampede runtime.
// ABOUTME: Declares listen address, data directory, provider defaults, and shared MCP servers.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/2389-research/stampede/mcp"
)

// serverConfig is the YAML document loaded from -config or the default
// config directory. Every field is optional; flags override file values.
type serverConfig struct {
	Addr            string           `yaml:"addr"`
	DataDir         string           `yaml:"data_dir"`
	DefaultProvider string           `yaml:"default_provider"`
	DefaultModel    string           `yaml:"default_model"`
	MCPServers      []mcp.ServerSpec `yaml:"mcp_servers"`
}

// loadServerConfig parses the YAML config at path. A missing file is not an
// error when required is false.
func loadServerConfig(path string, required bool) (serverConfig, error) {
	var cfg serverConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i, spec := range cfg.MCPServers {
		if spec.Name == "" {
			return cfg, fmt.Errorf("parse config %s: mcp_servers[%d] missing name", path, i)
		}
		if spec.Command == "" {
			return cfg, fmt.Errorf("parse config %s: mcp_servers[%d] (%s) missing command", path, i, spec.Name)
		}
	}

	return cfg, nil
}

// defaultConfigPath returns the config.yaml location in the stampede config
// directory, or "" when the home directory cannot be resolved.
func defaultConfigPath() string {
	dir, err := defaultConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}
