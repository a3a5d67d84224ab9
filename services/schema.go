// ABOUTME: Tool catalog helper validating call arguments against each tool's JSON Schema.
// ABOUTME: Compiles schemas once at server construction; violations map to invalid-params errors.
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389-research/stampede/mcp"
)

// catalog holds a server's tools with compiled argument schemas.
type catalog struct {
	tools    []mcp.Tool
	compiled map[string]*jsonschema.Schema
}

// newCatalog compiles the input schema of every tool. Schemas are authored
// in-tree, so compilation failures are programmer errors.
func newCatalog(tools []mcp.Tool) (*catalog, error) {
	c := &catalog{tools: tools, compiled: make(map[string]*jsonschema.Schema, len(tools))}
	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		url := tool.Name + ".schema.json"
		if err := compiler.AddResource(url, strings.NewReader(string(tool.InputSchema))); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", tool.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", tool.Name, err)
		}
		c.compiled[tool.Name] = schema
	}
	return c, nil
}

// Tools returns the catalog's tool descriptors.
func (c *catalog) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Has reports whether the catalog contains the named tool.
func (c *catalog) Has(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Validate decodes args and checks them against the tool's schema.
func (c *catalog) Validate(name string, args json.RawMessage) error {
	schema, ok := c.compiled[name]
	if !ok {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", mcp.ErrInvalidInput, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", mcp.ErrInvalidInput, err)
	}
	return nil
}

// decodeArgs unmarshals args into dst after treating empty input as {}.
func decodeArgs(args json.RawMessage, dst any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("%w: %v", mcp.ErrInvalidInput, err)
	}
	return nil
}

// mustSchema wraps a schema literal as a RawMessage.
func mustSchema(s string) json.RawMessage {
	return json.RawMessage(s)
}
