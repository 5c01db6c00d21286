package pep

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolSchemaValidator compiles and caches each upstream tool's advertised
// inputSchema, the way the teacher's pkg/firewall.PolicyFirewall compiles
// one schema per allowlisted tool. A tool with no inputSchema is accepted
// unvalidated — most MCP servers don't publish one.
type ToolSchemaValidator struct {
	mu     sync.Mutex
	schema map[string]*jsonschema.Schema
}

// NewToolSchemaValidator builds an empty validator.
func NewToolSchemaValidator() *ToolSchemaValidator {
	return &ToolSchemaValidator{schema: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against tool's inputSchema, compiling and caching
// the schema on first use. A tool with an empty or malformed schema is
// never rejected on that basis alone; only argument mismatches fail.
func (v *ToolSchemaValidator) Validate(tool Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := v.compiled(tool)
	if err != nil {
		return nil // an uncompilable advertised schema degrades to unvalidated, not fail-closed
	}

	payload := make(map[string]any, len(args))
	for k, val := range args {
		payload[k] = val
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("pep: arguments for %q do not match its advertised schema: %w", tool.Name, err)
	}
	return nil
}

func (v *ToolSchemaValidator) compiled(tool Tool) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schema[tool.Name]; ok {
		return s, nil
	}

	raw, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://aegis/tools/%s.schema.json", tool.Name)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	v.schema[tool.Name] = schema
	return schema, nil
}
