package pep

import "testing"

func TestToolSchemaValidatorRejectsMismatchedArguments(t *testing.T) {
	v := NewToolSchemaValidator()
	tool := Tool{
		Name: "fs__read_file",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}

	if err := v.Validate(tool, map[string]any{"path": "/tmp/x"}); err != nil {
		t.Fatalf("expected matching arguments to validate, got %v", err)
	}
	if err := v.Validate(tool, map[string]any{"path": 42}); err == nil {
		t.Fatalf("expected a type mismatch to fail validation")
	}
	if err := v.Validate(tool, map[string]any{}); err == nil {
		t.Fatalf("expected a missing required field to fail validation")
	}
}

func TestToolSchemaValidatorSkipsToolsWithNoSchema(t *testing.T) {
	v := NewToolSchemaValidator()
	tool := Tool{Name: "fs__list_dir"}
	if err := v.Validate(tool, map[string]any{"anything": true}); err != nil {
		t.Fatalf("expected no-schema tool to pass through unvalidated, got %v", err)
	}
}

func TestToolSchemaValidatorCachesCompiledSchema(t *testing.T) {
	v := NewToolSchemaValidator()
	tool := Tool{
		Name:        "fs__read_file",
		InputSchema: map[string]any{"type": "object"},
	}
	if err := v.Validate(tool, map[string]any{}); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if _, ok := v.schema[tool.Name]; !ok {
		t.Fatalf("expected compiled schema to be cached by tool name")
	}
	if err := v.Validate(tool, map[string]any{}); err != nil {
		t.Fatalf("second validate: %v", err)
	}
}
