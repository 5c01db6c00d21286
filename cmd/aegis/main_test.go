package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadUpstreamConfigsAcceptsJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upstreams.json")
	body := `{"upstreams":[{"name":"fs","command":"mcp-fs","args":["--root","/data"]}]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	specs, err := loadUpstreamConfigs(path)
	if err != nil {
		t.Fatalf("loadUpstreamConfigs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "fs" || specs[0].Command != "mcp-fs" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}

func TestLoadUpstreamConfigsAcceptsYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upstreams.yaml")
	body := "upstreams:\n  - name: fs\n    command: mcp-fs\n    args: [\"--root\", \"/data\"]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	specs, err := loadUpstreamConfigs(path)
	if err != nil {
		t.Fatalf("loadUpstreamConfigs: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "fs" || specs[0].Command != "mcp-fs" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
}

func TestLoadUpstreamConfigsEmptyPath(t *testing.T) {
	specs, err := loadUpstreamConfigs("")
	if err != nil || specs != nil {
		t.Fatalf("expected nil, nil for empty path, got %v, %v", specs, err)
	}
}
