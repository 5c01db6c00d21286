package pap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func decodePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("pap: decode policy: %w", err)
	}
	return &p, nil
}

func (s *FileStore) policyPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("policy-%s.json", id))
}

func (s *FileStore) historyPath(id string) string {
	return filepath.Join(s.dir, "history", fmt.Sprintf("policy-%s.json", id))
}

func (s *FileStore) persist(p *Policy) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("pap: marshal policy %s: %w", p.ID, err)
	}
	return s.io.WriteFileAtomic(s.policyPath(p.ID), data)
}

func (s *FileStore) persistHistory(id string) error {
	data, err := json.MarshalIndent(s.history[id], "", "  ")
	if err != nil {
		return fmt.Errorf("pap: marshal history %s: %w", id, err)
	}
	return s.io.WriteFileAtomic(s.historyPath(id), data)
}

// OSFileIO is the real filesystem implementation of fileIO, using a
// write-to-temp-then-rename sequence so a crash mid-write never leaves a
// partially written policy file behind.
type OSFileIO struct{}

func (OSFileIO) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func (OSFileIO) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) //nolint:gosec // paths are derived from our own policy IDs
}

func (OSFileIO) WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pap: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // policy files are not secrets
		return fmt.Errorf("pap: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("pap: commit file: %w", err)
	}
	return nil
}

func (OSFileIO) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
