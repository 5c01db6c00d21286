package pep

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Upstream is a single MCP server the proxy forwards requests to.
type Upstream interface {
	Name() string
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
	Close() error
}

// StdioSpec describes how to spawn a child-process upstream:
// newline-delimited JSON-RPC over its stdin/stdout.
type StdioSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
	Env     []string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string   `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// StdioUpstream is an Upstream backed by a spawned child process
// speaking newline-delimited JSON-RPC 2.0 over stdio.
type StdioUpstream struct {
	name    string
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	scanner *bufio.Scanner

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    *RPCError
}

// StartStdioUpstream spawns the child process described by spec and
// begins reading its responses in the background.
func StartStdioUpstream(spec StdioSpec) (*StdioUpstream, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pep: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pep: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pep: start upstream %q: %w", spec.Name, err)
	}

	u := &StdioUpstream{
		name:    spec.Name,
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		scanner: bufio.NewScanner(stdout),
		pending: make(map[int64]chan rpcResult),
	}
	u.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	go u.readLoop()
	return u, nil
}

func (u *StdioUpstream) Name() string { return u.name }

func (u *StdioUpstream) readLoop() {
	for u.scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(u.scanner.Bytes(), &resp); err != nil {
			continue
		}
		id, ok := toInt64(resp.ID)
		if !ok {
			continue
		}
		u.mu.Lock()
		ch, ok := u.pending[id]
		delete(u.pending, id)
		u.mu.Unlock()
		if ok {
			ch <- rpcResult{result: resp.Result, err: resp.Error}
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func (u *StdioUpstream) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddInt64(&u.nextID, 1)
	ch := make(chan rpcResult, 1)

	u.mu.Lock()
	u.pending[id] = ch
	u.mu.Unlock()

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	_, writeErr := u.stdin.Write(append(line, '\n'))
	if writeErr == nil {
		writeErr = u.stdin.Flush()
	}
	u.mu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("pep: write to upstream %q: %w", u.name, writeErr)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		u.mu.Lock()
		delete(u.pending, id)
		u.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (u *StdioUpstream) Close() error {
	if u.cmd.Process != nil {
		_ = u.cmd.Process.Kill()
	}
	return u.cmd.Wait()
}
