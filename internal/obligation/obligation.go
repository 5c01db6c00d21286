// Package obligation implements AEGIS's obligation executors: side
// effects a PDP decision requires beyond permit/deny, dispatched by
// kind the same way internal/constraint dispatches its processors.
// Each ObligationDescriptor also carries whether it must run
// synchronously (blocking the response) and whether a failure is
// critical (aborts the request) or merely logged.
//
// Grounded on the teacher's pkg/runtime/obligation.Engine (kind
// registry, sync/async split) and pkg/audit/logger.go (the audit sink
// every deployment is expected to wire).
package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// Request carries the decision context an obligation executes against,
// plus everything the mandatory audit_log obligation needs to write a
// complete entry: the full enrichment context, the enforcement record
// accumulated while applying constraints and calling upstream, when the
// request started, and how the pipeline concluded.
type Request struct {
	Agent    string
	Action   string
	Resource string
	Decision *pdp.PolicyDecision

	Context     *pdp.Context
	Enforcement audit.Enforcement
	StartedAt   time.Time
	Outcome     audit.Outcome
}

// Executor performs one obligation kind's side effect.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, req *Request, params map[string]any) error
}

// Registry dispatches ObligationDescriptors to Executors by kind prefix
// (mirroring internal/constraint.Registry) and splits execution into a
// synchronous phase, which the PEP runs before replying to the caller,
// and an asynchronous phase it fires afterward.
type Registry struct {
	mu         sync.RWMutex
	executors  map[string]Executor
	logger     *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor), logger: slog.Default().With("component", "obligation")}
}

func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Kind()] = e
}

func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, kind)
}

func kindPrefix(kind string) string {
	if idx := strings.IndexByte(kind, ':'); idx >= 0 {
		return kind[:idx]
	}
	return kind
}

// ExecuteSync runs every non-async descriptor in listed order. A
// critical obligation's error aborts and is returned to the caller; a
// non-critical obligation's error is logged and execution continues.
func (r *Registry) ExecuteSync(ctx context.Context, req *Request, descriptors []pap.ObligationDescriptor) error {
	for _, d := range descriptors {
		if d.Async {
			continue
		}
		if err := r.run(ctx, req, d); err != nil {
			if d.Critical {
				return fmt.Errorf("obligation %q: %w", d.Kind, err)
			}
			r.logger.Warn("non-critical obligation failed", "kind", d.Kind, "error", err)
		}
	}
	return nil
}

// ExecuteAsync fires every async descriptor in its own goroutine with a
// detached context, after the response has already been sent. Errors
// are logged; async obligations can never fail the request.
func (r *Registry) ExecuteAsync(parent context.Context, req *Request, descriptors []pap.ObligationDescriptor) {
	for _, d := range descriptors {
		if !d.Async {
			continue
		}
		d := d
		go func() {
			if err := r.run(context.WithoutCancel(parent), req, d); err != nil {
				r.logger.Warn("async obligation failed", "kind", d.Kind, "error", err)
			}
		}()
	}
}

func (r *Registry) run(ctx context.Context, req *Request, d pap.ObligationDescriptor) error {
	prefix := kindPrefix(d.Kind)
	r.mu.RLock()
	exec, ok := r.executors[prefix]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return exec.Execute(ctx, req, d.Parameters)
}
