// Package pip implements the Context Enrichers (Policy Information
// Point): a fixed registry of independent attribute collectors
// that run in parallel over the base decision context and merge their
// findings before the PDP ever sees the request. An enricher that fails
// or misses its individual deadline is logged and swallowed — it never
// blocks or fails the decision.
//
// Grounded on the teacher's pkg/runtime/obligation (independent
// goroutines joined with a WaitGroup) and pkg/observability's
// slog.Default() logging convention.
package pip

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// Enricher collects one namespaced bag of attributes for a decision
// context. Implementations must not share mutable state with each
// other — the registry assumes they are safe to run concurrently.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, base *pdp.Context) (map[string]any, error)
}

// Registry runs a fixed set of enrichers in parallel and merges their
// output into a copy of the base context.
type Registry struct {
	enrichers []Enricher
	deadline  time.Duration
	logger    *slog.Logger
}

// NewRegistry builds a registry with the given enrichers, each bound by
// an individual deadline (2s is the default the server wires in).
func NewRegistry(deadline time.Duration, enrichers ...Enricher) *Registry {
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	return &Registry{enrichers: enrichers, deadline: deadline, logger: slog.Default().With("component", "pip")}
}

type result struct {
	name  string
	attrs map[string]any
	err   error
}

// Enrich fans out every registered enricher against base, joins them,
// and returns a new Context with their attributes merged in. Each
// attribute is written both under its bare name (so rule operands like
// "clearanceLevel" resolve directly) and under "<enricherName>.<key>"
// (so two enrichers can't silently clobber the same bare name),
// without mutating base.
func (r *Registry) Enrich(ctx context.Context, base *pdp.Context) *pdp.Context {
	enriched := *base
	enriched.Extensions = cloneMap(base.Extensions)
	if enriched.Extensions == nil {
		enriched.Extensions = make(map[string]any)
	}

	results := make(chan result, len(r.enrichers))
	var wg sync.WaitGroup
	for _, e := range r.enrichers {
		wg.Add(1)
		go func(e Enricher) {
			defer wg.Done()
			deadlineCtx, cancel := context.WithTimeout(ctx, r.deadline)
			defer cancel()
			attrs, err := e.Enrich(deadlineCtx, base)
			results <- result{name: e.Name(), attrs: attrs, err: err}
		}(e)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			r.logger.Warn("enricher failed", "enricher", res.name, "error", res.err)
			continue
		}
		for k, v := range res.attrs {
			enriched.Extensions[k] = v
			enriched.Extensions[res.name+"."+k] = v
		}
	}
	return &enriched
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
