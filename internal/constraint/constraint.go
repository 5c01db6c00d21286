// Package constraint implements AEGIS's constraint processors:
// transforms (and, for rate limiting, blocks) applied to tool call
// payloads in the order a policy's ConstraintDescriptors list them.
// Processors are dispatched by the descriptor's Kind prefix (the part
// before ':', or the whole string if there is no colon), so
// "anonymize:mask" and "anonymize:tokenize" both route to the
// Anonymizer processor with mode carried in Parameters.
//
// Grounded on the teacher's pkg/firewall.Firewall (ordered rule
// application over a request) and pkg/runtime/obligation's registry
// pattern (kind -> executor map, register/unregister).
package constraint

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pap"
)

// ErrRateLimited is returned by the rate-limit processor when an agent
// has exceeded its allotted calls within the configured window.
var ErrRateLimited = errors.New("constraint: rate limit exceeded")

// RateLimitError is the concrete error the rate-limit processor returns.
// It satisfies errors.Is(err, ErrRateLimited) for callers that only care
// whether the call was rate limited, while also carrying how long the
// caller should wait before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("constraint: rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Direction says whether a payload is the inbound tool call arguments
// or the outbound tool result, since some processors (anonymize) apply
// to both but others (rate_limit) only gate inbound calls.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Request carries the request identity a processor needs alongside the
// payload it's transforming.
type Request struct {
	Agent     string
	Action    string
	Resource  string
	Direction Direction
	Payload   any
}

// Processor transforms (or rejects) a payload according to a
// constraint's parameters. Returning an error (ErrRateLimited or
// otherwise) aborts the remaining constraint chain.
type Processor interface {
	Kind() string
	Process(req *Request, params map[string]any) (any, error)
}

// Stats tracks per-kind invocation counts for observability.
type Stats struct {
	Applied int64
	Errors  int64
}

// Registry dispatches ConstraintDescriptors to registered Processors by
// kind prefix and applies them in listed order.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
	stats      map[string]*Stats
}

// NewRegistry returns an empty registry. Use Register to add processors.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor), stats: make(map[string]*Stats)}
}

// Register installs p under its Kind(), replacing any prior processor
// for that kind.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Kind()] = p
	if _, ok := r.stats[p.Kind()]; !ok {
		r.stats[p.Kind()] = &Stats{}
	}
}

// Unregister removes the processor for kind, if any.
func (r *Registry) Unregister(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processors, kind)
}

// Stats returns a snapshot of invocation counters, keyed by kind.
func (r *Registry) Stats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.stats))
	for k, v := range r.stats {
		out[k] = Stats{Applied: atomic.LoadInt64(&v.Applied), Errors: atomic.LoadInt64(&v.Errors)}
	}
	return out
}

func kindPrefix(kind string) string {
	if idx := strings.IndexByte(kind, ':'); idx >= 0 {
		return kind[:idx]
	}
	return kind
}

// Apply runs req.Payload through every descriptor's processor in
// listed order, threading the (possibly transformed) payload from one
// into the next. A descriptor whose kind has no registered processor
// is skipped — unknown constraint kinds are not a hard failure, since
// a policy author may reference a processor not deployed in this
// gateway instance.
func (r *Registry) Apply(req *Request, descriptors []pap.ConstraintDescriptor) (any, error) {
	payload := req.Payload
	for _, d := range descriptors {
		prefix := kindPrefix(d.Kind)
		r.mu.RLock()
		proc, ok := r.processors[prefix]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		sub := *req
		sub.Payload = payload
		result, err := proc.Process(&sub, d.Parameters)

		r.mu.Lock()
		st := r.stats[prefix]
		if st == nil {
			st = &Stats{}
			r.stats[prefix] = st
		}
		r.mu.Unlock()

		if err != nil {
			atomic.AddInt64(&st.Errors, 1)
			return nil, fmt.Errorf("constraint %q: %w", d.Kind, err)
		}
		atomic.AddInt64(&st.Applied, 1)
		payload = result
	}
	return payload, nil
}
