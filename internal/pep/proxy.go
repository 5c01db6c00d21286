package pep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
	"github.com/Shin0205go/Aegis-sub002/internal/constraint"
	"github.com/Shin0205go/Aegis-sub002/internal/metrics"
	"github.com/Shin0205go/Aegis-sub002/internal/obligation"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
	"github.com/Shin0205go/Aegis-sub002/internal/pip"
)

// Decider is the subset of the hybrid decision engine the proxy needs,
// kept as an interface so proxy tests don't require a full rules/LLM
// wiring.
type Decider interface {
	Decide(ctx context.Context, dctx *pdp.Context, policies []*pap.Policy) (*pdp.PolicyDecision, error)
}

// RequestMeta is the per-request identity a transport (stdio or HTTP)
// extracts before handing a raw JSON-RPC message to the proxy.
type RequestMeta struct {
	Agent           string
	IP              string
	SessionID       string
	Purpose         string
	AgentType       string
	AgentRole       string
	TrustScore      float64
	EmergencyFlag   bool
	DelegationChain []string
}

// Proxy is the PEP: it terminates JSON-RPC from a downstream client,
// evaluates every tools/call against the PDP after PIP enrichment, and
// forwards permitted calls to the resolved upstream.
type Proxy struct {
	catalog   *Catalog
	resources *ResourceCatalog
	hub       *Hub
	enrichers *pip.Registry
	policies  pap.Store
	engine    Decider
	constraints *constraint.Registry
	obligations *obligation.Registry
	schemas     *ToolSchemaValidator

	decisionTimeout time.Duration
	requestTimeout  time.Duration
	upstreamLimit   int

	mu        sync.RWMutex
	upstreams map[string]Upstream
	sems      map[string]chan struct{}

	metrics *metrics.Provider
	logger  *slog.Logger
}

// Option configures a Proxy at construction time.
type Option func(*Proxy)

func WithDecisionTimeout(d time.Duration) Option { return func(p *Proxy) { p.decisionTimeout = d } }
func WithRequestTimeout(d time.Duration) Option  { return func(p *Proxy) { p.requestTimeout = d } }
func WithUpstreamLimit(n int) Option             { return func(p *Proxy) { p.upstreamLimit = n } }

// WithMetrics attaches a metrics.Provider; every decision and upstream
// call records against it. Omitting this option disables instrumentation
// entirely.
func WithMetrics(m *metrics.Provider) Option { return func(p *Proxy) { p.metrics = m } }

// New builds a Proxy. engine may be nil only in tests that never reach
// tools/call enforcement.
func New(policies pap.Store, enrichers *pip.Registry, eng Decider, constraints *constraint.Registry, obligations *obligation.Registry, opts ...Option) *Proxy {
	p := &Proxy{
		catalog:         NewCatalog(),
		resources:       NewResourceCatalog(),
		hub:             NewHub(),
		enrichers:       enrichers,
		policies:        policies,
		engine:          eng,
		constraints:     constraints,
		obligations:     obligations,
		schemas:         NewToolSchemaValidator(),
		decisionTimeout: 5 * time.Second,
		requestTimeout:  30 * time.Second,
		upstreamLimit:   50,
		upstreams:       make(map[string]Upstream),
		sems:            make(map[string]chan struct{}),
		logger:          slog.Default().With("component", "pep"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterUpstream adds an upstream and primes its tool/resource
// catalog entries. Call RefreshUpstream later to pick up changes.
func (p *Proxy) RegisterUpstream(ctx context.Context, name string, up Upstream) error {
	p.mu.Lock()
	p.upstreams[name] = up
	p.sems[name] = make(chan struct{}, p.upstreamLimit)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ActiveUpstreams.Add(ctx, 1)
	}
	return p.RefreshUpstream(ctx, name)
}

// RemoveUpstream disconnects and drops an upstream from the catalog.
func (p *Proxy) RemoveUpstream(name string) {
	p.mu.Lock()
	up, ok := p.upstreams[name]
	delete(p.upstreams, name)
	delete(p.sems, name)
	p.mu.Unlock()
	if ok {
		_ = up.Close()
		if p.metrics != nil {
			p.metrics.ActiveUpstreams.Add(context.Background(), -1)
		}
	}
	p.catalog.RemoveUpstream(name)
	p.resources.RemoveUpstream(name)
	p.hub.Broadcast(name, newNotification(NotificationToolsChanged, nil))
}

// RefreshUpstream re-queries an upstream's tools/list and
// resources/list and republishes the aggregate catalog.
func (p *Proxy) RefreshUpstream(ctx context.Context, name string) error {
	p.mu.RLock()
	up, ok := p.upstreams[name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pep: unknown upstream %q", name)
	}

	toolsRaw, err := up.Call(ctx, MethodToolsList, nil)
	if err != nil {
		return fmt.Errorf("pep: tools/list from %q: %w", name, err)
	}
	var toolsResult struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(toolsRaw, &toolsResult); err != nil {
		return fmt.Errorf("pep: decode tools/list from %q: %w", name, err)
	}
	p.catalog.SetUpstreamTools(name, toolsResult.Tools)

	if resourcesRaw, err := up.Call(ctx, MethodResourcesList, nil); err == nil {
		var resResult struct {
			Resources []Resource `json:"resources"`
		}
		if json.Unmarshal(resourcesRaw, &resResult) == nil {
			p.resources.SetUpstreamResources(name, resResult.Resources)
		}
	}

	p.hub.Broadcast(name, newNotification(NotificationToolsChanged, nil))
	return nil
}

// HandleRequest dispatches one JSON-RPC request and returns its
// response (nil for notifications, which get no reply).
func (p *Proxy) HandleRequest(ctx context.Context, meta RequestMeta, raw []byte) []byte {
	if p.metrics != nil {
		p.metrics.RequestsTotal.Add(ctx, 1)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		p.recordError(ctx)
		return mustMarshal(errorResponse(nil, ErrCodeParseError, "invalid JSON", err.Error()))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		p.recordError(ctx)
		return mustMarshal(errorResponse(req.ID, ErrCodeInvalidRequest, "invalid JSON-RPC request", nil))
	}

	resp := p.dispatch(ctx, meta, &req)
	if resp != nil && resp.Error != nil {
		p.recordError(ctx)
	}
	if req.IsNotification() {
		return nil
	}
	return mustMarshal(resp)
}

func (p *Proxy) recordError(ctx context.Context) {
	if p.metrics != nil {
		p.metrics.ErrorsTotal.Add(ctx, 1)
	}
}

func (p *Proxy) dispatch(ctx context.Context, meta RequestMeta, req *Request) *Response {
	switch req.Method {
	case MethodInitialize:
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
			"serverInfo":      map[string]any{"name": "aegis", "version": "1.0.0"},
		})
	case MethodToolsList:
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult(p.catalog.List())}
	case MethodResourcesList:
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: resourcesListResult(p.resources.List())}
	case MethodToolsCall:
		return p.handleToolsCall(ctx, meta, req)
	case MethodResourcesRead:
		return p.handleResourcesRead(ctx, meta, req)
	default:
		return errorResponse(req.ID, ErrCodeMethodNotFound, "unknown method: "+req.Method, nil)
	}
}

func (p *Proxy) handleToolsCall(ctx context.Context, meta RequestMeta, req *Request) *Response {
	started := time.Now()
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, "invalid tools/call params", err.Error())
	}

	upstreamName, toolName, ok := p.catalog.Resolve(params.Name)
	if !ok {
		return errorResponse(req.ID, ErrCodeMethodNotFound, "unknown tool: "+params.Name, nil)
	}

	if tool, ok := p.catalog.Get(params.Name); ok {
		if err := p.schemas.Validate(tool, params.Arguments); err != nil {
			return errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
	}

	dctx := p.buildContext(meta, MethodToolsCall, params.Name)
	decision, code, err := p.decide(ctx, dctx)
	if err != nil {
		return errorResponse(req.ID, code, err.Error(), nil)
	}

	if decision.Outcome != pdp.Permit {
		// Nothing was forwarded, so the enforcement record is empty; the
		// mandatory audit_log obligation still runs so the denial itself
		// is recorded.
		if cerr := p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, audit.Enforcement{}, started, audit.OutcomeFailure); cerr != nil {
			return errorResponse(req.ID, ErrCodeInternalError, "obligation execution failed: "+cerr.Error(), nil)
		}
		return errorResponse(req.ID, ErrCodePolicyDenied, decision.Reason, map[string]any{"outcome": decision.Outcome})
	}

	var enforcement audit.Enforcement

	payload, err := p.constraints.Apply(&constraint.Request{
		Agent: meta.Agent, Action: MethodToolsCall, Resource: params.Name,
		Direction: constraint.Incoming, Payload: params.Arguments,
	}, decision.Constraints)
	enforcement.Constraints = append(enforcement.Constraints, constraintResults(constraint.Incoming, decision.Constraints, err)...)
	if err != nil {
		resp := constraintErrorResponse(req.ID, err)
		_ = p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, enforcement, started, audit.OutcomeFailure)
		return resp
	}
	if m, ok := payload.(map[string]any); ok {
		params.Arguments = m
	}

	upstream, sem, ok := p.acquireUpstream(upstreamName)
	if !ok {
		enforcement.Upstream = &audit.UpstreamResult{Target: upstreamName, Success: false, Error: "at capacity"}
		_ = p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, enforcement, started, audit.OutcomeError)
		return errorResponse(req.ID, ErrCodePolicyDenied, "upstream at capacity: "+upstreamName, nil)
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	upstreamStart := time.Now()
	innerParams, _ := json.Marshal(ToolCallParams{Name: toolName, Arguments: params.Arguments})
	resultRaw, err := upstream.Call(callCtx, MethodToolsCall, innerParams)
	upstreamDuration := time.Since(upstreamStart)
	if p.metrics != nil {
		p.metrics.UpstreamLatency.Record(ctx, float64(upstreamDuration.Milliseconds()))
	}
	if err != nil {
		enforcement.Upstream = &audit.UpstreamResult{Target: upstreamName, Success: false, Error: err.Error(), DurationMs: upstreamDuration.Milliseconds()}
		_ = p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, enforcement, started, audit.OutcomeError)
		return errorResponse(req.ID, ErrCodePolicyDenied, "upstream call failed: "+err.Error(), nil)
	}
	enforcement.Upstream = &audit.UpstreamResult{Target: upstreamName, Success: true, DurationMs: upstreamDuration.Milliseconds()}

	var result any
	if err := json.Unmarshal(resultRaw, &result); err != nil {
		result = map[string]any{"raw": string(resultRaw)}
	}
	out, err := p.constraints.Apply(&constraint.Request{
		Agent: meta.Agent, Action: MethodToolsCall, Resource: params.Name,
		Direction: constraint.Outgoing, Payload: result,
	}, decision.Constraints)
	enforcement.Constraints = append(enforcement.Constraints, constraintResults(constraint.Outgoing, decision.Constraints, err)...)
	if err != nil {
		resp := constraintErrorResponse(req.ID, err)
		_ = p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, enforcement, started, audit.OutcomeFailure)
		return resp
	}

	if cerr := p.conclude(ctx, meta, MethodToolsCall, params.Name, decision, dctx, enforcement, started, audit.OutcomeSuccess); cerr != nil {
		return errorResponse(req.ID, ErrCodeInternalError, "obligation execution failed: "+cerr.Error(), nil)
	}

	return resultResponse(req.ID, out)
}

func (p *Proxy) handleResourcesRead(ctx context.Context, meta RequestMeta, req *Request) *Response {
	started := time.Now()
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, ErrCodeInvalidParams, "invalid resources/read params", err.Error())
	}
	upstreamName, uri, ok := p.resources.Resolve(params.URI)
	if !ok {
		return errorResponse(req.ID, ErrCodeMethodNotFound, "unknown resource: "+params.URI, nil)
	}

	dctx := p.buildContext(meta, MethodResourcesRead, params.URI)
	decision, code, err := p.decide(ctx, dctx)
	if err != nil {
		return errorResponse(req.ID, code, err.Error(), nil)
	}

	if decision.Outcome != pdp.Permit {
		if cerr := p.conclude(ctx, meta, MethodResourcesRead, params.URI, decision, dctx, audit.Enforcement{}, started, audit.OutcomeFailure); cerr != nil {
			return errorResponse(req.ID, ErrCodeInternalError, "obligation execution failed: "+cerr.Error(), nil)
		}
		return errorResponse(req.ID, ErrCodePolicyDenied, decision.Reason, map[string]any{"outcome": decision.Outcome})
	}

	upstream, sem, ok := p.acquireUpstream(upstreamName)
	if !ok {
		enforcement := audit.Enforcement{Upstream: &audit.UpstreamResult{Target: upstreamName, Success: false, Error: "at capacity"}}
		_ = p.conclude(ctx, meta, MethodResourcesRead, params.URI, decision, dctx, enforcement, started, audit.OutcomeError)
		return errorResponse(req.ID, ErrCodePolicyDenied, "upstream at capacity: "+upstreamName, nil)
	}
	defer func() { <-sem }()

	callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()
	innerParams, _ := json.Marshal(struct {
		URI string `json:"uri"`
	}{URI: uri})
	upstreamStart := time.Now()
	resultRaw, err := upstream.Call(callCtx, MethodResourcesRead, innerParams)
	upstreamDuration := time.Since(upstreamStart)
	if p.metrics != nil {
		p.metrics.UpstreamLatency.Record(ctx, float64(upstreamDuration.Milliseconds()))
	}
	if err != nil {
		enforcement := audit.Enforcement{Upstream: &audit.UpstreamResult{Target: upstreamName, Success: false, Error: err.Error(), DurationMs: upstreamDuration.Milliseconds()}}
		_ = p.conclude(ctx, meta, MethodResourcesRead, params.URI, decision, dctx, enforcement, started, audit.OutcomeError)
		return errorResponse(req.ID, ErrCodePolicyDenied, "upstream call failed: "+err.Error(), nil)
	}

	enforcement := audit.Enforcement{Upstream: &audit.UpstreamResult{Target: upstreamName, Success: true, DurationMs: upstreamDuration.Milliseconds()}}
	if cerr := p.conclude(ctx, meta, MethodResourcesRead, params.URI, decision, dctx, enforcement, started, audit.OutcomeSuccess); cerr != nil {
		return errorResponse(req.ID, ErrCodeInternalError, "obligation execution failed: "+cerr.Error(), nil)
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: resultRaw}
}

func (p *Proxy) buildContext(meta RequestMeta, action, resource string) *pdp.Context {
	return &pdp.Context{
		Agent: meta.Agent, Action: action, Resource: resource, Timestamp: time.Now(),
		Purpose: meta.Purpose, AgentType: meta.AgentType, AgentRole: meta.AgentRole,
		TrustScore: meta.TrustScore, IP: meta.IP, EmergencyFlag: meta.EmergencyFlag,
		DelegationChain: meta.DelegationChain, SessionID: meta.SessionID,
	}
}

// decide runs PIP enrichment then the PDP within its deadline. A
// decision that times out returns no decision and the same JSON-RPC code
// as a PDP denial: a caller can't distinguish "explicitly denied" from
// "couldn't be decided in time" and shouldn't be able to infer anything
// from the difference. A failed policy lookup or any other engine error
// returns no decision and the internal-error code.
func (p *Proxy) decide(ctx context.Context, dctx *pdp.Context) (*pdp.PolicyDecision, int, error) {
	start := time.Now()
	if p.enrichers != nil {
		dctx = p.enrichers.Enrich(ctx, dctx)
	}

	policies, err := p.policies.SelectApplicable(ctx, dctx.Agent, dctx.Resource, dctx.Action)
	if err != nil {
		return nil, ErrCodeInternalError, fmt.Errorf("policy lookup failed: %w", err)
	}

	decisionCtx, cancel := context.WithTimeout(ctx, p.decisionTimeout)
	defer cancel()

	if p.engine == nil {
		return &pdp.PolicyDecision{Outcome: pdp.Indeterminate, Reason: "no decision engine configured", Metadata: pdp.DecisionMetadata{Engine: pdp.EngineStructured}}, 0, nil
	}

	decision, err := p.engine.Decide(decisionCtx, dctx, policies)
	if p.metrics != nil {
		p.metrics.DecisionLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("decision timed out", "agent", dctx.Agent, "resource", dctx.Resource)
			return nil, ErrCodePolicyDenied, errors.New("policy decision timed out")
		}
		return nil, ErrCodeInternalError, fmt.Errorf("decision engine error: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordOutcome(ctx, string(decision.Outcome))
	}
	return decision, 0, nil
}

// conclude runs a decision's obligations and then the mandatory
// audit_log obligation, in that order, so the audit entry it writes can
// describe what the other obligations did. It is the last thing either
// handler does: by the time it's called, the response has already been
// fully assembled (or the request has already failed), and enforcement
// carries everything that happened since the decision — constraint
// results and the upstream outcome.
//
// A critical obligation failure (including the audit_log write itself)
// is returned to the caller so the response can be suppressed in favor
// of an error, rather than logged and ignored.
func (p *Proxy) conclude(ctx context.Context, meta RequestMeta, action, resource string, decision *pdp.PolicyDecision, dctx *pdp.Context, enforcement audit.Enforcement, started time.Time, outcome audit.Outcome) error {
	if p.obligations == nil || decision == nil {
		return nil
	}

	req := &obligation.Request{
		Agent: meta.Agent, Action: action, Resource: resource, Decision: decision,
		Context: dctx, StartedAt: started, Outcome: outcome,
	}

	obligationErr := p.obligations.ExecuteSync(ctx, req, decision.Obligations)
	if obligationErr != nil {
		p.logger.Error("critical obligation failed", "agent", meta.Agent, "resource", resource, "error", obligationErr)
	}
	enforcement.Obligations = append(enforcement.Obligations, obligationResults(decision.Obligations, obligationErr)...)
	req.Enforcement = enforcement

	// The audit_log write itself always runs, even when a prior
	// obligation already failed, so the failure is recorded rather than
	// silently dropped; whichever error occurred first is what's
	// returned to the caller.
	if err := p.obligations.ExecuteSync(ctx, req, []pap.ObligationDescriptor{auditLogDescriptor}); err != nil {
		p.logger.Error("audit_log obligation failed", "agent", meta.Agent, "resource", resource, "error", err)
		if obligationErr == nil {
			obligationErr = err
		}
	}
	if obligationErr != nil {
		return obligationErr
	}

	p.obligations.ExecuteAsync(ctx, req, decision.Obligations)
	return nil
}

var auditLogDescriptor = pap.ObligationDescriptor{
	Kind: "audit_log", Critical: true, Parameters: map[string]any{"detail": "summary"},
}

// obligationResults summarizes a batch of obligations ExecuteSync ran
// together. ExecuteSync stops at the first critical failure, so when
// err is non-nil this can't know exactly which descriptor caused it;
// it reports every descriptor as attempted and attaches err to the
// last one, which is accurate for the common case of a single
// obligation per decision and at least names the failure otherwise.
func obligationResults(descriptors []pap.ObligationDescriptor, err error) []audit.ObligationResult {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([]audit.ObligationResult, len(descriptors))
	for i, d := range descriptors {
		out[i] = audit.ObligationResult{Kind: d.Kind, Async: d.Async, Critical: d.Critical}
	}
	if err != nil {
		out[len(out)-1].Error = err.Error()
	}
	return out
}

// constraintResults summarizes one Apply call's effect on every
// descriptor it was given. Apply stops at the first processor error, so
// as with obligationResults, a failure is attached to the last entry
// rather than attributed to the exact descriptor that rejected it.
func constraintResults(direction constraint.Direction, descriptors []pap.ConstraintDescriptor, err error) []audit.ConstraintResult {
	if len(descriptors) == 0 {
		return nil
	}
	out := make([]audit.ConstraintResult, len(descriptors))
	for i, d := range descriptors {
		out[i] = audit.ConstraintResult{Kind: d.Kind, Direction: string(direction), Applied: err == nil}
	}
	if err != nil {
		out[len(out)-1].Error = err.Error()
	}
	return out
}

// constraintErrorResponse classifies a constraint.Registry.Apply error:
// a rate-limit rejection gets its own code with a retryAfterMs hint so
// a well-behaved caller can back off; any other constraint failure gets
// the generic enforcement-failure code.
func constraintErrorResponse(id any, err error) *Response {
	var rateLimited *constraint.RateLimitError
	if errors.As(err, &rateLimited) {
		return errorResponse(id, ErrCodeRateLimited, "rate limit exceeded", map[string]any{
			"retryAfterMs": rateLimited.RetryAfter.Milliseconds(),
		})
	}
	return errorResponse(id, ErrCodeConstraintFailure, "constraint rejected request: "+err.Error(), nil)
}

func (p *Proxy) acquireUpstream(name string) (Upstream, chan struct{}, bool) {
	p.mu.RLock()
	up, ok := p.upstreams[name]
	sem := p.sems[name]
	p.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	select {
	case sem <- struct{}{}:
		return up, sem, true
	default:
		return nil, nil, false
	}
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(errorResponse(nil, ErrCodeInternalError, "failed to marshal response", nil))
	}
	return raw
}
