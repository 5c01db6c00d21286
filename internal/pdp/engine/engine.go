// Package engine wires the structured rule evaluator (pdp/rules), the LLM
// judge (pdp/llmjudge) and the decision cache (cache) into the hybrid
// decision algorithm: for each applicable policy, try the structured pass
// first, fall back to the LLM pass, gate on confidence, then resolve
// conflicts across policies that each produced an outcome.
//
// Grounded on the teacher's pkg/governance/policy_engine.go (ordered
// rule evaluation, fail-closed default) and pkg/pdp/pdp.go (Backend enum
// choosing between evaluators, ComputeDecisionHash for cache identity).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/cache"
	"github.com/Shin0205go/Aegis-sub002/internal/config"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/llmjudge"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/rules"
)

// jsonCodec adapts encoding/json to cache.Codec for the L2 tier.
type jsonCodec struct{}

// JSONCodec returns the cache.Codec used to serialize PolicyDecision
// values across the L2 tier.
func JSONCodec() jsonCodec { return jsonCodec{} }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	d, ok := v.(*pdp.PolicyDecision)
	if !ok {
		return nil, fmt.Errorf("engine: cache codec expects *pdp.PolicyDecision, got %T", v)
	}
	return canonicalMarshal(d)
}

func (jsonCodec) Unmarshal(data []byte) (any, error) {
	return canonicalUnmarshal(data)
}

// Engine is the hybrid decision engine. One Engine is constructed at
// startup and shared across all requests; it holds no per-request state.
type Engine struct {
	evaluator *rules.Evaluator
	judge     *llmjudge.Judge
	cache     *cache.Cache

	conflict            config.ConflictStrategy
	confidenceThreshold float64
	permitTTL           time.Duration
	denyTTL             time.Duration
	indeterminateTTL    time.Duration

	mu           sync.Mutex
	keysByPolicy map[string]map[string]bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithConflictStrategy overrides the default "priority" resolution mode.
func WithConflictStrategy(s config.ConflictStrategy) Option {
	return func(e *Engine) { e.conflict = s }
}

// WithConfidenceThreshold overrides the default 0.7 gate.
func WithConfidenceThreshold(t float64) Option {
	return func(e *Engine) { e.confidenceThreshold = t }
}

// WithTTLs overrides the kind-dependent cache TTLs.
func WithTTLs(permit, deny, indeterminate time.Duration) Option {
	return func(e *Engine) {
		e.permitTTL = permit
		e.denyTTL = deny
		e.indeterminateTTL = indeterminate
	}
}

// New builds an Engine. judge and c may be nil: with a nil judge, a
// policy that has natural-language text and no structured outcome
// evaluates to INDETERMINATE; a nil cache disables caching entirely.
func New(evaluator *rules.Evaluator, judge *llmjudge.Judge, c *cache.Cache, opts ...Option) *Engine {
	e := &Engine{
		evaluator:           evaluator,
		judge:               judge,
		cache:               c,
		conflict:            config.ConflictPriority,
		confidenceThreshold: 0.7,
		permitTTL:           5 * time.Minute,
		denyTTL:             time.Minute,
		indeterminateTTL:    30 * time.Second,
		keysByPolicy:        make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// candidate pairs a policy with the outcome its evaluation produced.
type candidate struct {
	policy   *pap.Policy
	decision *pdp.PolicyDecision
}

// Decide runs the full hybrid algorithm over policies (already selected
// and ordered by descending priority/version, per pap.Store.SelectApplicable)
// against ctx, returning a single combined PolicyDecision.
func (e *Engine) Decide(goCtx context.Context, ctx *pdp.Context, policies []*pap.Policy) (*pdp.PolicyDecision, error) {
	key, err := e.cacheKey(ctx, policies)
	if err == nil && e.cache != nil {
		if cached, ok, _ := e.cache.Get(goCtx, key); ok {
			if d, ok := cached.(*pdp.PolicyDecision); ok {
				hit := *d
				hit.Metadata.Engine = pdp.EngineCache
				return &hit, nil
			}
		}
	}

	compute := func() (any, error) {
		return e.decideUncached(goCtx, ctx, policies)
	}

	var resultAny any
	if e.cache != nil && key != "" {
		resultAny, err = e.cache.Coalesce(key, compute)
		if err != nil {
			return nil, err
		}
	} else {
		resultAny, err = compute()
		if err != nil {
			return nil, err
		}
	}

	decision := resultAny.(*pdp.PolicyDecision)
	if e.cache != nil && key != "" {
		e.storeInCache(goCtx, key, decision, policies)
	}
	return decision, nil
}

func (e *Engine) cacheKey(ctx *pdp.Context, policies []*pap.Policy) (string, error) {
	return pdp.CacheKey(ctx, policies)
}

func (e *Engine) storeInCache(goCtx context.Context, key string, d *pdp.PolicyDecision, policies []*pap.Policy) {
	if d.Metadata.Engine != pdp.EngineStructured && d.Metadata.Engine != pdp.EngineLLM {
		return
	}
	var ttl time.Duration
	switch d.Outcome {
	case pdp.Permit:
		ttl = e.permitTTL
	case pdp.Deny:
		ttl = e.denyTTL
	case pdp.Indeterminate:
		ttl = e.indeterminateTTL
	default:
		return // NOT_APPLICABLE is never cached — it depends on the full policy set at selection time.
	}
	if err := e.cache.Set(goCtx, key, d, ttl); err != nil {
		return
	}
	e.mu.Lock()
	for _, p := range policies {
		if e.keysByPolicy[p.ID] == nil {
			e.keysByPolicy[p.ID] = make(map[string]bool)
		}
		e.keysByPolicy[p.ID][key] = true
	}
	e.mu.Unlock()
}

// InvalidatePolicy drops every cached decision that referenced policyID:
// after activate/update/deprecate, no cached decision referencing the
// prior version may be returned. Wire this as a pap.Store.OnInvalidate
// hook.
func (e *Engine) InvalidatePolicy(policyID string) {
	if e.cache == nil {
		return
	}
	e.mu.Lock()
	keys := e.keysByPolicy[policyID]
	delete(e.keysByPolicy, policyID)
	e.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	keyList := make([]string, 0, len(keys))
	for k := range keys {
		keyList = append(keyList, k)
	}
	e.cache.InvalidateKeys(keyList)
}

// decideUncached runs the structured-then-LLM pass over every policy and
// resolves conflicts among whichever produced a non-NOT_APPLICABLE
// outcome.
func (e *Engine) decideUncached(goCtx context.Context, ctx *pdp.Context, policies []*pap.Policy) (*pdp.PolicyDecision, error) {
	var candidates []candidate
	var unsatisfied *pdp.PolicyDecision
	var trace []string

	for _, p := range policies {
		d, err := e.evaluatePolicy(goCtx, ctx, p)
		if err != nil {
			return nil, err
		}
		trace = append(trace, fmt.Sprintf("policy %s@%s: %s (%s)", p.ID, p.Metadata.Version, d.Outcome, d.Reason))
		if d.Outcome == pdp.NotApplicable {
			if unsatisfied == nil && d.Metadata.SelectionReason == "structured rule constraints unsatisfied" {
				unsatisfied = d
			}
			continue
		}
		candidates = append(candidates, candidate{policy: p, decision: d})
	}

	if len(candidates) == 0 {
		if unsatisfied != nil {
			// A structured rule applied to the request but its constraints
			// rejected it, and no other policy decided: that is a denial.
			deny := *unsatisfied
			deny.Outcome = pdp.Deny
			deny.Metadata.Trace = trace
			return &deny, nil
		}
		return &pdp.PolicyDecision{
			Outcome:    pdp.NotApplicable,
			Reason:     "no applicable policy",
			Confidence: 1.0,
			Metadata:   pdp.DecisionMetadata{Engine: pdp.EngineStructured, Trace: trace},
		}, nil
	}

	resolved := e.resolve(candidates)
	resolved.Metadata.Trace = trace
	return resolved, nil
}

// evaluatePolicy runs the structured pass, and only if it leaves the
// policy undecided, the LLM pass, applying the confidence gate to
// whichever pass produced an outcome.
func (e *Engine) evaluatePolicy(goCtx context.Context, ctx *pdp.Context, p *pap.Policy) (*pdp.PolicyDecision, error) {
	start := time.Now()

	if p.Rules != nil && !p.Rules.Empty() {
		d, matched, err := e.structuredPass(ctx, p, start)
		if err != nil {
			return nil, err
		}
		if matched {
			return d, nil
		}
	}

	if p.NLText == "" {
		return &pdp.PolicyDecision{
			Outcome:    pdp.NotApplicable,
			Reason:     "no structured match and no natural-language text",
			Confidence: 1.0,
			Metadata:   pdp.DecisionMetadata{PolicyID: p.ID, PolicyVersion: p.Metadata.Version, PolicyText: policySnapshot(p), Engine: pdp.EngineStructured, ProcessingTimeMs: time.Since(start).Milliseconds()},
		}, nil
	}

	if e.judge == nil {
		return &pdp.PolicyDecision{
			Outcome:    pdp.Indeterminate,
			Reason:     "no LLM judge configured for a natural-language-only policy",
			Confidence: 0,
			Metadata:   pdp.DecisionMetadata{PolicyID: p.ID, PolicyVersion: p.Metadata.Version, PolicyText: policySnapshot(p), Engine: pdp.EngineLLM, ProcessingTimeMs: time.Since(start).Milliseconds()},
		}, nil
	}

	d, err := e.judge.Evaluate(goCtx, ctx, p)
	if err != nil {
		return nil, err
	}
	return e.gateConfidence(d), nil
}

// policySnapshot returns the text an audit entry should keep as the
// policy's content at decision time: its natural-language body if it
// has one, otherwise a compact summary of its structured rule counts so
// there's still something to show for a purely structured policy.
func policySnapshot(p *pap.Policy) string {
	if p.NLText != "" {
		return p.NLText
	}
	if p.Rules == nil {
		return ""
	}
	return fmt.Sprintf("structured policy: %d permission rule(s), %d prohibition rule(s)",
		len(p.Rules.Permissions), len(p.Rules.Prohibitions))
}

// structuredPass evaluates p's prohibitions then permissions. matched is
// true when a rule's action/target/assignee matched regardless of
// whether its constraints held — a matched-but-failed rule still means
// "this policy had something to say", which short-circuits the LLM pass
// for this policy. Its outcome is NOT_APPLICABLE, so the overall
// evaluation is still free to find a different policy whose rules do
// apply; if none does, decideUncached turns it into a DENY.
func (e *Engine) structuredPass(ctx *pdp.Context, p *pap.Policy, start time.Time) (*pdp.PolicyDecision, bool, error) {
	meta := func(reason string, engine pdp.EngineTag) pdp.DecisionMetadata {
		return pdp.DecisionMetadata{
			PolicyID: p.ID, PolicyVersion: p.Metadata.Version, PolicyText: policySnapshot(p),
			SelectionReason: reason, Engine: engine,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		}
	}

	anyActionMatch := false
	for i := range p.Rules.Prohibitions {
		rule := &p.Rules.Prohibitions[i]
		if !e.actionTargetAssigneeMatch(rule, ctx) {
			continue
		}
		anyActionMatch = true
		ok, err := e.evaluator.Matches(rule, ctx)
		if err != nil {
			return nil, false, fmt.Errorf("pdp/engine: evaluate prohibition in policy %s: %w", p.ID, err)
		}
		if ok {
			return &pdp.PolicyDecision{
				Outcome:    pdp.Deny,
				Reason:     fmt.Sprintf("prohibited by policy %q (rule action %q)", p.Name, rule.Action),
				Confidence: 1.0,
				Metadata:   meta("structured prohibition matched", pdp.EngineStructured),
			}, true, nil
		}
	}

	for i := range p.Rules.Permissions {
		rule := &p.Rules.Permissions[i]
		if !e.actionTargetAssigneeMatch(rule, ctx) {
			continue
		}
		anyActionMatch = true
		ok, err := e.evaluator.Matches(rule, ctx)
		if err != nil {
			return nil, false, fmt.Errorf("pdp/engine: evaluate permission in policy %s: %w", p.ID, err)
		}
		if ok {
			d := &pdp.PolicyDecision{
				Outcome:     pdp.Permit,
				Reason:      fmt.Sprintf("permitted by policy %q (rule action %q)", p.Name, rule.Action),
				Confidence:  1.0,
				Obligations: rule.Duties,
				Metadata:    meta("structured permission matched", pdp.EngineStructured),
			}
			return d, true, nil
		}
	}

	if anyActionMatch {
		// A rule's action/target/assignee matched but its constraints
		// failed: the policy had something to say but didn't permit or
		// prohibit, so it's neither a structured outcome nor a candidate
		// for the LLM pass — treat as NOT_APPLICABLE for this policy.
		return &pdp.PolicyDecision{
			Outcome:    pdp.NotApplicable,
			Reason:     "rule matched action/target/assignee but constraints were not satisfied",
			Confidence: 1.0,
			Metadata:   meta("structured rule constraints unsatisfied", pdp.EngineStructured),
		}, true, nil
	}
	return nil, false, nil
}

func (e *Engine) actionTargetAssigneeMatch(rule *pap.Rule, ctx *pdp.Context) bool {
	// Matching a copy without the constraint tree checks the rule's
	// action (with its mcp: equivalence), target and assignee only.
	ok, _ := e.evaluator.Matches(&pap.Rule{Action: rule.Action, Target: rule.Target, Assignee: rule.Assignee}, ctx)
	return ok
}

// gateConfidence replaces a low-confidence outcome with INDETERMINATE
// while preserving the model's stated reason.
func (e *Engine) gateConfidence(d *pdp.PolicyDecision) *pdp.PolicyDecision {
	if d.Confidence < e.confidenceThreshold && d.Outcome != pdp.NotApplicable {
		d.Outcome = pdp.Indeterminate
	}
	return d
}

// resolve applies the configured conflict strategy across candidates that
// each produced PERMIT/DENY/INDETERMINATE. Constraints and obligations
// from every contributing policy are unioned and deduplicated by (kind,
// parameters).
func (e *Engine) resolve(candidates []candidate) *pdp.PolicyDecision {
	if len(candidates) == 1 {
		return candidates[0].decision
	}

	var winner *candidate
	switch e.conflict {
	case config.ConflictStrict:
		for i := range candidates {
			if candidates[i].decision.Outcome == pdp.Deny {
				winner = &candidates[i]
				break
			}
		}
		if winner == nil {
			winner = &candidates[0]
		}
	case config.ConflictPermissive:
		anyDeny := false
		for i := range candidates {
			if candidates[i].decision.Outcome == pdp.Deny {
				anyDeny = true
				break
			}
		}
		if !anyDeny {
			for i := range candidates {
				if candidates[i].decision.Outcome == pdp.Permit {
					winner = &candidates[i]
					break
				}
			}
		}
		if winner == nil {
			winner = &candidates[0]
		}
	case config.ConflictConsensus:
		counts := map[pdp.Outcome]int{}
		for _, c := range candidates {
			counts[c.decision.Outcome]++
		}
		best := pdp.Outcome("")
		bestCount := -1
		tie := false
		for outcome, n := range counts {
			if n > bestCount {
				best, bestCount, tie = outcome, n, false
			} else if n == bestCount {
				tie = true
			}
		}
		if tie {
			best = pdp.Deny
		}
		for i := range candidates {
			if candidates[i].decision.Outcome == best {
				winner = &candidates[i]
				break
			}
		}
	default: // config.ConflictPriority (first in source order already reflects descending priority)
		winner = &candidates[0]
	}

	combined := *winner.decision
	combined.Constraints = unionConstraints(candidates)
	combined.Obligations = unionObligations(candidates)
	return &combined
}

func unionConstraints(candidates []candidate) []pap.ConstraintDescriptor {
	seen := make(map[string]bool)
	var out []pap.ConstraintDescriptor
	for _, c := range candidates {
		for _, cd := range c.decision.Constraints {
			key, err := canonicalKey(cd)
			if err != nil || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, cd)
		}
	}
	return out
}

func unionObligations(candidates []candidate) []pap.ObligationDescriptor {
	seen := make(map[string]bool)
	var out []pap.ObligationDescriptor
	for _, c := range candidates {
		for _, od := range c.decision.Obligations {
			key, err := canonicalKey(od)
			if err != nil || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, od)
		}
	}
	return out
}
