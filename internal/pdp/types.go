// Package pdp implements the Policy Decision Point: the hybrid
// structured-rule + LLM decision engine, along with its supporting rule
// evaluator (pdp/rules) and LLM judge (pdp/llmjudge); the decision cache
// lives in internal/cache.
//
// Grounded on the teacher's pkg/pdp/pdp.go (PolicyDecisionPoint interface,
// Backend enum, DecisionRequest/DecisionResponse, ComputeDecisionHash) and
// pkg/governance/policy_engine.go (fail-closed default-deny evaluation).
package pdp

import (
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/canonicalize"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
)

// Outcome is a decision's final verdict.
type Outcome string

const (
	Permit        Outcome = "PERMIT"
	Deny          Outcome = "DENY"
	Indeterminate Outcome = "INDETERMINATE"
	NotApplicable Outcome = "NOT_APPLICABLE"
)

// EngineTag identifies which subsystem produced a decision, carried in
// DecisionMetadata for observability and audit.
type EngineTag string

const (
	EngineStructured EngineTag = "structured"
	EngineLLM        EngineTag = "llm"
	EngineCache      EngineTag = "cache"
)

// Context is the fully enriched decision context a PDP evaluates against:
// the request's agent/action/resource identity plus whatever the PIP
// enrichers attached. Known fields are resolved directly; anything else
// an enricher or caller adds lands in Extensions and is resolvable by
// constraint operands that don't match a well-known field.
type Context struct {
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Timestamp time.Time `json:"timestamp"`
	Purpose   string    `json:"purpose,omitempty"`
	Location  string    `json:"location,omitempty"`

	AgentType  string  `json:"agentType,omitempty"`
	AgentRole  string  `json:"agentRole,omitempty"`
	TrustScore float64 `json:"trustScore,omitempty"`

	ResourceClassification string `json:"resourceClassification,omitempty"`
	ResourceOwner          string `json:"resourceOwner,omitempty"`
	ResourceSensitivity    string `json:"resourceSensitivity,omitempty"`

	RiskScore       float64  `json:"riskScore,omitempty"`
	IP              string   `json:"ip,omitempty"`
	EmergencyFlag   bool     `json:"emergencyFlag,omitempty"`
	DelegationChain []string `json:"delegationChain,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`

	Environment map[string]any `json:"environment,omitempty"`
	Extensions  map[string]any `json:"extensions,omitempty"`
}

// DelegationDepth is len(DelegationChain), the operand "delegationDepth"
// resolves to.
func (c *Context) DelegationDepth() int {
	return len(c.DelegationChain)
}

// Field resolves a constraint operand name against the fixed dictionary
// of well-known context fields, then Extensions, then Environment. ok is
// false if nothing matched, in which case rule evaluation treats the
// comparison as undefined.
func (c *Context) Field(name string) (any, bool) {
	switch name {
	case "agent":
		return c.Agent, true
	case "action":
		return c.Action, true
	case "resource":
		return c.Resource, true
	case "timestamp":
		return c.Timestamp, true
	case "timeOfDay":
		return c.Timestamp.Format("15:04"), true
	case "purpose":
		return c.Purpose, true
	case "location":
		return c.Location, true
	case "agentType":
		return c.AgentType, true
	case "agentRole":
		return c.AgentRole, true
	case "trustScore":
		return c.TrustScore, true
	case "resourceClassification":
		return c.ResourceClassification, true
	case "resourceOwner":
		return c.ResourceOwner, true
	case "resourceSensitivity":
		return c.ResourceSensitivity, true
	case "riskScore":
		return c.RiskScore, true
	case "ip":
		return c.IP, true
	case "emergencyFlag":
		return c.EmergencyFlag, true
	case "delegationDepth":
		return c.DelegationDepth(), true
	case "sessionId":
		return c.SessionID, true
	}
	if c.Extensions != nil {
		if v, ok := c.Extensions[name]; ok {
			return v, true
		}
	}
	if c.Environment != nil {
		if v, ok := c.Environment[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// DecisionMetadata records provenance for a PolicyDecision: which policy
// (if any) and engine produced it, why it was selected, and cost/latency
// for observability.
type DecisionMetadata struct {
	PolicyID         string    `json:"policyId,omitempty"`
	PolicyVersion    string    `json:"policyVersion,omitempty"`
	// PolicyText snapshots the policy's natural-language body (or a
	// compact summary when there is none) as it stood at decision time,
	// so the audit trail never depends on a policy that may since have
	// been edited.
	PolicyText       string    `json:"policyText,omitempty"`
	SelectionReason  string    `json:"selectionReason,omitempty"`
	Engine           EngineTag `json:"engine"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	ModelIdentifier  string    `json:"modelIdentifier,omitempty"`
	PromptTokens     int       `json:"promptTokens,omitempty"`
	CompletionTokens int       `json:"completionTokens,omitempty"`

	// Trace records, per policy considered, which rule matched or failed
	// and why — surfaced for audit/debugging only, never to the denied
	// client beyond Reason.
	Trace []string `json:"trace,omitempty"`

	// Attempts is the number of LLM judge call attempts (including
	// retries) that produced the final response, when Engine == llm.
	Attempts int `json:"attempts,omitempty"`
}

// PolicyDecision is the PDP's response to an evaluation request.
type PolicyDecision struct {
	Outcome     Outcome                    `json:"outcome"`
	Reason      string                     `json:"reason"`
	Confidence  float64                    `json:"confidence"`
	Constraints []pap.ConstraintDescriptor `json:"constraints,omitempty"`
	Obligations []pap.ObligationDescriptor `json:"obligations,omitempty"`
	Metadata    DecisionMetadata           `json:"metadata"`
}

// Hash computes a deterministic content hash of the decision, suitable for
// cache keys and audit-record linkage, via JCS canonicalization.
func (d *PolicyDecision) Hash() (string, error) {
	return canonicalize.Hash(d)
}

// CacheKeyInput is the canonicalized subset of (Context, candidate policy
// IDs/versions) that determines cache identity — deliberately excluding
// Timestamp and anything timing-sensitive so repeat requests within the
// same logical moment hit the cache.
type CacheKeyInput struct {
	Agent           string   `json:"agent"`
	Action          string   `json:"action"`
	Resource        string   `json:"resource"`
	Purpose         string   `json:"purpose,omitempty"`
	AgentType       string   `json:"agentType,omitempty"`
	TrustScore      float64  `json:"trustScore,omitempty"`
	PolicyFingerprint []string `json:"policyFingerprint,omitempty"`
}

// CacheKey builds the canonicalized cache key for ctx against the given
// applicable policies (each contributing "<id>@<version>" to the
// fingerprint so any policy edit changes the key).
func CacheKey(ctx *Context, policies []*pap.Policy) (string, error) {
	fp := make([]string, 0, len(policies))
	for _, p := range policies {
		fp = append(fp, p.ID+"@"+p.Metadata.Version)
	}
	input := CacheKeyInput{
		Agent:             ctx.Agent,
		Action:            ctx.Action,
		Resource:          ctx.Resource,
		Purpose:           ctx.Purpose,
		AgentType:         ctx.AgentType,
		TrustScore:        ctx.TrustScore,
		PolicyFingerprint: fp,
	}
	return canonicalize.Hash(input)
}
