// Package pap implements the Policy Administration Point: the entity model
// for policies and their versioned storage/lifecycle.
//
// Grounded on the teacher's pkg/policyloader (bundle loading from a
// directory of JSON files) and pkg/governance/policy_engine.go (CEL rule
// compilation), generalized to the full ODRL-shaped rule set, semantic
// versioning, and draft/active/deprecated lifecycle the specification
// requires.
package pap

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a policy's lifecycle stage. Transitions are one-way:
// draft -> active -> deprecated.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Operator is an atomic constraint comparison operator.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpGt        Operator = "gt"
	OpGtEq      Operator = "gteq"
	OpLt        Operator = "lt"
	OpLtEq      Operator = "lteq"
	OpIn        Operator = "in"
	OpHasPart   Operator = "hasPart"
	OpIsA       Operator = "isA"
	OpIsAllOf   Operator = "isAllOf"
	OpIsAnyOf   Operator = "isAnyOf"
	OpIsNoneOf  Operator = "isNoneOf"
	OpIsPartOf  Operator = "isPartOf"
)

// LogicalOp combines sub-constraints.
type LogicalOp string

const (
	LogicalAnd  LogicalOp = "and"
	LogicalOr   LogicalOp = "or"
	LogicalXone LogicalOp = "xone"
)

// AtomicConstraint is a single (leftOperand, operator, rightOperand) triple.
// LeftOperand is resolved against the decision context: first against the
// fixed dictionary of well-known fields, then against the context's
// extension map for anything unrecognized.
type AtomicConstraint struct {
	LeftOperand  string   `json:"leftOperand"`
	Operator     Operator `json:"operator"`
	RightOperand any      `json:"rightOperand"`
}

// Constraint is a node in a constraint tree: either a single atomic
// constraint, or a logical combination of child constraints.
type Constraint struct {
	Atomic   *AtomicConstraint `json:"atomic,omitempty"`
	Logical  LogicalOp         `json:"logical,omitempty"`
	Children []Constraint      `json:"children,omitempty"`
}

// IsLeaf reports whether this constraint node is an atomic leaf.
func (c Constraint) IsLeaf() bool {
	return c.Atomic != nil
}

// Matcher matches an action, target (resource), or assignee (agent)
// string against a rule. An empty pattern or "*" matches anything, a "*"
// suffix means prefix wildcard, and any other pattern must match exactly.
// The rule evaluator additionally lets an action of "mcp:<method>" match
// the bare method name; "tool:<toolName>" has no special meaning and is
// matched literally.
type Matcher string

// Matches reports whether the matcher matches a candidate value.
func (m Matcher) Matches(candidate string) bool {
	pattern := string(m)
	if pattern == "" || pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(candidate) >= len(prefix) && candidate[:len(prefix)] == prefix
	}
	return pattern == candidate
}

// ConstraintDescriptor is a tagged-union transformation attached to a
// PERMIT decision (anonymize, rate-limit, geo-restrict, or a generic
// extensible text form). Dispatched to a registered constraint processor
// by Kind prefix.
type ConstraintDescriptor struct {
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ObligationDescriptor is a tagged-union action executed as part of
// enforcement (audit-log, notify, lifecycle, or a generic extensible text
// form). Dispatched to a registered obligation executor by Kind prefix.
type ObligationDescriptor struct {
	Kind       string         `json:"kind"`
	Critical   bool           `json:"critical,omitempty"`
	Async      bool           `json:"async,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Rule is one entry in a policy's permissions, prohibitions, or
// obligations list.
type Rule struct {
	Action     Matcher                `json:"action"`
	Target     Matcher                `json:"target,omitempty"`
	Assignee   Matcher                `json:"assignee,omitempty"`
	Constraint *Constraint            `json:"constraint,omitempty"`
	Duties     []ObligationDescriptor `json:"duties,omitempty"`
}

// RuleSet is the ODRL-shaped structured body of a policy.
type RuleSet struct {
	Permissions  []Rule `json:"permissions,omitempty"`
	Prohibitions []Rule `json:"prohibitions,omitempty"`
	Obligations  []Rule `json:"obligations,omitempty"`
}

// Empty reports whether the rule set carries no rules at all (policy is
// then NL-only and must be evaluated by the LLM judge).
func (r *RuleSet) Empty() bool {
	return r == nil || (len(r.Permissions) == 0 && len(r.Prohibitions) == 0 && len(r.Obligations) == 0)
}

// ApplicableContext narrows which agents/resources/actions a policy is
// even a candidate for, used by selectApplicable.
type ApplicableContext struct {
	Agents    []string `json:"agents,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

func (ac ApplicableContext) intersects(agent, resource, action string) bool {
	if len(ac.Agents) == 0 && len(ac.Resources) == 0 && len(ac.Actions) == 0 {
		return true
	}
	return matchesAny(ac.Agents, agent) && matchesAny(ac.Resources, resource) && matchesAny(ac.Actions, action)
}

func matchesAny(patterns []string, candidate string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Matcher(p).Matches(candidate) {
			return true
		}
	}
	return false
}

// Metadata carries a policy's administrative attributes.
type Metadata struct {
	Version        string    `json:"version"`
	Priority       int       `json:"priority"`
	Tags           []string  `json:"tags,omitempty"`
	Creator        string    `json:"creator"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModified   time.Time `json:"lastModified"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	Status         Status    `json:"status"`
}

// Policy is the unit of administration: a natural-language body and/or a
// structured rule set, plus metadata and an applicability filter.
type Policy struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	NLText      string            `json:"nlText,omitempty"`
	Rules       *RuleSet          `json:"rules,omitempty"`
	Applicable  ApplicableContext `json:"applicableContexts,omitempty"`
	Metadata    Metadata          `json:"metadata"`
}

// MinBodyLength is the invariant minimum body length (NL text length, or
// a rendered summary of the structured rules if NL text is absent).
const MinBodyLength = 10

// Validate checks the structural invariants common to create/update.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pap: policy name must not be empty")
	}
	bodyLen := len(p.NLText)
	if bodyLen == 0 && p.Rules != nil && !p.Rules.Empty() {
		if rendered, err := json.Marshal(p.Rules); err == nil {
			bodyLen = len(rendered)
		}
	}
	if bodyLen < MinBodyLength {
		return fmt.Errorf("pap: policy body must be at least %d characters", MinBodyLength)
	}
	return validateDescriptors(p.Rules)
}

// IsApplicable reports whether the policy is a candidate for the given
// agent/resource/action triple.
func (p *Policy) IsApplicable(agent, resource, action string) bool {
	return p.Applicable.intersects(agent, resource, action)
}
