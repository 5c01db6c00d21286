// Package rules implements the structured-rule evaluator: it
// walks an ODRL-shaped constraint tree and decides whether it holds
// against a decision Context.
//
// Grounded on the teacher's governance.PolicyEngine CEL wiring
// (pkg/governance/policy_engine.go). The teacher compiles one CEL
// program per whole policy; here every atomic constraint leaf instead
// shares one of 13 small compiled programs (one per operator), since the
// operand pair is only known per-evaluation while the operator set is
// fixed. Logical combinators (AND/OR/XONE) are applied natively in Go:
// XONE's exactly-one semantics and arbitrary child arity don't reduce to
// a single CEL sub-expression as cleanly as the teacher's flat boolean
// policies did.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// Evaluator holds the shared CEL environment and per-operator compiled
// programs. One Evaluator is created at startup and reused across all
// decisions.
type Evaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[pap.Operator]cel.Program
}

// NewEvaluator builds the CEL environment with the custom set-comparison
// functions the ODRL operator model needs beyond CEL's native relational
// operators.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("left", cel.DynType),
		cel.Variable("right", cel.DynType),
		cel.Function("hasPart",
			cel.Overload("hasPart_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(hasPart(lhs.Value(), rhs.Value())) }))),
		cel.Function("isPartOf",
			cel.Overload("isPartOf_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(isPartOf(lhs.Value(), rhs.Value())) }))),
		cel.Function("isA",
			cel.Overload("isA_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(isA(lhs.Value(), rhs.Value())) }))),
		cel.Function("isAllOf",
			cel.Overload("isAllOf_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(isAllOf(lhs.Value(), rhs.Value())) }))),
		cel.Function("isAnyOf",
			cel.Overload("isAnyOf_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(isAnyOf(lhs.Value(), rhs.Value())) }))),
		cel.Function("isNoneOf",
			cel.Overload("isNoneOf_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(!isAnyOf(lhs.Value(), rhs.Value())) }))),
		cel.Function("inOperand",
			cel.Overload("inOperand_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.BoolType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return celBool(inOperand(lhs.Value(), rhs.Value())) }))),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp/rules: create CEL env: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[pap.Operator]cel.Program)}, nil
}

func celBool(b bool) ref.Val {
	return types.Bool(b)
}

var opExpr = map[pap.Operator]string{
	pap.OpEq:       "left == right",
	pap.OpNeq:      "left != right",
	pap.OpGt:       "double(left) > double(right)",
	pap.OpGtEq:     "double(left) >= double(right)",
	pap.OpLt:       "double(left) < double(right)",
	pap.OpLtEq:     "double(left) <= double(right)",
	pap.OpIn:       "inOperand(left, right)",
	pap.OpHasPart:  "hasPart(left, right)",
	pap.OpIsA:      "isA(left, right)",
	pap.OpIsAllOf:  "isAllOf(left, right)",
	pap.OpIsAnyOf:  "isAnyOf(left, right)",
	pap.OpIsNoneOf: "isNoneOf(left, right)",
	pap.OpIsPartOf: "isPartOf(left, right)",
}

func (e *Evaluator) programFor(op pap.Operator) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[op]; ok {
		return prg, nil
	}
	expr, ok := opExpr[op]
	if !ok {
		return nil, fmt.Errorf("pdp/rules: unknown operator %q", op)
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("pdp/rules: compile operator %q: %w", op, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("pdp/rules: program for operator %q: %w", op, err)
	}
	e.programs[op] = prg
	return prg, nil
}

// EvaluateConstraint recursively evaluates a constraint tree against ctx.
// A nil constraint is vacuously true. An unknown operator or logical
// operator, or an operator result that is not a boolean, is returned as
// an error so the caller can fail closed; a runtime type mismatch (e.g.
// a numeric comparison against a non-numeric operand) makes that leaf
// false and is not an error.
func (e *Evaluator) EvaluateConstraint(c *pap.Constraint, ctx *pdp.Context) (bool, error) {
	if c == nil {
		return true, nil
	}
	if c.IsLeaf() {
		return e.evaluateAtomic(c.Atomic, ctx)
	}
	switch c.Logical {
	case pap.LogicalAnd:
		for i := range c.Children {
			ok, err := e.EvaluateConstraint(&c.Children[i], ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case pap.LogicalOr:
		for i := range c.Children {
			ok, err := e.EvaluateConstraint(&c.Children[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case pap.LogicalXone:
		count := 0
		for i := range c.Children {
			ok, err := e.EvaluateConstraint(&c.Children[i], ctx)
			if err != nil {
				return false, err
			}
			if ok {
				count++
			}
		}
		return count == 1, nil
	default:
		return false, fmt.Errorf("pdp/rules: unknown logical operator %q", c.Logical)
	}
}

// evaluateAtomic resolves the left operand from ctx and runs the
// operator's compiled program. An operand that resolves to nothing (no
// such field, no such extension) is an undefined comparison: every
// operator evaluates false except neq, which evaluates true. A rule
// referencing a field absent from context is not an error, it simply
// cannot match.
func (e *Evaluator) evaluateAtomic(a *pap.AtomicConstraint, ctx *pdp.Context) (bool, error) {
	left, ok := ctx.Field(a.LeftOperand)
	if !ok {
		return a.Operator == pap.OpNeq, nil
	}
	prg, err := e.programFor(a.Operator)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"left": left, "right": a.RightOperand})
	if err != nil {
		// Type mismatches (e.g. gt on non-numeric strings) fail the
		// comparison rather than the whole decision.
		return false, nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("pdp/rules: operator %q did not yield a boolean", a.Operator)
	}
	return b, nil
}

// Matches reports whether rule's action/target/assignee matchers and its
// constraint tree all hold for ctx. Action matching honors the MCP
// equivalence: a rule action of "mcp:<method>" matches both the literal
// string and the bare method name, so policy authors can write either
// "mcp:tools/call" or "tools/call".
func (e *Evaluator) Matches(rule *pap.Rule, ctx *pdp.Context) (bool, error) {
	if !actionMatches(rule.Action, ctx.Action) {
		return false, nil
	}
	if rule.Target != "" && !rule.Target.Matches(ctx.Resource) {
		return false, nil
	}
	if rule.Assignee != "" && !rule.Assignee.Matches(ctx.Agent) {
		return false, nil
	}
	return e.EvaluateConstraint(rule.Constraint, ctx)
}

func actionMatches(m pap.Matcher, action string) bool {
	s := string(m)
	if strings.HasPrefix(s, "mcp:") {
		bare := strings.TrimPrefix(s, "mcp:")
		return action == s || action == bare
	}
	return m.Matches(action)
}

// --- custom operator implementations, operating on native Go values ---

func toSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func equalAny(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func contains(haystack []any, needle any) bool {
	for _, h := range haystack {
		if equalAny(h, needle) {
			return true
		}
	}
	return false
}

func hasPart(left, right any) bool {
	if contains(toSlice(left), right) {
		return true
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	return lok && rok && strings.Contains(ls, rs)
}

func isPartOf(left, right any) bool {
	return contains(toSlice(right), left)
}

func isA(left, right any) bool {
	rSlice := toSlice(right)
	if len(rSlice) > 1 {
		return contains(rSlice, left)
	}
	return equalAny(left, right)
}

func isAllOf(left, right any) bool {
	for _, want := range toSlice(right) {
		if !contains(toSlice(left), want) {
			return false
		}
	}
	return true
}

func isAnyOf(left, right any) bool {
	rightSet := toSlice(right)
	for _, l := range toSlice(left) {
		if contains(rightSet, l) {
			return true
		}
	}
	return false
}

func inOperand(left, right any) bool {
	rs := toSlice(right)
	if len(rs) == 2 {
		start, sok := parseTimeOfDay(rs[0])
		end, eok := parseTimeOfDay(rs[1])
		if sok && eok {
			if t, tok := parseTimeOfDay(left); tok {
				return inTimeRange(t, start, end)
			}
		}
	}
	return contains(rs, left)
}

func parseTimeOfDay(v any) (time.Duration, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, true
}

// inTimeRange handles overnight windows (e.g. 22:00-06:00) by wrapping.
func inTimeRange(t, start, end time.Duration) bool {
	if start <= end {
		return t >= start && t <= end
	}
	return t >= start || t <= end
}
