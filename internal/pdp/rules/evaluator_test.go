package rules

import (
	"testing"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

func atomic(left string, op pap.Operator, right any) *pap.Constraint {
	return &pap.Constraint{Atomic: &pap.AtomicConstraint{LeftOperand: left, Operator: op, RightOperand: right}}
}

func TestEvaluateConstraintAtomicOperators(t *testing.T) {
	e := newEvaluator(t)
	ctx := &pdp.Context{TrustScore: 0.9, AgentRole: "admin"}

	cases := []struct {
		name string
		c    *pap.Constraint
		want bool
	}{
		{"eq match", atomic("agentRole", pap.OpEq, "admin"), true},
		{"eq mismatch", atomic("agentRole", pap.OpEq, "guest"), false},
		{"neq mismatch is true", atomic("agentRole", pap.OpNeq, "guest"), true},
		{"gt true", atomic("trustScore", pap.OpGt, 0.5), true},
		{"gteq true at boundary", atomic("trustScore", pap.OpGtEq, 0.9), true},
		{"lt false", atomic("trustScore", pap.OpLt, 0.5), false},
		{"lteq true", atomic("trustScore", pap.OpLtEq, 0.9), true},
		{"isA single value match", atomic("agentRole", pap.OpIsA, "admin"), true},
		{"isA set membership", atomic("agentRole", pap.OpIsA, []any{"admin", "owner"}), true},
		{"isAllOf fails when left lacks a member", atomic("agentRole", pap.OpIsAllOf, []any{"admin", "owner"}), false},
		{"isAnyOf true", atomic("agentRole", pap.OpIsAnyOf, []any{"guest", "admin"}), true},
		{"isNoneOf true", atomic("agentRole", pap.OpIsNoneOf, []any{"guest", "contractor"}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.EvaluateConstraint(tc.c, ctx)
			if err != nil {
				t.Fatalf("EvaluateConstraint: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluateConstraintHasPartAndIsPartOf(t *testing.T) {
	e := newEvaluator(t)
	ctx := &pdp.Context{Extensions: map[string]any{
		"tags":     []any{"pii", "finance"},
		"category": "confidential-reports",
	}}

	ok, err := e.EvaluateConstraint(atomic("tags", pap.OpHasPart, "pii"), ctx)
	if err != nil || !ok {
		t.Fatalf("expected hasPart set membership to match, got %v err %v", ok, err)
	}

	ok, err = e.EvaluateConstraint(atomic("category", pap.OpHasPart, "report"), ctx)
	if err != nil || !ok {
		t.Fatalf("expected hasPart substring match, got %v err %v", ok, err)
	}

	ok, err = e.EvaluateConstraint(atomic("category", pap.OpIsPartOf, []any{"confidential-reports", "public-reports"}), ctx)
	if err != nil || !ok {
		t.Fatalf("expected isPartOf to match, got %v err %v", ok, err)
	}
}

func TestEvaluateConstraintInOperandTimeWindow(t *testing.T) {
	e := newEvaluator(t)

	mkCtx := func(hhmm string) *pdp.Context {
		ts, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("parse time: %v", err)
		}
		return &pdp.Context{Timestamp: ts}
	}

	window := []any{"09:00", "17:00"}
	ok, err := e.EvaluateConstraint(atomic("timeOfDay", pap.OpIn, window), mkCtx("12:00"))
	if err != nil || !ok {
		t.Fatalf("expected 12:00 to be within 09:00-17:00, got %v err %v", ok, err)
	}
	ok, err = e.EvaluateConstraint(atomic("timeOfDay", pap.OpIn, window), mkCtx("20:00"))
	if err != nil || ok {
		t.Fatalf("expected 20:00 to be outside 09:00-17:00, got %v err %v", ok, err)
	}

	overnight := []any{"22:00", "06:00"}
	ok, err = e.EvaluateConstraint(atomic("timeOfDay", pap.OpIn, overnight), mkCtx("23:30"))
	if err != nil || !ok {
		t.Fatalf("expected 23:30 to fall in the overnight window, got %v err %v", ok, err)
	}
	ok, err = e.EvaluateConstraint(atomic("timeOfDay", pap.OpIn, overnight), mkCtx("02:00"))
	if err != nil || !ok {
		t.Fatalf("expected 02:00 to fall in the overnight window, got %v err %v", ok, err)
	}
	ok, err = e.EvaluateConstraint(atomic("timeOfDay", pap.OpIn, overnight), mkCtx("12:00"))
	if err != nil || ok {
		t.Fatalf("expected noon to fall outside the overnight window, got %v err %v", ok, err)
	}
}

func TestEvaluateConstraintInOperandPlainSet(t *testing.T) {
	e := newEvaluator(t)
	ctx := &pdp.Context{Purpose: "billing"}
	ok, err := e.EvaluateConstraint(atomic("purpose", pap.OpIn, []any{"billing", "support"}), ctx)
	if err != nil || !ok {
		t.Fatalf("expected purpose to be in set, got %v err %v", ok, err)
	}
}

func TestEvaluateConstraintUndefinedOperandIsFalseExceptNeq(t *testing.T) {
	e := newEvaluator(t)
	ctx := &pdp.Context{}

	for _, op := range []pap.Operator{pap.OpEq, pap.OpGt, pap.OpGtEq, pap.OpLt, pap.OpLtEq, pap.OpIn,
		pap.OpHasPart, pap.OpIsA, pap.OpIsAllOf, pap.OpIsAnyOf, pap.OpIsNoneOf, pap.OpIsPartOf} {
		ok, err := e.EvaluateConstraint(atomic("noSuchField", op, "anything"), ctx)
		if err != nil {
			t.Fatalf("operator %q: unexpected error %v", op, err)
		}
		if ok {
			t.Fatalf("operator %q: expected undefined operand to evaluate false, got true", op)
		}
	}

	ok, err := e.EvaluateConstraint(atomic("noSuchField", pap.OpNeq, "anything"), ctx)
	if err != nil || !ok {
		t.Fatalf("expected neq on an undefined operand to evaluate true, got %v err %v", ok, err)
	}
}

func TestEvaluateConstraintNilIsVacuouslyTrue(t *testing.T) {
	e := newEvaluator(t)
	ok, err := e.EvaluateConstraint(nil, &pdp.Context{})
	if err != nil || !ok {
		t.Fatalf("expected nil constraint to be vacuously true, got %v err %v", ok, err)
	}
}

func TestEvaluateConstraintLogicalCombinators(t *testing.T) {
	e := newEvaluator(t)
	ctx := &pdp.Context{AgentRole: "admin", TrustScore: 0.9}

	and := &pap.Constraint{Logical: pap.LogicalAnd, Children: []pap.Constraint{
		*atomic("agentRole", pap.OpEq, "admin"),
		*atomic("trustScore", pap.OpGt, 0.5),
	}}
	if ok, err := e.EvaluateConstraint(and, ctx); err != nil || !ok {
		t.Fatalf("AND: expected true, got %v err %v", ok, err)
	}

	andFail := &pap.Constraint{Logical: pap.LogicalAnd, Children: []pap.Constraint{
		*atomic("agentRole", pap.OpEq, "admin"),
		*atomic("trustScore", pap.OpGt, 0.95),
	}}
	if ok, err := e.EvaluateConstraint(andFail, ctx); err != nil || ok {
		t.Fatalf("AND: expected false, got %v err %v", ok, err)
	}

	or := &pap.Constraint{Logical: pap.LogicalOr, Children: []pap.Constraint{
		*atomic("agentRole", pap.OpEq, "guest"),
		*atomic("trustScore", pap.OpGt, 0.5),
	}}
	if ok, err := e.EvaluateConstraint(or, ctx); err != nil || !ok {
		t.Fatalf("OR: expected true, got %v err %v", ok, err)
	}

	xoneOne := &pap.Constraint{Logical: pap.LogicalXone, Children: []pap.Constraint{
		*atomic("agentRole", pap.OpEq, "admin"),
		*atomic("agentRole", pap.OpEq, "guest"),
	}}
	if ok, err := e.EvaluateConstraint(xoneOne, ctx); err != nil || !ok {
		t.Fatalf("XONE: expected exactly-one true, got %v err %v", ok, err)
	}

	xoneBoth := &pap.Constraint{Logical: pap.LogicalXone, Children: []pap.Constraint{
		*atomic("agentRole", pap.OpEq, "admin"),
		*atomic("trustScore", pap.OpGt, 0.5),
	}}
	if ok, err := e.EvaluateConstraint(xoneBoth, ctx); err != nil || ok {
		t.Fatalf("XONE: expected false when more than one child matches, got %v err %v", ok, err)
	}
}

func TestMatchesActionMCPEquivalence(t *testing.T) {
	e := newEvaluator(t)
	rule := &pap.Rule{Action: pap.Matcher("mcp:tools/call")}

	for _, action := range []string{"mcp:tools/call", "tools/call"} {
		ctx := &pdp.Context{Action: action}
		ok, err := e.Matches(rule, ctx)
		if err != nil || !ok {
			t.Fatalf("action %q: expected match, got %v err %v", action, ok, err)
		}
	}

	ctx := &pdp.Context{Action: "resources/read"}
	ok, err := e.Matches(rule, ctx)
	if err != nil || ok {
		t.Fatalf("expected resources/read not to match mcp:tools/call, got %v err %v", ok, err)
	}
}

func TestMatchesTargetAndAssigneeAndConstraint(t *testing.T) {
	e := newEvaluator(t)
	rule := &pap.Rule{
		Action:     pap.Matcher("tools/call"),
		Target:     pap.Matcher("docs:*"),
		Assignee:   pap.Matcher("agent1"),
		Constraint: atomic("trustScore", pap.OpGtEq, 0.8),
	}

	ok, err := e.Matches(rule, &pdp.Context{Action: "tools/call", Resource: "docs:readme", Agent: "agent1", TrustScore: 0.9})
	if err != nil || !ok {
		t.Fatalf("expected full match, got %v err %v", ok, err)
	}

	ok, err = e.Matches(rule, &pdp.Context{Action: "tools/call", Resource: "other:readme", Agent: "agent1", TrustScore: 0.9})
	if err != nil || ok {
		t.Fatalf("expected target mismatch to fail the match, got %v err %v", ok, err)
	}

	ok, err = e.Matches(rule, &pdp.Context{Action: "tools/call", Resource: "docs:readme", Agent: "agent2", TrustScore: 0.9})
	if err != nil || ok {
		t.Fatalf("expected assignee mismatch to fail the match, got %v err %v", ok, err)
	}

	ok, err = e.Matches(rule, &pdp.Context{Action: "tools/call", Resource: "docs:readme", Agent: "agent1", TrustScore: 0.1})
	if err != nil || ok {
		t.Fatalf("expected constraint failure to fail the match, got %v err %v", ok, err)
	}
}

func TestProgramForUnknownOperator(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.programFor(pap.Operator("bogus"))
	if err == nil {
		t.Fatalf("expected an error for an unknown operator")
	}
}
