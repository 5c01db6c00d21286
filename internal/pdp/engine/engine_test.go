package engine

import (
	"context"
	"testing"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/llmjudge"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/rules"
)

func mustEvaluator(t *testing.T) *rules.Evaluator {
	t.Helper()
	ev, err := rules.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return ev
}

func timeWindowPolicy() *pap.Policy {
	return &pap.Policy{
		ID:   "p-time",
		Name: "business hours access",
		Rules: &pap.RuleSet{
			Permissions: []pap.Rule{{
				Action: "*",
				Constraint: &pap.Constraint{Atomic: &pap.AtomicConstraint{
					LeftOperand:  "timeOfDay",
					Operator:     pap.OpIn,
					RightOperand: []string{"09:00", "18:00"},
				}},
			}},
		},
		Metadata: pap.Metadata{Version: "1.0.0", Priority: 1, Status: pap.StatusActive},
	}
}

func TestScenario1_TimeWindowPermitAndDeny(t *testing.T) {
	e := New(mustEvaluator(t), nil, nil)
	policy := timeWindowPolicy()

	morning := &pdp.Context{Agent: "a1", Action: "tools/call", Resource: "r1", Timestamp: mustTime(t, "2026-07-31T10:00:00Z")}
	d, err := e.Decide(context.Background(), morning, []*pap.Policy{policy})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != pdp.Permit || d.Metadata.Engine != pdp.EngineStructured || d.Confidence != 1.0 {
		t.Fatalf("expected PERMIT/structured/1.0, got %+v", d)
	}
	if len(d.Constraints) != 0 || len(d.Obligations) != 0 {
		t.Fatalf("expected no constraints/obligations, got %+v", d)
	}

	evening := &pdp.Context{Agent: "a1", Action: "tools/call", Resource: "r1", Timestamp: mustTime(t, "2026-07-31T20:00:00Z")}
	d2, err := e.Decide(context.Background(), evening, []*pap.Policy{policy})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d2.Outcome != pdp.Deny {
		t.Fatalf("expected DENY outside business hours, got %+v", d2)
	}
}

func TestScenario2_StructuredBeatsLLM(t *testing.T) {
	policy := &pap.Policy{
		ID:   "p-hybrid",
		Name: "research hours",
		NLText: "Deny access to unknown agent types under any circumstance.",
		Rules: &pap.RuleSet{
			Permissions: []pap.Rule{{
				Action: "*",
				Constraint: &pap.Constraint{
					Logical: pap.LogicalAnd,
					Children: []pap.Constraint{
						{Atomic: &pap.AtomicConstraint{LeftOperand: "trustScore", Operator: pap.OpGtEq, RightOperand: 0.5}},
						{Atomic: &pap.AtomicConstraint{LeftOperand: "timeOfDay", Operator: pap.OpIn, RightOperand: []string{"09:00", "18:00"}}},
					},
				},
			}},
		},
		Metadata: pap.Metadata{Version: "1.0.0", Priority: 1, Status: pap.StatusActive},
	}

	judge := llmjudge.NewJudge(llmjudge.NewRouter(&denyAllClient{}, nil))
	e := New(mustEvaluator(t), judge, nil)

	ctx := &pdp.Context{
		Agent: "unknown-agent", Action: "tools/call", Resource: "r1",
		AgentType: "unknown", TrustScore: 0.6,
		Timestamp: mustTime(t, "2026-07-31T10:00:00Z"),
	}
	d, err := e.Decide(context.Background(), ctx, []*pap.Policy{policy})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Outcome != pdp.Permit || d.Metadata.Engine != pdp.EngineStructured {
		t.Fatalf("expected structured PERMIT without consulting the LLM, got %+v", d)
	}
}

// denyAllClient would deny any request if ever invoked; TestScenario2
// getting a structured PERMIT back shows the LLM pass was skipped.
type denyAllClient struct{ called bool }

func (c *denyAllClient) Chat(_ context.Context, _ []llmjudge.Message, _ *llmjudge.SamplingOptions) (*llmjudge.Response, error) {
	c.called = true
	return &llmjudge.Response{Content: `{"outcome":"DENY","reason":"unknown agent","confidence":1.0}`}, nil
}
func (c *denyAllClient) ModelIdentifier() string { return "deny-all-stub" }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return tm
}
