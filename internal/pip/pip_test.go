package pip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

func TestTimeEnricherBusinessHours(t *testing.T) {
	e := NewTimeEnricher(time.UTC)
	morning := &pdp.Context{Timestamp: mustParse(t, "2026-07-31T10:00:00Z")} // Friday
	attrs, err := e.Enrich(context.Background(), morning)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs["isBusinessHours"] != true || attrs["isWeekend"] != false {
		t.Fatalf("expected business hours on a weekday morning, got %+v", attrs)
	}

	weekend := &pdp.Context{Timestamp: mustParse(t, "2026-08-01T10:00:00Z")} // Saturday
	attrs2, err := e.Enrich(context.Background(), weekend)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs2["isWeekend"] != true || attrs2["isBusinessHours"] != false {
		t.Fatalf("expected weekend to not be business hours, got %+v", attrs2)
	}
}

func TestAgentEnricherUnknownAgentIsConservative(t *testing.T) {
	e := NewAgentEnricher(NewStaticAgentDirectory(nil))
	attrs, err := e.Enrich(context.Background(), &pdp.Context{Agent: "ghost"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs["trustScore"] != 0.0 || attrs["isExternal"] != true {
		t.Fatalf("expected conservative defaults for unknown agent, got %+v", attrs)
	}
}

func TestAgentEnricherKnownAgentComputesTrust(t *testing.T) {
	now := mustParse(t, "2026-07-31T10:00:00Z")
	dir := NewStaticAgentDirectory(map[string]*AgentProfile{
		"a1": {Department: "eng", ClearanceLevel: "L2", SuccessRate: 0.95, ViolationCount: 1, CreatedAt: now.AddDate(0, 0, -30), LastActiveAt: now.AddDate(0, 0, -1)},
	})
	e := NewAgentEnricher(dir)
	attrs, err := e.Enrich(context.Background(), &pdp.Context{Agent: "a1", Timestamp: now})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs["trustScore"].(float64) <= 0 || attrs["ageDays"] != 30 {
		t.Fatalf("expected computed trust and age, got %+v", attrs)
	}
}

func TestResourceEnricherDetectsPIIFromURI(t *testing.T) {
	e := NewResourceEnricher(NewStaticResourceDirectory(nil))
	attrs, err := e.Enrich(context.Background(), &pdp.Context{Resource: "db://customers/ssn"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs["isPII"] != true {
		t.Fatalf("expected isPII=true for ssn resource, got %+v", attrs)
	}
}

func TestSecurityEnricherFlagsUnusualActivity(t *testing.T) {
	e := NewSecurityEnricher(NoGeoLookup{}, constantFailures(5))
	attrs, err := e.Enrich(context.Background(), &pdp.Context{Agent: "a1", IP: "1.2.3.4"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if attrs["unusualActivity"] != true || attrs["threatLevel"] != "high" {
		t.Fatalf("expected high threat with 5 recent failures, got %+v", attrs)
	}
}

func TestRegistryEnrichMergesAndSwallowsFailures(t *testing.T) {
	reg := NewRegistry(time.Second,
		NewTimeEnricher(time.UTC),
		failingEnricher{},
	)
	base := &pdp.Context{Agent: "a1", Timestamp: mustParse(t, "2026-07-31T10:00:00Z")}
	enriched := reg.Enrich(context.Background(), base)

	if enriched.Extensions["isBusinessHours"] != true {
		t.Fatalf("expected time enricher output merged, got %+v", enriched.Extensions)
	}
	if enriched.Extensions["time.hour"] != 10 {
		t.Fatalf("expected namespaced attribute present, got %+v", enriched.Extensions)
	}
	if _, present := enriched.Extensions["boom"]; present {
		t.Fatalf("failing enricher should not contribute attributes")
	}
	if _, present := base.Extensions["isBusinessHours"]; present {
		t.Fatalf("Enrich must not mutate the base context")
	}
}

func TestRegistryEnrichRespectsPerEnricherDeadline(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, slowEnricher{})
	base := &pdp.Context{Agent: "a1", Timestamp: mustParse(t, "2026-07-31T10:00:00Z")}
	enriched := reg.Enrich(context.Background(), base)
	if _, present := enriched.Extensions["slow"]; present {
		t.Fatalf("slow enricher should have missed its deadline and been swallowed")
	}
}

type failingEnricher struct{}

func (failingEnricher) Name() string { return "failing" }
func (failingEnricher) Enrich(context.Context, *pdp.Context) (map[string]any, error) {
	return nil, errors.New("boom")
}

type slowEnricher struct{}

func (slowEnricher) Name() string { return "slow" }
func (slowEnricher) Enrich(ctx context.Context, _ *pdp.Context) (map[string]any, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return map[string]any{"slow": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type constantFailuresStore int

func (c constantFailuresStore) RecentFailures(context.Context, string, time.Duration) (int, error) {
	return int(c), nil
}

func constantFailures(n int) FailedAttemptsStore { return constantFailuresStore(n) }

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return tm
}
