package config

import "testing"

func TestLoadAppliesDefaultsWithNoEnvironment(t *testing.T) {
	c := Load()
	if c.LLMProvider != "openai" {
		t.Fatalf("expected default LLM provider openai, got %q", c.LLMProvider)
	}
	if c.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", c.Port)
	}
	if c.ConflictStrategy != ConflictPriority {
		t.Fatalf("expected default conflict strategy priority, got %q", c.ConflictStrategy)
	}
	if c.CacheL1Size != defaultCacheL1Size {
		t.Fatalf("expected default cache L1 size %d, got %d", defaultCacheL1Size, c.CacheL1Size)
	}
	if !c.CacheEnabled {
		t.Fatalf("expected cache enabled by default")
	}
	if c.StdioMode {
		t.Fatalf("expected stdio mode disabled by default")
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("PORT", "9090")
	t.Setenv("CONFLICT_STRATEGY", "strict")
	t.Setenv("CACHE_L1_SIZE", "42")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.95")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("STDIO_MODE", "true")

	c := Load()
	if c.LLMProvider != "anthropic" {
		t.Fatalf("expected overridden LLM provider anthropic, got %q", c.LLMProvider)
	}
	if c.Port != "9090" {
		t.Fatalf("expected overridden port 9090, got %q", c.Port)
	}
	if c.ConflictStrategy != ConflictStrict {
		t.Fatalf("expected overridden conflict strategy strict, got %q", c.ConflictStrategy)
	}
	if c.CacheL1Size != 42 {
		t.Fatalf("expected overridden cache L1 size 42, got %d", c.CacheL1Size)
	}
	if c.ConfidenceThreshold != 0.95 {
		t.Fatalf("expected overridden confidence threshold 0.95, got %f", c.ConfidenceThreshold)
	}
	if c.CacheEnabled {
		t.Fatalf("expected cache disabled via CACHE_ENABLED=false")
	}
	if !c.StdioMode {
		t.Fatalf("expected stdio mode enabled via STDIO_MODE=true")
	}
}

func TestGetenvIntFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv("DECISION_TIMEOUT_MS", "not-a-number")
	c := Load()
	if c.DecisionTimeoutMs != defaultDecisionMs {
		t.Fatalf("expected fallback to default decision timeout, got %d", c.DecisionTimeoutMs)
	}
}

func TestGetenvBoolAcceptsNumericOne(t *testing.T) {
	t.Setenv("CACHE_ENABLED", "1")
	c := Load()
	if !c.CacheEnabled {
		t.Fatalf("expected CACHE_ENABLED=1 to enable the cache")
	}
}
