package pap

import "testing"

func TestConvertExtractsTimeWindowAndTrustScore(t *testing.T) {
	c := NewConverter()
	result := c.Convert("Agents may read records between 09:00 and 17:00 if trust score >= 0.8")

	if result.Rules == nil {
		t.Fatalf("expected rules to be extracted")
	}
	if len(result.Rules.Permissions) != 2 {
		t.Fatalf("expected 2 permission rules, got %d", len(result.Rules.Permissions))
	}
	wantPatterns := map[string]bool{"time_window": true, "trust_score_threshold": true}
	for _, p := range result.MatchedPatterns {
		if !wantPatterns[p] {
			t.Fatalf("unexpected matched pattern %q", p)
		}
		delete(wantPatterns, p)
	}
	if len(wantPatterns) != 0 {
		t.Fatalf("expected patterns not matched: %v", wantPatterns)
	}
}

func TestConvertRoutesDenyLanguageToProhibitions(t *testing.T) {
	c := NewConverter()
	result := c.Convert("Agents of type contractor are denied access to confidential data")

	if result.Rules == nil || len(result.Rules.Prohibitions) == 0 {
		t.Fatalf("expected deny-language text to produce prohibitions, got %+v", result.Rules)
	}
	if len(result.Rules.Permissions) != 0 {
		t.Fatalf("expected no permissions for deny-language text, got %+v", result.Rules.Permissions)
	}
}

func TestConvertReturnsZeroConfidenceForUnmatchedText(t *testing.T) {
	c := NewConverter()
	result := c.Convert("This text matches none of the recognized clause shapes.")
	if result.Rules != nil {
		t.Fatalf("expected nil rules for unmatched text, got %+v", result.Rules)
	}
	if result.Confidence != 0 {
		t.Fatalf("expected zero confidence, got %f", result.Confidence)
	}
}

func TestConvertConfidenceIsFractionOfPatternsConsidered(t *testing.T) {
	c := NewConverter()
	result := c.Convert("Emergency override is permitted for delegation depth at most 2")
	if len(result.MatchedPatterns) != 2 {
		t.Fatalf("expected 2 matched patterns, got %d", len(result.MatchedPatterns))
	}
	wantConfidence := 2.0 / float64(len(c.patterns))
	if result.Confidence != wantConfidence {
		t.Fatalf("expected confidence %f, got %f", wantConfidence, result.Confidence)
	}
}
