package pap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConversionResult is the outcome of attempting to extract structured rules
// from a natural-language policy body.
type ConversionResult struct {
	Rules            *RuleSet
	Confidence       float64
	MatchedPatterns  []string
}

// patternExtractor tries to recognize one shape of natural-language policy
// clause and contribute a rule (or rule fragment) to the result. Each
// extractor is independent; a policy may trigger several.
type patternExtractor struct {
	name    string
	regex   *regexp.Regexp
	extract func(text string, match []string) Rule
}

// Converter attempts natural-language -> structured rule extraction using
// an ordered pattern library. The natural-language source is always
// preserved alongside whatever structure is extracted, so a policy that
// only partially converts still carries its original wording.
type Converter struct {
	patterns []patternExtractor
}

// NewConverter builds the standard pattern library: time windows,
// trust-score thresholds, agent-type inclusion/exclusion, resource
// classification, emergency override, and delegation depth.
func NewConverter() *Converter {
	return &Converter{
		patterns: []patternExtractor{
			{
				name:  "time_window",
				regex: regexp.MustCompile(`(?i)(?:between|from)\s+(\d{1,2}:\d{2})\s*(?:and|to|-)\s*(\d{1,2}:\d{2})`),
				extract: func(_ string, m []string) Rule {
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand: "timeOfDay",
							Operator:    OpIn,
							RightOperand: []string{m[1], m[2]},
						}},
					}
				},
			},
			{
				name:  "trust_score_threshold",
				regex: regexp.MustCompile(`(?i)trust\s*score\s*(?:>=|at least|of at least|≥)\s*(0?\.\d+|1(?:\.0)?)`),
				extract: func(_ string, m []string) Rule {
					v, _ := strconv.ParseFloat(m[1], 64)
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand:  "trustScore",
							Operator:     OpGtEq,
							RightOperand: v,
						}},
					}
				},
			},
			{
				name:  "agent_type_inclusion",
				regex: regexp.MustCompile(`(?i)agents? of type\s+([a-zA-Z0-9_,\s]+?)(?:\s+(?:are|is)\s+(allowed|permitted|denied|prohibited))`),
				extract: func(_ string, m []string) Rule {
					types := splitList(m[1])
					op := OpIsAnyOf
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand:  "agentType",
							Operator:     op,
							RightOperand: types,
						}},
					}
				},
			},
			{
				name:  "resource_classification",
				regex: regexp.MustCompile(`(?i)(public|internal|confidential|restricted)\s+(?:data|resources?)`),
				extract: func(_ string, m []string) Rule {
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand:  "resourceClassification",
							Operator:     OpEq,
							RightOperand: strings.ToLower(m[1]),
						}},
					}
				},
			},
			{
				name:  "emergency_override",
				regex: regexp.MustCompile(`(?i)emergency (?:override|access|exception)`),
				extract: func(_ string, _ []string) Rule {
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand:  "emergencyFlag",
							Operator:     OpEq,
							RightOperand: true,
						}},
					}
				},
			},
			{
				name:  "delegation_depth",
				regex: regexp.MustCompile(`(?i)delegation depth (?:of )?(?:at most|<=|≤)\s*(\d+)`),
				extract: func(_ string, m []string) Rule {
					v, _ := strconv.Atoi(m[1])
					return Rule{
						Action: "*",
						Constraint: &Constraint{Atomic: &AtomicConstraint{
							LeftOperand:  "delegationDepth",
							Operator:     OpLtEq,
							RightOperand: v,
						}},
					}
				},
			},
		},
	}
}

// Convert extracts a best-effort structured rule set from nlText. The NL
// source itself is the caller's responsibility to retain (Policy.NLText);
// Convert only returns what it could extract, plus a confidence score
// equal to matched-patterns / total-patterns-considered and the list of
// which patterns fired.
func (c *Converter) Convert(nlText string) ConversionResult {
	var permissions []Rule
	var matched []string

	denyHint := regexp.MustCompile(`(?i)\b(denied|prohibited|not allowed|forbidden)\b`).MatchString(nlText)

	for _, p := range c.patterns {
		m := p.regex.FindStringSubmatch(nlText)
		if m == nil {
			continue
		}
		rule := p.extract(nlText, m)
		permissions = append(permissions, rule)
		matched = append(matched, p.name)
	}

	if len(permissions) == 0 {
		return ConversionResult{Rules: nil, Confidence: 0, MatchedPatterns: nil}
	}

	rs := &RuleSet{}
	if denyHint {
		rs.Prohibitions = permissions
	} else {
		rs.Permissions = permissions
	}

	return ConversionResult{
		Rules:           rs,
		Confidence:      float64(len(matched)) / float64(len(c.patterns)),
		MatchedPatterns: matched,
	}
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p != "" && p != "and" && p != "or" {
			out = append(out, p)
		}
	}
	return out
}

// Describe renders a short human summary of the conversion result, used in
// administrative tooling output (outside the core's scope but handy for
// doctor/diagnostic commands).
func (r ConversionResult) Describe() string {
	if r.Rules == nil {
		return "no structured rules extracted"
	}
	return fmt.Sprintf("extracted %d rule(s) via patterns %v (confidence %.2f)",
		len(r.Rules.Permissions)+len(r.Rules.Prohibitions), r.MatchedPatterns, r.Confidence)
}
