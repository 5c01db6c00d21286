package llmjudge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/canonicalize"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// Judge renders a PERMIT/DENY/INDETERMINATE verdict for a policy whose
// structured rules didn't decide the request, by putting the policy's
// natural-language text and the decision context to an LLM and parsing
// its structured response.
type Judge struct {
	router  *Router
	backoff BackoffPolicy
}

// NewJudge builds a Judge around a Router (or a single Client wrapped via
// NewRouter(client, nil)).
func NewJudge(router *Router) *Judge {
	return &Judge{router: router, backoff: DefaultBackoffPolicy()}
}

// WithBackoff overrides the default retry schedule.
func (j *Judge) WithBackoff(b BackoffPolicy) *Judge {
	j.backoff = b
	return j
}

// judgeResponse is the strict JSON shape requested from the model.
type judgeResponse struct {
	Outcome     string                     `json:"outcome"`
	Reason      string                     `json:"reason"`
	Confidence  float64                    `json:"confidence"`
	Constraints []pap.ConstraintDescriptor `json:"constraints,omitempty"`
	Obligations []pap.ObligationDescriptor `json:"obligations,omitempty"`
}

// Evaluate renders a decision for the given policy against dctx. On total
// failure (every retry exhausted, or the model never produced parseable
// JSON even after a schema-repair reprompt) it returns an INDETERMINATE
// decision rather than an error, so the engine's confidence gate and
// conflict resolution logic can treat it uniformly with any other
// low-confidence outcome; the caller is expected to cache this result
// with a short TTL rather than retry immediately.
func (j *Judge) Evaluate(ctx context.Context, dctx *pdp.Context, policy *pap.Policy) (*pdp.PolicyDecision, error) {
	start := time.Now()
	client := j.router.pick(policy.NLText)
	if client == nil {
		return indeterminate("no LLM client configured", start), nil
	}

	seedKey, err := canonicalize.Hash(map[string]any{"policy": policy.ID, "agent": dctx.Agent, "action": dctx.Action, "resource": dctx.Resource})
	if err != nil {
		seedKey = policy.ID
	}

	messages := buildPrompt(dctx, policy, "")
	var lastErr error
	var resp *Response
	attempts := 0

	for attempt := 0; attempt < j.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := computeBackoff(seedKey, attempt, j.backoff)
			select {
			case <-ctx.Done():
				return indeterminate("context cancelled during retry", start), nil
			case <-time.After(delay):
			}
		}
		attempts++
		resp, lastErr = client.Chat(ctx, messages, &SamplingOptions{Temperature: 0})
		if lastErr == nil {
			break
		}
		if !isTransient(lastErr) {
			return indeterminate(fmt.Sprintf("llm call failed: %v", lastErr), start), nil
		}
	}
	if lastErr != nil {
		d := indeterminate(fmt.Sprintf("llm call exhausted retries: %v", lastErr), start)
		d.Metadata.Attempts = attempts
		return d, nil
	}

	parsed, perr := parseJudgeResponse(resp.Content)
	if perr != nil {
		// One bounded schema-repair reprompt: show the model its own
		// malformed output and the parse error, ask it to fix the shape.
		repairMessages := buildPrompt(dctx, policy, fmt.Sprintf("Your previous response could not be parsed as JSON (%v). Previous response:\n%s\nReturn ONLY the corrected JSON object.", perr, resp.Content))
		resp, lastErr = client.Chat(ctx, repairMessages, &SamplingOptions{Temperature: 0})
		if lastErr != nil {
			return indeterminate(fmt.Sprintf("schema repair call failed: %v", lastErr), start), nil
		}
		parsed, perr = parseJudgeResponse(resp.Content)
		if perr != nil {
			return indeterminate(fmt.Sprintf("model did not produce parseable output after repair: %v", perr), start), nil
		}
	}

	outcome, err := parseOutcome(parsed.Outcome)
	if err != nil {
		return indeterminate(err.Error(), start), nil
	}

	return &pdp.PolicyDecision{
		Outcome:     outcome,
		Reason:      parsed.Reason,
		Confidence:  clampConfidence(parsed.Confidence),
		Constraints: parsed.Constraints,
		Obligations: parsed.Obligations,
		Metadata: pdp.DecisionMetadata{
			PolicyID:         policy.ID,
			PolicyVersion:    policy.Metadata.Version,
			PolicyText:       policy.NLText,
			SelectionReason:  "llm judge",
			Engine:           pdp.EngineLLM,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			ModelIdentifier:  client.ModelIdentifier(),
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			Attempts:         attempts,
		},
	}, nil
}

func parseOutcome(s string) (pdp.Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(pdp.Permit):
		return pdp.Permit, nil
	case string(pdp.Deny):
		return pdp.Deny, nil
	case string(pdp.Indeterminate), "":
		return pdp.Indeterminate, nil
	case string(pdp.NotApplicable):
		return pdp.NotApplicable, nil
	default:
		return pdp.Indeterminate, fmt.Errorf("llmjudge: unrecognized outcome %q", s)
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func indeterminate(reason string, start time.Time) *pdp.PolicyDecision {
	return &pdp.PolicyDecision{
		Outcome:    pdp.Indeterminate,
		Reason:     reason,
		Confidence: 0,
		Metadata: pdp.DecisionMetadata{
			Engine:           pdp.EngineLLM,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		},
	}
}

// parseJudgeResponse extracts the JSON object from the model's content,
// tolerating surrounding prose or a fenced code block, which real LLMs
// produce often enough that a strict json.Unmarshal on the raw content
// would fail too frequently to be useful.
func parseJudgeResponse(content string) (*judgeResponse, error) {
	text := strings.TrimSpace(content)
	if fenced := extractFencedJSON(text); fenced != "" {
		text = fenced
	} else if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			text = text[start : end+1]
		}
	}

	var resp judgeResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("llmjudge: decode response: %w", err)
	}
	return &resp, nil
}

func extractFencedJSON(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start < 0 {
		return ""
	}
	rest := text[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "JSON")
	end := strings.Index(rest, fence)
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

func buildPrompt(dctx *pdp.Context, policy *pap.Policy, repairNote string) []Message {
	ctxJSON, _ := json.MarshalIndent(dctx, "", "  ")
	system := Message{
		Role: "system",
		Content: "You are a policy decision judge for an MCP access-control proxy. " +
			"Given a natural-language policy and a request context, decide PERMIT, DENY, " +
			"INDETERMINATE or NOT_APPLICABLE. Respond with ONLY a JSON object matching: " +
			`{"outcome":"PERMIT|DENY|INDETERMINATE|NOT_APPLICABLE","reason":"string",` +
			`"confidence":0.0-1.0,"constraints":[{"kind":"string","parameters":{}}],` +
			`"obligations":[{"kind":"string","critical":bool,"async":bool,"parameters":{}}]}. ` +
			"If the policy text does not speak to this request at all, use NOT_APPLICABLE.",
	}
	user := Message{
		Role: "user",
		Content: fmt.Sprintf("Policy %q:\n%s\n\nRequest context:\n%s", policy.Name, policy.NLText, string(ctxJSON)),
	}
	messages := []Message{system, user}
	if repairNote != "" {
		messages = append(messages, Message{Role: "user", Content: repairNote})
	}
	return messages
}
