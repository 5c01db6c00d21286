// Package llmjudge implements the LLM judge pass: when the
// structured rule pass over a policy's Rules leaves its outcome
// undecided (no permission/prohibition matched, or the policy carries no
// structured rules at all), the policy's natural-language text is put to
// an LLM with the decision context and asked to render a verdict.
//
// Grounded on the teacher's pkg/llm/client.go (Client interface, Message,
// Response shapes) and pkg/llm/router.go (heuristic fast/smart routing),
// plus pkg/kernel/retry/backoff.go for the deterministic-jitter retry
// schedule, adapted to the specification's transient-error-only retry
// policy and bounded-attempt schema repair.
package llmjudge

import (
	"context"
	"strings"
)

// Message is one turn in the conversation sent to the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingOptions tunes the LLM call. Judge calls always pass Temperature
// 0 for determinism; the field exists so a Client implementation that
// wants to honor it can.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	Seed        int64   `json:"seed"`
}

// Response is what a Client returns for a single judge call.
type Response struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// Client is the abstraction over an LLM provider. Production
// implementations wrap a provider SDK; tests supply a scripted stub.
type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
	ModelIdentifier() string
}

// Router picks between a fast and a smart Client the way the teacher's
// llm.Router does: policies whose natural-language body looks like it
// needs deeper reasoning (longer text, or language suggesting
// multi-step judgment) are routed to the smart client.
type Router struct {
	fast  Client
	smart Client
}

// NewRouter builds a router. smart may be nil to always use fast, or
// fast may be nil to always use smart.
func NewRouter(fast, smart Client) *Router {
	return &Router{fast: fast, smart: smart}
}

func (r *Router) pick(nlText string) Client {
	if r.smart == nil {
		return r.fast
	}
	if r.fast == nil {
		return r.smart
	}
	if isComplex(nlText) {
		return r.smart
	}
	return r.fast
}

var complexityKeywords = []string{
	"unless", "except", "depending on", "in combination with", "provided that",
	"conflicts with", "overrides", "in the context of",
}

func isComplex(text string) bool {
	if len(text) > 300 {
		return true
	}
	lower := strings.ToLower(text)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
