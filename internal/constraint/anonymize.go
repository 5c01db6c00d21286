package constraint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Anonymizer implements the "anonymize" constraint kind: it walks a
// payload (expected to be the JSON-decoded shape of tool call
// arguments or a tool result) and masks, tokenizes, or hashes matching
// field values, returning a transformed copy of the payload.
//
// Parameters:
//   fields        []string  field names to target (case-insensitive, exact match)
//   mode          string    "mask" | "tokenize" | "hash" (default "mask")
//   autoDetectPII bool      also transform values that look like PII regardless of field name
type Anonymizer struct{}

func NewAnonymizer() *Anonymizer { return &Anonymizer{} }

func (*Anonymizer) Kind() string { return "anonymize" }

var autoPIIPattern = regexp.MustCompile(`(?i)^[\w.+-]+@[\w-]+\.[\w.-]+$|^\d{3}-\d{2}-\d{4}$|^\d{13,16}$`)

func (a *Anonymizer) Process(req *Request, params map[string]any) (any, error) {
	fields := stringSet(params["fields"])
	mode := "mask"
	if m, ok := params["mode"].(string); ok && m != "" {
		mode = m
	}
	autoDetect, _ := params["autoDetectPII"].(bool)

	return a.walk(req.Payload, fields, mode, autoDetect), nil
}

func (a *Anonymizer) walk(v any, fields map[string]bool, mode string, autoDetect bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if fields[strings.ToLower(k)] {
				out[k] = transform(fmt.Sprint(child), mode)
				continue
			}
			out[k] = a.walk(child, fields, mode, autoDetect)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = a.walk(child, fields, mode, autoDetect)
		}
		return out
	case string:
		if autoDetect && autoPIIPattern.MatchString(val) {
			return transform(val, mode)
		}
		return val
	default:
		return v
	}
}

func transform(s, mode string) string {
	switch mode {
	case "tokenize":
		return "TOK_" + hashHex(s)[:8]
	case "hash":
		return hashHex(s)
	default: // mask
		if len(s) <= 2 {
			return strings.Repeat("*", len(s))
		}
		return string(s[0]) + strings.Repeat("*", len(s)-2) + string(s[len(s)-1])
	}
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func stringSet(v any) map[string]bool {
	out := make(map[string]bool)
	items, ok := v.([]any)
	if !ok {
		if strs, ok := v.([]string); ok {
			for _, s := range strs {
				out[strings.ToLower(s)] = true
			}
		}
		return out
	}
	for _, item := range items {
		if s, ok := item.(string); ok {
			out[strings.ToLower(s)] = true
		}
	}
	return out
}
