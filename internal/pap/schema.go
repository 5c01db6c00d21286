package pap

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// obligationSchemas holds the structural shape each built-in obligation
// kind expects its Parameters to take, so a malformed duty is rejected by
// Policy.Validate (on Create, Update and Activate) rather than failing
// silently at enforcement time.
// Unrecognized kinds (a deployment's own extension) are left unchecked.
var obligationSchemas = map[string]string{
	"audit_log": `{"type":"object","properties":{"detail":{"type":"string"}}}`,
	"notify":    `{"type":"object","properties":{"channel":{"type":"string"},"message":{"type":"string"}}}`,
	"lifecycle": `{"type":"object","required":["action"],"properties":{"action":{"type":"string"},"afterHours":{"type":"number"}}}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
)

func compiledObligationSchemas() map[string]*jsonschema.Schema {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(obligationSchemas))
		for kind, body := range obligationSchemas {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("mem://aegis/pap/obligations/%s.schema.json", kind)
			if err := c.AddResource(url, strings.NewReader(body)); err != nil {
				continue
			}
			schema, err := c.Compile(url)
			if err != nil {
				continue
			}
			compiled[kind] = schema
		}
	})
	return compiled
}

// validateDescriptors checks every duty attached to the policy's rules
// against its kind's structural schema, mirroring the teacher's
// pkg/firewall.PolicyFirewall per-name schema validation but applied to
// policy bodies instead of tool-call arguments.
func validateDescriptors(rules *RuleSet) error {
	if rules == nil {
		return nil
	}
	schemas := compiledObligationSchemas()
	for _, group := range [][]Rule{rules.Permissions, rules.Prohibitions, rules.Obligations} {
		for _, rule := range group {
			for _, duty := range rule.Duties {
				kind := duty.Kind
				if idx := strings.Index(kind, ":"); idx >= 0 {
					kind = kind[:idx]
				}
				schema, ok := schemas[kind]
				if !ok {
					continue
				}
				params := duty.Parameters
				if params == nil {
					params = map[string]any{}
				}
				if err := schema.Validate(params); err != nil {
					return fmt.Errorf("pap: obligation %q parameters invalid: %w", duty.Kind, err)
				}
			}
		}
	}
	return nil
}
