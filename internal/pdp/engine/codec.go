package engine

import (
	"encoding/json"

	"github.com/Shin0205go/Aegis-sub002/internal/canonicalize"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

func canonicalMarshal(d *pdp.PolicyDecision) ([]byte, error) {
	return json.Marshal(d)
}

func canonicalUnmarshal(data []byte) (any, error) {
	var d pdp.PolicyDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// canonicalKey produces the deduplication key for a constraint or
// obligation descriptor: (kind, parameters), canonicalized so map
// ordering in Parameters doesn't affect identity.
func canonicalKey(v any) (string, error) {
	return canonicalize.Hash(v)
}
