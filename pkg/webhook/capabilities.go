package webhook

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// zipQuery pairs two equal-length JSON arrays into a key/value object.
// Service-provider-registry and piece-added payloads both carry their
// extra attributes as parallel "keys"/"values" arrays rather than a
// single object (§4.2's "capabilityKeys"/"capabilityValues", "pieceCID"
// key/value pairs); this is the one shape every such payload shares, so
// it is expressed once as a jq program instead of being hand-rolled per
// handler.
var zipQuery = mustParse(`[.[0], .[1]] | transpose | map({(.[0]|tostring): .[1]}) | add // {}`)

func mustParse(q string) *gojq.Query {
	parsed, err := gojq.Parse(q)
	if err != nil {
		panic(fmt.Sprintf("webhook: invalid jq program %q: %v", q, err))
	}
	return parsed
}

// zipCapabilities turns parallel keys/values arrays into a map, using
// gojq the same way the rest of the system expresses ad-hoc JSON
// reshaping.
func zipCapabilities(keys, values []string) (map[string]string, error) {
	input := []interface{}{
		toInterfaceSlice(keys),
		toInterfaceSlice(values),
	}
	iter := zipQuery.Run(input)
	v, ok := iter.Next()
	if !ok {
		return map[string]string{}, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("running capability zip query: %w", err)
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
