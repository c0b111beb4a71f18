package execution

import (
	"fmt"
	"strconv"
	"strings"
)

// InputSpec declares an agent input.
type InputSpec struct {
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

// CoerceInputs fills defaults and converts string values to the declared
// input types. Lists are split on commas; blank items are dropped.
func CoerceInputs(values map[string]any, specs map[string]InputSpec) (map[string]any, error) {
	out := make(map[string]any, len(values)+len(specs))
	for k, v := range values {
		out[k] = v
	}
	for key, spec := range specs {
		v, ok := out[key]
		if (!ok || v == nil || v == "") && spec.Default != nil {
			out[key] = spec.Default
			v = spec.Default
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		switch strings.ToLower(spec.Type) {
		case "list", "array", "array<string>":
			items := []string{}
			for _, item := range strings.Split(s, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			out[key] = items
		case "int", "integer":
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("input %s: %q is not an integer", key, s)
			}
			out[key] = n
		case "float", "number":
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("input %s: %q is not a number", key, s)
			}
			out[key] = f
		}
	}
	return out, nil
}
