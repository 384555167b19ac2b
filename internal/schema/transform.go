// Package schema turns upstream tool definitions into the caller-facing form and
// validates caller arguments against the result.
package schema

import (
	"github.com/workato-devs/dewy-resort-sub000/internal/config"
)

// GatewayAnnotation is appended to the description of every proxied tool.
const GatewayAnnotation = "Idempotency is managed by the gateway. The response carries an " +
	"idempotency token; resubmit the call with that token to fetch the outcome of the " +
	"same operation or retry it after a failure without executing it twice."

// Transform derives the exposed definition for a proxied tool. It never mutates def.
// Injected parameters missing from the upstream schema are ignored.
func Transform(def ToolDefinition, rule config.ToolProxyRule) ExposedDefinition {
	out := ExposedDefinition{
		Name:        rule.ExposedToolName,
		Description: annotate(def.Description),
		InputSchema: deepCopyMap(def.InputSchema),
	}
	if out.InputSchema == nil {
		out.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	StripParameters(out.InputSchema, rule.InjectedParameters)
	return out
}

// Expose returns the caller-facing form of an upstream tool forwarded unmodified.
func Expose(def ToolDefinition) ExposedDefinition {
	in := deepCopyMap(def.InputSchema)
	if in == nil {
		in = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return ExposedDefinition{Name: def.Name, Description: def.Description, InputSchema: in}
}

// StripParameters removes names from the top-level properties and required list of s in place.
func StripParameters(s map[string]any, names []string) {
	if len(names) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}

	if props, ok := s["properties"].(map[string]any); ok {
		for n := range drop {
			delete(props, n)
		}
	}

	var kept []any
	switch req := s["required"].(type) {
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				if _, skip := drop[name]; skip {
					continue
				}
			}
			kept = append(kept, r)
		}
	case []string:
		for _, name := range req {
			if _, skip := drop[name]; !skip {
				kept = append(kept, name)
			}
		}
	default:
		return
	}
	if len(kept) == 0 {
		delete(s, "required")
		return
	}
	s["required"] = kept
}

func annotate(desc string) string {
	if desc == "" {
		return GatewayAnnotation
	}
	return desc + "\n\n" + GatewayAnnotation
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	}
	return v
}
