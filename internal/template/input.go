package template

import (
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
	"gopkg.in/yaml.v3"
)

// StepsKey is the context key under which step results are accumulated.
const StepsKey = "steps"

// ProjectInput builds the adapter input for step from the run context.
// An empty mapping passes the whole context. Paths that do not resolve are
// left out of the input.
func ProjectInput(step domain.Step, runCtx domain.Metadata) domain.Metadata {
	if len(step.InputMapping) == 0 {
		out := runCtx.Clone()
		delete(out, StepsKey)
		return out
	}

	out := make(domain.Metadata, len(step.InputMapping))
	for key, expr := range step.InputMapping {
		if value, ok := resolve(strings.TrimSpace(expr), runCtx); ok {
			out[key] = value
		}
	}
	return out.Clone()
}

func resolve(expr string, runCtx domain.Metadata) (any, bool) {
	switch {
	case strings.HasPrefix(expr, "="):
		return literal(strings.TrimPrefix(expr, "="))
	case expr == "context":
		return map[string]any(runCtx.Clone()), true
	case strings.HasPrefix(expr, "context."):
		return runCtx.Lookup(strings.TrimPrefix(expr, "context."))
	case strings.HasPrefix(expr, "steps."):
		return runCtx.Lookup(expr)
	default:
		return nil, false
	}
}

// literal decodes a scalar with YAML typing so "=5" yields an int and
// "=true" a bool.
func literal(raw string) (any, bool) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw, true
	}
	if v == nil {
		return raw, true
	}
	return v, true
}
