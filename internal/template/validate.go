package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

// ValidationError aggregates template validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "template validation failed"
	}
	return "template validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// Validate checks the structural invariants of a template: unique step ids,
// every transition resolving to a step or TERMINAL, and sane retry settings.
func Validate(tpl domain.Template) error {
	issues := &ValidationError{}

	if tpl.ID == "" {
		issues.Add("id is required")
	}
	if tpl.Version < 1 {
		issues.Add("version must be >= 1")
	}
	if tpl.RevisitLimit < 0 {
		issues.Add("revisitLimit must be >= 0")
	}
	validateRetry(tpl.RetryPolicy, "retryPolicy", issues)

	if len(tpl.Steps) == 0 {
		issues.Add("steps must be non-empty")
		return issues.OrNil()
	}

	steps := make(map[string]struct{}, len(tpl.Steps))
	for i, step := range tpl.Steps {
		switch {
		case step.ID == "":
			issues.Add(fmt.Sprintf("steps[%d].id is required", i))
			continue
		case step.ID == domain.Terminal:
			issues.Add(fmt.Sprintf("steps[%d].id must not be %s", i, domain.Terminal))
		case strings.ContainsAny(step.ID, ": "):
			issues.Add(fmt.Sprintf("steps[%d].id %q must not contain ':' or spaces", i, step.ID))
		}
		if _, dup := steps[step.ID]; dup {
			issues.Add(fmt.Sprintf("duplicate step id %q", step.ID))
		}
		steps[step.ID] = struct{}{}
	}

	for _, step := range tpl.Steps {
		prefix := fmt.Sprintf("step[%s]", step.ID)
		validateRetry(step.RetryPolicy, prefix+".retryPolicy", issues)
		if step.Timeout < 0 {
			issues.Add(prefix + ".timeout must be >= 0")
		}
		if step.Human.Approvals < 0 {
			issues.Add(prefix + ".human.approvals must be >= 0")
		}
		if step.Human.TTL < 0 {
			issues.Add(prefix + ".human.ttl must be >= 0")
		}
		for key, expr := range step.InputMapping {
			if err := validateExpr(expr, steps); err != nil {
				issues.Add(fmt.Sprintf("%s.inputMapping[%s]: %v", prefix, key, err))
			}
		}
	}
	if tpl.Steps[0].Join {
		issues.Add(fmt.Sprintf("first step %q must not be a join", tpl.Steps[0].ID))
	}

	keys := make([]string, 0, len(tpl.Transitions))
	for key := range tpl.Transitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		stepID, outcome, err := domain.SplitTransitionKey(key)
		if err != nil {
			issues.Add(err.Error())
			continue
		}
		if _, ok := steps[stepID]; !ok {
			issues.Add(fmt.Sprintf("transition %q: unknown step %q", key, stepID))
		}
		if !outcome.Valid() {
			issues.Add(fmt.Sprintf("transition %q: unknown outcome %q", key, outcome))
		}
		targets := tpl.Transitions[key]
		if len(targets) == 0 {
			issues.Add(fmt.Sprintf("transition %q: at least one target is required", key))
		}
		for _, target := range targets {
			if target == domain.Terminal {
				if len(targets) > 1 {
					issues.Add(fmt.Sprintf("transition %q: %s cannot be part of a fan-out", key, domain.Terminal))
				}
				continue
			}
			if _, ok := steps[target]; !ok {
				issues.Add(fmt.Sprintf("transition %q: target %q is not a step or %s", key, target, domain.Terminal))
			}
		}
	}

	return issues.OrNil()
}

func validateRetry(p *domain.RetryPolicy, prefix string, issues *ValidationError) {
	if p.IsZero() {
		return
	}
	if p.MaxAttempts < 0 {
		issues.Add(prefix + ".maxAttempts must be >= 0")
	}
	if p.Base < 0 || p.MaxDelay < 0 {
		issues.Add(prefix + " delays must be >= 0")
	}
	if p.Base > 0 && p.MaxDelay > 0 && p.MaxDelay < p.Base {
		issues.Add(prefix + ".maxDelay must be >= base")
	}
}

func validateExpr(expr string, steps map[string]struct{}) error {
	expr = strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(expr, "="):
		return nil
	case expr == "context" || strings.HasPrefix(expr, "context."):
		return nil
	case strings.HasPrefix(expr, "steps."):
		rest := strings.TrimPrefix(expr, "steps.")
		stepID, _, _ := strings.Cut(rest, ".")
		if _, ok := steps[stepID]; !ok {
			return fmt.Errorf("unknown step %q", stepID)
		}
		return nil
	default:
		return fmt.Errorf("expression %q must start with context., steps. or =", expr)
	}
}
