package policy

import (
	"errors"
	"fmt"
)

// Gate resolves the rule set for a step and evaluates it.
type Gate struct {
	registry *Registry
}

func NewGate(registry *Registry) *Gate {
	return &Gate{registry: registry}
}

// Check evaluates the named rule set. An empty name allows the action. A
// rule set that cannot be found blocks it.
func (g *Gate) Check(ruleSetID string, ctx Context) (Decision, error) {
	if ruleSetID == "" {
		return Allow("no_policy"), nil
	}
	if g == nil || g.registry == nil {
		return Decision{Effect: EffectBlock, Reason: "policy registry unavailable", RuleSet: ruleSetID}, nil
	}
	rs, err := g.registry.Latest(ruleSetID)
	if errors.Is(err, ErrRuleSetNotFound) {
		return Decision{
			Effect:  EffectBlock,
			RuleID:  "missing-rule-set",
			Reason:  fmt.Sprintf("rule set %q is not published", ruleSetID),
			RuleSet: ruleSetID,
		}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(rs, ctx)
}
