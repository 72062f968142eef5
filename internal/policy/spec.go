package policy

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "flowgate.policy.v1"

const (
	EffectAllow        = "allow"
	EffectBlock        = "block"
	EffectRequireHuman = "require_human"
)

// RuleSet is a versioned, ordered list of rules. The first matching rule wins;
// when none match the default effect applies (allow unless set).
type RuleSet struct {
	Schema        string `json:"schema" yaml:"schema"`
	ID            string `json:"id" yaml:"id"`
	Version       int    `json:"version" yaml:"version"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultEffect string `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`
	Rules         []Rule `json:"rules" yaml:"rules"`
}

// Rule fires when its trigger (When) matches and its constraint (Unless) does not.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      string         `json:"effect" yaml:"effect"`
	Reason      string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	When        ConditionGroup `json:"when" yaml:"when"`
	Unless      ConditionGroup `json:"unless,omitempty" yaml:"unless,omitempty"`
}

type ConditionGroup struct {
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

func (g ConditionGroup) empty() bool {
	return len(g.All) == 0 && len(g.Any) == 0
}

type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     string   `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

func ParseRuleSet(input []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(input, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rule set: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func (s RuleSet) Ref() string {
	return fmt.Sprintf("%s@v%d", s.ID, s.Version)
}

func (s RuleSet) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("rule set schema must be %q", SpecSchemaV1)
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("rule set id is required")
	}
	if s.Version < 1 {
		return errors.New("rule set version must be >= 1")
	}

	defaultEffect := normalizeString(s.DefaultEffect)
	if defaultEffect != "" && !isEffectAllowed(defaultEffect) {
		return fmt.Errorf("default_effect unsupported: %q", s.DefaultEffect)
	}

	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		ruleID := strings.TrimSpace(rule.ID)
		if ruleID == "" {
			return fmt.Errorf("rules[%d].id is required", i)
		}
		if _, ok := seen[ruleID]; ok {
			return fmt.Errorf("rules[%d].id must be unique (duplicate %q)", i, ruleID)
		}
		seen[ruleID] = struct{}{}

		effect := normalizeString(rule.Effect)
		if effect == "" {
			return fmt.Errorf("rules[%d].effect is required", i)
		}
		if !isEffectAllowed(effect) {
			return fmt.Errorf("rules[%d].effect unsupported: %q", i, rule.Effect)
		}

		if rule.When.empty() {
			return fmt.Errorf("rules[%d].when must include all or any", i)
		}
		groups := map[string][]Condition{
			"when.all":   rule.When.All,
			"when.any":   rule.When.Any,
			"unless.all": rule.Unless.All,
			"unless.any": rule.Unless.Any,
		}
		for name, conds := range groups {
			if err := validateConditions(conds, fmt.Sprintf("rules[%d].%s", i, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateConditions(conds []Condition, prefix string) error {
	for i, cond := range conds {
		if strings.TrimSpace(cond.Field) == "" {
			return fmt.Errorf("%s[%d].field is required", prefix, i)
		}
		op := normalizeString(cond.Op)
		if op == "" {
			return fmt.Errorf("%s[%d].op is required", prefix, i)
		}
		if !isOpAllowed(op) {
			return fmt.Errorf("%s[%d].op unsupported: %q", prefix, i, cond.Op)
		}

		switch op {
		case "exists":
			continue
		case "in", "not_in":
			if len(trimNonEmpty(cond.Values)) == 0 {
				return fmt.Errorf("%s[%d].values must be non-empty for %s", prefix, i, op)
			}
		case "gt", "gte", "lt", "lte":
			if _, ok := parseFloat(cond.Value); !ok {
				return fmt.Errorf("%s[%d].value must be numeric for %s", prefix, i, op)
			}
		case "matches":
			if _, err := compilePattern(cond.Value); err != nil {
				return fmt.Errorf("%s[%d].value: %w", prefix, i, err)
			}
		default:
			if strings.TrimSpace(cond.Value) == "" {
				return fmt.Errorf("%s[%d].value is required for %s", prefix, i, op)
			}
		}
	}
	return nil
}

func isEffectAllowed(effect string) bool {
	switch normalizeString(effect) {
	case EffectAllow, EffectBlock, EffectRequireHuman:
		return true
	default:
		return false
	}
}

func isOpAllowed(op string) bool {
	switch normalizeString(op) {
	case "eq", "neq", "in", "not_in", "contains", "not_contains", "matches", "exists", "gt", "gte", "lt", "lte":
		return true
	default:
		return false
	}
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := normalizeString(item)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
