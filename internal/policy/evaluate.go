package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Context is the proposed action a rule set is evaluated against.
type Context struct {
	Action   string          `json:"action"`
	Step     StepContext     `json:"step"`
	Template TemplateContext `json:"template"`
	Run      RunContext      `json:"run"`
	Values   domain.Metadata `json:"context,omitempty"`
	Input    domain.Metadata `json:"input,omitempty"`
}

type StepContext struct {
	ID            string `json:"id"`
	Capability    string `json:"capability,omitempty"`
	RequiresHuman bool   `json:"requires_human,omitempty"`
	Attempt       int    `json:"attempt"`
}

type TemplateContext struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

type RunContext struct {
	ID        string `json:"id"`
	StartedBy string `json:"started_by,omitempty"`
}

type Decision struct {
	Effect         string `json:"effect"`
	RuleID         string `json:"rule_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RuleSet        string `json:"rule_set,omitempty"`
	RuleSetVersion int    `json:"rule_set_version,omitempty"`
}

// Err returns a *domain.PolicyViolationError for block decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Effect != EffectBlock {
		return nil
	}
	reason := d.Reason
	if d.Description != "" {
		reason = d.Description
	}
	return &domain.PolicyViolationError{RuleID: d.RuleID, Reason: reason}
}

// Evaluate is a pure function of the rule set and the context.
func Evaluate(rs RuleSet, ctx Context) (Decision, error) {
	if err := rs.Validate(); err != nil {
		return Decision{}, err
	}
	for _, rule := range rs.Rules {
		if !groupMatches(rule.When, ctx) {
			continue
		}
		if !rule.Unless.empty() && groupMatches(rule.Unless, ctx) {
			continue
		}
		reason := strings.TrimSpace(rule.Reason)
		if reason == "" {
			reason = "rule_match"
		}
		return Decision{
			Effect:         normalizeString(rule.Effect),
			RuleID:         strings.TrimSpace(rule.ID),
			Description:    strings.TrimSpace(rule.Description),
			Reason:         reason,
			RuleSet:        rs.ID,
			RuleSetVersion: rs.Version,
		}, nil
	}

	defaultEffect := normalizeString(rs.DefaultEffect)
	if defaultEffect == "" {
		defaultEffect = EffectAllow
	}
	return Decision{
		Effect:         defaultEffect,
		Reason:         "default",
		RuleSet:        rs.ID,
		RuleSetVersion: rs.Version,
	}, nil
}

// Allow is the decision used when a step has no rule set attached.
func Allow(reason string) Decision {
	return Decision{Effect: EffectAllow, Reason: reason}
}

func groupMatches(group ConditionGroup, ctx Context) bool {
	for _, cond := range group.All {
		if !conditionMatches(cond, ctx) {
			return false
		}
	}
	if len(group.Any) > 0 {
		for _, cond := range group.Any {
			if conditionMatches(cond, ctx) {
				return true
			}
		}
		return false
	}
	return true
}

func conditionMatches(cond Condition, ctx Context) bool {
	value, ok := ctx.Field(cond.Field)
	if !ok {
		return false
	}
	op := normalizeString(cond.Op)
	switch op {
	case "exists":
		return true
	case "eq":
		return compareEqual(value, cond.Value)
	case "neq":
		return !compareEqual(value, cond.Value)
	case "in":
		return compareIn(value, cond.Values)
	case "not_in":
		return !compareIn(value, cond.Values)
	case "contains":
		return compareContains(value, cond.Value)
	case "not_contains":
		return !compareContains(value, cond.Value)
	case "matches":
		return compareRegex(value, cond.Value)
	case "gt", "gte", "lt", "lte":
		return compareNumber(value, cond.Value, op)
	default:
		return false
	}
}

// Field resolves a dotted field name against the context namespaces.
func (c Context) Field(name string) (any, bool) {
	key := strings.TrimSpace(name)
	if key == "" {
		return nil, false
	}
	switch strings.ToLower(key) {
	case "action", "action.name", "action.capability":
		return c.Action, c.Action != ""
	case "step.id":
		return c.Step.ID, c.Step.ID != ""
	case "step.capability":
		return c.Step.Capability, c.Step.Capability != ""
	case "step.requires_human":
		return c.Step.RequiresHuman, true
	case "step.attempt":
		return c.Step.Attempt, c.Step.Attempt > 0
	case "template.id":
		return c.Template.ID, c.Template.ID != ""
	case "template.version":
		return c.Template.Version, c.Template.Version > 0
	case "run.id":
		return c.Run.ID, c.Run.ID != ""
	case "run.started_by":
		return c.Run.StartedBy, c.Run.StartedBy != ""
	}
	if rest, ok := cutPrefixFold(key, "context."); ok {
		return c.Values.Lookup(rest)
	}
	if rest, ok := cutPrefixFold(key, "input."); ok {
		return c.Input.Lookup(rest)
	}
	return nil, false
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func compareEqual(value any, target string) bool {
	target = normalizeString(target)
	for _, item := range flatten(value) {
		if item == target {
			return true
		}
	}
	if left, ok := toFloat64(value); ok {
		if right, ok := parseFloat(target); ok {
			return left == right
		}
	}
	return false
}

func compareIn(value any, targets []string) bool {
	normalized := trimNonEmpty(targets)
	for _, item := range flatten(value) {
		for _, target := range normalized {
			if item == target {
				return true
			}
		}
	}
	return false
}

func compareContains(value any, target string) bool {
	target = normalizeString(target)
	if target == "" {
		return false
	}
	switch value.(type) {
	case []string, []any:
		for _, item := range flatten(value) {
			if item == target {
				return true
			}
		}
		return false
	default:
		return strings.Contains(normalizeString(fmt.Sprint(value)), target)
	}
}

func compareRegex(value any, pattern string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	switch typed := value.(type) {
	case []string, []any:
		for _, item := range rawStrings(typed) {
			if re.MatchString(item) {
				return true
			}
		}
		return false
	default:
		return re.MatchString(fmt.Sprint(value))
	}
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, errors.New("pattern is required")
	}
	return regexp.Compile(pattern)
}

func compareNumber(value any, target string, op string) bool {
	left, ok := toFloat64(value)
	if !ok {
		return false
	}
	right, ok := parseFloat(target)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return left > right
	case "gte":
		return left >= right
	case "lt":
		return left < right
	case "lte":
		return left <= right
	default:
		return false
	}
}

// flatten turns scalars and lists into normalized strings.
func flatten(value any) []string {
	raw := rawStrings(value)
	out := make([]string, len(raw))
	for i, item := range raw {
		out[i] = normalizeString(item)
	}
	return out
}

func rawStrings(value any) []string {
	switch typed := value.(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(value)}
	}
}

func toFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case string:
		return parseFloat(typed)
	case bool, nil:
		return 0, false
	default:
		return parseFloat(fmt.Sprint(typed))
	}
}

func parseFloat(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func normalizeString(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
