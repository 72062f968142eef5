package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/flowgate/internal/domain"
)

const paymentsYAML = `
schema: flowgate.policy.v1
id: payments
version: 1
rules:
  - id: max-amount
    description: payments above 50000 are not allowed
    effect: block
    when:
      all:
        - field: context.amount
          op: gt
          value: 50000
  - id: large-needs-human
    effect: require_human
    when:
      all:
        - field: context.amount
          op: gte
          value: 10000
    unless:
      any:
        - field: context.customer.tier
          op: in
          values: [gold, platinum]
`

func mustParse(t *testing.T, doc string) RuleSet {
	t.Helper()
	rs, err := ParseRuleSet([]byte(doc))
	if err != nil {
		t.Fatalf("ParseRuleSet: %v", err)
	}
	return rs
}

func TestRuleSetValidate(t *testing.T) {
	rs := mustParse(t, paymentsYAML)

	invalid := rs
	invalid.Schema = "animus.policy.v1"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected schema error")
	}

	badOp := rs
	badOp.Rules = []Rule{{ID: "x", Effect: EffectBlock, When: ConditionGroup{All: []Condition{{Field: "context.a", Op: "like", Value: "b"}}}}}
	if err := badOp.Validate(); err == nil {
		t.Fatalf("expected op error")
	}

	nonNumeric := rs
	nonNumeric.Rules = []Rule{{ID: "x", Effect: EffectBlock, When: ConditionGroup{All: []Condition{{Field: "context.a", Op: "gt", Value: "many"}}}}}
	if err := nonNumeric.Validate(); err == nil {
		t.Fatalf("expected numeric value error")
	}

	badEffect := rs
	badEffect.Rules = []Rule{{ID: "x", Effect: "deny", When: ConditionGroup{All: []Condition{{Field: "context.a", Op: "exists"}}}}}
	if err := badEffect.Validate(); err == nil {
		t.Fatalf("expected effect error")
	}
}

func TestEvaluate_AmountThresholds(t *testing.T) {
	rs := mustParse(t, paymentsYAML)

	tests := []struct {
		name   string
		values domain.Metadata
		effect string
		rule   string
	}{
		{name: "blocked above limit", values: domain.Metadata{"amount": 60000}, effect: EffectBlock, rule: "max-amount"},
		{name: "small amount allowed", values: domain.Metadata{"amount": 500}, effect: EffectAllow},
		{name: "json number", values: domain.Metadata{"amount": float64(20000)}, effect: EffectRequireHuman, rule: "large-needs-human"},
		{name: "unless clause exempts gold", values: domain.Metadata{"amount": 20000, "customer": map[string]any{"tier": "Gold"}}, effect: EffectAllow},
		{name: "missing field falls through", values: domain.Metadata{}, effect: EffectAllow},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Evaluate(rs, Context{Values: tc.values})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Effect != tc.effect || d.RuleID != tc.rule {
				t.Fatalf("decision=%+v, want effect=%s rule=%q", d, tc.effect, tc.rule)
			}
			if d.RuleSet != "payments" || d.RuleSetVersion != 1 {
				t.Fatalf("rule set=%s@%d", d.RuleSet, d.RuleSetVersion)
			}
		})
	}
}

func TestDecisionErr(t *testing.T) {
	rs := mustParse(t, paymentsYAML)
	d, err := Evaluate(rs, Context{Values: domain.Metadata{"amount": 60000}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var pv *domain.PolicyViolationError
	if !errors.As(d.Err(), &pv) {
		t.Fatalf("Err()=%v, want PolicyViolationError", d.Err())
	}
	if pv.RuleID != "max-amount" || pv.Reason != "payments above 50000 are not allowed" {
		t.Fatalf("violation=%+v", pv)
	}
	if Allow("x").Err() != nil {
		t.Fatalf("allow decision must not carry an error")
	}
}

func TestContextField(t *testing.T) {
	ctx := Context{
		Action:   "ledger.apply",
		Step:     StepContext{ID: "apply", Capability: "ledger.apply", Attempt: 2},
		Template: TemplateContext{ID: "refund", Version: 3},
		Run:      RunContext{ID: "r1", StartedBy: "alice"},
		Input:    domain.Metadata{"tags": []any{"urgent", "vip"}},
	}
	tests := []struct {
		cond Condition
		want bool
	}{
		{Condition{Field: "action", Op: "eq", Value: "LEDGER.apply"}, true},
		{Condition{Field: "step.attempt", Op: "gte", Value: "2"}, true},
		{Condition{Field: "template.version", Op: "eq", Value: "3"}, true},
		{Condition{Field: "run.started_by", Op: "matches", Value: "^al"}, true},
		{Condition{Field: "input.tags", Op: "contains", Value: "vip"}, true},
		{Condition{Field: "input.tags", Op: "not_contains", Value: "vip"}, false},
		{Condition{Field: "input.tags", Op: "in", Values: []string{"urgent"}}, true},
		{Condition{Field: "input.missing", Op: "exists"}, false},
		{Condition{Field: "Context.anything", Op: "exists"}, false},
		{Condition{Field: "step.id", Op: "neq", Value: "fetch"}, true},
	}
	for _, tc := range tests {
		if got := conditionMatches(tc.cond, ctx); got != tc.want {
			t.Fatalf("conditionMatches(%+v)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestRegistry_VersionsIndependently(t *testing.T) {
	reg := NewRegistry()
	v1 := mustParse(t, paymentsYAML)
	if err := reg.Publish(v1); err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	if err := reg.Publish(v1); err != nil {
		t.Fatalf("republish identical: %v", err)
	}

	v2 := v1
	v2.Version = 2
	v2.Rules = v1.Rules[1:]
	if err := reg.Publish(v2); err != nil {
		t.Fatalf("Publish v2: %v", err)
	}

	changed := v1
	changed.DefaultEffect = EffectBlock
	if err := reg.Publish(changed); !errors.Is(err, ErrRuleSetExists) {
		t.Fatalf("err=%v, want ErrRuleSetExists", err)
	}

	gate := NewGate(reg)
	d, err := gate.Check("payments", Context{Values: domain.Metadata{"amount": 60000}})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Effect != EffectRequireHuman || d.RuleSetVersion != 2 {
		t.Fatalf("decision=%+v, want latest version applied", d)
	}

	old, err := reg.Get("payments", 1)
	if err != nil || len(old.Rules) != 2 {
		t.Fatalf("Get v1=%+v err=%v", old, err)
	}
	if list := reg.List(); len(list) != 1 || list[0].Latest != 2 {
		t.Fatalf("List=%+v", list)
	}
}

func TestGate_MissingRuleSetBlocks(t *testing.T) {
	gate := NewGate(NewRegistry())
	d, err := gate.Check("unknown", Context{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Effect != EffectBlock || d.RuleID != "missing-rule-set" {
		t.Fatalf("decision=%+v", d)
	}
	allow, _ := gate.Check("", Context{})
	if allow.Effect != EffectAllow {
		t.Fatalf("empty rule set id should allow, got %+v", allow)
	}
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "payments.yaml"), []byte(paymentsYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg := NewRegistry()
	n, err := reg.LoadDir(dir)
	if err != nil || n != 1 {
		t.Fatalf("LoadDir=%d err=%v", n, err)
	}
	if _, err := reg.Latest("payments"); err != nil {
		t.Fatalf("Latest: %v", err)
	}
}
