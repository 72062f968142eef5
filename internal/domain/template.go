package domain

import (
	"fmt"
	"strings"
	"time"
)

// Terminal ends a branch when used as a transition target.
const Terminal = "TERMINAL"

// Outcome names the result of a step used to look up the next transition.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
	OutcomeExpired  Outcome = "expired"
	OutcomeBlocked  Outcome = "blocked"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeRejected, OutcomeExpired, OutcomeBlocked:
		return true
	default:
		return false
	}
}

// TransitionKey builds the "<stepId>:<outcome>" key used in Template.Transitions.
func TransitionKey(stepID string, outcome Outcome) string {
	return stepID + ":" + string(outcome)
}

// SplitTransitionKey is the inverse of TransitionKey.
func SplitTransitionKey(key string) (string, Outcome, error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", fmt.Errorf("transition key %q must be <step>:<outcome>", key)
	}
	return key[:idx], Outcome(key[idx+1:]), nil
}

const DefaultRevisitLimit = 3

type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Base        time.Duration `json:"base" yaml:"base"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"maxDelay"`
}

func (p *RetryPolicy) IsZero() bool {
	return p == nil || (p.MaxAttempts == 0 && p.Base == 0 && p.MaxDelay == 0)
}

// HumanGate configures the ticket opened when a step pauses for a decision.
type HumanGate struct {
	Role      string        `json:"role,omitempty" yaml:"role,omitempty"`
	Approvals int           `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

type Step struct {
	ID            string            `json:"id"`
	Capability    string            `json:"capability,omitempty"`
	InputMapping  map[string]string `json:"inputMapping,omitempty"`
	RetryPolicy   *RetryPolicy      `json:"retryPolicy,omitempty"`
	RequiresHuman bool              `json:"requiresHuman,omitempty"`
	Human         HumanGate         `json:"human,omitempty"`
	Policy        string            `json:"policy,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	Join          bool              `json:"join,omitempty"`
}

// Template is an immutable, versioned workflow definition.
type Template struct {
	ID           string              `json:"id"`
	Version      int                 `json:"version"`
	Published    bool                `json:"published"`
	Description  string              `json:"description,omitempty"`
	Steps        []Step              `json:"steps"`
	Transitions  map[string][]string `json:"transitions"`
	RetryPolicy  *RetryPolicy        `json:"retryPolicy,omitempty"`
	RevisitLimit int                 `json:"revisitLimit,omitempty"`
	PolicySet    string              `json:"policySet,omitempty"`
}

func (t Template) FirstStep() (Step, bool) {
	if len(t.Steps) == 0 {
		return Step{}, false
	}
	return t.Steps[0], true
}

func (t Template) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Next returns the targets for a step outcome. ok is false when the template
// defines no transition for it.
func (t Template) Next(stepID string, outcome Outcome) ([]string, bool) {
	targets, ok := t.Transitions[TransitionKey(stepID, outcome)]
	if !ok || len(targets) == 0 {
		return nil, false
	}
	return append([]string(nil), targets...), true
}

func (t Template) EffectiveRevisitLimit() int {
	if t.RevisitLimit > 0 {
		return t.RevisitLimit
	}
	return DefaultRevisitLimit
}

// Ref is a "<id>@v<version>" label used in logs and audit payloads.
func (t Template) Ref() string {
	return fmt.Sprintf("%s@v%d", t.ID, t.Version)
}
