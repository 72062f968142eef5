package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/flowgate/internal/domain"
	"gopkg.in/yaml.v3"
)

// document is the YAML shape of a template file.
type document struct {
	ID           string             `yaml:"id"`
	Version      int                `yaml:"version"`
	Published    bool               `yaml:"published"`
	Description  string             `yaml:"description"`
	PolicySet    string             `yaml:"policySet"`
	RevisitLimit int                `yaml:"revisitLimit"`
	RetryPolicy  *retryDoc          `yaml:"retryPolicy"`
	Steps        []stepDoc          `yaml:"steps"`
	Transitions  map[string]targets `yaml:"transitions"`
}

type retryDoc struct {
	MaxAttempts int    `yaml:"maxAttempts"`
	Max         int    `yaml:"max"`
	Base        string `yaml:"base"`
	MaxDelay    string `yaml:"maxDelay"`
}

type humanDoc struct {
	Role      string `yaml:"role"`
	Approvals int    `yaml:"approvals"`
	TTL       string `yaml:"ttl"`
}

type stepDoc struct {
	ID            string            `yaml:"id"`
	Capability    string            `yaml:"capability"`
	InputMapping  map[string]string `yaml:"inputMapping"`
	RetryPolicy   *retryDoc         `yaml:"retryPolicy"`
	RequiresHuman bool              `yaml:"requiresHuman"`
	Human         *humanDoc         `yaml:"human"`
	Policy        string            `yaml:"policy"`
	Timeout       string            `yaml:"timeout"`
	Join          bool              `yaml:"join"`
}

// targets accepts either a single step id or a list of step ids.
type targets []string

func (t *targets) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = targets{strings.TrimSpace(node.Value)}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		out := make(targets, 0, len(list))
		for _, item := range list {
			out = append(out, strings.TrimSpace(item))
		}
		*t = out
		return nil
	default:
		return fmt.Errorf("line %d: transition target must be a step id or a list of step ids", node.Line)
	}
}

// Parse decodes and validates a YAML template document.
func Parse(input []byte) (domain.Template, error) {
	var doc document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return domain.Template{}, fmt.Errorf("decode template: %w", err)
	}
	tpl, err := doc.toDomain()
	if err != nil {
		return domain.Template{}, err
	}
	if err := Validate(tpl); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

func (d document) toDomain() (domain.Template, error) {
	issues := &ValidationError{}

	tpl := domain.Template{
		ID:           strings.TrimSpace(d.ID),
		Version:      d.Version,
		Published:    d.Published,
		Description:  strings.TrimSpace(d.Description),
		PolicySet:    strings.TrimSpace(d.PolicySet),
		RevisitLimit: d.RevisitLimit,
		Transitions:  make(map[string][]string, len(d.Transitions)),
	}
	tpl.RetryPolicy = d.RetryPolicy.toDomain("retryPolicy", issues)

	for i, s := range d.Steps {
		step := domain.Step{
			ID:            strings.TrimSpace(s.ID),
			Capability:    strings.TrimSpace(s.Capability),
			InputMapping:  s.InputMapping,
			RequiresHuman: s.RequiresHuman,
			Policy:        strings.TrimSpace(s.Policy),
			Join:          s.Join,
		}
		prefix := fmt.Sprintf("steps[%d]", i)
		step.RetryPolicy = s.RetryPolicy.toDomain(prefix+".retryPolicy", issues)
		step.Timeout = parseDuration(s.Timeout, prefix+".timeout", issues)
		if s.Human != nil {
			step.Human = domain.HumanGate{
				Role:      strings.ToLower(strings.TrimSpace(s.Human.Role)),
				Approvals: s.Human.Approvals,
				TTL:       parseDuration(s.Human.TTL, prefix+".human.ttl", issues),
			}
		}
		tpl.Steps = append(tpl.Steps, step)
	}

	for key, list := range d.Transitions {
		tpl.Transitions[strings.TrimSpace(key)] = []string(list)
	}

	if err := issues.OrNil(); err != nil {
		return domain.Template{}, err
	}
	return tpl, nil
}

func (r *retryDoc) toDomain(prefix string, issues *ValidationError) *domain.RetryPolicy {
	if r == nil {
		return nil
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = r.Max
	}
	return &domain.RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        parseDuration(r.Base, prefix+".base", issues),
		MaxDelay:    parseDuration(r.MaxDelay, prefix+".maxDelay", issues),
	}
}

func parseDuration(raw string, field string, issues *ValidationError) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		issues.Add(fmt.Sprintf("%s: invalid duration %q", field, raw))
		return 0
	}
	return d
}
