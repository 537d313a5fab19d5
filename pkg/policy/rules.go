// Package policy turns declarative YAML rules into trust predicates for
// server controllers and keeps an audit trail of every decision.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/billm/baaaht/ipcflow/pkg/flow"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// EnforcementMode defines how policies are enforced
type EnforcementMode string

const (
	// EnforcementModeStrict rejects every denied operation
	EnforcementModeStrict EnforcementMode = "strict"
	// EnforcementModePermissive audits denials as violations but lets them through
	EnforcementModePermissive EnforcementMode = "permissive"
	// EnforcementModeDisabled allows everything without evaluating rules
	EnforcementModeDisabled EnforcementMode = "disabled"
)

// Effect is the outcome of a matching rule.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Policy is an ordered list of trust rules. The first matching rule wins;
// Default applies when none matches.
type Policy struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Mode        EnforcementMode `json:"mode" yaml:"mode"`
	Default     Effect          `json:"default" yaml:"default"`
	Rules       []Rule          `json:"rules" yaml:"rules"`
}

// Rule matches inbound operations by glob patterns. An empty list matches
// anything.
type Rule struct {
	Name        string   `json:"name" yaml:"name"`
	Controllers []string `json:"controllers,omitempty" yaml:"controllers,omitempty"`
	Operations  []string `json:"operations,omitempty" yaml:"operations,omitempty"`
	Kinds       []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	Senders     []string `json:"senders,omitempty" yaml:"senders,omitempty"`
	Effect      Effect   `json:"effect" yaml:"effect"`
}

// Decision is the result of evaluating a policy.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// DefaultPolicy allows everything.
func DefaultPolicy() *Policy {
	return &Policy{
		ID:      "default",
		Name:    "Default Policy",
		Mode:    EnforcementModeStrict,
		Default: EffectAllow,
	}
}

// Validate checks the policy for errors
func (p *Policy) Validate() error {
	if p.ID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "policy ID cannot be empty")
	}
	switch p.Mode {
	case EnforcementModeStrict, EnforcementModePermissive, EnforcementModeDisabled:
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid enforcement mode: %s (must be strict, permissive, or disabled)", p.Mode))
	}
	if err := validateEffect(p.Default, "default"); err != nil {
		return err
	}

	seen := make(map[string]bool, len(p.Rules))
	for i, r := range p.Rules {
		if r.Name == "" {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("rule %d has no name", i))
		}
		if seen[r.Name] {
			return types.NewError(types.ErrCodeInvalidArgument, "duplicate rule name: "+r.Name)
		}
		seen[r.Name] = true

		if err := validateEffect(r.Effect, "rule "+r.Name); err != nil {
			return err
		}
		for _, k := range r.Kinds {
			if flow.TrustKind(k) != flow.TrustEvent && flow.TrustKind(k) != flow.TrustInvoke {
				return types.NewError(types.ErrCodeInvalidArgument,
					fmt.Sprintf("rule %s: invalid kind %q (must be event or invoke)", r.Name, k))
			}
		}
		for _, patterns := range [][]string{r.Controllers, r.Operations, r.Senders} {
			for _, pat := range patterns {
				if _, err := path.Match(pat, ""); err != nil {
					return types.WrapError(types.ErrCodeInvalidArgument,
						fmt.Sprintf("rule %s: invalid pattern %q", r.Name, pat), err)
				}
			}
		}
	}
	return nil
}

func validateEffect(e Effect, where string) error {
	if e != EffectAllow && e != EffectDeny {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("%s: invalid effect %q (must be allow or deny)", where, e))
	}
	return nil
}

// Evaluate runs the rules against req. The enforcement mode is not applied.
func (p *Policy) Evaluate(req flow.TrustRequest) Decision {
	sender := ""
	if req.Event != nil {
		sender = req.Event.SenderID
	}
	for _, r := range p.Rules {
		if !r.matches(req, sender) {
			continue
		}
		d := Decision{Allowed: r.Effect == EffectAllow, Rule: r.Name}
		if !d.Allowed {
			d.Reason = "denied by rule " + r.Name
		}
		return d
	}
	d := Decision{Allowed: p.Default == EffectAllow}
	if !d.Allowed {
		d.Reason = "no rule matched and default is deny"
	}
	return d
}

func (r Rule) matches(req flow.TrustRequest, sender string) bool {
	return matchAny(r.Controllers, req.Controller) &&
		matchAny(r.Operations, req.Operation) &&
		matchAny(r.Kinds, string(req.Kind)) &&
		matchAny(r.Senders, sender)
}

// matchAny reports whether s matches one of patterns. Patterns were
// validated on load.
func matchAny(patterns []string, s string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}

// String returns a string representation of the policy
func (p *Policy) String() string {
	names := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		names[i] = r.Name
	}
	return fmt.Sprintf("Policy{ID: %s, Mode: %s, Default: %s, Rules: [%s]}",
		p.ID, p.Mode, p.Default, strings.Join(names, ", "))
}
