package policy

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/gatewright/gatewright/pkg/tenant"
)

// supportedMajor is the document format major version this engine accepts.
const supportedMajor = 1

// Effect is what a matching rule does to the request.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// Conditions are the dimension filters of a rule. An absent (empty) dimension
// imposes no constraint; a present one must match for the rule to match.
type Conditions struct {
	Tenants      []string           `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	ActorTypes   []tenant.ActorType `json:"actor_types,omitempty" yaml:"actor_types,omitempty"`
	ActorIDs     []string           `json:"actor_ids,omitempty" yaml:"actor_ids,omitempty"`
	ToolPatterns []string           `json:"tool_patterns,omitempty" yaml:"tool_patterns,omitempty"`
	Classes      []Class            `json:"classes,omitempty" yaml:"classes,omitempty"`
	// Expression is an optional CEL condition over the request, compiled at
	// document install time.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Rule is one ordered entry of a policy document.
type Rule struct {
	ID         string     `json:"id" yaml:"id"`
	Effect     Effect     `json:"effect" yaml:"effect"`
	Priority   int        `json:"priority" yaml:"priority"`
	Conditions Conditions `json:"conditions" yaml:"conditions"`
}

// Document is a versioned, ordered rule set. Documents are loaded wholesale
// (replace, not patch); consistency comes from atomic document swap.
type Document struct {
	Version string `json:"version" yaml:"version"`
	Name    string `json:"name" yaml:"name"`
	Rules   []Rule `json:"rules" yaml:"rules"`
}

// Validate checks structural invariants before a document may be installed.
func (d *Document) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("policy: document has no name")
	}
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("policy: document %s has unparseable version %q: %w", d.Name, d.Version, err)
	}
	if v.Major() != supportedMajor {
		return fmt.Errorf("policy: document %s version %s is incompatible (supported major: %d)", d.Name, d.Version, supportedMajor)
	}
	seen := make(map[string]struct{}, len(d.Rules))
	for i, r := range d.Rules {
		if r.ID == "" {
			return fmt.Errorf("policy: rule %d has no id", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("policy: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if !r.Effect.Valid() {
			return fmt.Errorf("policy: rule %q has unknown effect %q", r.ID, r.Effect)
		}
		for _, c := range r.Conditions.Classes {
			if !c.Valid() {
				return fmt.Errorf("policy: rule %q filters on unknown class %q", r.ID, c)
			}
		}
		for _, at := range r.Conditions.ActorTypes {
			if !at.Valid() {
				return fmt.Errorf("policy: rule %q filters on unknown actor type %q", r.ID, at)
			}
		}
		for _, p := range r.Conditions.ToolPatterns {
			if p == "" {
				return fmt.Errorf("policy: rule %q has an empty tool pattern", r.ID)
			}
			if i := strings.Index(p, "*"); i >= 0 && i != len(p)-1 {
				return fmt.Errorf("policy: rule %q pattern %q: wildcard only allowed as trailing marker", r.ID, p)
			}
		}
	}
	return nil
}

// matchesPattern matches a fully-qualified tool name against an exact pattern
// or a prefix pattern ending in "*".
func matchesPattern(pattern, toolName string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == toolName
}

// matches reports whether every present dimension filter accepts the request.
// The CEL expression, if any, is evaluated by the engine separately.
func (c *Conditions) matches(req *Request) bool {
	if len(c.Tenants) > 0 && !containsString(c.Tenants, req.TenantID) {
		return false
	}
	if len(c.ActorTypes) > 0 && !containsActorType(c.ActorTypes, req.ActorType) {
		return false
	}
	if len(c.ActorIDs) > 0 && !containsString(c.ActorIDs, req.ActorID) {
		return false
	}
	if len(c.ToolPatterns) > 0 {
		hit := false
		for _, p := range c.ToolPatterns {
			if matchesPattern(p, req.ToolName) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(c.Classes) > 0 && !containsClass(c.Classes, req.Class) {
		return false
	}
	return true
}

func containsString(hay []string, needle string) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

func containsActorType(hay []tenant.ActorType, needle tenant.ActorType) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}

func containsClass(hay []Class, needle Class) bool {
	for _, h := range hay {
		if h == needle {
			return true
		}
	}
	return false
}
