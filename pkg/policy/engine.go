package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	"github.com/gatewright/gatewright/pkg/canonical"
	"github.com/gatewright/gatewright/pkg/tenant"
)

// Request is the structured input to one policy evaluation. The pipeline
// builds it from the tenant context, the resolved tool, and the approval
// check; HasApproval is true only for an approval scoped to the current run.
type Request struct {
	TenantID    string           `json:"tenant_id"`
	ActorID     string           `json:"actor_id"`
	ActorType   tenant.ActorType `json:"actor_type"`
	ToolName    string           `json:"tool_name"`
	ConnectorID string           `json:"connector_id"`
	Class       Class            `json:"class"`
	HasApproval bool             `json:"has_approval"`
}

// Decision is the inspectable outcome of one evaluation.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	ReasonCode    ReasonCode `json:"reason_code"`
	MatchedRuleID string     `json:"matched_rule_id,omitempty"`
	PolicyRef     string     `json:"policy_ref"`
	// DecisionHash is the SHA-256 of the canonical decision form, so audit
	// consumers can bind decisions into receipts.
	DecisionHash string `json:"decision_hash,omitempty"`
}

// compiledDocument is the immutable unit the engine swaps atomically. CEL
// programs are compiled once at install; evaluation only reads.
type compiledDocument struct {
	doc      *Document
	hash     string
	ref      string
	programs []cel.Program // nil entry for rules without an expression, index-aligned with doc.Rules
}

// Engine evaluates requests against the installed document. Safe for
// concurrent use: evaluation is read-only over an atomically published
// document pointer. Construct one at process start and inject it; there is
// no ambient global instance.
type Engine struct {
	current atomic.Pointer[compiledDocument]
	env     *cel.Env
}

// NewEngine creates an engine with no document loaded; until Install
// succeeds it answers with class defaults only.
func NewEngine() (*Engine, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: engine environment: %w", err)
	}
	return &Engine{env: env}, nil
}

// Install validates, compiles, and atomically publishes a document. On any
// error the previously installed document (or the no-document state) stays
// in effect — a malformed document can only narrow access, never widen it.
func (e *Engine) Install(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("policy: nil document")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	programs := make([]cel.Program, len(doc.Rules))
	for i, r := range doc.Rules {
		if r.Conditions.Expression == "" {
			continue
		}
		prg, err := compileExpression(e.env, r.Conditions.Expression)
		if err != nil {
			return fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
		programs[i] = prg
	}
	hash, err := canonical.Hash(doc)
	if err != nil {
		return fmt.Errorf("policy: document hash: %w", err)
	}
	e.current.Store(&compiledDocument{
		doc:      doc,
		hash:     hash,
		ref:      fmt.Sprintf("%s@%s", doc.Name, doc.Version),
		programs: programs,
	})
	return nil
}

// Reset removes the installed document, reverting to class defaults.
// Intended for test harnesses and fail-closed recovery paths.
func (e *Engine) Reset() {
	e.current.Store(nil)
}

// DocumentHash returns the content hash of the installed document, or empty
// when none is loaded.
func (e *Engine) DocumentHash() string {
	if cd := e.current.Load(); cd != nil {
		return cd.hash
	}
	return ""
}

// Evaluate runs the decision algorithm:
//
//  1. no document → class defaults
//  2. filter rules whose present dimension filters all match
//  3. select the highest priority; ties resolve to the first-listed rule
//  4. matched rule decides, except a DESTRUCTIVE allow still requires a
//     run-scoped approval
//  5. otherwise class defaults
func (e *Engine) Evaluate(req *Request) Decision {
	cd := e.current.Load()
	if cd == nil {
		return e.finalize(req, classDefault(req.Class, req.HasApproval), "builtin:defaults")
	}

	var matched *Rule
	for i := range cd.doc.Rules {
		r := &cd.doc.Rules[i]
		if !r.Conditions.matches(req) {
			continue
		}
		if prg := cd.programs[i]; prg != nil && !evalExpression(prg, req) {
			continue
		}
		// Strictly-greater keeps the first-listed rule on priority ties,
		// which makes tie-breaking deterministic.
		if matched == nil || r.Priority > matched.Priority {
			matched = r
		}
	}

	if matched == nil {
		return e.finalize(req, classDefault(req.Class, req.HasApproval), cd.ref)
	}

	d := Decision{MatchedRuleID: matched.ID}
	switch {
	case matched.Effect == EffectDeny:
		d.Allowed = false
		d.ReasonCode = ReasonDenyPolicyMatch
	case req.Class == ClassDestructive && !req.HasApproval:
		// An allow rule for a destructive tool is inert without a human
		// sign-off scoped to this run.
		d.Allowed = false
		d.ReasonCode = ReasonDenyDestructiveNoApproval
	default:
		d.Allowed = true
		d.ReasonCode = ReasonAllowPolicyMatch
	}
	return e.finalize(req, d, cd.ref)
}

// finalize stamps the policy reference and decision hash. A hash failure
// must not flip an otherwise-computed verdict; the decision simply carries
// no hash.
func (e *Engine) finalize(req *Request, d Decision, ref string) Decision {
	d.PolicyRef = ref
	hashInput := struct {
		Allowed       bool       `json:"allowed"`
		ReasonCode    ReasonCode `json:"reason_code"`
		MatchedRuleID string     `json:"matched_rule_id,omitempty"`
		PolicyRef     string     `json:"policy_ref"`
		Request       *Request   `json:"request"`
	}{d.Allowed, d.ReasonCode, d.MatchedRuleID, d.PolicyRef, req}
	if h, err := canonical.Hash(hashInput); err == nil {
		d.DecisionHash = h
	}
	return d
}
