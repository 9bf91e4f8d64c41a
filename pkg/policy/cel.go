package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celEnv builds the evaluation environment rule expressions run in. The
// request is exposed as a single dynamic map so documents stay decoupled
// from Go types.
func celEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("request", cel.DynType),
	)
}

// compileExpression compiles one rule expression with hard cost limits, in
// line with fail-closed evaluation: a document whose expressions do not
// compile is rejected at install time.
func compileExpression(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: expression compile failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: expression program failed: %w", err)
	}
	return prg, nil
}

// celInput maps a Request into the expression environment.
func celInput(req *Request) map[string]any {
	return map[string]any{
		"request": map[string]any{
			"tenant_id":    req.TenantID,
			"actor_id":     req.ActorID,
			"actor_type":   string(req.ActorType),
			"tool_name":    req.ToolName,
			"connector_id": req.ConnectorID,
			"class":        string(req.Class),
			"has_approval": req.HasApproval,
		},
	}
}

// evalExpression runs a compiled rule condition. A runtime error or a
// non-boolean result makes the rule non-matching; the deny-by-default class
// table still applies, so errors cannot widen access.
func evalExpression(prg cel.Program, req *Request) bool {
	out, _, err := prg.Eval(celInput(req))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
