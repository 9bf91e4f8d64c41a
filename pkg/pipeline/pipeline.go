// Package pipeline is the sole programmatic boundary for tool invocation.
// Every request flows resolve → validate → authorize → execute → audit,
// and every path out, success or failure, passes through the audit step.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatewright/gatewright/pkg/audit"
	"github.com/gatewright/gatewright/pkg/observability"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/registry"
	"github.com/gatewright/gatewright/pkg/tenant"
)

// ErrorCode classifies why an invocation failed. The set is closed; callers
// and retry policies switch on these values.
type ErrorCode string

const (
	CodeConnectorNotFound ErrorCode = "CONNECTOR_NOT_FOUND"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeValidationError   ErrorCode = "VALIDATION_ERROR"
	CodePolicyDenied      ErrorCode = "POLICY_DENIED"
	CodeExecutionError    ErrorCode = "EXECUTION_ERROR"
)

// reasonApprovalRunMismatch is the audit-facing denial reason for an
// approval minted under a different run id. The engine treats such an
// approval as absent; the audit trail keeps the more informative code.
const reasonApprovalRunMismatch = "DENY_APPROVAL_RUN_MISMATCH"

// Request is one tool invocation. ToolName is fully qualified as
// "connector.tool".
type Request struct {
	RunID    string
	Tenant   tenant.Context
	ToolName string
	Input    map[string]any
	Approval *tenant.ApprovalRecord
}

// Result is the total outcome of one invocation. AuditEventIDs is always
// non-empty: every path, including early rejections, records exactly one
// audit event.
type Result struct {
	Success       bool
	Output        any
	ErrorCode     ErrorCode
	Error         string
	Duration      time.Duration
	AuditEventIDs []string
	Decision      *policy.Decision
}

// Clock supplies the pipeline's notion of now for timestamps and
// durations.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Pipeline executes invocation requests against an injected policy engine
// and audit sink. Construct one at process start; it holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	engine  *policy.Engine
	sink    audit.Sink
	log     *slog.Logger
	clock   Clock
	tracer  trace.Tracer
	metrics *observability.Provider
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithClock injects a clock, for tests.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics attaches an observability provider; each invocation then
// records the invocation, denial, failure, and duration instruments.
func WithMetrics(m *observability.Provider) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds a Pipeline around the given engine and audit sink.
func New(engine *policy.Engine, sink audit.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine: engine,
		sink:   sink,
		log:    slog.Default().With("component", "pipeline"),
		clock:  wallClock{},
		tracer: otel.Tracer("gatewright.pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// invocation carries the per-request state threaded through the steps.
type invocation struct {
	req       *Request
	started   time.Time
	connector string
	tool      string
	class     policy.Class
	decision  *policy.Decision
	// auditReason may diverge from the engine's reason code when the
	// denial deserves a more specific audit-facing explanation.
	auditReason string
	output      any
}

// Invoke runs one request through the full pipeline. The returned Result
// is total: errors from any step are folded into it, never returned
// separately, and the audit step runs on every path.
func (p *Pipeline) Invoke(ctx context.Context, reg *registry.Registry, req *Request) *Result {
	ctx, span := p.tracer.Start(ctx, "pipeline.invoke",
		trace.WithAttributes(
			attribute.String("gatewright.run_id", req.RunID),
			attribute.String("gatewright.tenant_id", req.Tenant.TenantID),
			attribute.String("gatewright.tool", req.ToolName),
		),
	)
	defer span.End()

	if p.metrics != nil {
		done := p.metrics.InvokeStarted(ctx)
		defer done()
	}

	inv := &invocation{req: req, started: p.clock.Now()}

	res := p.run(ctx, reg, inv)

	res.Duration = p.clock.Now().Sub(inv.started)
	p.appendAudit(ctx, inv, res)
	p.recordMetrics(ctx, inv, res)

	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(res.ErrorCode))
		span.SetAttributes(attribute.String("gatewright.error_code", string(res.ErrorCode)))
	}
	return res
}

// run executes resolve → validate → authorize → execute and returns the
// pre-audit result.
func (p *Pipeline) run(ctx context.Context, reg *registry.Registry, inv *invocation) *Result {
	spec, res := p.resolve(reg, inv)
	if res != nil {
		return res
	}
	if res := p.validate(spec, inv); res != nil {
		return res
	}
	if res := p.authorize(inv); res != nil {
		return res
	}
	return p.execute(ctx, spec, inv)
}

// resolve splits the fully-qualified tool name and looks up connector and
// tool.
func (p *Pipeline) resolve(reg *registry.Registry, inv *invocation) (*registry.ToolSpec, *Result) {
	connectorID, toolName, ok := strings.Cut(inv.req.ToolName, ".")
	if !ok || connectorID == "" || toolName == "" {
		return nil, fail(CodeToolNotFound, fmt.Sprintf("tool name %q is not fully qualified as connector.tool", inv.req.ToolName))
	}
	inv.connector = connectorID
	inv.tool = toolName

	conn, ok := reg.Get(connectorID)
	if !ok {
		return nil, fail(CodeConnectorNotFound, fmt.Sprintf("connector %q is not registered", connectorID))
	}
	spec, ok := conn.Tool(toolName)
	if !ok {
		return nil, fail(CodeToolNotFound, fmt.Sprintf("connector %q has no tool %q", connectorID, toolName))
	}
	inv.class = spec.Class
	return spec, nil
}

// validate checks the input payload against the tool's declared schema.
func (p *Pipeline) validate(spec *registry.ToolSpec, inv *invocation) *Result {
	if err := spec.ValidateInput(inv.req.Input); err != nil {
		return fail(CodeValidationError, err.Error())
	}
	return nil
}

// authorize asks the policy engine for a decision. An approval whose run
// id differs from the request's is treated as absent; the audit reason
// distinguishes the mismatch from a plainly missing approval.
func (p *Pipeline) authorize(inv *invocation) *Result {
	hasApproval := inv.req.Approval.CoversRun(inv.req.RunID)
	mismatch := inv.req.Approval != nil && !hasApproval

	d := p.engine.Evaluate(&policy.Request{
		TenantID:    inv.req.Tenant.TenantID,
		ActorID:     inv.req.Tenant.Actor.ID,
		ActorType:   inv.req.Tenant.Actor.Type,
		ToolName:    inv.req.ToolName,
		ConnectorID: inv.connector,
		Class:       inv.class,
		HasApproval: hasApproval,
	})
	inv.decision = &d
	inv.auditReason = string(d.ReasonCode)
	if mismatch && d.ReasonCode == policy.ReasonDenyDestructiveNoApproval {
		inv.auditReason = reasonApprovalRunMismatch
	}

	if !d.Allowed {
		res := fail(CodePolicyDenied, fmt.Sprintf("policy denied %s for tenant %s: %s", inv.req.ToolName, inv.req.Tenant.TenantID, inv.auditReason))
		res.Decision = inv.decision
		return res
	}
	return nil
}

// execute invokes the tool's execution function. A panicking tool is
// recovered and reported as an execution error, never propagated.
func (p *Pipeline) execute(ctx context.Context, spec *registry.ToolSpec, inv *invocation) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("tool panicked",
				"tool", inv.req.ToolName,
				"run_id", inv.req.RunID,
				"panic", fmt.Sprint(r),
			)
			res = fail(CodeExecutionError, fmt.Sprintf("tool %s panicked: %v", inv.req.ToolName, r))
			res.Decision = inv.decision
		}
	}()

	tc := registry.ToolContext{
		RunID:  inv.req.RunID,
		Tenant: inv.req.Tenant,
		Tool:   inv.req.ToolName,
		Class:  inv.class,
	}
	out, err := spec.Execute(ctx, tc, inv.req.Input)
	if err != nil {
		res = fail(CodeExecutionError, fmt.Sprintf("tool %s failed: %v", inv.req.ToolName, err))
		res.Decision = inv.decision
		return res
	}
	if err := spec.ValidateOutput(out); err != nil {
		// Reported for connector owners; the caller still gets the output.
		p.log.Warn("tool output violates declared schema",
			"tool", inv.req.ToolName,
			"run_id", inv.req.RunID,
			"error", err,
		)
	}
	inv.output = out
	return &Result{Success: true, Output: out, Decision: inv.decision}
}

// appendAudit records the invocation outcome. Append failures are logged
// and never overturn the tool result; the event id is still reported so
// callers can see an attempt was made.
func (p *Pipeline) appendAudit(ctx context.Context, inv *invocation, res *Result) {
	ev := &audit.Event{
		ID:             uuid.New().String(),
		RunID:          inv.req.RunID,
		TenantID:       inv.req.Tenant.TenantID,
		ActorID:        inv.req.Tenant.Actor.ID,
		Tool:           inv.req.ToolName,
		PolicyClass:    string(inv.class),
		DecisionReason: inv.auditReason,
		Timestamp:      inv.started,
		Duration:       res.Duration,
		RequestID:      inv.req.Tenant.RequestID,
	}
	if res.Success {
		ev.Outcome = audit.OutcomeSuccess
		ev.OutputSummary = audit.Summarize(inv.output)
	} else {
		ev.Outcome = audit.OutcomeFailure
		ev.ErrorCode = string(res.ErrorCode)
	}

	if err := p.sink.Append(ctx, ev); err != nil {
		p.log.Error("audit append failed",
			"event_id", ev.ID,
			"run_id", ev.RunID,
			"tool", ev.Tool,
			"error", err,
		)
	}
	res.AuditEventIDs = append(res.AuditEventIDs, ev.ID)
}

// recordMetrics emits the RED instruments for one finished invocation.
func (p *Pipeline) recordMetrics(ctx context.Context, inv *invocation, res *Result) {
	if p.metrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gatewright.tenant_id", inv.req.Tenant.TenantID),
		attribute.String("gatewright.tool", inv.req.ToolName),
	}
	outcome := "success"
	switch {
	case res.Success:
	case res.ErrorCode == CodePolicyDenied:
		outcome = "denied"
		p.metrics.RecordDenial(ctx, append(attrs,
			attribute.String("gatewright.reason", inv.auditReason))...)
	default:
		outcome = "failure"
		p.metrics.RecordFailure(ctx, append(attrs,
			attribute.String("gatewright.error_code", string(res.ErrorCode)))...)
	}
	attrs = append(attrs, attribute.String("gatewright.outcome", outcome))
	p.metrics.RecordInvocation(ctx, attrs...)
	p.metrics.RecordDuration(ctx, res.Duration, attrs...)
}

func fail(code ErrorCode, msg string) *Result {
	return &Result{Success: false, ErrorCode: code, Error: msg}
}
