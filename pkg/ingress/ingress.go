package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gatewright/gatewright/pkg/audit"
	"github.com/gatewright/gatewright/pkg/canonical"
	"github.com/gatewright/gatewright/pkg/idempotency"
	"github.com/gatewright/gatewright/pkg/identity"
	"github.com/gatewright/gatewright/pkg/observability"
	"github.com/gatewright/gatewright/pkg/pipeline"
	"github.com/gatewright/gatewright/pkg/registry"
	"github.com/gatewright/gatewright/pkg/tenant"
)

const maxBodyBytes = 1 << 20

// replayHeader marks a response served from the idempotency store instead
// of a fresh execution.
const replayHeader = "X-Gatewright-Replayed"

// AuditReader is the query surface the audit endpoints need. All event
// stores implement it.
type AuditReader interface {
	QueryByRun(ctx context.Context, tenantID, runID string) ([]*audit.Event, error)
}

// InvokeRequest is the wire form of one delivery.
type InvokeRequest struct {
	RunID string `json:"run_id"`
	// Source and EventID identify the triggering event for deduplication.
	// Timestamp is required for scheduler deliveries only.
	Source    idempotency.Source `json:"source"`
	EventID   string             `json:"event_id"`
	Timestamp string             `json:"timestamp,omitempty"`
	Tool      string             `json:"tool"`
	Input     map[string]any     `json:"input,omitempty"`
	Approval  *ApprovalPayload   `json:"approval,omitempty"`
}

// ApprovalPayload is the wire form of a run-scoped approval, produced by
// an external approval workflow.
type ApprovalPayload struct {
	RunID      string    `json:"run_id"`
	ApprovedAt time.Time `json:"approved_at"`
	ApprovedBy string    `json:"approved_by"`
	Scope      []string  `json:"scope"`
	PatchHash  string    `json:"patch_hash,omitempty"`
}

// InvokeResponse is the wire form of a pipeline result. Completed replays
// return the original response body unchanged.
type InvokeResponse struct {
	Success       bool     `json:"success"`
	Output        any      `json:"output,omitempty"`
	ErrorCode     string   `json:"error_code,omitempty"`
	Error         string   `json:"error,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
	AuditEventIDs []string `json:"audit_event_ids"`
}

// Service is the HTTP delivery boundary.
type Service struct {
	verifier identity.Verifier
	store    idempotency.Store
	pipe     *pipeline.Pipeline
	reg      *registry.Registry
	auditor  AuditReader
	limiter  *TenantRateLimiter
	metrics  *observability.Provider
	log      *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithMetrics attaches an observability provider; deduplicated deliveries
// then count against the duplicates instrument.
func WithMetrics(m *observability.Provider) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds the service. auditor may be nil, which disables the audit
// query endpoint.
func New(verifier identity.Verifier, store idempotency.Store, pipe *pipeline.Pipeline, reg *registry.Registry, auditor AuditReader, limiter *TenantRateLimiter, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		store:    store,
		pipe:     pipe,
		reg:      reg,
		auditor:  auditor,
		limiter:  limiter,
		log:      slog.Default().With("component", "ingress"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the service's route table.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/invoke", s.handleInvoke)
	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// authenticate resolves the bearer token to an actor and tenant.
func (s *Service) authenticate(r *http.Request) (tenant.ActorContext, string, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return tenant.ActorContext{}, "", errors.New("missing bearer token")
	}
	return s.verifier.Verify(r.Context(), token)
}

func (s *Service) handleInvoke(w http.ResponseWriter, r *http.Request) {
	actor, tenantID, err := s.authenticate(r)
	if err != nil {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow(tenantID) {
		writeProblem(w, r, http.StatusTooManyRequests, "Rate Limited", "tenant request rate exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "invalid request body")
		return
	}
	if req.RunID == "" || req.Tool == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "run_id and tool are required")
		return
	}

	key, err := deriveKey(req, tenantID)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	payloadHash, err := canonical.Hash(map[string]any{"tool": req.Tool, "input": req.Input})
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "Internal Error", "payload hashing failed")
		return
	}

	check, err := s.store.CheckAndSet(r.Context(), key, payloadHash)
	if err != nil {
		s.log.Error("idempotency check failed", "key", key.String(), "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, "Store Unavailable", "idempotency store unreachable")
		return
	}
	if !check.IsNew {
		s.respondDuplicate(w, r, key, check)
		return
	}

	resp := s.invoke(r.Context(), &req, actor, tenantID)
	s.settle(r.Context(), key, resp)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(resp))
	_ = json.NewEncoder(w).Encode(resp)
}

// invoke builds the tenant context and runs the pipeline. Errors are
// folded into the response, matching the pipeline's total-result contract.
func (s *Service) invoke(ctx context.Context, req *InvokeRequest, actor tenant.ActorContext, tenantID string) *InvokeResponse {
	tc, err := tenant.NewContext(tenantID, actor, tenant.WithRequestID(req.EventID))
	if err != nil {
		return &InvokeResponse{Success: false, ErrorCode: "VALIDATION_ERROR", Error: err.Error()}
	}

	var approval *tenant.ApprovalRecord
	if req.Approval != nil {
		approval, err = buildApproval(req.Approval)
		if err != nil {
			return &InvokeResponse{Success: false, ErrorCode: "VALIDATION_ERROR", Error: err.Error()}
		}
	}

	res := s.pipe.Invoke(ctx, s.reg, &pipeline.Request{
		RunID:    req.RunID,
		Tenant:   tc,
		ToolName: req.Tool,
		Input:    req.Input,
		Approval: approval,
	})
	return &InvokeResponse{
		Success:       res.Success,
		Output:        res.Output,
		ErrorCode:     string(res.ErrorCode),
		Error:         res.Error,
		DurationMS:    res.Duration.Milliseconds(),
		AuditEventIDs: res.AuditEventIDs,
	}
}

// settle transitions the idempotency record to its terminal status. A
// failed transition is logged; the caller still gets their result.
func (s *Service) settle(ctx context.Context, key idempotency.Key, resp *InvokeResponse) {
	var err error
	if resp.Success {
		var body []byte
		if body, err = json.Marshal(resp); err == nil {
			err = s.store.Complete(ctx, key, body)
		}
	} else {
		err = s.store.Fail(ctx, key, resp.ErrorCode)
	}
	if err != nil {
		s.log.Error("idempotency settle failed", "key", key.String(), "error", err)
	}
}

// respondDuplicate answers a delivery whose key was already seen: replay
// completed results, reject in-flight or recently failed attempts, and
// flag payload conflicts.
func (s *Service) respondDuplicate(w http.ResponseWriter, r *http.Request, key idempotency.Key, check idempotency.CheckResult) {
	if s.metrics != nil {
		verdict := "conflict"
		if !check.Conflict && check.Existing != nil {
			verdict = string(check.Existing.Status)
		}
		s.metrics.RecordDuplicate(r.Context(),
			attribute.String("gatewright.source", string(key.Source)),
			attribute.String("gatewright.tenant_id", key.Tenant),
			attribute.String("gatewright.verdict", verdict),
		)
	}
	if check.Conflict {
		writeProblem(w, r, http.StatusConflict, "Idempotency Conflict",
			fmt.Sprintf("delivery %s was already seen with a different payload", key.String()))
		return
	}
	rec := check.Existing
	switch rec.Status {
	case idempotency.StatusCompleted:
		w.Header().Set(replayHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		if len(rec.Result) > 0 {
			_, _ = w.Write(rec.Result)
		} else {
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	case idempotency.StatusFailed:
		writeProblem(w, r, http.StatusConflict, "Previously Failed",
			fmt.Sprintf("delivery %s failed (%s); retry after its record expires", key.String(), rec.FailureReason))
	default:
		writeProblem(w, r, http.StatusConflict, "In Flight",
			fmt.Sprintf("delivery %s is still being processed", key.String()))
	}
}

func (s *Service) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeProblem(w, r, http.StatusNotFound, "Not Found", "audit queries are not enabled")
		return
	}
	_, tenantID, err := s.authenticate(r)
	if err != nil {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", "run_id query parameter is required")
		return
	}
	events, err := s.auditor.QueryByRun(r.Context(), tenantID, runID)
	if err != nil {
		s.log.Error("audit query failed", "run_id", runID, "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Error", "audit query failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

// deriveKey maps a delivery onto its source-specific idempotency key.
func deriveKey(req InvokeRequest, tenantID string) (idempotency.Key, error) {
	switch req.Source {
	case idempotency.SourceGitHubWebhook:
		return idempotency.NewGitHubKey(tenantID, req.EventID)
	case idempotency.SourceAPI:
		return idempotency.NewAPIKey(tenantID, req.EventID)
	case idempotency.SourceSlack:
		return idempotency.NewSlackKey(tenantID, req.EventID)
	case idempotency.SourceScheduler:
		return idempotency.NewSchedulerKey(tenantID, req.EventID, req.Timestamp)
	default:
		return idempotency.Key{}, fmt.Errorf("unknown delivery source %q", req.Source)
	}
}

// buildApproval converts the wire payload into an ApprovalRecord.
func buildApproval(p *ApprovalPayload) (*tenant.ApprovalRecord, error) {
	caps := make([]tenant.Capability, len(p.Scope))
	for i, s := range p.Scope {
		caps[i] = tenant.Capability(s)
	}
	scope, err := tenant.NewCapabilitySet(caps...)
	if err != nil {
		return nil, err
	}
	rec, err := tenant.NewApprovalRecord(p.RunID, p.ApprovedBy, scope)
	if err != nil {
		return nil, err
	}
	if !p.ApprovedAt.IsZero() {
		rec.ApprovedAt = p.ApprovedAt
	}
	rec.PatchHash = p.PatchHash
	return rec, nil
}

// statusFor maps pipeline error codes onto HTTP statuses.
func statusFor(resp *InvokeResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch pipeline.ErrorCode(resp.ErrorCode) {
	case pipeline.CodeConnectorNotFound, pipeline.CodeToolNotFound:
		return http.StatusNotFound
	case pipeline.CodeValidationError:
		return http.StatusBadRequest
	case pipeline.CodePolicyDenied:
		return http.StatusForbidden
	case pipeline.CodeExecutionError:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
