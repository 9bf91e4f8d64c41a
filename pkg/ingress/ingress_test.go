package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/gatewright/gatewright/pkg/audit"
	"github.com/gatewright/gatewright/pkg/idempotency"
	"github.com/gatewright/gatewright/pkg/identity"
	"github.com/gatewright/gatewright/pkg/observability"
	"github.com/gatewright/gatewright/pkg/pipeline"
	"github.com/gatewright/gatewright/pkg/policy"
	"github.com/gatewright/gatewright/pkg/registry"
	"github.com/gatewright/gatewright/pkg/tenant"
)

type testEnv struct {
	server *httptest.Server
	token  string
	engine *policy.Engine
	store  *audit.MemoryStore
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	actor, err := tenant.NewActorContext("alice", tenant.ActorHuman, tenant.OriginAPI)
	require.NoError(t, err)
	token, err := identity.Issue(ks, actor, "org-123", time.Hour)
	require.NoError(t, err)

	engine, err := policy.NewEngine()
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	pipe := pipeline.New(engine, store)

	echo, err := registry.NewToolSpec("echo", policy.ClassRead, "", "",
		func(_ context.Context, _ registry.ToolContext, input map[string]any) (any, error) {
			return map[string]any{"echo": input["msg"]}, nil
		})
	require.NoError(t, err)
	del, err := registry.NewToolSpec("delete", policy.ClassDestructive, "", "",
		func(_ context.Context, _ registry.ToolContext, _ map[string]any) (any, error) {
			return map[string]any{"deleted": true}, nil
		})
	require.NoError(t, err)
	conn, err := registry.NewStaticConnector("mock", echo, del)
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.Register(conn))

	svc := New(
		identity.NewJWTVerifier(ks),
		idempotency.NewMemoryStore(idempotency.DefaultTTLs, nil),
		pipe, reg, store,
		NewTenantRateLimiter(100, 100),
		opts...,
	)
	server := httptest.NewServer(svc.Handler())
	t.Cleanup(server.Close)

	return &testEnv{server: server, token: token, engine: engine, store: store}
}

func (e *testEnv) post(t *testing.T, req InvokeRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq, err := http.NewRequest(http.MethodPost, e.server.URL+"/v1/invoke", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	return resp
}

func decodeInvoke(t *testing.T, resp *http.Response) InvokeResponse {
	t.Helper()
	defer resp.Body.Close()
	var out InvokeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestInvokeEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-1",
		Tool:    "mock.echo",
		Input:   map[string]any{"msg": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeInvoke(t, resp)
	assert.True(t, out.Success)
	assert.Equal(t, map[string]any{"echo": "hi"}, out.Output)
	assert.NotEmpty(t, out.AuditEventIDs)
}

func TestDuplicateDeliveryReplays(t *testing.T) {
	env := newTestEnv(t)
	req := InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-dup",
		Tool:    "mock.echo",
		Input:   map[string]any{"msg": "hi"},
	}

	first := env.post(t, req)
	require.Equal(t, http.StatusOK, first.StatusCode)
	firstOut := decodeInvoke(t, first)

	second := env.post(t, req)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(replayHeader))
	secondOut := decodeInvoke(t, second)
	assert.Equal(t, firstOut.AuditEventIDs, secondOut.AuditEventIDs)

	// The replay never reached the pipeline: still exactly one event.
	assert.Equal(t, 1, env.store.Size())
}

func duplicateCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gatewright.duplicates.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDuplicateDeliveryCountsDuplicateMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("ingress-test")
	obs, err := observability.NewWithMeter(meter)
	require.NoError(t, err)
	env := newTestEnv(t, WithMetrics(obs))

	req := InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-dup-metric",
		Tool:    "mock.echo",
		Input:   map[string]any{"msg": "hi"},
	}

	first := env.post(t, req)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.EqualValues(t, 0, duplicateCount(t, reader))

	second := env.post(t, req)
	second.Body.Close()
	assert.Equal(t, "true", second.Header.Get(replayHeader))
	assert.EqualValues(t, 1, duplicateCount(t, reader))
}

func TestDuplicateWithDifferentPayloadConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-conflict",
		Tool:    "mock.echo",
		Input:   map[string]any{"msg": "hi"},
	}
	resp := env.post(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req.Input = map[string]any{"msg": "tampered"}
	resp = env.post(t, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "Idempotency Conflict", problem.Title)
}

func TestFailedDeliveryRejectsUntilExpiry(t *testing.T) {
	env := newTestEnv(t)
	req := InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-denied",
		Tool:    "mock.delete",
	}

	resp := env.post(t, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	out := decodeInvoke(t, resp)
	assert.Equal(t, string(pipeline.CodePolicyDenied), out.ErrorCode)

	resp = env.post(t, req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&problem))
	assert.Equal(t, "Previously Failed", problem.Title)
}

func TestDestructiveWithApprovalAndPolicy(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.engine.Install(&policy.Document{
		Version: "1.0.0",
		Name:    "dev",
		Rules: []policy.Rule{{
			ID:       "allow-destructive-dev",
			Effect:   policy.EffectAllow,
			Priority: 10,
			Conditions: policy.Conditions{
				Tenants: []string{"org-123"},
				Classes: []policy.Class{policy.ClassDestructive},
			},
		}},
	}))

	resp := env.post(t, InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceAPI,
		EventID: "req-approved",
		Tool:    "mock.delete",
		Approval: &ApprovalPayload{
			RunID:      "run-1",
			ApprovedBy: "carol",
			ApprovedAt: time.Now().UTC(),
			Scope:      []string{"push"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeInvoke(t, resp)
	assert.True(t, out.Success)
}

func TestSchedulerSourceRequiresTimestamp(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, InvokeRequest{
		RunID:   "run-1",
		Source:  idempotency.SourceScheduler,
		EventID: "daily-cleanup",
		Tool:    "mock.echo",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnauthenticatedRejected(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(InvokeRequest{RunID: "run-1", Tool: "mock.echo"})
	resp, err := http.Post(env.server.URL+"/v1/invoke", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	actor, err := tenant.NewActorContext("alice", tenant.ActorHuman, tenant.OriginAPI)
	require.NoError(t, err)
	token, err := identity.Issue(ks, actor, "org-123", time.Hour)
	require.NoError(t, err)

	engine, err := policy.NewEngine()
	require.NoError(t, err)
	pipe := pipeline.New(engine, audit.NewMemoryStore())
	svc := New(
		identity.NewJWTVerifier(ks),
		idempotency.NewMemoryStore(idempotency.DefaultTTLs, nil),
		pipe, registry.New(), nil,
		NewTenantRateLimiter(1, 1),
	)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(InvokeRequest{
			RunID: "run-1", Source: idempotency.SourceAPI,
			EventID: "req-" + string(rune('a'+i)), Tool: "mock.echo",
		})
		httpReq, err := http.NewRequest(http.MethodPost, server.URL+"/v1/invoke", bytes.NewReader(body))
		require.NoError(t, err)
		httpReq.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(httpReq)
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Contains(t, statuses, http.StatusTooManyRequests)
}

func TestAuditQueryByRun(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, InvokeRequest{
		RunID:   "run-q",
		Source:  idempotency.SourceAPI,
		EventID: "req-q",
		Tool:    "mock.echo",
		Input:   map[string]any{"msg": "hi"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	httpReq, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/audit?run_id=run-q", nil)
	require.NoError(t, err)
	httpReq.Header.Set("Authorization", "Bearer "+env.token)
	qresp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	defer qresp.Body.Close()
	require.Equal(t, http.StatusOK, qresp.StatusCode)

	var out struct {
		Events []*audit.Event `json:"events"`
	}
	require.NoError(t, json.NewDecoder(qresp.Body).Decode(&out))
	require.Len(t, out.Events, 1)
	assert.Equal(t, "run-q", out.Events[0].RunID)
	assert.Equal(t, "mock.echo", out.Events[0].Tool)
}
