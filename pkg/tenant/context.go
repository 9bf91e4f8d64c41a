package tenant

import (
	"context"
	"errors"
	"time"
)

// RepoScope optionally narrows a request to one repository.
type RepoScope struct {
	Owner string
	Name  string
}

// Display returns the "owner/name" form used in audit records.
func (r RepoScope) Display() string { return r.Owner + "/" + r.Name }

// Context bundles the tenant, the acting identity, and optional scoping
// identifiers. Every authorization decision and audit event traces back to
// exactly one Context.
type Context struct {
	TenantID       string
	Actor          ActorContext
	OrgID          string
	Repo           *RepoScope
	InstallationID string
	RequestedAt    time.Time
	RequestID      string
}

// Option customizes a Context at construction time.
type Option func(*Context)

// WithOrg scopes the context to an organization.
func WithOrg(orgID string) Option {
	return func(c *Context) { c.OrgID = orgID }
}

// WithRepo scopes the context to a repository.
func WithRepo(owner, name string) Option {
	return func(c *Context) { c.Repo = &RepoScope{Owner: owner, Name: name} }
}

// WithInstallation records the platform-app installation id.
func WithInstallation(id string) Option {
	return func(c *Context) { c.InstallationID = id }
}

// WithRequestID attaches a tracing request id.
func WithRequestID(id string) Option {
	return func(c *Context) { c.RequestID = id }
}

// NewContext validates and builds a tenant Context. The request timestamp is
// set at construction.
func NewContext(tenantID string, actor ActorContext, opts ...Option) (Context, error) {
	if tenantID == "" {
		return Context{}, &ValidationError{Field: "tenant id", Reason: "must not be empty"}
	}
	if actor.ID == "" {
		return Context{}, &ValidationError{Field: "actor", Reason: "actor context is not constructed"}
	}
	tc := Context{
		TenantID:    tenantID,
		Actor:       actor,
		RequestedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&tc)
	}
	if tc.Repo != nil && (tc.Repo.Owner == "" || tc.Repo.Name == "") {
		return Context{}, &ValidationError{Field: "repo scope", Reason: "owner and name must both be set"}
	}
	return tc, nil
}

type ctxKey string

const tenantCtxKey ctxKey = "gatewright.tenant"

// ErrNoTenant is returned when a context.Context carries no tenant Context.
var ErrNoTenant = errors.New("tenant: no tenant context attached")

// Attach stores tc on a context.Context for downstream collaborators.
func Attach(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, tenantCtxKey, tc)
}

// FromContext retrieves the tenant Context attached by Attach.
func FromContext(ctx context.Context) (Context, error) {
	tc, ok := ctx.Value(tenantCtxKey).(Context)
	if !ok {
		return Context{}, ErrNoTenant
	}
	return tc, nil
}
