package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatewright/gatewright/pkg/tenant"
)

const (
	issuer   = "gatewright/identity"
	audience = "gatewright"
)

// Claims is the token payload binding a caller to a tenant and an actor.
type Claims struct {
	jwt.RegisteredClaims
	TenantID    string           `json:"tenant_id"`
	ActorType   tenant.ActorType `json:"actor_type"`
	Origin      tenant.Origin    `json:"origin"`
	DisplayName string           `json:"display_name,omitempty"`
	Email       string           `json:"email,omitempty"`
}

// Verifier turns a bearer credential into a validated actor. The delivery
// boundary consumes this interface only; deployments choose the
// implementation.
type Verifier interface {
	Verify(ctx context.Context, token string) (tenant.ActorContext, string, error)
}

// JWTVerifier verifies tokens signed by a KeySet and maps their claims
// onto the actor model.
type JWTVerifier struct {
	keySet KeySet
}

// NewJWTVerifier creates a verifier over the given key set.
func NewJWTVerifier(ks KeySet) *JWTVerifier {
	return &JWTVerifier{keySet: ks}
}

// Verify implements Verifier. The returned string is the tenant id the
// token is bound to.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (tenant.ActorContext, string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keySet.KeyFunc(),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return tenant.ActorContext{}, "", fmt.Errorf("identity: token rejected: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return tenant.ActorContext{}, "", fmt.Errorf("identity: token rejected: %w", jwt.ErrTokenSignatureInvalid)
	}
	if claims.TenantID == "" {
		return tenant.ActorContext{}, "", fmt.Errorf("identity: token carries no tenant id")
	}

	actor, err := tenant.NewActorContext(claims.Subject, claims.ActorType, claims.Origin)
	if err != nil {
		return tenant.ActorContext{}, "", fmt.Errorf("identity: token claims invalid: %w", err)
	}
	actor.DisplayName = claims.DisplayName
	actor.Email = claims.Email
	return actor, claims.TenantID, nil
}

// Issue mints a token for an actor, for embedded deployments and tests
// where this process is also the identity provider.
func Issue(ks KeySet, actor tenant.ActorContext, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:    tenantID,
		ActorType:   actor.Type,
		Origin:      actor.Origin,
		DisplayName: actor.DisplayName,
		Email:       actor.Email,
	}
	return ks.Sign(context.Background(), claims)
}
