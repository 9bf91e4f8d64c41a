package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewright/gatewright/pkg/tenant"
)

func TestIssueAndVerify(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)

	actor, err := tenant.NewActorContext("alice", tenant.ActorHuman, tenant.OriginWeb)
	require.NoError(t, err)
	actor.DisplayName = "Alice"

	token, err := Issue(ks, actor, "org-123", time.Hour)
	require.NoError(t, err)

	v := NewJWTVerifier(ks)
	got, tenantID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "org-123", tenantID)
	assert.Equal(t, "alice", got.ID)
	assert.Equal(t, tenant.ActorHuman, got.Type)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestVerifyRejectsExpired(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	actor, err := tenant.NewActorContext("alice", tenant.ActorHuman, tenant.OriginWeb)
	require.NoError(t, err)

	token, err := Issue(ks, actor, "org-123", -time.Minute)
	require.NoError(t, err)

	_, _, err = NewJWTVerifier(ks).Verify(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	ks1, err := NewInMemoryKeySet()
	require.NoError(t, err)
	ks2, err := NewInMemoryKeySet()
	require.NoError(t, err)

	actor, err := tenant.NewActorContext("svc-1", tenant.ActorService, tenant.OriginAPI)
	require.NoError(t, err)

	token, err := Issue(ks1, actor, "org-123", time.Hour)
	require.NoError(t, err)

	_, _, err = NewJWTVerifier(ks2).Verify(context.Background(), token)
	assert.Error(t, err)
}

func TestRotationKeepsOldTokensValid(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	actor, err := tenant.NewActorContext("alice", tenant.ActorHuman, tenant.OriginWeb)
	require.NoError(t, err)

	token, err := Issue(ks, actor, "org-123", time.Hour)
	require.NoError(t, err)
	require.NoError(t, ks.Rotate())

	_, _, err = NewJWTVerifier(ks).Verify(context.Background(), token)
	assert.NoError(t, err)
}
