package access

import (
	"context"
	"testing"

	"PaymentProcessor/internal/models"
	"PaymentProcessor/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = testutil.Address("owner")
	operator = testutil.Address("operator")
	stranger = testutil.Address("stranger")
)

func TestGuardRoles(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(owner, NewMemoryRoleStore(operator))

	assert.NoError(t, g.RequireOwner(ctx, owner))
	assert.ErrorIs(t, g.RequireOwner(ctx, operator), models.ErrUnauthorized)
	assert.ErrorIs(t, g.RequireOwner(ctx, ""), models.ErrUnauthorized)

	assert.NoError(t, g.RequireOperator(ctx, operator))
	assert.ErrorIs(t, g.RequireOperator(ctx, stranger), models.ErrUnauthorized)
	assert.ErrorIs(t, g.RequireOperator(ctx, ""), models.ErrUnauthorized)
}

func TestGuardOperatorManagement(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(owner, NewMemoryRoleStore())

	assert.ErrorIs(t, g.AddOperator(ctx, stranger, stranger), models.ErrUnauthorized)
	require.NoError(t, g.AddOperator(ctx, owner, operator))
	assert.NoError(t, g.RequireOperator(ctx, operator))

	require.NoError(t, g.RemoveOperator(ctx, owner, operator))
	assert.ErrorIs(t, g.RequireOperator(ctx, operator), models.ErrUnauthorized)
	assert.ErrorIs(t, g.AddOperator(ctx, owner, ""), models.ErrValidation)
}

func TestGuardPause(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(owner, NewMemoryRoleStore(operator))

	assert.NoError(t, g.RequireNotPaused(ctx))
	assert.ErrorIs(t, g.Pause(ctx, operator), models.ErrUnauthorized)
	require.NoError(t, g.Pause(ctx, owner))

	err := g.RequireNotPaused(ctx)
	assert.ErrorIs(t, err, models.ErrPaused)
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	require.NoError(t, g.Unpause(ctx, owner))
	assert.NoError(t, g.RequireNotPaused(ctx))
}

func TestGuardTransferOwnership(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(owner, NewMemoryRoleStore())

	assert.ErrorIs(t, g.TransferOwnership(ctx, stranger, stranger), models.ErrUnauthorized)
	require.NoError(t, g.TransferOwnership(ctx, owner, stranger))
	got, err := g.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, stranger, got)
	assert.ErrorIs(t, g.RequireOwner(ctx, owner), models.ErrUnauthorized)
	assert.ErrorIs(t, g.TransferOwnership(ctx, stranger, ""), models.ErrValidation)
}

func TestRequireCaller(t *testing.T) {
	assert.NoError(t, RequireCaller(operator, operator, "the acceptor"))
	err := RequireCaller(stranger, operator, "the acceptor")
	var authErr *models.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "the acceptor", authErr.Role)
}

func TestRedisRoleStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := Connect(ctx, mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	s := NewRedisRoleStore(client, "merchant-1")
	g := NewGuard(owner, s)

	ok, err := s.IsOperator(ctx, operator)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.AddOperator(ctx, owner, operator))
	require.NoError(t, g.AddOperator(ctx, owner, stranger))
	assert.NoError(t, g.RequireOperator(ctx, operator))
	assert.True(t, mr.Exists("processor:merchant-1:operators"))

	ops, err := s.Operators(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Address{operator, stranger}, ops)

	require.NoError(t, g.RemoveOperator(ctx, owner, stranger))
	ops, err = s.Operators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Address{operator}, ops)

	require.NoError(t, g.Pause(ctx, owner))
	assert.ErrorIs(t, g.RequireNotPaused(ctx), models.ErrPaused)
	require.NoError(t, g.Unpause(ctx, owner))
	assert.NoError(t, g.RequireNotPaused(ctx))
}

func TestRedisOwnershipSharedBetweenReplicas(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := Connect(ctx, mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	replicaA := NewGuard(owner, NewRedisRoleStore(client, "merchant-1"))
	replicaB := NewGuard(owner, NewRedisRoleStore(client, "merchant-1"))

	require.NoError(t, replicaA.TransferOwnership(ctx, owner, stranger))
	assert.Equal(t, string(stranger), mustGet(t, mr, "processor:merchant-1:owner"))

	gotB, err := replicaB.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, stranger, gotB)
	assert.ErrorIs(t, replicaB.Pause(ctx, owner), models.ErrUnauthorized)
	assert.NoError(t, replicaB.RequireNotPaused(ctx))

	// a restarted process still configured with the old owner
	restarted := NewGuard(owner, NewRedisRoleStore(client, "merchant-1"))
	assert.ErrorIs(t, restarted.RequireOwner(ctx, owner), models.ErrUnauthorized)
	assert.NoError(t, restarted.RequireOwner(ctx, stranger))

	other := NewGuard(owner, NewRedisRoleStore(client, "merchant-2"))
	assert.NoError(t, other.RequireOwner(ctx, owner))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestConnectParsesURL(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
}
