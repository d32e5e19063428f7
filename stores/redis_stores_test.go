package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisRoleMembershipStore(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisRoleMembershipStore(client)

	require.NoError(t, store.AssignRole(ctx, "alice", "sales"))
	require.NoError(t, store.AssignRole(ctx, "alice", "admin"))
	assert.True(t, mr.Exists("rls:members:alice"))

	roles, err := store.ListRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "sales"}, roles)

	require.NoError(t, store.RevokeRole(ctx, "alice", "sales"))
	roles, err = store.ListRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)

	mr.Close()
	_, err = store.ListRoles(ctx, "alice")
	assert.Error(t, err)
}

func TestRedisDecisionCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache := NewRedisDecisionCache(client, logger.NewNullLogger())

	where := `"owner_id" = $1`
	resp := &rls.RLSFilterResponse{
		HasFilters:      true,
		WhereClause:     &where,
		Parameters:      []any{"u1"},
		PoliciesApplied: []string{"owner"},
		Trace:           []string{"Start"},
	}
	cache.Set(ctx, "k1", resp, time.Minute)
	cache.Set(ctx, "k2", resp, 0)

	got, ok := cache.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, where, *got.WhereClause)
	assert.Equal(t, []any{"u1"}, got.Parameters)
	assert.Nil(t, got.Trace)
	_, ok = cache.Get(ctx, "k2")
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "k1")
	assert.False(t, ok)

	big := int64(1<<53 + 1)
	numeric := &rls.RLSFilterResponse{HasFilters: true, WhereClause: &where, Parameters: []any{big, 1.5}}
	cache.Set(ctx, "n", numeric, time.Minute)
	got, ok = cache.Get(ctx, "n")
	require.True(t, ok)
	assert.Equal(t, []any{big, 1.5}, got.Parameters)

	cache.Set(ctx, "a", resp, time.Minute)
	cache.Set(ctx, "b", resp, time.Minute)
	require.NoError(t, client.Set(ctx, "unrelated", "x", 0).Err())
	cache.Clear(ctx)
	_, ok = cache.Get(ctx, "a")
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"))
}
