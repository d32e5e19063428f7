package stores

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rls"
)

func openTestDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every pooled connection would otherwise get its own empty database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func samplePolicy(id string) *rls.RLSPolicy {
	return rls.NewPolicyBuilder(id, "Sample "+id).
		Table("orders").
		Priority(5).
		Roles("sales").
		Filter(rls.And(id+"-g").UserAttr("region", rls.OpEquals, "region").Static("status", rls.OpIn, []any{"open", "paid"})).
		Build()
}

func TestSQLPolicyStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLPolicyStore(openTestDB(t))

	gen0, err := store.Generation(ctx)
	require.NoError(t, err)

	p := samplePolicy("p1")
	p.Version = 1
	require.NoError(t, store.CreatePolicy(ctx, p))

	got, err := store.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Sample p1", got.Name)
	assert.Equal(t, "orders", got.Scope.TableName)
	assert.Equal(t, []string{"sales"}, got.RoleIDs)
	assert.Equal(t, 5, got.Priority)
	assert.True(t, got.Enabled)
	require.Len(t, got.FilterGroup.Conditions, 2)
	assert.Equal(t, "region", got.FilterGroup.Conditions[0].UserAttribute)
	assert.False(t, got.CreatedAt.IsZero())

	gen1, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen1, gen0)

	got.Name = "Renamed"
	got.Version = 2
	require.NoError(t, store.UpdatePolicy(ctx, got))
	updated, err := store.GetPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, 2, updated.Version)

	hist, err := store.GetPolicyHistory(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "Sample p1", hist[0].Name)

	list, err := store.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeletePolicy(ctx, "p1"))
	_, err = store.GetPolicy(ctx, "p1")
	assert.True(t, errors.Is(err, rls.ErrPolicyNotFound))

	gen2, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen2, gen1)
}

func TestSQLPolicyStoreKeepsLargeIntegers(t *testing.T) {
	ctx := context.Background()
	store := NewSQLPolicyStore(openTestDB(t))

	const account = int64(1<<53 + 1)
	p := rls.NewPolicyBuilder("acct", "Account").Table("ledger").Roles("finance").
		Filter(rls.And("g").Static("account_id", rls.OpEquals, account)).Build()
	require.NoError(t, store.CreatePolicy(ctx, p))

	got, err := store.GetPolicy(ctx, "acct")
	require.NoError(t, err)
	node, err := rls.ResolveCondition(&got.FilterGroup.Conditions[0], nil)
	require.NoError(t, err)
	assert.Equal(t, []any{account}, node.(rls.LeafNode).Operands)

	got.Name = "Account v2"
	require.NoError(t, store.UpdatePolicy(ctx, got))
	hist, err := store.GetPolicyHistory(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	node, err = rls.ResolveCondition(&hist[0].FilterGroup.Conditions[0], nil)
	require.NoError(t, err)
	assert.Equal(t, []any{account}, node.(rls.LeafNode).Operands)
}

func TestSQLPolicyStoreMissing(t *testing.T) {
	ctx := context.Background()
	store := NewSQLPolicyStore(openTestDB(t))

	err := store.UpdatePolicy(ctx, samplePolicy("nope"))
	assert.ErrorIs(t, err, rls.ErrPolicyNotFound)
	err = store.DeletePolicy(ctx, "nope")
	assert.ErrorIs(t, err, rls.ErrPolicyNotFound)
	_, err = store.GetPolicyHistory(ctx, "nope")
	assert.ErrorIs(t, err, rls.ErrPolicyNotFound)
}

func TestSQLRoleStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLRoleStore(openTestDB(t))

	require.NoError(t, store.CreateRole(ctx, &rls.SecurityRole{ID: "sales", Name: "Sales", Priority: 2}))
	require.NoError(t, store.CreateRole(ctx, &rls.SecurityRole{ID: "admin", Name: "Admin"}))
	assert.Error(t, store.CreateRole(ctx, &rls.SecurityRole{ID: "sales", Name: "Dup"}))

	r, err := store.GetRole(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "Sales", r.Name)
	assert.Equal(t, 2, r.Priority)

	require.NoError(t, store.UpdateRole(ctx, &rls.SecurityRole{ID: "sales", Name: "Sales EU"}))
	r, err = store.GetRole(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "Sales EU", r.Name)

	roles, err := store.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].ID)

	require.NoError(t, store.DeleteRole(ctx, "admin"))
	_, err = store.GetRole(ctx, "admin")
	assert.ErrorIs(t, err, rls.ErrRoleNotFound)
	assert.ErrorIs(t, store.UpdateRole(ctx, &rls.SecurityRole{ID: "ghost"}), rls.ErrRoleNotFound)
}

func TestSQLRoleMembershipStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewSQLRoleMembershipStore(db)

	before, err := readGeneration(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.AssignRole(ctx, "alice", "sales"))
	after, err := readGeneration(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	require.NoError(t, store.AssignRole(ctx, "alice", "admin"))
	require.NoError(t, store.AssignRole(ctx, "alice", "sales"))

	roles, err := store.ListRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "sales"}, roles)

	require.NoError(t, store.RevokeRole(ctx, "alice", "admin"))
	roles, err = store.ListRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, roles)

	roles, err = store.ListRoles(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestNewSQLAuditStoreRequiresDB(t *testing.T) {
	_, err := NewSQLAuditStore(nil)
	assert.Error(t, err)
}

func TestSQLAuditStoreTraceIDRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLAuditStore(openTestDB(t))
	require.NoError(t, err)

	where := `"region" = $1`
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*rls.AuditEntry{
		{
			ID:              "evt-1",
			Timestamp:       base,
			TraceID:         "trace-abc-123",
			UserID:          "user-x",
			Roles:           []string{"sales"},
			Resource:        rls.ResourceRef{ConnectionID: "main", SchemaName: "public", TableName: "orders"},
			MatchedPolicies: []rls.MatchedPolicy{{ID: "p1", Priority: 1, Checksum: "abc"}},
			PoliciesApplied: []string{"p1"},
			WhereClause:     where,
			Decision:        rls.DecisionAllow,
			Duration:        3 * time.Millisecond,
		},
		{
			ID:        "evt-2",
			Timestamp: base.Add(time.Minute),
			UserID:    "user-y",
			Resource:  rls.ResourceRef{TableName: "orders"},
			Decision:  rls.DecisionDeny,
			Reason:    rls.ReasonDefaultDeny,
			CacheHit:  true,
		},
	}
	require.NoError(t, store.LogDecisions(ctx, entries))

	logs, err := store.GetAccessLog(ctx, rls.AuditFilter{UserID: "user-x", Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	got := logs[0]
	assert.Equal(t, "trace-abc-123", got.TraceID)
	assert.Equal(t, where, got.WhereClause)
	assert.Equal(t, []string{"p1"}, got.PoliciesApplied)
	assert.Equal(t, "abc", got.MatchedPolicies[0].Checksum)
	assert.Equal(t, "public", got.Resource.SchemaName)
	assert.Equal(t, 3*time.Millisecond, got.Duration)
	assert.True(t, got.Timestamp.Equal(base))

	all, err := store.GetAccessLog(ctx, rls.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "evt-2", all[0].ID)
	assert.True(t, all[0].CacheHit)

	denied, err := store.GetAccessLog(ctx, rls.AuditFilter{Decision: rls.DecisionDeny})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, rls.ReasonDefaultDeny, denied[0].Reason)

	late, err := store.GetAccessLog(ctx, rls.AuditFilter{StartTime: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "evt-2", late[0].ID)
}
