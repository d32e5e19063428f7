package rls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionPolicy(id string, priority int, roles ...string) *RLSPolicy {
	return NewPolicyBuilder(id, id).
		Table("orders").
		Priority(priority).
		Roles(roles...).
		Filter(And(id).UserAttr("region", OpEquals, "region")).
		Build()
}

func TestMatchPoliciesOrderAndScope(t *testing.T) {
	disabled := regionPolicy("p-disabled", 0, "sales")
	disabled.Enabled = false
	wildcard := regionPolicy("p-any", 5, "sales")
	wildcard.Scope = PolicyScope{}
	otherSchema := regionPolicy("p-schema", 1, "sales")
	otherSchema.Scope.SchemaName = "archive"

	policies := []*RLSPolicy{
		regionPolicy("p-b", 1, "sales"),
		regionPolicy("p-a", 1, "sales"),
		regionPolicy("p-first", 0, "sales", "support"),
		regionPolicy("p-admin", 0, "admin"),
		disabled,
		wildcard,
		otherSchema,
	}
	res := ResourceRef{SchemaName: "public", TableName: "orders"}
	got := MatchPolicies(policies, res, []string{"sales"})

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"p-first", "p-a", "p-b", "p-any"}, ids)
}

func TestBuildResponseNoMatch(t *testing.T) {
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"nobody"}}
	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{regionPolicy("p1", 0, "sales")}, CombineAnd)

	cfg := DefaultConfiguration()
	resp, err := d.BuildResponse(cfg, DialectPostgres)
	require.NoError(t, err)
	assert.False(t, resp.AccessDenied)
	assert.False(t, resp.HasFilters)
	assert.Nil(t, resp.WhereClause)

	cfg.DefaultDeny = true
	resp, err = d.BuildResponse(cfg, DialectPostgres)
	require.NoError(t, err)
	assert.True(t, resp.AccessDenied)
	require.NotNil(t, resp.DenialReason)
	assert.Equal(t, ReasonDefaultDeny, *resp.DenialReason)
}

func TestBuildResponseEmptyGroupIsNeutral(t *testing.T) {
	open := NewPolicyBuilder("open", "open").Table("orders").Roles("sales").Build()
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"sales"}, Attributes: map[string]any{"region": "EU"}}

	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{open}, CombineAnd)
	resp, err := d.BuildResponse(DefaultConfiguration(), DialectPostgres)
	require.NoError(t, err)
	assert.False(t, resp.HasFilters)
	assert.Nil(t, resp.WhereClause)
	assert.Equal(t, []string{"open"}, resp.PoliciesApplied)

	// the empty policy does not dilute a restrictive one
	d = ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{open, regionPolicy("region", 1, "sales")}, CombineAnd)
	resp, err = d.BuildResponse(DefaultConfiguration(), DialectPostgres)
	require.NoError(t, err)
	require.NotNil(t, resp.WhereClause)
	assert.Equal(t, `"region" = $1`, *resp.WhereClause)
	assert.Equal(t, []any{"EU"}, resp.Parameters)
	assert.Equal(t, []string{"open", "region"}, resp.PoliciesApplied)
}

func TestBuildResponseMissingAttributeYieldsFalse(t *testing.T) {
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"sales"}}
	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{regionPolicy("p1", 0, "sales")}, CombineAnd)

	resp, err := d.BuildResponse(DefaultConfiguration(), DialectSQLite)
	require.NoError(t, err)
	assert.True(t, resp.HasFilters)
	assert.Equal(t, "1=0", *resp.WhereClause)
	assert.Empty(t, resp.Parameters)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "p1", resp.Failures[0].PolicyID)
	assert.Equal(t, FailureMissingAttribute, resp.Failures[0].Reason)
}

func TestBuildResponseCombineOr(t *testing.T) {
	owner := NewPolicyBuilder("owner", "owner").Table("orders").Roles("sales").
		Filter(And("o").UserAttr("owner_id", OpEquals, "user_id")).Build()
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"sales"}, Attributes: map[string]any{"region": "EU"}}

	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{owner, regionPolicy("region", 1, "sales")}, CombineOr)
	resp, err := d.BuildResponse(DefaultConfiguration(), DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `(("owner_id" = $1) OR ("region" = $2))`, *resp.WhereClause)
	assert.Equal(t, []any{"u1", "EU"}, resp.Parameters)

	inline, err := d.InlineClause(DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `(("owner_id" = 'u1') OR ("region" = 'EU'))`, inline)
}

func TestBuildResponseUnsafeExpressionDenies(t *testing.T) {
	p := NewPolicyBuilder("expr", "expr").Table("orders").Roles("sales").
		Filter(Or("x").Static("region", OpEquals, "EU").Expr("", OpEquals, "1=1) OR (1=1")).Build()
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"sales"}}

	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{p}, CombineAnd)
	resp, err := d.BuildResponse(DefaultConfiguration(), DialectPostgres)
	assert.ErrorIs(t, err, ErrEmitter)
	assert.True(t, resp.AccessDenied)
	assert.Equal(t, ReasonCompilationFailed, *resp.DenialReason)
	assert.Nil(t, resp.WhereClause)
	assert.Equal(t, []string{"expr"}, resp.PoliciesApplied)

	_, err = d.InlineClause(DialectPostgres)
	assert.ErrorIs(t, err, ErrEmitter)
}

func TestBuildResponseEmitterFailureDenies(t *testing.T) {
	p := NewPolicyBuilder("re", "re").Table("orders").Roles("sales").
		Filter(And("r").Static("code", OpRegex, "^A")).Build()
	sc := &UserSecurityContext{UserID: "u1", Roles: []string{"sales"}}

	d := ResolvePolicies(ResourceRef{TableName: "orders"}, sc, []*RLSPolicy{p}, CombineAnd)
	resp, err := d.BuildResponse(DefaultConfiguration(), DialectSQLite)
	assert.ErrorIs(t, err, ErrEmitter)
	assert.True(t, resp.AccessDenied)
	assert.Equal(t, ReasonCompilationFailed, *resp.DenialReason)
	assert.Nil(t, resp.WhereClause)
}
