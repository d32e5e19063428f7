package rls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectAll struct{}

func (rejectAll) ValidateExpression(expr string) error { return errors.New("not an expression") }

func TestValidatePolicy(t *testing.T) {
	valid := func() *RLSPolicy {
		return NewPolicyBuilder("p1", "Orders").Table("orders").Roles("sales").
			Filter(And("g").
				UserAttr("region", OpEquals, "region").
				Static("status", OpIn, []any{"open"}).
				Group(Or("sub").Expr("dept_id", OpIn, "SELECT id FROM depts"))).
			Build()
	}
	require.NoError(t, ValidatePolicy(valid(), 0, nil))

	deep := func() *RLSPolicy {
		p := valid()
		g := And("l3").Static("a", OpEquals, 1)
		g = And("l2").Group(g)
		p.FilterGroup = And("l1").Group(g).Build()
		return p
	}

	tests := []struct {
		name   string
		mutate func(p *RLSPolicy)
		depth  int
		expr   ExpressionValidator
	}{
		{"missing id", func(p *RLSPolicy) { p.ID = "" }, 0, nil},
		{"missing name", func(p *RLSPolicy) { p.Name = "" }, 0, nil},
		{"no roles", func(p *RLSPolicy) { p.RoleIDs = nil }, 0, nil},
		{"empty role", func(p *RLSPolicy) { p.RoleIDs = []string{""} }, 0, nil},
		{"unknown logic", func(p *RLSPolicy) { p.FilterGroup.Logic = "xor" }, 0, nil},
		{"duplicate condition id", func(p *RLSPolicy) {
			p.FilterGroup.Conditions[1].ID = p.FilterGroup.Conditions[0].ID
		}, 0, nil},
		{"duplicate group id", func(p *RLSPolicy) { p.FilterGroup.Groups[0].ID = p.FilterGroup.ID }, 0, nil},
		{"unknown operator", func(p *RLSPolicy) { p.FilterGroup.Conditions[0].Operator = "approx" }, 0, nil},
		{"dynamic with value", func(p *RLSPolicy) { p.FilterGroup.Conditions[0].Value = "EU" }, 0, nil},
		{"dynamic with both attributes", func(p *RLSPolicy) { p.FilterGroup.Conditions[0].CustomAttribute = "x" }, 0, nil},
		{"static arity", func(p *RLSPolicy) { p.FilterGroup.Conditions[1].Value = "open" }, 0, nil},
		{"unknown value type", func(p *RLSPolicy) { p.FilterGroup.Conditions[1].ValueType = "money" }, 0, nil},
		{"unknown filter type", func(p *RLSPolicy) { p.FilterGroup.Conditions[1].FilterType = "lookup" }, 0, nil},
		{"expression separator", func(p *RLSPolicy) {
			p.FilterGroup.Groups[0].Conditions[0].Expression = "SELECT 1; DROP TABLE t"
		}, 0, nil},
		{"expression grammar", func(p *RLSPolicy) {}, 0, rejectAll{}},
		{"too deep", func(p *RLSPolicy) { *p = *deep() }, 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := ValidatePolicy(p, tt.depth, tt.expr)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}

	require.NoError(t, ValidatePolicy(deep(), 3, nil))
	assert.ErrorIs(t, ValidatePolicy(nil, 0, nil), ErrInvalidPolicy)
}

func TestValidateConfiguration(t *testing.T) {
	require.NoError(t, validateConfiguration(DefaultConfiguration()))

	bad := []func(c *RLSConfiguration){
		func(c *RLSConfiguration) { c.Dialect = "oracle" },
		func(c *RLSConfiguration) { c.PolicyCombination = "xor" },
		func(c *RLSConfiguration) { c.CacheTTLSeconds = -1 },
		func(c *RLSConfiguration) { c.StoreTimeoutMS = -1 },
		func(c *RLSConfiguration) { c.MaxGroupDepth = -1 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfiguration()
		mutate(&cfg)
		assert.ErrorIs(t, validateConfiguration(cfg), ErrInvalidPolicy, "case %d", i)
	}
}

func TestConfigValidateChecksRoleReferences(t *testing.T) {
	cfg := NewConfigBuilder().
		AddRole(NewRoleBuilder("sales", "Sales").Build()).
		AddPolicy(regionPolicy("p1", 0, "sales")).
		AddPolicy(regionPolicy("p2", 0, "ghost")).
		AddMembership("u1", "phantom").
		Build()

	err := cfg.Validate(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), `role "ghost" is not declared`)
	assert.Contains(t, err.Error(), `undeclared role "phantom"`)
	assert.NotContains(t, err.Error(), "policy p1")
}
