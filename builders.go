package rls

import "fmt"

// Builders provide a fluent API for creating policies, condition groups and roles.

// PolicyBuilder builds an RLSPolicy
type PolicyBuilder struct {
	p *RLSPolicy
}

func NewPolicyBuilder(id, name string) *PolicyBuilder {
	return &PolicyBuilder{p: &RLSPolicy{
		ID:          id,
		Name:        name,
		Enabled:     true,
		RoleIDs:     []string{},
		FilterGroup: RLSConditionGroup{ID: id + "-root", Logic: LogicAnd},
	}}
}

func (b *PolicyBuilder) Description(d string) *PolicyBuilder { b.p.Description = d; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder       { b.p.Priority = p; return b }
func (b *PolicyBuilder) Enabled(enabled bool) *PolicyBuilder { b.p.Enabled = enabled; return b }
func (b *PolicyBuilder) Connection(id string) *PolicyBuilder { b.p.Scope.ConnectionID = id; return b }
func (b *PolicyBuilder) Schema(name string) *PolicyBuilder   { b.p.Scope.SchemaName = name; return b }
func (b *PolicyBuilder) Table(name string) *PolicyBuilder    { b.p.Scope.TableName = name; return b }
func (b *PolicyBuilder) Roles(ids ...string) *PolicyBuilder {
	b.p.RoleIDs = append(b.p.RoleIDs, ids...)
	return b
}

// Filter replaces the root condition group.
func (b *PolicyBuilder) Filter(g *GroupBuilder) *PolicyBuilder {
	b.p.FilterGroup = g.Build()
	return b
}

func (b *PolicyBuilder) Build() *RLSPolicy { return b.p }

// GroupBuilder builds a condition group. Condition ids are generated from the
// group id when not given.
type GroupBuilder struct {
	g RLSConditionGroup
}

func And(id string) *GroupBuilder {
	return &GroupBuilder{g: RLSConditionGroup{ID: id, Logic: LogicAnd}}
}

func Or(id string) *GroupBuilder {
	return &GroupBuilder{g: RLSConditionGroup{ID: id, Logic: LogicOr}}
}

func (b *GroupBuilder) nextID() string {
	return fmt.Sprintf("%s-c%d", b.g.ID, len(b.g.Conditions)+1)
}

// Static adds a condition with a literal operand. Pass two values for
// between, a slice for in, none for is_null.
func (b *GroupBuilder) Static(column string, op RLSOperator, values ...any) *GroupBuilder {
	c := RLSCondition{ID: b.nextID(), Column: column, Operator: op, FilterType: FilterStatic}
	switch len(values) {
	case 0:
	case 1:
		c.Value = values[0]
	default:
		c.Value, c.Value2 = values[0], values[1]
	}
	b.g.Conditions = append(b.g.Conditions, c)
	return b
}

// UserAttr adds a dynamic condition reading a user attribute.
func (b *GroupBuilder) UserAttr(column string, op RLSOperator, attribute string) *GroupBuilder {
	b.g.Conditions = append(b.g.Conditions, RLSCondition{
		ID: b.nextID(), Column: column, Operator: op, FilterType: FilterDynamic, UserAttribute: attribute,
	})
	return b
}

// CustomAttr adds a dynamic condition reading a custom (possibly dotted) attribute.
func (b *GroupBuilder) CustomAttr(column string, op RLSOperator, attribute string) *GroupBuilder {
	b.g.Conditions = append(b.g.Conditions, RLSCondition{
		ID: b.nextID(), Column: column, Operator: op, FilterType: FilterDynamic, CustomAttribute: attribute,
	})
	return b
}

// Expr adds an expression condition. An empty column makes expr the whole predicate.
func (b *GroupBuilder) Expr(column string, op RLSOperator, expr string) *GroupBuilder {
	b.g.Conditions = append(b.g.Conditions, RLSCondition{
		ID: b.nextID(), Column: column, Operator: op, FilterType: FilterExpression, Expression: expr,
	})
	return b
}

// Condition adds a fully specified condition.
func (b *GroupBuilder) Condition(c RLSCondition) *GroupBuilder {
	if c.ID == "" {
		c.ID = b.nextID()
	}
	b.g.Conditions = append(b.g.Conditions, c)
	return b
}

// Group nests a subgroup.
func (b *GroupBuilder) Group(sub *GroupBuilder) *GroupBuilder {
	b.g.Groups = append(b.g.Groups, sub.Build())
	return b
}

func (b *GroupBuilder) Build() RLSConditionGroup { return b.g }

// RoleBuilder builds a SecurityRole
type RoleBuilder struct {
	r *SecurityRole
}

func NewRoleBuilder(id, name string) *RoleBuilder {
	return &RoleBuilder{r: &SecurityRole{ID: id, Name: name}}
}
func (b *RoleBuilder) Description(d string) *RoleBuilder { b.r.Description = d; return b }
func (b *RoleBuilder) Priority(p int) *RoleBuilder       { b.r.Priority = p; return b }
func (b *RoleBuilder) Build() *SecurityRole              { return b.r }
