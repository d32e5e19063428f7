package rls

import (
	"errors"
	"fmt"
)

// ExpressionValidator checks an expression fragment against a SQL grammar.
type ExpressionValidator interface {
	ValidateExpression(expr string) error
}

// ValidatePolicy rejects policies that could not be evaluated safely. It runs
// at write time so evaluation never sees cyclic, over-deep or inconsistent
// trees. exprValidator may be nil.
func ValidatePolicy(p *RLSPolicy, maxDepth int, exprValidator ExpressionValidator) error {
	if p == nil {
		return invalid("policy", "is nil")
	}
	if p.ID == "" {
		return invalid("id", "is required")
	}
	if p.Name == "" {
		return invalid("name", "is required")
	}
	if len(p.RoleIDs) == 0 {
		return invalid("role_ids", "at least one role is required")
	}
	for i, r := range p.RoleIDs {
		if r == "" {
			return invalid(fmt.Sprintf("role_ids[%d]", i), "is empty")
		}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultConfiguration().MaxGroupDepth
	}
	if d := p.FilterGroup.Depth(); d > maxDepth {
		return invalid("filter_group", "depth %d exceeds limit %d", d, maxDepth)
	}
	v := &treeValidator{groups: map[string]bool{}, conditions: map[string]bool{}, expr: exprValidator}
	return v.group(&p.FilterGroup, "filter_group")
}

type treeValidator struct {
	groups     map[string]bool
	conditions map[string]bool
	expr       ExpressionValidator
}

func (v *treeValidator) group(g *RLSConditionGroup, path string) error {
	if g.ID != "" {
		if v.groups[g.ID] {
			return invalid(path+".id", "group %q appears more than once", g.ID)
		}
		v.groups[g.ID] = true
	}
	switch g.Logic {
	case LogicAnd, LogicOr, "":
	default:
		return invalid(path+".logic", "unknown logic %q", g.Logic)
	}
	for i := range g.Conditions {
		if err := v.condition(&g.Conditions[i], fmt.Sprintf("%s.conditions[%d]", path, i)); err != nil {
			return err
		}
	}
	for i := range g.Groups {
		if err := v.group(&g.Groups[i], fmt.Sprintf("%s.groups[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (v *treeValidator) condition(c *RLSCondition, path string) error {
	if c.ID == "" {
		return invalid(path+".id", "is required")
	}
	if v.conditions[c.ID] {
		return invalid(path+".id", "condition %q appears more than once", c.ID)
	}
	v.conditions[c.ID] = true

	arity := c.Operator.Arity()
	if arity == ArityInvalid {
		return invalid(path+".operator", "unknown operator %q", c.Operator)
	}
	switch c.ValueType {
	case ValueAny, ValueString, ValueNumber, ValueBoolean, ValueDate:
	default:
		return invalid(path+".value_type", "unknown value type %q", c.ValueType)
	}
	var err error
	switch c.FilterType {
	case FilterStatic:
		_, err = resolveStatic(c, arity)
	case FilterDynamic:
		err = checkDynamic(c, arity)
	case FilterExpression:
		if _, err = resolveExpression(c, arity); err == nil && v.expr != nil {
			if verr := v.expr.ValidateExpression(c.Expression); verr != nil {
				return invalid(path+".expression", "%v", verr)
			}
		}
	default:
		return invalid(path+".filter_type", "unknown filter type %q", c.FilterType)
	}
	if err != nil {
		var ce *ConditionError
		if errors.As(err, &ce) {
			return invalid(path, "%s: %s", ce.Reason, ce.Detail)
		}
		return invalid(path, "%v", err)
	}
	return nil
}

// checkDynamic checks a dynamic condition's shape without a context.
func checkDynamic(c *RLSCondition, arity Arity) error {
	if c.Column == "" {
		return conditionErr(c, FailureInvalidValue, "column is required")
	}
	if c.attributeKey() == "" {
		return conditionErr(c, FailureInvalidValue, "user_attribute or custom_attribute is required")
	}
	if c.UserAttribute != "" && c.CustomAttribute != "" {
		return conditionErr(c, FailureInvalidValue, "set only one of user_attribute and custom_attribute")
	}
	if c.Value != nil || c.Value2 != nil || c.Expression != "" {
		return conditionErr(c, FailureInvalidValue, "dynamic condition must only set an attribute")
	}
	if arity == ArityNone {
		return conditionErr(c, FailureArityMismatch, "%s cannot take an attribute", c.Operator)
	}
	return nil
}

func validateConfiguration(cfg RLSConfiguration) error {
	if _, err := ParseDialect(string(cfg.Dialect)); err != nil {
		return invalid("dialect", "%v", err)
	}
	switch cfg.PolicyCombination {
	case CombineAnd, CombineOr, "":
	default:
		return invalid("policy_combination", "must be and or or, got %q", cfg.PolicyCombination)
	}
	if cfg.CacheTTLSeconds < 0 {
		return invalid("cache_ttl_seconds", "must not be negative")
	}
	if cfg.StoreTimeoutMS < 0 {
		return invalid("store_timeout_ms", "must not be negative")
	}
	if cfg.MaxGroupDepth < 0 {
		return invalid("max_group_depth", "must not be negative")
	}
	return nil
}
