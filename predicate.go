package rls

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// ============================================================================
// PREDICATE TREE
// ============================================================================

// PredicateNode is a compiled, context-bound filter tree. The concrete types
// are ConstNode, LeafNode and GroupNode; no other implementations exist.
type PredicateNode interface {
	isPredicate()
	String() string
}

// ConstNode is a literal TRUE or FALSE. Failure is set when the constant
// replaced a condition that could not be compiled.
type ConstNode struct {
	Value   bool
	Failure *ConditionFailure
}

// LeafNode is a condition with its operands already resolved.
type LeafNode struct {
	ConditionID string
	Column      string
	Operator    RLSOperator
	Operands    []any
	Expression  string // trusted SQL operand; replaces Operands when set
}

// GroupNode joins children with Logic.
type GroupNode struct {
	Logic    Logic
	Children []PredicateNode
}

func (ConstNode) isPredicate() {}
func (LeafNode) isPredicate()  {}
func (GroupNode) isPredicate() {}

var (
	trueNode  = ConstNode{Value: true}
	falseNode = ConstNode{Value: false}
)

func (n ConstNode) String() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

func (n LeafNode) String() string {
	if n.Expression != "" {
		if n.Column == "" {
			return "(" + n.Expression + ")"
		}
		return fmt.Sprintf("%s %s (%s)", n.Column, n.Operator, n.Expression)
	}
	if len(n.Operands) == 0 {
		return fmt.Sprintf("%s %s", n.Column, n.Operator)
	}
	return fmt.Sprintf("%s %s %v", n.Column, n.Operator, n.Operands)
}

func (n GroupNode) String() string {
	if len(n.Children) == 0 {
		return neutral(n.Logic).String()
	}
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " "+strings.ToUpper(string(n.Logic))+" ") + ")"
}

// neutral returns the identity element for logic: And([]) = TRUE, Or([]) = FALSE.
func neutral(logic Logic) ConstNode {
	if logic == LogicOr {
		return falseNode
	}
	return trueNode
}

// Simplify folds constants without changing the meaning of the tree.
func Simplify(node PredicateNode) PredicateNode {
	g, ok := node.(GroupNode)
	if !ok {
		return node
	}
	absorbing := g.Logic == LogicOr // OR is absorbed by TRUE, AND by FALSE
	kept := make([]PredicateNode, 0, len(g.Children))
	for _, child := range g.Children {
		child = Simplify(child)
		if c, isConst := child.(ConstNode); isConst {
			if c.Value == absorbing {
				return c
			}
			continue
		}
		kept = append(kept, child)
	}
	switch len(kept) {
	case 0:
		return neutral(g.Logic)
	case 1:
		return kept[0]
	}
	return GroupNode{Logic: g.Logic, Children: kept}
}

// IsConst reports whether node is a constant with the given value.
func IsConst(node PredicateNode, value bool) bool {
	c, ok := node.(ConstNode)
	return ok && c.Value == value
}

// ============================================================================
// CONDITION EVALUATOR
// ============================================================================

// ResolveCondition binds a single condition against the security context.
// On failure the caller substitutes an always-false leaf; the error carries
// the reason for audit.
func ResolveCondition(c *RLSCondition, sc *UserSecurityContext) (PredicateNode, error) {
	arity := c.Operator.Arity()
	if arity == ArityInvalid {
		return nil, conditionErr(c, FailureInvalidOperator, "unknown operator %q", c.Operator)
	}
	switch c.FilterType {
	case FilterStatic:
		return resolveStatic(c, arity)
	case FilterDynamic:
		return resolveDynamic(c, arity, sc)
	case FilterExpression:
		return resolveExpression(c, arity)
	default:
		return nil, conditionErr(c, FailureUnsupportedFilterType, "filter type %q", c.FilterType)
	}
}

func resolveStatic(c *RLSCondition, arity Arity) (PredicateNode, error) {
	if c.Column == "" {
		return nil, conditionErr(c, FailureInvalidValue, "column is required")
	}
	if c.attributeKey() != "" || c.Expression != "" {
		return nil, conditionErr(c, FailureInvalidValue, "static condition must only set value")
	}
	var operands []any
	switch arity {
	case ArityNone:
		if c.Value != nil || c.Value2 != nil {
			return nil, conditionErr(c, FailureArityMismatch, "%s takes no value", c.Operator)
		}
	case ArityScalar:
		if !isScalar(c.Value) || c.Value2 != nil {
			return nil, conditionErr(c, FailureArityMismatch, "%s requires exactly one scalar value", c.Operator)
		}
		operands = []any{c.Value}
	case ArityRange:
		if !isScalar(c.Value) || !isScalar(c.Value2) {
			return nil, conditionErr(c, FailureArityMismatch, "%s requires value and value2", c.Operator)
		}
		operands = []any{c.Value, c.Value2}
	case ArityList:
		list, ok := asList(c.Value)
		if !ok || c.Value2 != nil {
			return nil, conditionErr(c, FailureArityMismatch, "%s requires a list value", c.Operator)
		}
		operands = list
	}
	coerced, err := coerceAll(c, operands)
	if err != nil {
		return nil, err
	}
	return LeafNode{ConditionID: c.ID, Column: c.Column, Operator: c.Operator, Operands: coerced}, nil
}

func resolveDynamic(c *RLSCondition, arity Arity, sc *UserSecurityContext) (PredicateNode, error) {
	if c.Column == "" {
		return nil, conditionErr(c, FailureInvalidValue, "column is required")
	}
	key := c.attributeKey()
	if key == "" || c.Value != nil || c.Expression != "" {
		return nil, conditionErr(c, FailureInvalidValue, "dynamic condition must only set an attribute")
	}
	v, ok := lookupAttribute(c, sc)
	if !ok {
		return nil, conditionErr(c, FailureMissingAttribute, "attribute %q not in context", key)
	}
	var operands []any
	switch arity {
	case ArityNone:
		return nil, conditionErr(c, FailureArityMismatch, "%s cannot take an attribute", c.Operator)
	case ArityScalar:
		if !isScalar(v) {
			return nil, conditionErr(c, FailureArityMismatch, "attribute %q is not a scalar", key)
		}
		operands = []any{v}
	case ArityRange:
		list, ok := asList(v)
		if !ok || len(list) != 2 {
			return nil, conditionErr(c, FailureArityMismatch, "attribute %q must hold exactly two bounds", key)
		}
		operands = list
	case ArityList:
		if list, ok := asList(v); ok {
			operands = list
		} else if isScalar(v) {
			operands = []any{v}
		} else {
			return nil, conditionErr(c, FailureArityMismatch, "attribute %q is not a list", key)
		}
	}
	coerced, err := coerceAll(c, operands)
	if err != nil {
		return nil, err
	}
	return LeafNode{ConditionID: c.ID, Column: c.Column, Operator: c.Operator, Operands: coerced}, nil
}

// resolveExpression binds an administrator-authored SQL operand. With no
// column the expression is itself the predicate.
func resolveExpression(c *RLSCondition, arity Arity) (PredicateNode, error) {
	expr := strings.TrimSpace(c.Expression)
	if expr == "" {
		return nil, conditionErr(c, FailureMalformedExpression, "expression is empty")
	}
	if c.Value != nil || c.Value2 != nil || c.attributeKey() != "" {
		return nil, conditionErr(c, FailureInvalidValue, "expression condition must only set expression")
	}
	if c.Column != "" && arity != ArityScalar && arity != ArityList {
		return nil, conditionErr(c, FailureArityMismatch, "%s cannot take an expression operand", c.Operator)
	}
	if reason := expressionHazard(expr); reason != "" {
		return nil, &EmitterError{Reason: fmt.Sprintf("condition %s: expression rejected: %s", c.ID, reason)}
	}
	return LeafNode{ConditionID: c.ID, Column: c.Column, Operator: c.Operator, Expression: expr}, nil
}

// lookupAttribute resolves a dynamic key. User attributes fall back to the
// built-in user_id and roles; custom attributes may use dotted paths.
func lookupAttribute(c *RLSCondition, sc *UserSecurityContext) (any, bool) {
	if sc == nil {
		return nil, false
	}
	if c.UserAttribute != "" {
		if v, ok := sc.Attributes[c.UserAttribute]; ok && v != nil {
			return v, true
		}
		switch c.UserAttribute {
		case "user_id", "id":
			return sc.UserID, sc.UserID != ""
		case "roles":
			roles := make([]any, len(sc.Roles))
			for i, r := range sc.Roles {
				roles[i] = r
			}
			return roles, true
		}
		return nil, false
	}
	if v, ok := sc.Attributes[c.CustomAttribute]; ok {
		return v, v != nil
	}
	var cur any = sc.Attributes
	for _, part := range strings.Split(c.CustomAttribute, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil:
		return false
	case string, bool, json.Number, time.Time,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

// asList flattens any slice or array of scalars into []any.
func asList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if l, ok := v.([]any); ok {
		for _, item := range l {
			if !isScalar(item) {
				return nil, false
			}
		}
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		item := rv.Index(i).Interface()
		if !isScalar(item) {
			return nil, false
		}
		out[i] = item
	}
	return out, true
}

func coerceAll(c *RLSCondition, values []any) ([]any, error) {
	if c.ValueType == ValueAny {
		return NormalizeNumbers(values), nil
	}
	out := make([]any, len(values))
	for i, v := range values {
		cv, err := coerce(v, c.ValueType)
		if err != nil {
			return nil, conditionErr(c, FailureInvalidValue, "%v", err)
		}
		out[i] = cv
	}
	return out, nil
}

// NormalizeNumbers turns json.Number operands, produced by decoders running
// with UseNumber, into int64 when exact and float64 otherwise.
func NormalizeNumbers(values []any) []any {
	var out []any
	for i, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if out == nil {
			out = append([]any(nil), values...)
		}
		out[i] = numberValue(n)
	}
	if out == nil {
		return values
	}
	return out
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func coerce(v any, t ValueType) (any, error) {
	switch t {
	case ValueString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case ValueNumber:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return n, nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			return n.Float64()
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i, nil
			}
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", n)
			}
			return f, nil
		}
	case ValueBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", b)
			}
			return parsed, nil
		}
	case ValueDate:
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case string:
			parsed, err := date.Parse(d)
			if err != nil {
				return nil, fmt.Errorf("%q is not a date", d)
			}
			return parsed, nil
		}
	default:
		return nil, fmt.Errorf("unknown value type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}
