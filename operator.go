package rls

import "sort"

// RLSOperator is the closed set of comparison operators a condition may use.
type RLSOperator string

const (
	OpEquals             RLSOperator = "equals"
	OpNotEquals          RLSOperator = "not_equals"
	OpGreaterThan        RLSOperator = "greater_than"
	OpGreaterThanOrEqual RLSOperator = "greater_than_or_equal"
	OpLessThan           RLSOperator = "less_than"
	OpLessThanOrEqual    RLSOperator = "less_than_or_equal"
	OpIn                 RLSOperator = "in"
	OpNotIn              RLSOperator = "not_in"
	OpLike               RLSOperator = "like"
	OpNotLike            RLSOperator = "not_like"
	OpILike              RLSOperator = "ilike"
	OpContains           RLSOperator = "contains"
	OpNotContains        RLSOperator = "not_contains"
	OpStartsWith         RLSOperator = "starts_with"
	OpEndsWith           RLSOperator = "ends_with"
	OpBetween            RLSOperator = "between"
	OpNotBetween         RLSOperator = "not_between"
	OpIsNull             RLSOperator = "is_null"
	OpIsNotNull          RLSOperator = "is_not_null"
	OpRegex              RLSOperator = "regex"
)

// Arity describes how many operands an operator consumes.
type Arity int

const (
	ArityInvalid Arity = iota
	ArityNone          // is_null, is_not_null
	ArityScalar        // exactly one scalar
	ArityRange         // value and value2
	ArityList          // a list of scalars
)

func (a Arity) String() string {
	switch a {
	case ArityNone:
		return "none"
	case ArityScalar:
		return "scalar"
	case ArityRange:
		return "range"
	case ArityList:
		return "list"
	default:
		return "invalid"
	}
}

// Arity returns the operand shape the operator requires.
func (o RLSOperator) Arity() Arity {
	switch o {
	case OpIsNull, OpIsNotNull:
		return ArityNone
	case OpBetween, OpNotBetween:
		return ArityRange
	case OpIn, OpNotIn:
		return ArityList
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual,
		OpLike, OpNotLike, OpILike, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpRegex:
		return ArityScalar
	default:
		return ArityInvalid
	}
}

// Valid reports whether o is a known operator.
func (o RLSOperator) Valid() bool { return o.Arity() != ArityInvalid }

// Operators lists every supported operator.
func Operators() []RLSOperator {
	return []RLSOperator{
		OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual,
		OpIn, OpNotIn, OpLike, OpNotLike, OpILike, OpContains, OpNotContains, OpStartsWith, OpEndsWith,
		OpBetween, OpNotBetween, OpIsNull, OpIsNotNull, OpRegex,
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
