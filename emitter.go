package rls

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/lib/pq"
)

// Dialect selects identifier quoting, placeholder style and operator spelling.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a dialect name. The empty string maps to postgres.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// ParameterizedClause is a WHERE fragment plus the values bound to its
// placeholders, in order.
type ParameterizedClause struct {
	SQL  string
	Args []any
}

// Emit renders node as a parameterized fragment.
func Emit(node PredicateNode, d Dialect) (ParameterizedClause, error) {
	return EmitPolicies([]PredicateNode{node}, CombineAnd, d)
}

// EmitPolicies renders one fragment per policy tree and joins them with
// combine. With more than one tree every fragment is parenthesized, and the
// whole clause is wrapped whenever its top level is an OR.
// Placeholder numbering runs across all fragments.
func EmitPolicies(nodes []PredicateNode, combine CombineStrategy, d Dialect) (ParameterizedClause, error) {
	e := &emitter{dialect: d}
	sql, err := e.fragments(nodes, combine)
	if err != nil {
		return ParameterizedClause{}, err
	}
	return ParameterizedClause{SQL: sql, Args: e.args}, nil
}

// EmitInline renders literals in place of placeholders. The result is for
// display in policy tests only and must never be executed.
func EmitInline(nodes []PredicateNode, combine CombineStrategy, d Dialect) (string, error) {
	e := &emitter{dialect: d, inline: true}
	return e.fragments(nodes, combine)
}

type emitter struct {
	dialect Dialect
	inline  bool
	args    []any
}

func (e *emitter) fail(format string, args ...any) error {
	return &EmitterError{Dialect: e.dialect, Reason: fmt.Sprintf(format, args...)}
}

func (e *emitter) fragments(nodes []PredicateNode, combine CombineStrategy) (string, error) {
	switch e.dialect {
	case DialectPostgres, DialectMySQL, DialectSQLite:
	default:
		return "", e.fail("unsupported dialect")
	}
	if len(nodes) == 0 {
		return "", e.fail("nothing to emit")
	}
	joiner := " AND "
	if combine == CombineOr {
		joiner = " OR "
	}
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		s, err := e.node(n)
		if err != nil {
			return "", err
		}
		if len(nodes) > 1 || isDisjunction(n) {
			s = "(" + s + ")"
		}
		parts[i] = s
	}
	out := strings.Join(parts, joiner)
	if len(nodes) > 1 && combine == CombineOr {
		out = "(" + out + ")"
	}
	return out, nil
}

// isDisjunction reports whether n renders with a top-level OR. The caller
// conjoins the clause to its own WHERE, so such output must be parenthesized.
func isDisjunction(n PredicateNode) bool {
	g, ok := n.(GroupNode)
	return ok && g.Logic == LogicOr && len(g.Children) > 1
}

func (e *emitter) node(n PredicateNode) (string, error) {
	switch n := n.(type) {
	case ConstNode:
		return e.constant(n.Value), nil
	case LeafNode:
		return e.leaf(n)
	case GroupNode:
		if len(n.Children) == 0 {
			return e.constant(neutral(n.Logic).Value), nil
		}
		joiner := " AND "
		if n.Logic == LogicOr {
			joiner = " OR "
		}
		parts := make([]string, len(n.Children))
		for i, child := range n.Children {
			s, err := e.node(child)
			if err != nil {
				return "", err
			}
			if g, ok := child.(GroupNode); ok && len(g.Children) > 1 {
				s = "(" + s + ")"
			}
			parts[i] = s
		}
		return strings.Join(parts, joiner), nil
	case nil:
		return "", e.fail("nil predicate")
	default:
		return "", e.fail("unknown predicate node %T", n)
	}
}

func (e *emitter) constant(v bool) string {
	if e.dialect == DialectSQLite {
		if v {
			return "1=1"
		}
		return "1=0"
	}
	if v {
		return "TRUE"
	}
	return "FALSE"
}

// leaf is the single per-operator switch. Every operator must be handled for
// every dialect or rejected explicitly.
func (e *emitter) leaf(n LeafNode) (string, error) {
	if n.Expression != "" {
		return e.expressionLeaf(n)
	}
	col, err := e.quoteIdent(n.Column)
	if err != nil {
		return "", err
	}
	if want := n.Operator.Arity(); !operandsFit(want, len(n.Operands)) {
		return "", e.fail("operator %s got %d operands", n.Operator, len(n.Operands))
	}
	switch n.Operator {
	case OpEquals:
		return col + " = " + e.bind(n.Operands[0]), nil
	case OpNotEquals:
		return col + " <> " + e.bind(n.Operands[0]), nil
	case OpGreaterThan:
		return col + " > " + e.bind(n.Operands[0]), nil
	case OpGreaterThanOrEqual:
		return col + " >= " + e.bind(n.Operands[0]), nil
	case OpLessThan:
		return col + " < " + e.bind(n.Operands[0]), nil
	case OpLessThanOrEqual:
		return col + " <= " + e.bind(n.Operands[0]), nil
	case OpIn, OpNotIn:
		if len(n.Operands) == 0 {
			return e.constant(n.Operator == OpNotIn), nil
		}
		marks := make([]string, len(n.Operands))
		for i, v := range n.Operands {
			marks[i] = e.bind(v)
		}
		kw := " IN ("
		if n.Operator == OpNotIn {
			kw = " NOT IN ("
		}
		return col + kw + strings.Join(marks, ", ") + ")", nil
	case OpLike:
		return col + " LIKE " + e.bind(n.Operands[0]), nil
	case OpNotLike:
		return col + " NOT LIKE " + e.bind(n.Operands[0]), nil
	case OpILike:
		if e.dialect == DialectPostgres {
			return col + " ILIKE " + e.bind(n.Operands[0]), nil
		}
		return "LOWER(" + col + ") LIKE LOWER(" + e.bind(n.Operands[0]) + ")", nil
	case OpContains:
		return col + " LIKE " + e.bind("%"+escapeLike(n.Operands[0])+"%") + e.likeEscape(), nil
	case OpNotContains:
		return col + " NOT LIKE " + e.bind("%"+escapeLike(n.Operands[0])+"%") + e.likeEscape(), nil
	case OpStartsWith:
		return col + " LIKE " + e.bind(escapeLike(n.Operands[0])+"%") + e.likeEscape(), nil
	case OpEndsWith:
		return col + " LIKE " + e.bind("%"+escapeLike(n.Operands[0])) + e.likeEscape(), nil
	case OpBetween:
		return col + " BETWEEN " + e.bind(n.Operands[0]) + " AND " + e.bind(n.Operands[1]), nil
	case OpNotBetween:
		return col + " NOT BETWEEN " + e.bind(n.Operands[0]) + " AND " + e.bind(n.Operands[1]), nil
	case OpIsNull:
		return col + " IS NULL", nil
	case OpIsNotNull:
		return col + " IS NOT NULL", nil
	case OpRegex:
		switch e.dialect {
		case DialectPostgres:
			return col + " ~ " + e.bind(n.Operands[0]), nil
		case DialectMySQL:
			return col + " REGEXP " + e.bind(n.Operands[0]), nil
		default:
			return "", e.fail("operator regex is not supported")
		}
	default:
		return "", e.fail("unknown operator %q", n.Operator)
	}
}

// expressionLeaf splices a trusted fragment. Without a column the fragment is
// the whole predicate.
func (e *emitter) expressionLeaf(n LeafNode) (string, error) {
	if reason := e.expressionHazard(n.Expression); reason != "" {
		return "", e.fail("expression rejected: %s", reason)
	}
	expr := "(" + n.Expression + ")"
	if n.Column == "" {
		return expr, nil
	}
	col, err := e.quoteIdent(n.Column)
	if err != nil {
		return "", err
	}
	switch n.Operator {
	case OpEquals:
		return col + " = " + expr, nil
	case OpNotEquals:
		return col + " <> " + expr, nil
	case OpGreaterThan:
		return col + " > " + expr, nil
	case OpGreaterThanOrEqual:
		return col + " >= " + expr, nil
	case OpLessThan:
		return col + " < " + expr, nil
	case OpLessThanOrEqual:
		return col + " <= " + expr, nil
	case OpIn:
		return col + " IN " + expr, nil
	case OpNotIn:
		return col + " NOT IN " + expr, nil
	case OpLike:
		return col + " LIKE " + expr, nil
	case OpNotLike:
		return col + " NOT LIKE " + expr, nil
	case OpILike:
		if e.dialect == DialectPostgres {
			return col + " ILIKE " + expr, nil
		}
		return "LOWER(" + col + ") LIKE LOWER" + expr, nil
	case OpContains:
		return col + " LIKE " + e.concat("'%'", expr, "'%'"), nil
	case OpNotContains:
		return col + " NOT LIKE " + e.concat("'%'", expr, "'%'"), nil
	case OpStartsWith:
		return col + " LIKE " + e.concat(expr, "'%'"), nil
	case OpEndsWith:
		return col + " LIKE " + e.concat("'%'", expr), nil
	case OpRegex:
		switch e.dialect {
		case DialectPostgres:
			return col + " ~ " + expr, nil
		case DialectMySQL:
			return col + " REGEXP " + expr, nil
		default:
			return "", e.fail("operator regex is not supported")
		}
	case OpBetween, OpNotBetween, OpIsNull, OpIsNotNull:
		return "", e.fail("operator %s cannot take an expression operand", n.Operator)
	default:
		return "", e.fail("unknown operator %q", n.Operator)
	}
}

func (e *emitter) concat(parts ...string) string {
	if e.dialect == DialectMySQL {
		return "CONCAT(" + strings.Join(parts, ", ") + ")"
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

// likeEscape is needed by sqlite, which has no default LIKE escape character.
func (e *emitter) likeEscape() string {
	if e.dialect == DialectSQLite {
		return ` ESCAPE '\'`
	}
	return ""
}

func operandsFit(a Arity, n int) bool {
	switch a {
	case ArityNone:
		return n == 0
	case ArityScalar:
		return n == 1
	case ArityRange:
		return n == 2
	case ArityList:
		return true
	}
	return false
}

func escapeLike(v any) string {
	s := fmt.Sprint(v)
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (e *emitter) bind(v any) string {
	if e.inline {
		return e.literal(v)
	}
	e.args = append(e.args, v)
	if e.dialect == DialectPostgres {
		return "$" + strconv.Itoa(len(e.args))
	}
	return "?"
}

func (e *emitter) literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return e.quoteString(x)
	case bool:
		if e.dialect == DialectSQLite {
			if x {
				return "1"
			}
			return "0"
		}
		if x {
			return "TRUE"
		}
		return "FALSE"
	case time.Time:
		return e.quoteString(x.UTC().Format(time.RFC3339Nano))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(x)
	default:
		return e.quoteString(fmt.Sprint(x))
	}
}

func (e *emitter) quoteString(s string) string {
	switch e.dialect {
	case DialectPostgres:
		return pq.QuoteLiteral(s)
	case DialectMySQL:
		s = strings.ReplaceAll(s, `\`, `\\`)
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	default:
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
}

// quoteIdent quotes each part of a possibly qualified column name.
func (e *emitter) quoteIdent(name string) (string, error) {
	if name == "" {
		return "", e.fail("empty column name")
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			return "", e.fail("malformed column name %q", name)
		}
		for _, r := range p {
			if r == 0 || unicode.IsControl(r) {
				return "", e.fail("control character in column name %q", name)
			}
		}
		switch e.dialect {
		case DialectPostgres:
			parts[i] = pq.QuoteIdentifier(p)
		case DialectMySQL:
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		default:
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, "."), nil
}

var expressionMarkers = []string{";", "--", "/*", "*/"}

// expressionHazard returns a reason when expr contains a statement separator
// or a comment marker, or when its parentheses could close the wrapper the
// emitter puts around it. It is empty for acceptable fragments.
func expressionHazard(expr string) string {
	for _, m := range expressionMarkers {
		if strings.Contains(expr, m) {
			return fmt.Sprintf("contains %q", m)
		}
	}
	return parenHazard(expr)
}

// parenHazard scans expr outside of quoted literals and identifiers. A
// backslash inside quotes is refused since MySQL treats it as an escape.
func parenHazard(expr string) string {
	depth := 0
	var quote rune
	for _, r := range expr {
		if quote != 0 {
			switch r {
			case quote:
				quote = 0
			case '\\':
				return "backslash inside a quoted literal"
			}
			continue
		}
		switch r {
		case '\'', '"', '`':
			quote = r
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "unbalanced parentheses"
			}
		}
	}
	if quote != 0 {
		return "unterminated quote"
	}
	if depth != 0 {
		return "unbalanced parentheses"
	}
	return ""
}

func (e *emitter) expressionHazard(expr string) string {
	if reason := expressionHazard(expr); reason != "" {
		return reason
	}
	if e.dialect == DialectMySQL && strings.Contains(expr, "#") {
		return `contains "#"`
	}
	return ""
}
