package rls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(col string, o RLSOperator, operands ...any) LeafNode {
	return LeafNode{ConditionID: col, Column: col, Operator: o, Operands: operands}
}

func TestEmitOperators(t *testing.T) {
	tests := []struct {
		name    string
		node    PredicateNode
		dialect Dialect
		sql     string
		args    []any
	}{
		{"pg equals", op("region", OpEquals, "EU"), DialectPostgres, `"region" = $1`, []any{"EU"}},
		{"mysql equals", op("region", OpEquals, "EU"), DialectMySQL, "`region` = ?", []any{"EU"}},
		{"sqlite not equals", op("region", OpNotEquals, "EU"), DialectSQLite, `"region" <> ?`, []any{"EU"}},
		{"pg in", op("status", OpIn, "open", "paid"), DialectPostgres, `"status" IN ($1, $2)`, []any{"open", "paid"}},
		{"sqlite not in", op("status", OpNotIn, "void"), DialectSQLite, `"status" NOT IN (?)`, []any{"void"}},
		{"empty in", op("status", OpIn), DialectPostgres, `FALSE`, nil},
		{"empty not in sqlite", op("status", OpNotIn), DialectSQLite, `1=1`, nil},
		{"between", op("amount", OpBetween, 1, 10), DialectPostgres, `"amount" BETWEEN $1 AND $2`, []any{1, 10}},
		{"is null", op("deleted_at", OpIsNull), DialectMySQL, "`deleted_at` IS NULL", nil},
		{"pg ilike", op("name", OpILike, "a%"), DialectPostgres, `"name" ILIKE $1`, []any{"a%"}},
		{"mysql ilike", op("name", OpILike, "a%"), DialectMySQL, "LOWER(`name`) LIKE LOWER(?)", []any{"a%"}},
		{"contains escapes", op("name", OpContains, "50%_off"), DialectPostgres, `"name" LIKE $1`, []any{`%50\%\_off%`}},
		{"sqlite starts with", op("name", OpStartsWith, "ab"), DialectSQLite, `"name" LIKE ? ESCAPE '\'`, []any{"ab%"}},
		{"ends with", op("name", OpEndsWith, "z"), DialectMySQL, "`name` LIKE ?", []any{"%z"}},
		{"pg regex", op("code", OpRegex, "^A"), DialectPostgres, `"code" ~ $1`, []any{"^A"}},
		{"mysql regex", op("code", OpRegex, "^A"), DialectMySQL, "`code` REGEXP ?", []any{"^A"}},
		{"qualified column", op("o.region", OpEquals, "EU"), DialectPostgres, `"o"."region" = $1`, []any{"EU"}},
		{"quote in identifier", op(`we"ird`, OpEquals, 1), DialectSQLite, `"we""ird" = ?`, []any{1}},
		{"sqlite constants", ConstNode{Value: false}, DialectSQLite, `1=0`, nil},
		{"expression operand", LeafNode{Column: "dept_id", Operator: OpIn, Expression: "SELECT id FROM depts"}, DialectPostgres,
			`"dept_id" IN (SELECT id FROM depts)`, nil},
		{"bare expression", LeafNode{Expression: "archived = false"}, DialectPostgres, `(archived = false)`, nil},
		{"quoted parens", LeafNode{Column: "note", Operator: OpEquals, Expression: "lower(')(')"}, DialectPostgres,
			`"note" = (lower(')('))`, nil},
		{"single or group", GroupNode{Logic: LogicOr, Children: []PredicateNode{op("a", OpEquals, 1), op("b", OpEquals, 2)}},
			DialectPostgres, `("a" = $1 OR "b" = $2)`, []any{1, 2}},
		{"mysql expression contains", LeafNode{Column: "name", Operator: OpContains, Expression: "@term"}, DialectMySQL,
			"`name` LIKE CONCAT('%', (@term), '%')", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clause, err := Emit(tt.node, tt.dialect)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, clause.SQL)
			assert.Equal(t, tt.args, clause.Args)
		})
	}
}

func TestEmitNestedGroupsNumbersPlaceholders(t *testing.T) {
	tree := GroupNode{Logic: LogicAnd, Children: []PredicateNode{
		op("a", OpEquals, 1),
		GroupNode{Logic: LogicOr, Children: []PredicateNode{op("b", OpEquals, 2), op("c", OpIn, 3, 4)}},
	}}
	clause, err := Emit(tree, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `"a" = $1 AND ("b" = $2 OR "c" IN ($3, $4))`, clause.SQL)
	assert.Equal(t, []any{1, 2, 3, 4}, clause.Args)
}

func TestEmitPoliciesParenthesizesFragments(t *testing.T) {
	nodes := []PredicateNode{op("owner_id", OpEquals, "u1"), op("region", OpEquals, "EU")}

	clause, err := EmitPolicies(nodes, CombineAnd, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `("owner_id" = $1) AND ("region" = $2)`, clause.SQL)
	assert.Equal(t, []any{"u1", "EU"}, clause.Args)

	clause, err = EmitPolicies(nodes, CombineOr, DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, `(("owner_id" = ?) OR ("region" = ?))`, clause.SQL)
}

func TestEmitRejects(t *testing.T) {
	tests := []struct {
		name    string
		node    PredicateNode
		dialect Dialect
	}{
		{"sqlite regex", op("code", OpRegex, "^A"), DialectSQLite},
		{"empty column", op("", OpEquals, 1), DialectPostgres},
		{"empty identifier part", op("a..b", OpEquals, 1), DialectPostgres},
		{"control character", op("a\x00b", OpEquals, 1), DialectMySQL},
		{"arity mismatch", op("a", OpBetween, 1), DialectPostgres},
		{"unknown operator", op("a", "approx", 1), DialectPostgres},
		{"statement separator", LeafNode{Expression: "1=1; DROP TABLE t"}, DialectPostgres},
		{"comment", LeafNode{Expression: "1=1 -- x"}, DialectSQLite},
		{"mysql hash comment", LeafNode{Expression: "1=1 # x"}, DialectMySQL},
		{"closes wrapper", LeafNode{Expression: "1=1) OR (1=1"}, DialectPostgres},
		{"unclosed paren", LeafNode{Column: "dept_id", Operator: OpIn, Expression: "(SELECT id FROM depts"}, DialectPostgres},
		{"unterminated quote", LeafNode{Expression: "name = 'x"}, DialectSQLite},
		{"backslash in literal", LeafNode{Expression: `name = 'a\' OR 1=1 OR 'b'`}, DialectMySQL},
		{"unknown dialect", op("a", OpEquals, 1), Dialect("oracle")},
		{"nil node", nil, DialectPostgres},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Emit(tt.node, tt.dialect)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmitter)
			assert.True(t, IsEmitterErr(err))
		})
	}
}

func TestEmitInline(t *testing.T) {
	nodes := []PredicateNode{GroupNode{Logic: LogicAnd, Children: []PredicateNode{
		op("name", OpEquals, "O'Brien"),
		op("active", OpEquals, true),
		op("level", OpIn, 1, 2),
	}}}

	got, err := EmitInline(nodes, CombineAnd, DialectPostgres)
	require.NoError(t, err)
	assert.Equal(t, `"name" = 'O''Brien' AND "active" = TRUE AND "level" IN (1, 2)`, got)

	got, err = EmitInline(nodes, CombineAnd, DialectSQLite)
	require.NoError(t, err)
	assert.Equal(t, `"name" = 'O''Brien' AND "active" = 1 AND "level" IN (1, 2)`, got)
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": DialectPostgres, "PostgreSQL": DialectPostgres, "mariadb": DialectMySQL, "sqlite3": DialectSQLite} {
		got, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}
