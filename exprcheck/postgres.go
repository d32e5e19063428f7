// Package exprcheck validates raw SQL expressions used by expression
// conditions before a policy is stored.
package exprcheck

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/oarkflow/rls"
)

// Both wrap rls.ErrInvalidPolicy.
var (
	ErrNotExpression = fmt.Errorf("%w: not a single scalar expression", rls.ErrInvalidPolicy)
	ErrParse         = fmt.Errorf("%w: expression does not parse", rls.ErrInvalidPolicy)
)

// PostgresValidator parses expressions with the PostgreSQL parser. An
// expression is accepted when "SELECT <expr>" is exactly one plain SELECT with
// one target and no FROM, WHERE or set operation.
type PostgresValidator struct{}

func NewPostgresValidator() *PostgresValidator { return &PostgresValidator{} }

func (v *PostgresValidator) ValidateExpression(expr string) error {
	_, err := v.selectTarget(expr)
	return err
}

// Normalize returns the expression as deparsed by PostgreSQL.
func (v *PostgresValidator) Normalize(expr string) (string, error) {
	sel, err := v.selectTarget(expr)
	if err != nil {
		return "", err
	}
	deparsed, err := pg_query.Deparse(&pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: sel}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	after, ok := strings.CutPrefix(deparsed, "SELECT ")
	if !ok {
		return "", fmt.Errorf("%w: unexpected deparse %q", ErrNotExpression, deparsed)
	}
	return strings.TrimSpace(after), nil
}

func (v *PostgresValidator) selectTarget(expr string) (*pg_query.SelectStmt, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty", ErrNotExpression)
	}
	result, err := pg_query.Parse("SELECT " + expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(result.Stmts) != 1 {
		return nil, fmt.Errorf("%w: %d statements", ErrNotExpression, len(result.Stmts))
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	switch {
	case sel == nil:
		return nil, fmt.Errorf("%w: not a SELECT", ErrNotExpression)
	case sel.Larg != nil || sel.Rarg != nil:
		return nil, fmt.Errorf("%w: set operation", ErrNotExpression)
	case len(sel.TargetList) != 1:
		return nil, fmt.Errorf("%w: %d targets", ErrNotExpression, len(sel.TargetList))
	case len(sel.FromClause) > 0, sel.WhereClause != nil, len(sel.GroupClause) > 0,
		sel.HavingClause != nil, len(sel.SortClause) > 0, sel.LimitCount != nil,
		sel.LimitOffset != nil, sel.IntoClause != nil, sel.WithClause != nil:
		return nil, fmt.Errorf("%w: trailing clause", ErrNotExpression)
	}
	if rt := sel.TargetList[0].GetResTarget(); rt == nil || rt.Name != "" {
		return nil, fmt.Errorf("%w: aliased target", ErrNotExpression)
	}
	return sel, nil
}
