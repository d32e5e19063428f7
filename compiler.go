package rls

import "errors"

// ============================================================================
// FILTER COMPILER
// ============================================================================

// CompileResult is a policy's predicate tree plus every fail-closed
// substitution made while building it. Err holds the first failure that no
// substitution can contain, such as an unsafe expression; the caller must
// deny the request when it is set.
type CompileResult struct {
	Node     PredicateNode
	Failures []ConditionFailure
	Err      error
}

// CompileGroup walks a condition group and binds every leaf against sc.
// Conditions that fail to resolve become FALSE leaves so that a broken
// condition can only narrow access. An empty AND group compiles to TRUE and
// an empty OR group to FALSE.
func CompileGroup(group *RLSConditionGroup, sc *UserSecurityContext) CompileResult {
	var res CompileResult
	res.Node = compileGroup(group, sc, &res)
	return res
}

func compileGroup(group *RLSConditionGroup, sc *UserSecurityContext, res *CompileResult) PredicateNode {
	logic := group.Logic
	if logic != LogicOr {
		logic = LogicAnd
	}
	children := make([]PredicateNode, 0, len(group.Conditions)+len(group.Groups))
	for i := range group.Conditions {
		children = append(children, compileCondition(&group.Conditions[i], sc, res))
	}
	for i := range group.Groups {
		children = append(children, compileGroup(&group.Groups[i], sc, res))
	}
	if len(children) == 0 {
		return neutral(logic)
	}
	return GroupNode{Logic: logic, Children: children}
}

func compileCondition(c *RLSCondition, sc *UserSecurityContext, res *CompileResult) PredicateNode {
	node, err := ResolveCondition(c, sc)
	if err == nil {
		return node
	}
	f := ConditionFailure{ConditionID: c.ID, Column: c.Column, Reason: FailureInvalidValue, Detail: err.Error()}
	var ce *ConditionError
	switch {
	case errors.As(err, &ce):
		f = ce.Failure()
		f.Column = c.Column
	case errors.Is(err, ErrEmitter):
		f.Reason = FailureMalformedExpression
		if res.Err == nil {
			res.Err = err
		}
	}
	res.Failures = append(res.Failures, f)
	return ConstNode{Value: false, Failure: &f}
}
