package rls

import (
	"fmt"
	"sort"
)

// ============================================================================
// POLICY RESOLVER
// ============================================================================

// PolicyDecision is the outcome of matching and compiling policies for one
// request, before SQL emission.
type PolicyDecision struct {
	Matched  []*RLSPolicy
	Nodes    []PredicateNode // one per matched policy, same order
	Combined PredicateNode
	Combine  CombineStrategy
	Failures []ConditionFailure
	// Err is the first compilation error that forces a denial.
	Err error
}

// MatchPolicies returns the enabled policies whose scope covers res and whose
// roles intersect roles, sorted by priority then id.
func MatchPolicies(policies []*RLSPolicy, res ResourceRef, roles []string) []*RLSPolicy {
	var out []*RLSPolicy
	for _, p := range policies {
		if p == nil || !p.Enabled {
			continue
		}
		if !p.Scope.Matches(res) || !p.appliesToRoles(roles) {
			continue
		}
		out = append(out, p)
	}
	sortPolicies(out)
	return out
}

func sortPolicies(ps []*RLSPolicy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority < ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}

// ResolvePolicies matches, orders and compiles the policies for res.
func ResolvePolicies(res ResourceRef, sc *UserSecurityContext, policies []*RLSPolicy, combine CombineStrategy) PolicyDecision {
	if combine != CombineOr {
		combine = CombineAnd
	}
	d := PolicyDecision{Combine: combine, Matched: MatchPolicies(policies, res, sc.Roles)}
	children := make([]PredicateNode, 0, len(d.Matched))
	for _, p := range d.Matched {
		cr := CompileGroup(&p.FilterGroup, sc)
		if cr.Err != nil && d.Err == nil {
			d.Err = fmt.Errorf("policy %s: %w", p.ID, cr.Err)
		}
		for _, f := range cr.Failures {
			f.PolicyID = p.ID
			d.Failures = append(d.Failures, f)
		}
		node := Simplify(cr.Node)
		d.Nodes = append(d.Nodes, node)
		children = append(children, node)
	}
	d.Combined = Simplify(GroupNode{Logic: Logic(combine), Children: children})
	return d
}

// fragments returns the per-policy trees that still constrain rows after
// neutral elements for the combination are dropped.
func (d PolicyDecision) fragments() []PredicateNode {
	neutralValue := d.Combine != CombineOr
	out := make([]PredicateNode, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		if IsConst(n, neutralValue) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (d PolicyDecision) policyIDs() []string {
	ids := make([]string, len(d.Matched))
	for i, p := range d.Matched {
		ids[i] = p.ID
	}
	return ids
}

func (d PolicyDecision) matchedForAudit() []MatchedPolicy {
	out := make([]MatchedPolicy, len(d.Matched))
	for i, p := range d.Matched {
		out[i] = MatchedPolicy{ID: p.ID, Priority: p.Priority, Checksum: p.Checksum()}
	}
	return out
}

// BuildResponse turns the decision into the caller contract. An emitter
// error is returned alongside a denial so the caller can log it.
func (d PolicyDecision) BuildResponse(cfg RLSConfiguration, dialect Dialect) (*RLSFilterResponse, error) {
	if len(d.Matched) == 0 {
		if cfg.DefaultDeny {
			return deniedResponse(ReasonDefaultDeny), nil
		}
		return unrestrictedResponse(), nil
	}
	resp := &RLSFilterResponse{PoliciesApplied: d.policyIDs(), Failures: d.Failures}
	deny := func(err error) (*RLSFilterResponse, error) {
		denied := deniedResponse(ReasonCompilationFailed)
		denied.PoliciesApplied = resp.PoliciesApplied
		denied.Failures = resp.Failures
		return denied, err
	}
	if d.Err != nil {
		return deny(d.Err)
	}
	if IsConst(d.Combined, true) {
		return resp, nil
	}
	nodes := d.fragments()
	if IsConst(d.Combined, false) {
		nodes = []PredicateNode{falseNode}
	}
	clause, err := EmitPolicies(nodes, d.Combine, dialect)
	if err != nil {
		return deny(err)
	}
	resp.HasFilters = true
	resp.WhereClause = &clause.SQL
	resp.Parameters = clause.Args
	return resp, nil
}

// InlineClause renders the decision with literal values for display.
func (d PolicyDecision) InlineClause(dialect Dialect) (string, error) {
	if d.Err != nil {
		return "", d.Err
	}
	if len(d.Matched) == 0 || IsConst(d.Combined, true) {
		return "", nil
	}
	nodes := d.fragments()
	if IsConst(d.Combined, false) {
		nodes = []PredicateNode{falseNode}
	}
	return EmitInline(nodes, d.Combine, dialect)
}
