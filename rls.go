// Package rls evaluates row-level security policies against a user's security
// context and compiles the applicable policies into a parameterized SQL
// predicate that callers conjoin to every query on the protected table.
package rls

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// SecurityRole groups users for policy targeting.
type SecurityRole struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int       `json:"priority" yaml:"priority"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at,omitempty"`
}

// UserSecurityContext is built fresh for every evaluation and never persisted.
type UserSecurityContext struct {
	UserID     string         `json:"user_id" yaml:"user_id"`
	Roles      []string       `json:"roles" yaml:"roles"`
	Attributes map[string]any `json:"attributes" yaml:"attributes"`
}

// HasRole reports whether roleID is among the context roles.
func (c *UserSecurityContext) HasRole(roleID string) bool {
	for _, r := range c.Roles {
		if r == roleID {
			return true
		}
	}
	return false
}

// FilterType selects where a condition's operand comes from.
type FilterType string

const (
	FilterStatic     FilterType = "static"
	FilterDynamic    FilterType = "dynamic"
	FilterExpression FilterType = "expression"
)

// ValueType optionally coerces static or dynamic operands.
type ValueType string

const (
	ValueAny     ValueType = ""
	ValueString  ValueType = "string"
	ValueNumber  ValueType = "number"
	ValueBoolean ValueType = "boolean"
	ValueDate    ValueType = "date"
)

// RLSCondition is a single leaf of a policy's filter tree.
type RLSCondition struct {
	ID              string      `json:"id" yaml:"id"`
	Column          string      `json:"column" yaml:"column"`
	Operator        RLSOperator `json:"operator" yaml:"operator"`
	FilterType      FilterType  `json:"filter_type" yaml:"filter_type"`
	Value           any         `json:"value,omitempty" yaml:"value,omitempty"`
	Value2          any         `json:"value2,omitempty" yaml:"value2,omitempty"`
	ValueType       ValueType   `json:"value_type,omitempty" yaml:"value_type,omitempty"`
	UserAttribute   string      `json:"user_attribute,omitempty" yaml:"user_attribute,omitempty"`
	CustomAttribute string      `json:"custom_attribute,omitempty" yaml:"custom_attribute,omitempty"`
	Expression      string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// attributeKey returns the context key a dynamic condition reads.
func (c *RLSCondition) attributeKey() string {
	if c.UserAttribute != "" {
		return c.UserAttribute
	}
	return c.CustomAttribute
}

// Logic joins the children of a condition group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// RLSConditionGroup is a boolean tree of conditions and nested groups.
// Groups are held by value so a tree can never reference itself.
type RLSConditionGroup struct {
	ID         string              `json:"id" yaml:"id"`
	Logic      Logic               `json:"logic" yaml:"logic"`
	Conditions []RLSCondition      `json:"conditions" yaml:"conditions"`
	Groups     []RLSConditionGroup `json:"groups" yaml:"groups"`
}

// Depth returns the nesting depth of the group (a leaf-only group is 1).
func (g *RLSConditionGroup) Depth() int {
	max := 0
	for i := range g.Groups {
		if d := g.Groups[i].Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// PolicyScope restricts a policy to a resource. An empty field is a wildcard.
type PolicyScope struct {
	ConnectionID string `json:"connection_id,omitempty" yaml:"connection_id,omitempty"`
	SchemaName   string `json:"schema_name,omitempty" yaml:"schema_name,omitempty"`
	TableName    string `json:"table_name,omitempty" yaml:"table_name,omitempty"`
}

// Matches reports whether every non-empty scope field equals the resource.
func (s PolicyScope) Matches(r ResourceRef) bool {
	return (s.ConnectionID == "" || s.ConnectionID == r.ConnectionID) &&
		(s.SchemaName == "" || s.SchemaName == r.SchemaName) &&
		(s.TableName == "" || s.TableName == r.TableName)
}

// RLSPolicy is a named, scoped rule contributing one filter predicate.
type RLSPolicy struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Priority    int               `json:"priority" yaml:"priority"` // lower = evaluated first
	Scope       PolicyScope       `json:"scope" yaml:"scope"`
	FilterGroup RLSConditionGroup `json:"filter_group" yaml:"filter_group"`
	RoleIDs     []string          `json:"role_ids" yaml:"role_ids"`
	Version     int               `json:"version" yaml:"version,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at,omitempty"`
}

// Checksum returns a deterministic hash of the fields that affect evaluation.
func (p *RLSPolicy) Checksum() string {
	data, _ := json.Marshal(struct {
		Enabled  bool
		Priority int
		Scope    PolicyScope
		Filter   RLSConditionGroup
		Roles    []string
	}{p.Enabled, p.Priority, p.Scope, p.FilterGroup, sortedUnique(p.RoleIDs)})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// appliesToRoles reports whether the policy targets any of roles.
func (p *RLSPolicy) appliesToRoles(roles []string) bool {
	for _, want := range p.RoleIDs {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate freely. Condition values
// keep their dynamic type.
func (p *RLSPolicy) Clone() *RLSPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.FilterGroup = p.FilterGroup.Clone()
	if p.RoleIDs != nil {
		out.RoleIDs = append([]string(nil), p.RoleIDs...)
	}
	return &out
}

// Clone deep-copies the group and every nested condition.
func (g RLSConditionGroup) Clone() RLSConditionGroup {
	out := g
	if g.Conditions != nil {
		out.Conditions = make([]RLSCondition, len(g.Conditions))
		for i, c := range g.Conditions {
			c.Value = cloneValue(c.Value)
			c.Value2 = cloneValue(c.Value2)
			out.Conditions[i] = c
		}
	}
	if g.Groups != nil {
		out.Groups = make([]RLSConditionGroup, len(g.Groups))
		for i := range g.Groups {
			out.Groups[i] = g.Groups[i].Clone()
		}
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case []int:
		return append([]int(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	case []float64:
		return append([]float64(nil), x...)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = cloneValue(item)
		}
		return out
	}
	return v
}

// CombineStrategy controls how independently matched policies are joined.
type CombineStrategy string

const (
	CombineAnd CombineStrategy = "and"
	CombineOr  CombineStrategy = "or"
)

// RLSConfiguration holds workspace settings read at the start of every evaluation.
type RLSConfiguration struct {
	Enabled           bool            `json:"enabled" yaml:"enabled"`
	DefaultDeny       bool            `json:"default_deny" yaml:"default_deny"`
	CacheTTLSeconds   int             `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	AuditMode         bool            `json:"audit_mode" yaml:"audit_mode"`
	FailOpen          bool            `json:"fail_open" yaml:"fail_open"`
	Dialect           Dialect         `json:"dialect" yaml:"dialect"`
	PolicyCombination CombineStrategy `json:"policy_combination" yaml:"policy_combination"`
	StoreTimeoutMS    int             `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	MaxGroupDepth     int             `json:"max_group_depth" yaml:"max_group_depth"`
}

// DefaultConfiguration returns the settings used when none are supplied.
func DefaultConfiguration() RLSConfiguration {
	return RLSConfiguration{
		Enabled:           true,
		DefaultDeny:       false,
		CacheTTLSeconds:   60,
		Dialect:           DialectPostgres,
		PolicyCombination: CombineAnd,
		StoreTimeoutMS:    2000,
		MaxGroupDepth:     8,
	}
}

func (c RLSConfiguration) storeTimeout() time.Duration {
	if c.StoreTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func (c RLSConfiguration) cacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c RLSConfiguration) maxDepth() int {
	if c.MaxGroupDepth <= 0 {
		return 8
	}
	return c.MaxGroupDepth
}

// ResourceRef identifies the table a query targets.
type ResourceRef struct {
	ConnectionID string `json:"connection_id"`
	SchemaName   string `json:"schema_name"`
	TableName    string `json:"table_name"`
}

func (r ResourceRef) String() string {
	return r.ConnectionID + "/" + r.SchemaName + "." + r.TableName
}

// RLSFilterRequest is the input of EvaluateAccess.
type RLSFilterRequest struct {
	ConnectionID string              `json:"connection_id"`
	SchemaName   string              `json:"schema_name"`
	TableName    string              `json:"table_name"`
	UserContext  UserSecurityContext `json:"user_context"`
	Dialect      Dialect             `json:"dialect,omitempty"`
}

// Resource returns the resource the request targets.
func (r *RLSFilterRequest) Resource() ResourceRef {
	return ResourceRef{ConnectionID: r.ConnectionID, SchemaName: r.SchemaName, TableName: r.TableName}
}

// Validate checks that the request is well-formed.
func (r *RLSFilterRequest) Validate() error {
	if r == nil {
		return invalidRequest("request is nil")
	}
	if r.UserContext.UserID == "" {
		return invalidRequest("user_context.user_id is required")
	}
	if r.TableName == "" {
		return invalidRequest("table_name is required")
	}
	return nil
}

// RLSFilterResponse is the output of EvaluateAccess. Callers enforce it only
// when AuditMode is false.
type RLSFilterResponse struct {
	HasFilters      bool               `json:"has_filters"`
	WhereClause     *string            `json:"where_clause"`
	Parameters      []any              `json:"parameters,omitempty"`
	PoliciesApplied []string           `json:"policies_applied"`
	AccessDenied    bool               `json:"access_denied"`
	DenialReason    *string            `json:"denial_reason"`
	Failures        []ConditionFailure `json:"failures,omitempty"`
	AuditMode       bool               `json:"audit_mode,omitempty"`
	Computed        *RLSFilterResponse `json:"computed,omitempty"`
	FromCache       bool               `json:"from_cache"`
	TraceID         string             `json:"trace_id,omitempty"`
	Trace           []string           `json:"trace,omitempty"`
}

// Decision summarises the response for audit records.
func (r *RLSFilterResponse) Decision() string {
	switch {
	case r.AccessDenied:
		return DecisionDeny
	case r.HasFilters:
		return DecisionAllow
	default:
		return DecisionUnrestricted
	}
}

func (r *RLSFilterResponse) clone() *RLSFilterResponse {
	dup := *r
	if r.WhereClause != nil {
		w := *r.WhereClause
		dup.WhereClause = &w
	}
	if r.DenialReason != nil {
		d := *r.DenialReason
		dup.DenialReason = &d
	}
	dup.Parameters = append([]any(nil), r.Parameters...)
	dup.PoliciesApplied = append([]string{}, r.PoliciesApplied...)
	dup.Failures = append([]ConditionFailure(nil), r.Failures...)
	dup.Trace = nil
	if r.Computed != nil {
		dup.Computed = r.Computed.clone()
	}
	return &dup
}

// Decision labels used in responses and audit entries.
const (
	DecisionAllow        = "allow"
	DecisionDeny         = "deny"
	DecisionUnrestricted = "unrestricted"
)

func deniedResponse(reason string) *RLSFilterResponse {
	return &RLSFilterResponse{AccessDenied: true, DenialReason: &reason, PoliciesApplied: []string{}}
}

func unrestrictedResponse() *RLSFilterResponse {
	return &RLSFilterResponse{PoliciesApplied: []string{}}
}

// Denial reasons surfaced to callers.
const (
	ReasonDefaultDeny       = "no matching policy; default deny enforced"
	ReasonCompilationFailed = "filter compilation failed"
	ReasonStoreUnavailable  = "policy store unavailable"
)
