package rls

import (
	"context"
	"time"
)

// ============================================================================
// REPOSITORIES
// ============================================================================

// PolicyRepository manages policy persistence. Every mutation must advance
// the generation so that cached decisions computed before it are never served.
type PolicyRepository interface {
	CreatePolicy(ctx context.Context, p *RLSPolicy) error
	UpdatePolicy(ctx context.Context, p *RLSPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	GetPolicy(ctx context.Context, id string) (*RLSPolicy, error)
	ListPolicies(ctx context.Context) ([]*RLSPolicy, error)
	GetPolicyHistory(ctx context.Context, id string) ([]*RLSPolicy, error)
	GenerationCounter
}

// GenerationCounter is a monotonically increasing version of the policy and
// role state observed by the decision cache.
type GenerationCounter interface {
	Generation(ctx context.Context) (uint64, error)
	BumpGeneration(ctx context.Context) (uint64, error)
}

// RoleStore manages role persistence.
type RoleStore interface {
	CreateRole(ctx context.Context, r *SecurityRole) error
	UpdateRole(ctx context.Context, r *SecurityRole) error
	DeleteRole(ctx context.Context, id string) error
	GetRole(ctx context.Context, id string) (*SecurityRole, error)
	ListRoles(ctx context.Context) ([]*SecurityRole, error)
}

// RoleMembershipStore maps users to role ids.
type RoleMembershipStore interface {
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	ListRoles(ctx context.Context, userID string) ([]string, error)
}

// AuditStore persists decision records.
type AuditStore interface {
	LogDecisions(ctx context.Context, entries []*AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// AttributeProvider fetches external attributes for a user.
type AttributeProvider interface {
	ID() string
	GetAttributes(ctx context.Context, userID string) (map[string]any, error)
}

// MatchedPolicy is the audit view of a policy that applied to a request.
type MatchedPolicy struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Checksum string `json:"checksum"`
}

// AuditEntry is one recorded evaluation.
type AuditEntry struct {
	ID              string             `json:"id"`
	Timestamp       time.Time          `json:"timestamp"`
	TraceID         string             `json:"trace_id"`
	UserID          string             `json:"user_id"`
	Roles           []string           `json:"roles"`
	Resource        ResourceRef        `json:"resource"`
	MatchedPolicies []MatchedPolicy    `json:"matched_policies"`
	PoliciesApplied []string           `json:"policies_applied"`
	WhereClause     string             `json:"where_clause,omitempty"`
	Decision        string             `json:"decision"`
	Reason          string             `json:"reason,omitempty"`
	Failures        []ConditionFailure `json:"failures,omitempty"`
	AuditMode       bool               `json:"audit_mode"`
	CacheHit        bool               `json:"cache_hit"`
	Duration        time.Duration      `json:"duration"`
}

// AuditFilter selects audit entries. Zero fields are ignored.
type AuditFilter struct {
	UserID       string
	ConnectionID string
	SchemaName   string
	TableName    string
	Decision     string
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}

// Matches reports whether entry satisfies every set field of f.
func (f AuditFilter) Matches(entry *AuditEntry) bool {
	if f.UserID != "" && entry.UserID != f.UserID {
		return false
	}
	if f.ConnectionID != "" && entry.Resource.ConnectionID != f.ConnectionID {
		return false
	}
	if f.SchemaName != "" && entry.Resource.SchemaName != f.SchemaName {
		return false
	}
	if f.TableName != "" && entry.Resource.TableName != f.TableName {
		return false
	}
	if f.Decision != "" && entry.Decision != f.Decision {
		return false
	}
	if !f.StartTime.IsZero() && entry.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && entry.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
