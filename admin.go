package rls

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// POLICY MANAGEMENT
// ============================================================================

// CreatePolicy validates and stores a new policy.
func (e *Engine) CreatePolicy(ctx context.Context, p *RLSPolicy) error {
	now := time.Now().UTC()
	p = p.Clone()
	if p != nil {
		p.Version = 1
		p.CreatedAt, p.UpdatedAt = now, now
	}
	if err := e.ValidatePolicy(ctx, p); err != nil {
		return err
	}
	if err := e.policies.CreatePolicy(ctx, p); err != nil {
		return err
	}
	return e.afterMutation(ctx, "policy created", "policy", p.ID)
}

// UpdatePolicy replaces a stored policy and increments its version.
func (e *Engine) UpdatePolicy(ctx context.Context, p *RLSPolicy) error {
	if p == nil {
		return invalid("policy", "is nil")
	}
	existing, err := e.policies.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	p = p.Clone()
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	if err := e.ValidatePolicy(ctx, p); err != nil {
		return err
	}
	if err := e.policies.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	return e.afterMutation(ctx, "policy updated", "policy", p.ID, "version", p.Version)
}

// DeletePolicy removes a policy.
func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.policies.DeletePolicy(ctx, id); err != nil {
		return err
	}
	return e.afterMutation(ctx, "policy deleted", "policy", id)
}

func (e *Engine) EnablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, true)
}

func (e *Engine) DisablePolicy(ctx context.Context, id string) error {
	return e.setPolicyEnabled(ctx, id, false)
}

func (e *Engine) setPolicyEnabled(ctx context.Context, id string, enabled bool) error {
	p, err := e.policies.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if p.Enabled == enabled {
		return nil
	}
	p.Enabled = enabled
	return e.UpdatePolicy(ctx, p)
}

// GetPolicy returns the stored policy.
func (e *Engine) GetPolicy(ctx context.Context, id string) (*RLSPolicy, error) {
	return e.policies.GetPolicy(ctx, id)
}

// ListPolicies returns every stored policy, enabled or not, in evaluation order.
func (e *Engine) ListPolicies(ctx context.Context) ([]*RLSPolicy, error) {
	ps, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	sortPolicies(ps)
	return ps, nil
}

// GetPolicyHistory returns previous versions of a policy, oldest first.
func (e *Engine) GetPolicyHistory(ctx context.Context, id string) ([]*RLSPolicy, error) {
	return e.policies.GetPolicyHistory(ctx, id)
}

// ValidatePolicy runs write-time validation including role existence.
func (e *Engine) ValidatePolicy(ctx context.Context, p *RLSPolicy) error {
	if err := ValidatePolicy(p, e.Configuration().maxDepth(), e.exprValidator); err != nil {
		return err
	}
	if e.roles == nil {
		return nil
	}
	for _, id := range p.RoleIDs {
		if _, err := e.roles.GetRole(ctx, id); err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				return invalid("role_ids", "role %q does not exist", id)
			}
			return err
		}
	}
	return nil
}

// ============================================================================
// ROLE MANAGEMENT
// ============================================================================

func (e *Engine) CreateRole(ctx context.Context, r *SecurityRole) error {
	if err := e.requireRoles(); err != nil {
		return err
	}
	if r == nil || r.ID == "" || r.Name == "" {
		return invalid("role", "id and name are required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := e.roles.CreateRole(ctx, r); err != nil {
		return err
	}
	return e.afterMutation(ctx, "role created", "role", r.ID)
}

func (e *Engine) UpdateRole(ctx context.Context, r *SecurityRole) error {
	if err := e.requireRoles(); err != nil {
		return err
	}
	if r == nil || r.ID == "" || r.Name == "" {
		return invalid("role", "id and name are required")
	}
	if err := e.roles.UpdateRole(ctx, r); err != nil {
		return err
	}
	return e.afterMutation(ctx, "role updated", "role", r.ID)
}

// DeleteRole removes a role that no policy references.
func (e *Engine) DeleteRole(ctx context.Context, id string) error {
	if err := e.requireRoles(); err != nil {
		return err
	}
	ps, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return err
	}
	for _, p := range ps {
		for _, rid := range p.RoleIDs {
			if rid == id {
				return invalid("role", "role %q is referenced by policy %q", id, p.ID)
			}
		}
	}
	if err := e.roles.DeleteRole(ctx, id); err != nil {
		return err
	}
	return e.afterMutation(ctx, "role deleted", "role", id)
}

func (e *Engine) GetRole(ctx context.Context, id string) (*SecurityRole, error) {
	if err := e.requireRoles(); err != nil {
		return nil, err
	}
	return e.roles.GetRole(ctx, id)
}

func (e *Engine) ListRoles(ctx context.Context) ([]*SecurityRole, error) {
	if err := e.requireRoles(); err != nil {
		return nil, err
	}
	return e.roles.ListRoles(ctx)
}

// AssignRole adds a stored membership. Memberships are merged into the
// request roles at evaluation time.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID string) error {
	if err := e.checkMembership(ctx, userID, roleID); err != nil {
		return err
	}
	if err := e.memberships.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	return e.afterMutation(ctx, "role assigned", "user", userID, "role", roleID)
}

func (e *Engine) RevokeRole(ctx context.Context, userID, roleID string) error {
	if e.memberships == nil {
		return errors.New("rls: no role membership store configured")
	}
	if err := e.memberships.RevokeRole(ctx, userID, roleID); err != nil {
		return err
	}
	return e.afterMutation(ctx, "role revoked", "user", userID, "role", roleID)
}

// ListUserRoles returns the stored role ids of a user.
func (e *Engine) ListUserRoles(ctx context.Context, userID string) ([]string, error) {
	if e.memberships == nil {
		return []string{}, nil
	}
	roles, err := e.memberships.ListRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sortedUnique(roles), nil
}

func (e *Engine) checkMembership(ctx context.Context, userID, roleID string) error {
	if e.memberships == nil {
		return errors.New("rls: no role membership store configured")
	}
	if userID == "" || roleID == "" {
		return invalidRequest("user id and role id are required")
	}
	if e.roles != nil {
		if _, err := e.roles.GetRole(ctx, roleID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) requireRoles() error {
	if e.roles == nil {
		return errors.New("rls: no role store configured")
	}
	return nil
}

// afterMutation advances the generation and drops cached decisions so that
// no decision computed before the mutation is served after it.
func (e *Engine) afterMutation(ctx context.Context, msg string, keyvals ...any) error {
	gen, err := e.policies.BumpGeneration(ctx)
	e.cache.Clear(ctx)
	if err != nil {
		e.logger.Error("generation bump failed", append(keyvals, "error", err)...)
		return &StoreError{Op: "bump generation", Err: err}
	}
	e.logger.Info(msg, append(keyvals, "generation", gen)...)
	return nil
}

// ============================================================================
// CONFIGURATION
// ============================================================================

func (e *Engine) GetConfiguration() RLSConfiguration { return e.Configuration() }

// SetConfiguration replaces the workspace configuration. Cached decisions are
// dropped because every setting can change the outcome.
func (e *Engine) SetConfiguration(ctx context.Context, cfg RLSConfiguration) error {
	if err := validateConfiguration(cfg); err != nil {
		return err
	}
	e.config.Store(&cfg)
	e.cache.Clear(ctx)
	e.logger.Info("rls configuration updated",
		"enabled", cfg.Enabled, "default_deny", cfg.DefaultDeny, "audit_mode", cfg.AuditMode, "fail_open", cfg.FailOpen)
	return nil
}

// ============================================================================
// POLICY TESTING
// ============================================================================

// TestAccessResult is the outcome of a dry run. InlineClause shows literal
// values for human review and must never be executed.
type TestAccessResult struct {
	Response     *RLSFilterResponse `json:"response"`
	InlineClause string             `json:"inline_clause,omitempty"`
	Dialect      Dialect            `json:"dialect"`
	Trace        []string           `json:"trace"`
}

// TestAccess evaluates req against a synthetic user context. It skips the
// cache and the audit log and is never masked by audit mode.
func (e *Engine) TestAccess(ctx context.Context, req *RLSFilterRequest) (*TestAccessResult, error) {
	return e.dryRun(ctx, req, nil)
}

// SimulatePolicy evaluates req as if draft were stored, replacing any stored
// policy with the same id. draft is validated but not persisted.
func (e *Engine) SimulatePolicy(ctx context.Context, draft *RLSPolicy, req *RLSFilterRequest) (*TestAccessResult, error) {
	if err := e.ValidatePolicy(ctx, draft); err != nil {
		return nil, err
	}
	return e.dryRun(ctx, req, draft.Clone())
}

func (e *Engine) dryRun(ctx context.Context, req *RLSFilterRequest, draft *RLSPolicy) (*TestAccessResult, error) {
	ev, err := e.evaluate(ctx, req, evalOptions{trace: true, noCache: true, noAudit: true, unmasked: true, draft: draft})
	if err != nil {
		return nil, err
	}
	out := &TestAccessResult{Response: ev.resp, Dialect: ev.dialect, Trace: ev.resp.Trace}
	if ev.decision != nil && !ev.resp.AccessDenied {
		inline, err := ev.decision.InlineClause(ev.dialect)
		if err != nil {
			return nil, fmt.Errorf("render inline clause: %w", err)
		}
		out.InlineClause = inline
	}
	return out, nil
}

// ============================================================================
// AUDIT
// ============================================================================

// GetAccessLog queries recorded decisions.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.auditStore == nil {
		return []*AuditEntry{}, nil
	}
	return e.auditStore.GetAccessLog(ctx, filter)
}
