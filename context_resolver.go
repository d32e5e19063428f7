package rls

import (
	"context"
	"maps"
	"sync"
	"time"
)

// ============================================================================
// SECURITY CONTEXT RESOLVER
// ============================================================================

// ContextResolver produces the UserSecurityContext used by one evaluation.
// The result is a private copy; later changes to the request or to the
// stores do not affect it.
type ContextResolver struct {
	memberships RoleMembershipStore
	providers   []AttributeProvider
	timeout     time.Duration
}

// NewContextResolver builds a resolver. memberships may be nil.
func NewContextResolver(memberships RoleMembershipStore, timeout time.Duration, providers ...AttributeProvider) *ContextResolver {
	return &ContextResolver{memberships: memberships, providers: providers, timeout: timeout}
}

// Resolve merges the request context with stored role memberships and with
// attributes from every provider. Request attributes win over provider ones.
func (r *ContextResolver) Resolve(ctx context.Context, in UserSecurityContext) (*UserSecurityContext, error) {
	out := &UserSecurityContext{
		UserID:     in.UserID,
		Attributes: make(map[string]any, len(in.Attributes)),
	}
	maps.Copy(out.Attributes, in.Attributes)
	roles := append([]string(nil), in.Roles...)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if r.memberships != nil {
		stored, err := r.memberships.ListRoles(ctx, in.UserID)
		if err != nil {
			return nil, &StoreError{Op: "list role memberships", Err: err}
		}
		roles = append(roles, stored...)
	}
	for _, p := range r.providers {
		attrs, err := p.GetAttributes(ctx, in.UserID)
		if err != nil {
			return nil, &StoreError{Op: "attribute provider " + p.ID(), Err: err}
		}
		for k, v := range attrs {
			if _, ok := out.Attributes[k]; !ok {
				out.Attributes[k] = v
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &StoreError{Op: "resolve security context", Err: err}
	}
	out.Roles = sortedUnique(roles)
	return out, nil
}

// MemoryAttributeProvider serves attributes from an in-memory map.
type MemoryAttributeProvider struct {
	mu    sync.RWMutex
	attrs map[string]map[string]any
}

func NewMemoryAttributeProvider() *MemoryAttributeProvider {
	return &MemoryAttributeProvider{attrs: make(map[string]map[string]any)}
}

func (m *MemoryAttributeProvider) ID() string { return "memory" }

func (m *MemoryAttributeProvider) GetAttributes(_ context.Context, userID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.attrs[userID]), nil
}

// SetAttributes replaces the attributes stored for userID.
func (m *MemoryAttributeProvider) SetAttributes(userID string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[userID] = maps.Clone(attrs)
}
