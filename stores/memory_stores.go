package stores

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oarkflow/rls"
)

// MemoryPolicyStore implements policy persistence in-memory for testing/demo.
// Stored policies are cloned on the way in and out.
type MemoryPolicyStore struct {
	mu         sync.RWMutex
	policies   map[string]*rls.RLSPolicy
	histories  map[string][]*rls.RLSPolicy
	generation atomic.Uint64
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*rls.RLSPolicy), histories: make(map[string][]*rls.RLSPolicy)}
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *rls.RLSPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return fmt.Errorf("policy %s already exists: %w", p.ID, rls.ErrInvalidPolicy)
	}
	s.policies[p.ID] = p.Clone()
	s.generation.Add(1)
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *rls.RLSPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", rls.ErrPolicyNotFound, p.ID)
	}
	s.histories[p.ID] = append(s.histories[p.ID], old)
	s.policies[p.ID] = p.Clone()
	s.generation.Add(1)
	return nil
}

// GetPolicyHistory returns superseded versions, oldest first. A policy that
// was never updated has an empty history.
func (s *MemoryPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*rls.RLSPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, live := s.policies[id]
	h, ok := s.histories[id]
	if !ok && !live {
		return nil, fmt.Errorf("%w: %s", rls.ErrPolicyNotFound, id)
	}
	out := make([]*rls.RLSPolicy, len(h))
	for i, p := range h {
		out[i] = p.Clone()
	}
	return out, nil
}

func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %s", rls.ErrPolicyNotFound, id)
	}
	s.histories[id] = append(s.histories[id], old)
	delete(s.policies, id)
	s.generation.Add(1)
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id string) (*rls.RLSPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rls.ErrPolicyNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context) ([]*rls.RLSPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rls.RLSPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryPolicyStore) Generation(ctx context.Context) (uint64, error) {
	return s.generation.Load(), nil
}

func (s *MemoryPolicyStore) BumpGeneration(ctx context.Context) (uint64, error) {
	return s.generation.Add(1), nil
}

// MemoryRoleStore implements in-memory role persistence
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]*rls.SecurityRole
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]*rls.SecurityRole)}
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *rls.SecurityRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[r.ID]; ok {
		return fmt.Errorf("role %s already exists: %w", r.ID, rls.ErrInvalidRequest)
	}
	dup := *r
	s.roles[r.ID] = &dup
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *rls.SecurityRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", rls.ErrRoleNotFound, r.ID)
	}
	dup := *r
	dup.CreatedAt = old.CreatedAt
	s.roles[r.ID] = &dup
	return nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return fmt.Errorf("%w: %s", rls.ErrRoleNotFound, id)
	}
	delete(s.roles, id)
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, id string) (*rls.SecurityRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rls.ErrRoleNotFound, id)
	}
	dup := *r
	return &dup, nil
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context) ([]*rls.SecurityRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rls.SecurityRole, 0, len(s.roles))
	for _, r := range s.roles {
		dup := *r
		result = append(result, &dup)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// MemoryAuditStore implements in-memory audit logging
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*rls.AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*rls.AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecisions(ctx context.Context, entries []*rls.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// GetAccessLog returns matching entries, newest first.
func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter rls.AuditFilter) ([]*rls.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*rls.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if !filter.Matches(entry) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Len returns the number of stored entries.
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemoryRoleMembershipStore implements role membership in memory. Readers use
// a copy-on-write snapshot rebuilt before every mutation returns, so a read
// after a write always observes it.
type MemoryRoleMembershipStore struct {
	mu       sync.Mutex
	store    map[string]map[string]bool
	snapshot atomic.Pointer[map[string][]string]
}

func NewMemoryRoleMembershipStore() *MemoryRoleMembershipStore {
	m := &MemoryRoleMembershipStore{store: make(map[string]map[string]bool)}
	empty := map[string][]string{}
	m.snapshot.Store(&empty)
	return m
}

// rebuildSnapshot must be called with mu held.
func (m *MemoryRoleMembershipStore) rebuildSnapshot() {
	copyMap := make(map[string][]string, len(m.store))
	for user, roles := range m.store {
		arr := make([]string, 0, len(roles))
		for roleID := range roles {
			arr = append(arr, roleID)
		}
		sort.Strings(arr)
		copyMap[user] = arr
	}
	m.snapshot.Store(&copyMap)
}

func (m *MemoryRoleMembershipStore) AssignRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[userID]; !ok {
		m.store[userID] = make(map[string]bool)
	}
	m.store[userID][roleID] = true
	m.rebuildSnapshot()
	return nil
}

func (m *MemoryRoleMembershipStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[userID]; !ok {
		return nil
	}
	delete(m.store[userID], roleID)
	m.rebuildSnapshot()
	return nil
}

func (m *MemoryRoleMembershipStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	snap := *m.snapshot.Load()
	return slices.Clone(snap[userID]), nil
}
