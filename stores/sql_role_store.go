package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLRoleStore persists roles in SQL (squealx)
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *rls.SecurityRole) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	q := `INSERT INTO rls_roles(id, name, description, priority, created_at) VALUES(:id, :name, :description, :priority, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          r.ID,
		"name":        r.Name,
		"description": r.Description,
		"priority":    r.Priority,
		"created_at":  formatTime(r.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("insert role %s: %w", r.ID, err)
	}
	_, err = bumpGeneration(ctx, s.db)
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *rls.SecurityRole) error {
	if _, err := s.GetRole(ctx, r.ID); err != nil {
		return err
	}
	q := `UPDATE rls_roles SET name=:name, description=:description, priority=:priority WHERE id=:id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": r.ID, "name": r.Name, "description": r.Description, "priority": r.Priority}); err != nil {
		return err
	}
	_, err := bumpGeneration(ctx, s.db)
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, id string) error {
	if _, err := s.GetRole(ctx, id); err != nil {
		return err
	}
	q := `DELETE FROM rls_roles WHERE id = :id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
		return err
	}
	_, err := bumpGeneration(ctx, s.db)
	return err
}

func (s *SQLRoleStore) GetRole(ctx context.Context, id string) (*rls.SecurityRole, error) {
	q := `SELECT id, name, description, priority, created_at FROM rls_roles WHERE id = :id`
	roles, err := s.queryRoles(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("%w: %s", rls.ErrRoleNotFound, id)
	}
	return roles[0], nil
}

func (s *SQLRoleStore) ListRoles(ctx context.Context) ([]*rls.SecurityRole, error) {
	q := `SELECT id, name, description, priority, created_at FROM rls_roles ORDER BY id`
	return s.queryRoles(ctx, q, map[string]any{})
}

func (s *SQLRoleStore) queryRoles(ctx context.Context, q string, params map[string]any) ([]*rls.SecurityRole, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.SecurityRole, 0)
	for r.Next() {
		var role rls.SecurityRole
		var createdRaw interface{}
		if err := r.Scan(&role.ID, &role.Name, &role.Description, &role.Priority, &createdRaw); err != nil {
			return nil, err
		}
		role.CreatedAt = scanTime(createdRaw)
		out = append(out, &role)
	}
	return out, nil
}
