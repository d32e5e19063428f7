package stores

import (
	"context"

	"github.com/oarkflow/squealx"
)

// SQLRoleMembershipStore implements RoleMembershipStore backed by a SQL DB (squealx)
type SQLRoleMembershipStore struct {
	db *squealx.DB
}

func NewSQLRoleMembershipStore(db *squealx.DB) *SQLRoleMembershipStore {
	return &SQLRoleMembershipStore{db: db}
}

func (s *SQLRoleMembershipStore) AssignRole(ctx context.Context, userID, roleID string) error {
	q := `INSERT OR IGNORE INTO rls_role_members(user_id, role_id) VALUES(:user_id, :role_id)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role_id": roleID}); err != nil {
		return err
	}
	_, err := bumpGeneration(ctx, s.db)
	return err
}

func (s *SQLRoleMembershipStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	q := `DELETE FROM rls_role_members WHERE user_id = :user_id AND role_id = :role_id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"user_id": userID, "role_id": roleID}); err != nil {
		return err
	}
	_, err := bumpGeneration(ctx, s.db)
	return err
}

func (s *SQLRoleMembershipStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	out := make([]string, 0)
	q := `SELECT role_id FROM rls_role_members WHERE user_id = :user_id ORDER BY role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for r.Next() {
		var role string
		if err := r.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}
