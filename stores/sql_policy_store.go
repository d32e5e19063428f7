package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

const policyColumns = `id, name, description, enabled, priority, connection_id, schema_name, table_name, filter_group_json, role_ids_json, version, created_at, updated_at`

// SQLPolicyStore persists policies in SQL (squealx). The filter tree and role
// list are stored as JSON columns.
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

func policyParams(p *rls.RLSPolicy) map[string]any {
	return map[string]any{
		"id":                p.ID,
		"name":              p.Name,
		"description":       p.Description,
		"enabled":           boolToInt(p.Enabled),
		"priority":          p.Priority,
		"connection_id":     p.Scope.ConnectionID,
		"schema_name":       p.Scope.SchemaName,
		"table_name":        p.Scope.TableName,
		"filter_group_json": mustJSON(p.FilterGroup),
		"role_ids_json":     mustJSON(p.RoleIDs),
		"version":           p.Version,
		"created_at":        formatTime(p.CreatedAt),
		"updated_at":        formatTime(p.UpdatedAt),
	}
}

func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *rls.RLSPolicy) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	q := `INSERT INTO rls_policies(` + policyColumns + `) VALUES(:id, :name, :description, :enabled, :priority, :connection_id, :schema_name, :table_name, :filter_group_json, :role_ids_json, :version, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, policyParams(p)); err != nil {
		return fmt.Errorf("insert policy %s: %w", p.ID, err)
	}
	_, err := s.BumpGeneration(ctx)
	return err
}

// UpdatePolicy snapshots the current version into history before overwriting it.
func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *rls.RLSPolicy) error {
	old, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.insertPolicyHistory(ctx, old); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	p.CreatedAt = old.CreatedAt
	q := `UPDATE rls_policies SET name=:name, description=:description, enabled=:enabled, priority=:priority, connection_id=:connection_id, schema_name=:schema_name, table_name=:table_name, filter_group_json=:filter_group_json, role_ids_json=:role_ids_json, version=:version, created_at=:created_at, updated_at=:updated_at WHERE id=:id`
	if _, err := s.db.NamedExecContext(ctx, q, policyParams(p)); err != nil {
		return fmt.Errorf("update policy %s: %w", p.ID, err)
	}
	_, err = s.BumpGeneration(ctx)
	return err
}

func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id string) error {
	old, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if err := s.insertPolicyHistory(ctx, old); err != nil {
		return err
	}
	q := `DELETE FROM rls_policies WHERE id = :id`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id}); err != nil {
		return fmt.Errorf("delete policy %s: %w", id, err)
	}
	_, err = s.BumpGeneration(ctx)
	return err
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id string) (*rls.RLSPolicy, error) {
	q := `SELECT ` + policyColumns + ` FROM rls_policies WHERE id = :id`
	ps, err := s.queryPolicies(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("%w: %s", rls.ErrPolicyNotFound, id)
	}
	return ps[0], nil
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context) ([]*rls.RLSPolicy, error) {
	q := `SELECT ` + policyColumns + ` FROM rls_policies ORDER BY id`
	return s.queryPolicies(ctx, q, map[string]any{})
}

func (s *SQLPolicyStore) queryPolicies(ctx context.Context, q string, params map[string]any) ([]*rls.RLSPolicy, error) {
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.RLSPolicy, 0)
	for r.Next() {
		var p rls.RLSPolicy
		var enabledInt int
		var filterJSON, rolesJSON string
		var createdRaw, updatedRaw interface{}
		if err := r.Scan(&p.ID, &p.Name, &p.Description, &enabledInt, &p.Priority,
			&p.Scope.ConnectionID, &p.Scope.SchemaName, &p.Scope.TableName,
			&filterJSON, &rolesJSON, &p.Version, &createdRaw, &updatedRaw); err != nil {
			return nil, err
		}
		p.Enabled = enabledInt != 0
		if err := rls.DecodeJSON([]byte(filterJSON), &p.FilterGroup); err != nil {
			return nil, fmt.Errorf("policy %s filter_group: %w", p.ID, err)
		}
		if err := json.Unmarshal([]byte(rolesJSON), &p.RoleIDs); err != nil {
			return nil, fmt.Errorf("policy %s role_ids: %w", p.ID, err)
		}
		p.CreatedAt = scanTime(createdRaw)
		p.UpdatedAt = scanTime(updatedRaw)
		out = append(out, &p)
	}
	return out, nil
}

// insertPolicyHistory appends a JSON snapshot of p to the history table.
func (s *SQLPolicyStore) insertPolicyHistory(ctx context.Context, p *rls.RLSPolicy) error {
	q := `INSERT INTO rls_policy_history(policy_id, snapshot_json, created_at) VALUES(:policy_id, :snapshot_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     p.ID,
		"snapshot_json": mustJSON(p),
		"created_at":    formatTime(time.Now()),
	})
	return err
}

// GetPolicyHistory returns superseded versions, oldest first.
func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id string) ([]*rls.RLSPolicy, error) {
	out, err := s.readHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetPolicy(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLPolicyStore) readHistory(ctx context.Context, id string) ([]*rls.RLSPolicy, error) {
	q := `SELECT snapshot_json FROM rls_policy_history WHERE policy_id = :policy_id ORDER BY seq ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.RLSPolicy, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		var p rls.RLSPolicy
		if err := rls.DecodeJSON([]byte(snap), &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *SQLPolicyStore) Generation(ctx context.Context) (uint64, error) {
	return readGeneration(ctx, s.db)
}

func (s *SQLPolicyStore) BumpGeneration(ctx context.Context) (uint64, error) {
	return bumpGeneration(ctx, s.db)
}
