package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql audit store: nil db")
	}
	return &SQLAuditStore{db: db}, nil
}

// LogDecisions inserts a batch of entries. The first failing insert aborts
// the remainder of the batch.
func (s *SQLAuditStore) LogDecisions(ctx context.Context, entries []*rls.AuditEntry) error {
	q := `INSERT INTO rls_audit_log(id, timestamp, trace_id, user_id, roles_json, connection_id, schema_name, table_name, matched_json, applied_json, where_clause, decision, reason, failures_json, audit_mode, cache_hit, duration_ns) VALUES(:id, :timestamp, :trace_id, :user_id, :roles_json, :connection_id, :schema_name, :table_name, :matched_json, :applied_json, :where_clause, :decision, :reason, :failures_json, :audit_mode, :cache_hit, :duration_ns)`
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		_, err := s.db.NamedExecContext(ctx, q, map[string]any{
			"id":            entry.ID,
			"timestamp":     formatTime(entry.Timestamp),
			"trace_id":      entry.TraceID,
			"user_id":       entry.UserID,
			"roles_json":    mustJSON(entry.Roles),
			"connection_id": entry.Resource.ConnectionID,
			"schema_name":   entry.Resource.SchemaName,
			"table_name":    entry.Resource.TableName,
			"matched_json":  mustJSON(entry.MatchedPolicies),
			"applied_json":  mustJSON(entry.PoliciesApplied),
			"where_clause":  entry.WhereClause,
			"decision":      entry.Decision,
			"reason":        entry.Reason,
			"failures_json": mustJSON(entry.Failures),
			"audit_mode":    boolToInt(entry.AuditMode),
			"cache_hit":     boolToInt(entry.CacheHit),
			"duration_ns":   int64(entry.Duration),
		})
		if err != nil {
			return fmt.Errorf("insert audit entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

// GetAccessLog returns matching entries, newest first. Without a limit at
// most 100 rows are returned.
func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter rls.AuditFilter) ([]*rls.AuditEntry, error) {
	q := `SELECT id, timestamp, trace_id, user_id, roles_json, connection_id, schema_name, table_name, matched_json, applied_json, where_clause, decision, reason, failures_json, audit_mode, cache_hit, duration_ns FROM rls_audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.ConnectionID != "" {
		q += " AND connection_id = :connection_id"
		params["connection_id"] = filter.ConnectionID
	}
	if filter.SchemaName != "" {
		q += " AND schema_name = :schema_name"
		params["schema_name"] = filter.SchemaName
	}
	if filter.TableName != "" {
		q += " AND table_name = :table_name"
		params["table_name"] = filter.TableName
	}
	if filter.Decision != "" {
		q += " AND decision = :decision"
		params["decision"] = filter.Decision
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatTime(filter.EndTime)
	}
	q += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.AuditEntry, 0)
	for r.Next() {
		var entry rls.AuditEntry
		var timestampRaw interface{}
		var rolesJSON, matchedJSON, appliedJSON, failuresJSON string
		var auditMode, cacheHit int
		var durationNS int64
		if err := r.Scan(&entry.ID, &timestampRaw, &entry.TraceID, &entry.UserID, &rolesJSON,
			&entry.Resource.ConnectionID, &entry.Resource.SchemaName, &entry.Resource.TableName,
			&matchedJSON, &appliedJSON, &entry.WhereClause, &entry.Decision, &entry.Reason,
			&failuresJSON, &auditMode, &cacheHit, &durationNS); err != nil {
			return nil, err
		}
		entry.Timestamp = scanTime(timestampRaw)
		entry.AuditMode = auditMode != 0
		entry.CacheHit = cacheHit != 0
		entry.Duration = time.Duration(durationNS)
		_ = json.Unmarshal([]byte(rolesJSON), &entry.Roles)
		_ = json.Unmarshal([]byte(matchedJSON), &entry.MatchedPolicies)
		_ = json.Unmarshal([]byte(appliedJSON), &entry.PoliciesApplied)
		_ = json.Unmarshal([]byte(failuresJSON), &entry.Failures)
		out = append(out, &entry)
	}
	return out, nil
}
