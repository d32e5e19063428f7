package rls

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a complete RLS workspace definition, loadable from YAML or JSON.
type Config struct {
	Version     uint16            `json:"version" yaml:"version"`
	Settings    *RLSConfiguration `json:"settings,omitempty" yaml:"settings,omitempty"`
	Roles       []*SecurityRole   `json:"roles" yaml:"roles"`
	Policies    []*RLSPolicy      `json:"policies" yaml:"policies"`
	Memberships []RoleMembership  `json:"memberships" yaml:"memberships"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
}

type RoleMembership struct {
	UserID string `json:"user_id" yaml:"user_id"`
	RoleID string `json:"role_id" yaml:"role_id"`
}

type EngineConfig struct {
	AuditBatchSize      int   `json:"audit_batch_size" yaml:"audit_batch_size"`
	AuditFlushInterval  int64 `json:"audit_flush_interval_ms" yaml:"audit_flush_interval_ms"`
	AuditBuffer         int   `json:"audit_buffer" yaml:"audit_buffer"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count"`
	RistrettoNumCounter int64 `json:"ristretto_num_counters" yaml:"ristretto_num_counters"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer_items" yaml:"ristretto_buffer_items"`
}

// Options translates the engine section into construction options. The
// ristretto cache is only built when a size is given.
func (c EngineConfig) Options() ([]EngineOption, error) {
	opts := []EngineOption{WithAuditOptions(AuditRecorderOptions{
		Buffer:        c.AuditBuffer,
		BatchSize:     c.AuditBatchSize,
		FlushInterval: time.Duration(c.AuditFlushInterval) * time.Millisecond,
	})}
	if c.BatchWorkerCount > 0 {
		opts = append(opts, WithBatchWorkers(c.BatchWorkerCount))
	}
	if c.RistrettoNumCounter > 0 || c.RistrettoMaxCost > 0 {
		rc, err := NewRistrettoDecisionCache(c.RistrettoNumCounter, c.RistrettoMaxCost, c.RistrettoBuffer)
		if err != nil {
			return nil, fmt.Errorf("decision cache: %w", err)
		}
		opts = append(opts, WithDecisionCache(rc))
	}
	return opts, nil
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := DecodeJSON(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeJSON unmarshals data keeping numbers as json.Number, so integer
// condition values above 2^53 survive until they are bound.
func DecodeJSON(data []byte, v any) error {
	return decodeJSON(bytes.NewReader(data), v)
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec.Decode(v)
}

// LoadFile picks the decoder from the file extension; anything other than
// .json is read as YAML.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.LoadJSON(data)
	}
	return l.LoadYAML(data)
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks every policy and that policies and memberships only
// reference roles declared in the config.
func (c *Config) Validate(exprValidator ExpressionValidator) error {
	maxDepth := 0
	if c.Settings != nil {
		if err := validateConfiguration(*c.Settings); err != nil {
			return err
		}
		maxDepth = c.Settings.MaxGroupDepth
	}
	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r == nil || r.ID == "" {
			return invalid("roles", "role id is required")
		}
		roles[r.ID] = true
	}
	var errs []error
	seen := make(map[string]bool, len(c.Policies))
	for _, p := range c.Policies {
		if err := ValidatePolicy(p, maxDepth, exprValidator); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", policyLabel(p), err))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, invalid("id", "duplicate policy id")))
		}
		seen[p.ID] = true
		for _, rid := range p.RoleIDs {
			if !roles[rid] {
				errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, invalid("role_ids", "role %q is not declared", rid)))
			}
		}
	}
	for _, m := range c.Memberships {
		if !roles[m.RoleID] {
			errs = append(errs, invalid("memberships", "user %q references undeclared role %q", m.UserID, m.RoleID))
		}
	}
	return errors.Join(errs...)
}

func policyLabel(p *RLSPolicy) string {
	if p == nil || p.ID == "" {
		return "<unnamed>"
	}
	return p.ID
}

// ApplyConfig applies the settings, upserts roles, policies and memberships
// and rebuilds the policy snapshot. The engine section is read at
// construction through EngineConfig.Options.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if cfg.Settings != nil {
		if err := e.SetConfiguration(ctx, *cfg.Settings); err != nil {
			return fmt.Errorf("settings: %w", err)
		}
	}

	// Roles first: policies are validated against them.
	for _, r := range cfg.Roles {
		if _, err := e.GetRole(ctx, r.ID); err != nil {
			if err := e.CreateRole(ctx, r); err != nil {
				return fmt.Errorf("create role %s: %w", r.ID, err)
			}
		} else {
			if err := e.UpdateRole(ctx, r); err != nil {
				return fmt.Errorf("update role %s: %w", r.ID, err)
			}
		}
	}

	for _, p := range cfg.Policies {
		if p == nil {
			continue
		}
		if _, err := e.policies.GetPolicy(ctx, p.ID); err != nil {
			if !errors.Is(err, ErrPolicyNotFound) {
				return fmt.Errorf("get policy %s: %w", p.ID, err)
			}
			if err := e.CreatePolicy(ctx, p); err != nil {
				return fmt.Errorf("create policy %s: %w", p.ID, err)
			}
		} else {
			if err := e.UpdatePolicy(ctx, p); err != nil {
				return fmt.Errorf("update policy %s: %w", p.ID, err)
			}
		}
	}

	if e.memberships != nil {
		for _, m := range cfg.Memberships {
			if err := e.AssignRole(ctx, m.UserID, m.RoleID); err != nil {
				return fmt.Errorf("assign role %s to %s: %w", m.RoleID, m.UserID, err)
			}
		}
	}

	return e.ReloadPolicies(ctx)
}

// ExportConfig snapshots the stored roles and policies into a Config.
func (e *Engine) ExportConfig(ctx context.Context) (*Config, error) {
	settings := e.Configuration()
	cfg := &Config{Version: 1, Settings: &settings, Roles: []*SecurityRole{}, Memberships: []RoleMembership{}}
	if e.roles != nil {
		roles, err := e.roles.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		cfg.Roles = roles
	}
	policies, err := e.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	cfg.Policies = policies
	return cfg, nil
}
