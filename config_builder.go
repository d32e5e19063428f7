package rls

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	settings := DefaultConfiguration()
	return &ConfigBuilder{
		cfg: &Config{
			Version:     1,
			Settings:    &settings,
			Roles:       []*SecurityRole{},
			Policies:    []*RLSPolicy{},
			Memberships: []RoleMembership{},
			Engine: EngineConfig{
				AuditBatchSize:     64,
				AuditFlushInterval: 25,
				AuditBuffer:        1024,
				BatchWorkerCount:   4,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) Settings(fn func(*RLSConfiguration)) *ConfigBuilder {
	fn(b.cfg.Settings)
	return b
}

func (b *ConfigBuilder) AddRole(r *SecurityRole) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddPolicy(p *RLSPolicy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) AddMembership(userID, roleID string) *ConfigBuilder {
	b.cfg.Memberships = append(b.cfg.Memberships, RoleMembership{UserID: userID, RoleID: roleID})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
