package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
	"github.com/oarkflow/rls/stores"
)

// runtime bundles an engine with the resources it was built from.
type runtime struct {
	engine  *rls.Engine
	closers []func() error
}

func (r *runtime) Close(ctx context.Context) error {
	err := r.engine.Close(ctx)
	for i := len(r.closers) - 1; i >= 0; i-- {
		if cerr := r.closers[i](); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newLogger(s LogSettings) rls.Logger {
	if s.Format != "slog" {
		return logger.NewPhusluLogger()
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		level = slog.LevelInfo
	}
	return logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildRuntime wires stores from settings. With memoryOnly the store
// settings are ignored, which the test command uses for dry runs.
func buildRuntime(ctx context.Context, s *Settings, cfg *rls.Config, memoryOnly bool) (*runtime, error) {
	rt := &runtime{}
	var (
		policies    rls.PolicyRepository
		roles       rls.RoleStore
		memberships rls.RoleMembershipStore
		audit       rls.AuditStore
	)
	if memoryOnly || s.Store.Driver == "memory" {
		policies = stores.NewMemoryPolicyStore()
		roles = stores.NewMemoryRoleStore()
		memberships = stores.NewMemoryRoleMembershipStore()
		audit = stores.NewMemoryAuditStore()
	} else {
		sqlDB, err := sql.Open("sqlite", s.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		rt.closers = append(rt.closers, sqlDB.Close)
		db := squealx.NewDb(sqlDB, "sqlite", "rls")
		if err := stores.Migrate(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		policies = stores.NewSQLPolicyStore(db)
		roles = stores.NewSQLRoleStore(db)
		memberships = stores.NewSQLRoleMembershipStore(db)
		sqlAudit, err := stores.NewSQLAuditStore(db)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		audit = sqlAudit
	}

	log := newLogger(s.Log)
	opts := []rls.EngineOption{rls.WithLogger(log)}
	if cfg != nil {
		engineOpts, err := cfg.Engine.Options()
		if err != nil {
			return nil, err
		}
		opts = append(opts, engineOpts...)
		if v := expressionValidator(cfg); v != nil {
			opts = append(opts, rls.WithExpressionValidator(v))
		}
	}
	if s.Redis.Addr != "" && !memoryOnly {
		client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr, Password: s.Redis.Password, DB: s.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		opts = append(opts, rls.WithDecisionCache(stores.NewRedisDecisionCache(client, log)))
		if s.Redis.Memberships {
			memberships = stores.NewRedisRoleMembershipStore(client)
		}
	}

	engine, err := rls.NewEngine(policies, roles, memberships, audit, opts...)
	if err != nil {
		for _, c := range rt.closers {
			_ = c()
		}
		return nil, err
	}
	rt.engine = engine
	if cfg != nil {
		if err := engine.ApplyConfig(ctx, cfg); err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("apply config: %w", err)
		}
	}
	return rt, nil
}
