package main

import (
	"fmt"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/exprcheck"
)

// loadPolicyConfig reads the policy file named by the first argument or, when
// absent, by the config setting.
func loadPolicyConfig(args []string) (*rls.Config, string, error) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	path = resolveString(path, settings.Config)
	if path == "" {
		return nil, "", fmt.Errorf("no configuration file given")
	}
	cfg, err := rls.NewConfigLoader().LoadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, path, nil
}

// expressionValidator returns the parser backed validator when the effective
// dialect is postgres.
func expressionValidator(cfg *rls.Config) rls.ExpressionValidator {
	dialect := settings.Eval.Dialect
	if cfg != nil && cfg.Settings != nil && cfg.Settings.Dialect != "" {
		dialect = string(cfg.Settings.Dialect)
	}
	if d, err := rls.ParseDialect(dialect); err == nil && d == rls.DialectPostgres {
		return exprcheck.NewPostgresValidator()
	}
	return nil
}
