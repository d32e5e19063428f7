package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy configuration",
	Long: `Validate roles, policies and memberships in a YAML or JSON configuration.
Expression conditions are parsed with the PostgreSQL parser when the
effective dialect is postgres.`,
	Example: `  rls validate policies.yaml`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadPolicyConfig(args)
		if err != nil {
			return err
		}
		if err := cfg.Validate(expressionValidator(cfg)); err != nil {
			return fmt.Errorf("invalid configuration %s:\n%w", path, err)
		}
		if !quiet {
			fmt.Printf("Configuration is valid\n")
			fmt.Printf("  Version:     %d\n", cfg.Version)
			fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
			fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
			fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
		}
		return nil
	},
}
