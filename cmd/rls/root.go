package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global state set during PersistentPreRunE
	settings     *Settings
	settingsPath string

	// Persistent flags
	settingsFile string
	configFile   string
	quiet        bool
)

var rootCmd = &cobra.Command{
	Use:   "rls",
	Short: "Row-level security policy engine",
	Long: `rls - Row-level security policy engine

rls compiles role and attribute based row filters into parameterized SQL
WHERE fragments for PostgreSQL, MySQL and SQLite.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		settings, settingsPath, err = LoadSettings(settingsFile)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}
		settings.Config = resolveString(configFile, settings.Config)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "settings file (default: auto-discover rls.yaml)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "policy configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveString returns the first non-empty string from the provided values.
func resolveString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
