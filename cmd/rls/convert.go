package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rls"
)

var convertCmd = &cobra.Command{
	Use:     "convert <input> <output>",
	Short:   "Convert a configuration between YAML and JSON",
	Example: `  rls convert policies.yaml policies.json`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := rls.NewConfigLoader().LoadFile(args[0])
		if err != nil {
			return fmt.Errorf("loading %s: %w", args[0], err)
		}
		if err := saveConfig(cfg, args[1]); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("Converted %s -> %s\n", args[0], args[1])
		}
		return nil
	},
}

func saveConfig(cfg *rls.Config, filename string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
