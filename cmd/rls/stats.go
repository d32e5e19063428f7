package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rls"
)

var statsCmd = &cobra.Command{
	Use:     "stats [file]",
	Short:   "Show configuration statistics",
	Example: `  rls stats policies.yaml`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadPolicyConfig(args)
		if err != nil {
			return err
		}
		printStats(cfg, path)
		return nil
	},
}

func printStats(cfg *rls.Config, path string) {
	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat, err := os.Stat(path); err == nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		enabled, conditions := 0, 0
		byTable := map[string]int{}
		byRole := map[string]int{}
		byType := map[rls.FilterType]int{}
		byOperator := map[string]int{}
		for _, p := range cfg.Policies {
			if p.Enabled {
				enabled++
			}
			table := p.Scope.TableName
			if table == "" {
				table = "*"
			}
			byTable[table]++
			for _, r := range p.RoleIDs {
				byRole[r]++
			}
			countConditions(&p.FilterGroup, byType, byOperator, &conditions)
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Enabled:    %d\n", enabled)
		fmt.Printf("  Disabled:   %d\n", len(cfg.Policies)-enabled)
		fmt.Printf("  Conditions: %d\n", conditions)
		for _, ft := range []rls.FilterType{rls.FilterStatic, rls.FilterDynamic, rls.FilterExpression} {
			fmt.Printf("    %-10s  %d\n", ft, byType[ft])
		}
		printCounts("By table", byTable)
		printCounts("By role", byRole)
		printCounts("By operator", byOperator)
		fmt.Println()
	}

	if cfg.Settings != nil {
		s := cfg.Settings
		fmt.Println("Settings:")
		fmt.Printf("  Enabled:       %t\n", s.Enabled)
		fmt.Printf("  Default deny:  %t\n", s.DefaultDeny)
		fmt.Printf("  Audit mode:    %t\n", s.AuditMode)
		fmt.Printf("  Fail open:     %t\n", s.FailOpen)
		fmt.Printf("  Cache TTL:     %ds\n", s.CacheTTLSeconds)
		fmt.Printf("  Dialect:       %s\n", s.Dialect)
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Audit batch size:      %d\n", cfg.Engine.AuditBatchSize)
	fmt.Printf("  Audit flush interval:  %dms\n", cfg.Engine.AuditFlushInterval)
	fmt.Printf("  Batch worker count:    %d\n", cfg.Engine.BatchWorkerCount)
}

func printCounts(title string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s:\n", title)
	for _, k := range keys {
		fmt.Printf("    %-20s  %d\n", k, counts[k])
	}
}

func countConditions(g *rls.RLSConditionGroup, byType map[rls.FilterType]int, byOperator map[string]int, total *int) {
	for _, c := range g.Conditions {
		byType[c.FilterType]++
		byOperator[string(c.Operator)]++
		*total++
	}
	for i := range g.Groups {
		countConditions(&g.Groups[i], byType, byOperator, total)
	}
}
