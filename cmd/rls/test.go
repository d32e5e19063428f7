package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/oarkflow/rls"
)

var (
	testUser       string
	testRoles      []string
	testAttrs      map[string]string
	testConnection string
	testSchema     string
	testTable      string
	testDialect    string
	testDraft      string
	testText       bool
)

var testCmd = &cobra.Command{
	Use:   "test [file]",
	Short: "Evaluate a request against a configuration",
	Long: `Load the configuration into an in-memory engine and evaluate one request.
The compiled clause is printed with placeholders and with inlined literals.
The inline form is for review only.`,
	Example: `  rls test policies.yaml --user u1 --role sales --attr region=EU --table orders
  rls test policies.yaml --user u1 --role sales --table orders --draft draft.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadPolicyConfig(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		rt, err := buildRuntime(ctx, settings, cfg, true)
		if err != nil {
			return err
		}
		defer rt.Close(ctx)

		req := &rls.RLSFilterRequest{
			ConnectionID: testConnection,
			SchemaName:   testSchema,
			TableName:    testTable,
			Dialect:      rls.Dialect(resolveString(testDialect, settings.Eval.Dialect)),
			UserContext: rls.UserSecurityContext{
				UserID:     testUser,
				Roles:      testRoles,
				Attributes: parseAttributes(testAttrs),
			},
		}

		var res *rls.TestAccessResult
		if testDraft != "" {
			draft, derr := loadDraft(testDraft)
			if derr != nil {
				return derr
			}
			res, err = rt.engine.SimulatePolicy(ctx, draft, req)
		} else {
			res, err = rt.engine.TestAccess(ctx, req)
		}
		if err != nil {
			return err
		}
		if testText {
			printResult(res)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	testCmd.Flags().StringVar(&testUser, "user", "", "user id")
	testCmd.Flags().StringSliceVar(&testRoles, "role", nil, "role id (repeatable)")
	testCmd.Flags().StringToStringVar(&testAttrs, "attr", nil, "user attribute key=value (repeatable)")
	testCmd.Flags().StringVar(&testConnection, "connection", "", "connection id")
	testCmd.Flags().StringVar(&testSchema, "schema", "", "schema name")
	testCmd.Flags().StringVar(&testTable, "table", "", "table name")
	testCmd.Flags().StringVar(&testDialect, "dialect", "", "postgres, mysql or sqlite")
	testCmd.Flags().StringVar(&testDraft, "draft", "", "JSON or YAML file with a draft policy to simulate")
	testCmd.Flags().BoolVar(&testText, "text", false, "print a human readable summary instead of JSON")
}

// parseAttributes keeps numbers and booleans typed so coercion behaves as it
// would for JSON input.
func parseAttributes(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out
}

func loadDraft(path string) (*rls.RLSPolicy, error) {
	cfg, err := rls.NewConfigLoader().LoadFile(path)
	if err == nil && len(cfg.Policies) == 1 {
		return cfg.Policies[0], nil
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, rerr
	}
	var p rls.RLSPolicy
	if jerr := rls.DecodeJSON(data, &p); jerr != nil {
		return nil, fmt.Errorf("draft %s: expected a policy or a config with one policy", path)
	}
	return &p, nil
}

func printResult(res *rls.TestAccessResult) {
	resp := res.Response
	fmt.Printf("Decision: %s\n", resp.Decision())
	if resp.DenialReason != nil {
		fmt.Printf("Reason:   %s\n", *resp.DenialReason)
	}
	fmt.Printf("Dialect:  %s\n", res.Dialect)
	fmt.Printf("Policies: %v\n", resp.PoliciesApplied)
	if resp.WhereClause != nil {
		fmt.Printf("Where:    %s\n", *resp.WhereClause)
		fmt.Printf("Params:   %v\n", resp.Parameters)
	}
	if res.InlineClause != "" {
		fmt.Printf("Inline:   %s\n", res.InlineClause)
	}
	for _, f := range resp.Failures {
		fmt.Printf("Failure:  %s/%s %s %s\n", f.PolicyID, f.ConditionID, f.Reason, f.Detail)
	}
	if len(res.Trace) > 0 {
		fmt.Println("Trace:")
		for _, step := range res.Trace {
			fmt.Printf("  %s\n", step)
		}
	}
}
