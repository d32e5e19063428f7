package rls_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/oarkflow/rls"
	"github.com/oarkflow/rls/logger"
	"github.com/oarkflow/rls/stores"
)

// NoOpAuditStore implements AuditStore but does nothing
type NoOpAuditStore struct{}

func (s *NoOpAuditStore) LogDecisions(ctx context.Context, entries []*rls.AuditEntry) error {
	return nil
}

func (s *NoOpAuditStore) GetAccessLog(ctx context.Context, filter rls.AuditFilter) ([]*rls.AuditEntry, error) {
	return nil, nil
}

func benchEngine(b *testing.B, numPolicies int, cfg rls.RLSConfiguration) *rls.Engine {
	b.Helper()
	ctx := context.Background()
	ps := stores.NewMemoryPolicyStore()
	for i := 0; i < numPolicies; i++ {
		table := fmt.Sprintf("table_%d", i%50)
		if i == 0 {
			table = "orders"
		}
		p := rls.NewPolicyBuilder(fmt.Sprintf("p-%d", i), "bench").Table(table).Priority(i % 7).Roles("sales").
			Filter(rls.And(fmt.Sprintf("g-%d", i)).
				UserAttr("region", rls.OpEquals, "region").
				Static("status", rls.OpIn, []any{"open", "paid", "shipped"}).
				Group(rls.Or(fmt.Sprintf("o-%d", i)).
					UserAttr("owner_id", rls.OpEquals, "user_id").
					CustomAttr("team_id", rls.OpIn, "teams"))).
			Build()
		_ = ps.CreatePolicy(ctx, p)
	}
	eng, err := rls.NewEngine(ps, nil, nil, &NoOpAuditStore{},
		rls.WithLogger(logger.NewNullLogger()), rls.WithConfiguration(cfg))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { eng.Close(ctx) })
	return eng
}

func benchRequest() *rls.RLSFilterRequest {
	return &rls.RLSFilterRequest{
		TableName: "orders",
		UserContext: rls.UserSecurityContext{
			UserID:     "bench-user",
			Roles:      []string{"sales"},
			Attributes: map[string]any{"region": "EU", "teams": []string{"t1", "t2"}},
		},
	}
}

func BenchmarkEvaluateCached(b *testing.B) {
	eng := benchEngine(b, 100, rls.DefaultConfiguration())
	ctx := context.Background()
	req := benchRequest()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eng.EvaluateAccess(ctx, req)
	}
}

func BenchmarkEvaluateUncached(b *testing.B) {
	cfg := rls.DefaultConfiguration()
	cfg.CacheTTLSeconds = 0
	eng := benchEngine(b, 100, cfg)
	ctx := context.Background()
	req := benchRequest()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eng.EvaluateAccess(ctx, req)
	}
}

func benchmarkEvaluateN(b *testing.B, n int) {
	cfg := rls.DefaultConfiguration()
	cfg.CacheTTLSeconds = 0
	eng := benchEngine(b, n, cfg)
	ctx := context.Background()
	req := benchRequest()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eng.EvaluateAccess(ctx, req)
	}
}

func BenchmarkEvaluate_1kPolicies(b *testing.B)  { benchmarkEvaluateN(b, 1000) }
func BenchmarkEvaluate_10kPolicies(b *testing.B) { benchmarkEvaluateN(b, 10000) }

func BenchmarkEvaluateParallel(b *testing.B) {
	eng := benchEngine(b, 100, rls.DefaultConfiguration())
	ctx := context.Background()
	b.RunParallel(func(pb *testing.PB) {
		req := benchRequest()
		for pb.Next() {
			_, _ = eng.EvaluateAccess(ctx, req)
		}
	})
}

func BenchmarkReloadPolicies(b *testing.B) {
	eng := benchEngine(b, 1000, rls.DefaultConfiguration())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eng.ReloadPolicies(ctx)
	}
}

func BenchmarkCompileAndEmit(b *testing.B) {
	group := rls.And("g").
		UserAttr("region", rls.OpEquals, "region").
		Static("status", rls.OpIn, []any{"open", "paid", "shipped"}).
		Group(rls.Or("o").UserAttr("owner_id", rls.OpEquals, "user_id").CustomAttr("team_id", rls.OpIn, "teams")).
		Build()
	sc := &benchRequest().UserContext
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := rls.CompileGroup(&group, sc)
		_, _ = rls.Emit(rls.Simplify(res.Node), rls.DialectPostgres)
	}
}

func BenchmarkConfigYAMLDecode(b *testing.B) {
	loader := rls.NewConfigLoader()
	data := []byte(workspaceYAML)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}
