package rls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine) error

// Engine evaluates RLS policies for requests. It is safe for concurrent use.
type Engine struct {
	policies    PolicyRepository
	roles       RoleStore
	memberships RoleMembershipStore
	auditStore  AuditStore

	resolver      *ContextResolver
	providers     []AttributeProvider
	exprValidator ExpressionValidator
	recorder      *AuditRecorder
	auditOpts     AuditRecorderOptions
	cache         DecisionCache
	ownedCache    *RistrettoDecisionCache
	batchWorkers  int

	config   atomic.Pointer[RLSConfiguration]
	snapshot atomic.Pointer[policySnapshot]
	reloadMu sync.Mutex

	logger      Logger
	traceIDFunc TraceIDFunc
}

// WithDecisionCache replaces the default ristretto cache.
func WithDecisionCache(c DecisionCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithAttributeProvider adds a source of user attributes.
func WithAttributeProvider(p AttributeProvider) EngineOption {
	return func(e *Engine) error {
		if p == nil {
			return errors.New("rls: nil attribute provider")
		}
		e.providers = append(e.providers, p)
		return nil
	}
}

// WithExpressionValidator checks expression conditions at policy-write time.
func WithExpressionValidator(v ExpressionValidator) EngineOption {
	return func(e *Engine) error {
		e.exprValidator = v
		return nil
	}
}

// WithConfiguration sets the initial workspace configuration.
func WithConfiguration(cfg RLSConfiguration) EngineOption {
	return func(e *Engine) error {
		if err := validateConfiguration(cfg); err != nil {
			return err
		}
		e.config.Store(&cfg)
		return nil
	}
}

// WithAuditOptions sizes the asynchronous audit queue.
func WithAuditOptions(opts AuditRecorderOptions) EngineOption {
	return func(e *Engine) error {
		e.auditOpts = opts
		return nil
	}
}

// WithBatchWorkers bounds the concurrency of BatchEvaluate.
func WithBatchWorkers(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("rls: batch workers must be positive, got %d", n)
		}
		e.batchWorkers = n
		return nil
	}
}

// NewEngine wires an engine to its stores. roles, memberships and audit may be
// nil; policies may not.
func NewEngine(policies PolicyRepository, roles RoleStore, memberships RoleMembershipStore, audit AuditStore, opts ...EngineOption) (*Engine, error) {
	if policies == nil {
		return nil, errors.New("rls: policy repository is required")
	}
	e := &Engine{
		policies:     policies,
		roles:        roles,
		memberships:  memberships,
		auditStore:   audit,
		batchWorkers: 8,
		logger:       logger.NewPhusluLogger(),
		traceIDFunc:  uuid.NewString,
	}
	cfg := DefaultConfiguration()
	e.config.Store(&cfg)
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		rc, err := NewRistrettoDecisionCache(0, 0, 0)
		if err != nil {
			return nil, err
		}
		e.cache, e.ownedCache = rc, rc
	}
	// evaluate bounds store calls with the live store_timeout_ms
	e.resolver = NewContextResolver(memberships, 0, e.providers...)
	e.recorder = NewAuditRecorder(audit, e.logger, e.auditOpts)
	return e, nil
}

// Close drains the audit queue and releases the default cache.
func (e *Engine) Close(ctx context.Context) error {
	err := e.recorder.Close(ctx)
	if e.ownedCache != nil {
		e.ownedCache.Close()
	}
	return err
}

// Configuration returns a copy of the current workspace configuration.
func (e *Engine) Configuration() RLSConfiguration {
	return *e.config.Load()
}

// AuditRecorder exposes queue statistics.
func (e *Engine) AuditRecorder() *AuditRecorder { return e.recorder }

// InvalidateDecisionCache drops every cached decision.
func (e *Engine) InvalidateDecisionCache(ctx context.Context) {
	e.cache.Clear(ctx)
}

// ============================================================================
// POLICY SNAPSHOT
// ============================================================================

// policySnapshot is an immutable view of the enabled policies at one
// repository generation, bucketed by table name.
type policySnapshot struct {
	generation uint64
	byTable    map[string][]*RLSPolicy
	wildcard   []*RLSPolicy
	count      int
}

func newPolicySnapshot(gen uint64, policies []*RLSPolicy) *policySnapshot {
	s := &policySnapshot{generation: gen, byTable: make(map[string][]*RLSPolicy)}
	for _, p := range policies {
		if p == nil || !p.Enabled {
			continue
		}
		s.count++
		if p.Scope.TableName == "" {
			s.wildcard = append(s.wildcard, p)
			continue
		}
		s.byTable[p.Scope.TableName] = append(s.byTable[p.Scope.TableName], p)
	}
	return s
}

func (s *policySnapshot) candidates(table string) []*RLSPolicy {
	exact := s.byTable[table]
	out := make([]*RLSPolicy, 0, len(exact)+len(s.wildcard))
	out = append(out, exact...)
	return append(out, s.wildcard...)
}

// currentSnapshot returns the snapshot for the repository's generation,
// rebuilding it when the generation moved.
func (e *Engine) currentSnapshot(ctx context.Context) (*policySnapshot, error) {
	gen, err := e.policies.Generation(ctx)
	if err != nil {
		return nil, &StoreError{Op: "read generation", Err: err}
	}
	if s := e.snapshot.Load(); s != nil && s.generation == gen {
		return s, nil
	}
	return e.rebuildSnapshot(ctx, gen)
}

func (e *Engine) rebuildSnapshot(ctx context.Context, gen uint64) (*policySnapshot, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	if s := e.snapshot.Load(); s != nil && s.generation == gen {
		return s, nil
	}
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list policies", Err: err}
	}
	s := newPolicySnapshot(gen, policies)
	e.snapshot.Store(s)
	e.logger.Debug("policy snapshot rebuilt", "generation", gen, "policies", s.count)
	return s, nil
}

// ReloadPolicies forces a snapshot rebuild and clears the decision cache.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	gen, err := e.policies.Generation(ctx)
	if err != nil {
		return &StoreError{Op: "read generation", Err: err}
	}
	e.snapshot.Store(nil)
	if _, err := e.rebuildSnapshot(ctx, gen); err != nil {
		return err
	}
	e.cache.Clear(ctx)
	return nil
}

// ============================================================================
// EVALUATION
// ============================================================================

type evalOptions struct {
	trace    bool
	noCache  bool
	noAudit  bool
	unmasked bool
	draft    *RLSPolicy
}

type evaluation struct {
	resp     *RLSFilterResponse
	decision *PolicyDecision
	dialect  Dialect
	trace    []string
}

func (ev *evaluation) step(on bool, format string, args ...any) {
	if on {
		ev.trace = append(ev.trace, fmt.Sprintf(format, args...))
	}
}

// EvaluateAccess decides whether the request may proceed and with which
// filter. Store and emitter failures are reported as denials, not errors;
// the error return is reserved for malformed requests.
func (e *Engine) EvaluateAccess(ctx context.Context, req *RLSFilterRequest) (*RLSFilterResponse, error) {
	ev, err := e.evaluate(ctx, req, evalOptions{})
	if err != nil {
		return nil, err
	}
	return ev.resp, nil
}

// Explain evaluates like EvaluateAccess but bypasses the cache and records
// the state transitions in the response trace.
func (e *Engine) Explain(ctx context.Context, req *RLSFilterRequest) (*RLSFilterResponse, error) {
	ev, err := e.evaluate(ctx, req, evalOptions{trace: true, noCache: true})
	if err != nil {
		return nil, err
	}
	return ev.resp, nil
}

func (e *Engine) evaluate(ctx context.Context, req *RLSFilterRequest, opts evalOptions) (*evaluation, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cfg := e.Configuration()
	dialect := cfg.Dialect
	if req.Dialect != "" {
		dialect = req.Dialect
	}
	dialect, err := ParseDialect(string(dialect))
	if err != nil {
		return nil, invalidRequest(err.Error())
	}
	res := req.Resource()
	ev := &evaluation{dialect: dialect}
	traceID := e.traceIDFunc()
	ev.step(opts.trace, "Start: %s for user %s", res, req.UserContext.UserID)

	entry := &AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: start,
		TraceID:   traceID,
		UserID:    req.UserContext.UserID,
		Resource:  res,
		AuditMode: cfg.AuditMode,
	}

	if !cfg.Enabled {
		ev.step(opts.trace, "Returned: row-level security disabled")
		ev.resp = unrestrictedResponse()
		entry.Reason = "rls disabled"
		e.finish(ev, entry, cfg, opts, traceID, start)
		return ev, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, cfg.storeTimeout())
	defer cancel()

	sc, err := e.resolver.Resolve(storeCtx, req.UserContext)
	if err != nil {
		e.storeFailure(ev, entry, cfg, opts, err)
		e.finish(ev, entry, cfg, opts, traceID, start)
		return ev, nil
	}
	entry.Roles = sc.Roles
	ev.step(opts.trace, "ContextResolved: roles=%v attributes=%d", sc.Roles, len(sc.Attributes))

	snap, err := e.currentSnapshot(storeCtx)
	if err != nil {
		e.storeFailure(ev, entry, cfg, opts, err)
		e.finish(ev, entry, cfg, opts, traceID, start)
		return ev, nil
	}

	useCache := !opts.noCache && opts.draft == nil && cfg.cacheTTL() > 0
	var key string
	if useCache {
		key = CacheKey(CacheKeyInput{
			UserID:       sc.UserID,
			ConnectionID: res.ConnectionID,
			SchemaName:   res.SchemaName,
			TableName:    res.TableName,
			Roles:        sc.Roles,
			Attributes:   sc.Attributes,
			Generation:   snap.generation,
			Dialect:      dialect,
			Config:       cfg,
		})
		if cached, ok := e.cache.Get(ctx, key); ok {
			cached.FromCache = true
			ev.resp = cached
			ev.step(opts.trace, "Cached: generation=%d", snap.generation)
			entry.CacheHit = true
			entry.PoliciesApplied = cached.PoliciesApplied
			entry.Failures = cached.Failures
			e.finish(ev, entry, cfg, opts, traceID, start)
			return ev, nil
		}
	}

	candidates := snap.candidates(res.TableName)
	if opts.draft != nil {
		candidates = withDraft(candidates, opts.draft)
	}
	decision := ResolvePolicies(res, sc, candidates, cfg.PolicyCombination)
	ev.decision = &decision
	entry.MatchedPolicies = decision.matchedForAudit()
	ev.step(opts.trace, "PoliciesMatched: %v", decision.policyIDs())
	for i, n := range decision.Nodes {
		ev.step(opts.trace, "Compiled: %s -> %s", decision.Matched[i].ID, n)
	}
	for _, f := range decision.Failures {
		e.logger.Warn("rls condition failed closed",
			"trace_id", traceID, "policy", f.PolicyID, "condition", f.ConditionID, "reason", string(f.Reason), "detail", f.Detail)
	}
	ev.step(opts.trace, "Combined: %s", decision.Combined)

	resp, emitErr := decision.BuildResponse(cfg, dialect)
	if emitErr != nil {
		e.logger.Error("rls filter emission failed", "trace_id", traceID, "resource", res.String(), "error", emitErr)
		entry.Reason = emitErr.Error()
	}
	ev.resp = resp
	ev.step(opts.trace, "Computed: %s", resp.Decision())
	if useCache {
		e.cache.Set(ctx, key, resp, cfg.cacheTTL())
	}
	entry.PoliciesApplied = resp.PoliciesApplied
	entry.Failures = resp.Failures
	e.finish(ev, entry, cfg, opts, traceID, start)
	return ev, nil
}

func (e *Engine) storeFailure(ev *evaluation, entry *AuditEntry, cfg RLSConfiguration, opts evalOptions, err error) {
	e.logger.Error("rls store unavailable", "trace_id", entry.TraceID, "fail_open", cfg.FailOpen, "error", err)
	entry.Reason = err.Error()
	if cfg.FailOpen {
		ev.resp = unrestrictedResponse()
		ev.step(opts.trace, "Errored: %v (fail open)", err)
		return
	}
	ev.resp = deniedResponse(ReasonStoreUnavailable)
	ev.step(opts.trace, "Errored: %v", err)
}

// finish applies audit-mode masking, logs and records the decision.
func (e *Engine) finish(ev *evaluation, entry *AuditEntry, cfg RLSConfiguration, opts evalOptions, traceID string, start time.Time) {
	computed := ev.resp
	if computed.WhereClause != nil {
		entry.WhereClause = *computed.WhereClause
	}
	entry.Decision = computed.Decision()
	if entry.Reason == "" && computed.DenialReason != nil {
		entry.Reason = *computed.DenialReason
	}
	entry.Duration = time.Since(start)

	out := computed
	if cfg.AuditMode && !opts.unmasked {
		out = &RLSFilterResponse{
			AuditMode:       true,
			PoliciesApplied: []string{},
			Computed:        computed,
			FromCache:       computed.FromCache,
		}
	}
	out.TraceID = traceID
	if opts.trace {
		ev.trace = append(ev.trace, "Audited", "Returned")
		out.Trace = ev.trace
	}
	ev.resp = out

	e.logger.Info("rls decision",
		"trace_id", traceID,
		"user", entry.UserID,
		"resource", entry.Resource.String(),
		"decision", entry.Decision,
		"policies", len(entry.PoliciesApplied),
		"cache_hit", entry.CacheHit,
		"audit_mode", cfg.AuditMode,
		"duration", entry.Duration,
	)
	if !opts.noAudit {
		e.recorder.Record(entry)
	}
}

// withDraft substitutes draft for the stored policy with the same id.
func withDraft(candidates []*RLSPolicy, draft *RLSPolicy) []*RLSPolicy {
	out := make([]*RLSPolicy, 0, len(candidates)+1)
	for _, p := range candidates {
		if p.ID != draft.ID {
			out = append(out, p)
		}
	}
	return append(out, draft)
}

// ============================================================================
// BATCH EVALUATION
// ============================================================================

// BatchEvaluate evaluates requests concurrently. Every request is validated
// before any work starts; results are returned in request order.
func (e *Engine) BatchEvaluate(ctx context.Context, reqs []*RLSFilterRequest) ([]*RLSFilterResponse, error) {
	for i, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}
	out := make([]*RLSFilterResponse, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchWorkers)
	for i, r := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			resp, err := e.EvaluateAccess(gctx, r)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
